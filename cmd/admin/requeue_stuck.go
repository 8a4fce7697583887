// Admin tool: returns pages stuck in processing after a crashed run back to
// the pending queue.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/quizpix/scanworker/internal/infra/storage/postgres"
)

func main() {
	dbURL := flag.String("db", os.Getenv("DATABASE_URL"), "PostgreSQL connection URL")
	age := flag.Duration("age", time.Hour, "How long a page must sit in processing before it counts as stuck")
	flag.Parse()

	_ = godotenv.Load()
	if *dbURL == "" {
		*dbURL = os.Getenv("DATABASE_URL")
	}
	if *dbURL == "" {
		fmt.Fprintln(os.Stderr, "no database URL: pass -db or set DATABASE_URL")
		os.Exit(1)
	}

	ctx := context.Background()
	db, err := postgres.NewDB(ctx, postgres.Config{URL: *dbURL})
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	n, err := postgres.NewPageRepo(db).ResetStuck(ctx, *age)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reset stuck pages: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Requeued %d stuck pages (older than %s)\n", n, *age)
}
