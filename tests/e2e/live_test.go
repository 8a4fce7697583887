package e2e

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/quizpix/scanworker/internal/control"
	"github.com/quizpix/scanworker/internal/core/config"
	"github.com/quizpix/scanworker/internal/core/domain"
)

// Minimal 1x1 white PNG, enough for the endpoint to accept the payload.
var tinyPNG = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d,
	0x49, 0x48, 0x44, 0x52, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x02, 0x00, 0x00, 0x00, 0x90, 0x77, 0x53, 0xde, 0x00, 0x00, 0x00,
	0x0c, 0x49, 0x44, 0x41, 0x54, 0x08, 0xd7, 0x63, 0xf8, 0xff, 0xff, 0x3f,
	0x00, 0x05, 0xfe, 0x02, 0xfe, 0xdc, 0xcc, 0x59, 0xe7, 0x00, 0x00, 0x00,
	0x00, 0x49, 0x45, 0x4e, 0x44, 0xae, 0x42, 0x60, 0x82,
}

func TestPipeline_Live(t *testing.T) {
	if os.Getenv("E2E_LIVE") == "" {
		t.Skip("Skipping live E2E test. Set E2E_LIVE=true to run.")
	}
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		t.Skip("Skipping live E2E test. Set GEMINI_API_KEY to run.")
	}

	keysPath := filepath.Join(t.TempDir(), "keys.txt")
	if err := os.WriteFile(keysPath, []byte(apiKey+"\n"), 0o600); err != nil {
		t.Fatalf("Failed to write keys file: %v", err)
	}

	cfg := control.Config{
		Port: 0,
		AI: config.AIConfig{
			KeysFile:       keysPath,
			DetectModel:    "gemini-2.0-flash",
			AnalyzeModel:   "gemini-2.0-flash",
			Stream:         true,
			RequestTimeout: 90 * time.Second,
			KeyDelay:       2 * time.Second,
			KeyMaxDelay:    60 * time.Second,
		},
		Batch: config.BatchConfig{
			BatchSize:    5,
			Concurrency:  1,
			IdleInterval: time.Second,
		},
	}

	worker, err := control.NewWorker(cfg)
	if err != nil {
		t.Fatalf("Failed to create worker: %v", err)
	}

	// Seed one page with its image in the memory store
	store := worker.Store()
	store.AddImage("live-page-1", tinyPNG, "image/png")
	pageID := store.AddPage(&domain.ScanPage{ImageRef: "live-page-1", Subject: "math"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if err := worker.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Poll until the page reaches a terminal state
	for {
		page := store.Page(pageID)
		if page.Status == domain.PageStatusDone || page.Status == domain.PageStatusFailed {
			t.Logf("page settled: status=%s last_error=%q", page.Status, page.LastError)
			break
		}
		select {
		case <-ctx.Done():
			t.Fatalf("page never settled: status=%s", page.Status)
		case <-time.After(2 * time.Second):
		}
	}

	cancel()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := worker.Stop(stopCtx); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
}
