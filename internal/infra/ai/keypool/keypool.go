// Package keypool owns the API credential list, its rotation cursor, and
// per-credential adaptive backoff state.
package keypool

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ConfigError indicates an unusable credential source. It is fatal and
// aborts startup.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("keypool config: %s", e.Msg)
}

// Pool rotates API keys in strict round-robin order and tracks an adaptive
// backoff delay per key. Two concurrent callers may receive the same key;
// the pool guarantees fairness of selection, not exclusivity.
type Pool struct {
	keys   []string
	cursor atomic.Uint64

	mu      sync.Mutex
	delays  map[string]time.Duration
	initial time.Duration
	max     time.Duration
}

// New creates a pool over the given keys. The delay for every key starts at
// initial, doubles on IncreaseDelay up to max, and snaps back to initial on
// ResetDelay.
func New(keys []string, initial, max time.Duration) (*Pool, error) {
	if len(keys) == 0 {
		return nil, &ConfigError{Msg: "no API keys provided"}
	}
	return &Pool{
		keys:    keys,
		delays:  make(map[string]time.Duration, len(keys)),
		initial: initial,
		max:     max,
	}, nil
}

// Load parses a line-oriented key list: surrounding whitespace is trimmed,
// blank lines and lines starting with '#' are skipped.
func Load(r io.Reader) ([]string, error) {
	var keys []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		keys = append(keys, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read key list: %w", err)
	}
	if len(keys) == 0 {
		return nil, &ConfigError{Msg: "key list is empty"}
	}
	return keys, nil
}

// LoadFile reads a key list from disk via Load.
func LoadFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &ConfigError{Msg: fmt.Sprintf("open key file %s: %v", path, err)}
	}
	defer f.Close()
	return Load(f)
}

// Next returns the next key in cyclic order. The cursor advance is a single
// atomic increment, so concurrent callers each get a well-defined slot.
func (p *Pool) Next() string {
	n := p.cursor.Add(1) - 1
	return p.keys[n%uint64(len(p.keys))]
}

// Len returns the number of keys in the pool.
func (p *Pool) Len() int {
	return len(p.keys)
}

// Delay returns the current backoff for key, defaulting to the initial value.
func (p *Pool) Delay(key string) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if d, ok := p.delays[key]; ok {
		return d
	}
	return p.initial
}

// IncreaseDelay doubles the backoff for key, clamped to the configured
// maximum, and returns the stored value.
func (p *Pool) IncreaseDelay(key string) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.delays[key]
	if !ok {
		d = p.initial
	}
	d *= 2
	if d > p.max {
		d = p.max
	}
	p.delays[key] = d
	return d
}

// ResetDelay returns key's backoff to the initial value.
func (p *Pool) ResetDelay(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delays[key] = p.initial
}

// maskSuffixLen is how many trailing characters of a key are surfaced in
// logs and telemetry. The full secret is never emitted.
const maskSuffixLen = 4

// Mask returns a fixed-length suffix of key for logging.
func Mask(key string) string {
	if len(key) <= maskSuffixLen {
		return "..." + key
	}
	return "..." + key[len(key)-maskSuffixLen:]
}
