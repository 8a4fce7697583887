package stream

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

const fragA = `{"candidates":[{"content":{"role":"model","parts":[{"text":"alpha "}]}}]}`
const fragB = `{"candidates":[{"content":{"role":"model","parts":[{"text":"beta"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":10,"candidatesTokenCount":5,"totalTokenCount":15}}`

func TestFeed_ConcatenatedObjectsOneRead(t *testing.T) {
	a := NewAssembler()
	a.Feed([]byte(fragA + fragB))

	if a.FragmentCount() != 2 {
		t.Fatalf("got %d fragments, want 2", a.FragmentCount())
	}
}

func TestFeed_SplitAtObjectBoundary(t *testing.T) {
	a := NewAssembler()
	a.Feed([]byte(fragA))
	a.Feed([]byte(fragB))

	if a.FragmentCount() != 2 {
		t.Fatalf("got %d fragments, want 2", a.FragmentCount())
	}

	// Same merge as the single-read case.
	resp, err := a.Finish()
	if err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	if resp.Text != "alpha beta" {
		t.Errorf("Text = %q, want %q", resp.Text, "alpha beta")
	}
}

func TestFeed_SplitMidObject(t *testing.T) {
	a := NewAssembler()
	whole := fragA + fragB
	// Split inside the second object; the tail must be carried over.
	cut := len(fragA) + 20
	a.Feed([]byte(whole[:cut]))
	if a.FragmentCount() != 1 {
		t.Fatalf("after partial read got %d fragments, want 1", a.FragmentCount())
	}
	a.Feed([]byte(whole[cut:]))
	if a.FragmentCount() != 2 {
		t.Fatalf("after full read got %d fragments, want 2", a.FragmentCount())
	}
}

func TestFeed_ByteAtATime(t *testing.T) {
	a := NewAssembler()
	for _, b := range []byte(fragA + fragB) {
		a.Feed([]byte{b})
	}
	if a.FragmentCount() != 2 {
		t.Fatalf("got %d fragments, want 2", a.FragmentCount())
	}
}

func TestFeed_BracesInsideStrings(t *testing.T) {
	a := NewAssembler()
	a.Feed([]byte(`{"candidates":[{"content":{"parts":[{"text":"a{b}c"}]}}]}`))

	if a.FragmentCount() != 1 {
		t.Fatalf("got %d fragments, want 1", a.FragmentCount())
	}
	resp, err := a.Finish()
	if err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	if resp.Text != "a{b}c" {
		t.Errorf("Text = %q, want %q", resp.Text, "a{b}c")
	}
}

func TestFeed_EscapedQuotesInsideStrings(t *testing.T) {
	a := NewAssembler()
	a.Feed([]byte(`{"candidates":[{"content":{"parts":[{"text":"she said \"{\" loudly"}]}}]}`))

	if a.FragmentCount() != 1 {
		t.Fatalf("got %d fragments, want 1", a.FragmentCount())
	}
}

func TestFeed_UnrecognizedCandidatesDropped(t *testing.T) {
	a := NewAssembler()
	a.Feed([]byte(`{"a":1}{"b":2}` + fragB + `not json {{{`))

	if a.FragmentCount() != 1 {
		t.Fatalf("got %d fragments, want 1", a.FragmentCount())
	}
}

func TestFinish_EmptyStream(t *testing.T) {
	a := NewAssembler()
	a.Feed([]byte(`{"a":1}{"b":2}`))

	_, err := a.Finish()
	if !errors.Is(err, ErrEmptyStream) {
		t.Fatalf("expected ErrEmptyStream, got %v", err)
	}
}

func TestFinish_MetadataLastWins(t *testing.T) {
	a := NewAssembler()
	a.Feed([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"x"}]},"finishReason":"MAX_TOKENS"}]}`))
	a.Feed([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"y"}]},"finishReason":"STOP"}],"usageMetadata":{"totalTokenCount":7}}`))

	resp, err := a.Finish()
	if err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	if resp.FinishReason != "STOP" {
		t.Errorf("FinishReason = %q, want STOP", resp.FinishReason)
	}
	if resp.Usage.TotalTokens != 7 {
		t.Errorf("TotalTokens = %d, want 7", resp.Usage.TotalTokens)
	}
	if resp.Text != "xy" {
		t.Errorf("Text = %q, want %q", resp.Text, "xy")
	}
}

func TestFinish_ErrorFragment(t *testing.T) {
	a := NewAssembler()
	a.Feed([]byte(`{"error":{"code":429,"status":"RESOURCE_EXHAUSTED","message":"quota"}}`))

	resp, err := a.Finish()
	if err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	if resp.Err == nil || resp.Err.Code != 429 {
		t.Fatalf("expected embedded 429 error, got %+v", resp.Err)
	}
}

func TestReadAll_SingleBodyPassthrough(t *testing.T) {
	resp, err := ReadAll(context.Background(), strings.NewReader(fragB))
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if resp.Text != "beta" {
		t.Errorf("Text = %q, want beta", resp.Text)
	}
	if resp.Usage.PromptTokens != 10 {
		t.Errorf("PromptTokens = %d, want 10", resp.Usage.PromptTokens)
	}
}

// slowReader blocks until its context is done, mimicking a stalled stream.
type slowReader struct {
	ctx context.Context
}

func (r *slowReader) Read(p []byte) (int, error) {
	<-r.ctx.Done()
	return 0, r.ctx.Err()
}

func TestReadAll_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := ReadAll(ctx, &slowReader{ctx: ctx})
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ReadAll did not return after cancellation")
	}
}

func TestReadAll_ReadError(t *testing.T) {
	r := io.MultiReader(strings.NewReader(fragA), &failingReader{})
	_, err := ReadAll(context.Background(), r)
	if err == nil {
		t.Fatal("expected read error")
	}
}

type failingReader struct{}

func (failingReader) Read(p []byte) (int, error) {
	return 0, errors.New("connection reset by peer")
}
