package timeout

import (
	"context"
	"errors"
	"runtime"
	"testing"
	"time"

	"solver/pkg/agent/llm"
	"solver/pkg/agent/llmerrors"
)

// slowClient blocks until its context is done or the configured delay passes.
type slowClient struct {
	delay time.Duration
}

func (s *slowClient) Complete(ctx context.Context, _ llm.CompletionRequest) (llm.CompletionResponse, error) {
	select {
	case <-time.After(s.delay):
		return llm.CompletionResponse{Content: "done"}, nil
	case <-ctx.Done():
		return llm.CompletionResponse{}, ctx.Err()
	}
}

func (s *slowClient) Stream(ctx context.Context, _ llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	ch := make(chan llm.StreamChunk, 2)
	ch <- llm.StreamChunk{Content: "done"}
	ch <- llm.StreamChunk{Done: true}
	close(ch)
	return ch, nil
}

func (s *slowClient) GetModelName() string { return "test-model" }

func TestCompleteWithinDeadline(t *testing.T) {
	client := Middleware(time.Second)(&slowClient{delay: time.Millisecond})

	resp, err := client.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if resp.Content != "done" {
		t.Errorf("expected 'done', got %q", resp.Content)
	}
}

func TestCompleteTimeoutIsRetryableTransient(t *testing.T) {
	client := Middleware(5 * time.Millisecond)(&slowClient{delay: time.Second})

	_, err := client.Complete(context.Background(), llm.CompletionRequest{})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !llmerrors.Is(err, llmerrors.ErrorTypeTransient) {
		t.Errorf("per-request timeout must classify as transient, got %v", err)
	}
	if !llmerrors.IsRetryable(err) {
		t.Error("per-request timeout must be retryable")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("underlying DeadlineExceeded must remain unwrappable")
	}
}

func TestCompleteCallerCancellationPassesThrough(t *testing.T) {
	client := Middleware(time.Second)(&slowClient{delay: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	_, err := client.Complete(ctx, llm.CompletionRequest{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if llmerrors.Is(err, llmerrors.ErrorTypeTransient) {
		t.Error("caller cancellation must not be reclassified as transient")
	}
}

func TestStreamDeliversAllChunks(t *testing.T) {
	client := Middleware(time.Second)(&slowClient{delay: time.Millisecond})

	ch, err := client.Stream(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("expected stream, got %v", err)
	}
	var content string
	var sawDone bool
	for chunk := range ch {
		content += chunk.Content
		if chunk.Done {
			sawDone = true
		}
	}
	if content != "done" {
		t.Errorf("expected 'done', got %q", content)
	}
	if !sawDone {
		t.Error("expected terminal Done chunk")
	}
}

func TestStreamEstablishmentTimeout(t *testing.T) {
	client := Middleware(5 * time.Millisecond)(&slowClient{delay: time.Second})

	_, err := client.Stream(context.Background(), llm.CompletionRequest{})
	if err == nil {
		t.Fatal("expected timeout error establishing stream")
	}
	if !llmerrors.Is(err, llmerrors.ErrorTypeTransient) {
		t.Errorf("stream establishment timeout must classify as transient, got %v", err)
	}
}

// drippingClient streams chunks forever until its context ends.
type drippingClient struct{}

func (d *drippingClient) Complete(ctx context.Context, _ llm.CompletionRequest) (llm.CompletionResponse, error) {
	<-ctx.Done()
	return llm.CompletionResponse{}, ctx.Err()
}

func (d *drippingClient) Stream(ctx context.Context, _ llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	ch := make(chan llm.StreamChunk)
	go func() {
		defer close(ch)
		for {
			select {
			case ch <- llm.StreamChunk{Content: "drip"}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (d *drippingClient) GetModelName() string { return "dripping-model" }

func TestStreamAbandonedConsumerReleasesGoroutines(t *testing.T) {
	before := runtime.NumGoroutine()

	client := Middleware(20 * time.Millisecond)(&drippingClient{})
	if _, err := client.Stream(context.Background(), llm.CompletionRequest{}); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	// Never read a chunk; the relay must still exit once the timeout fires.

	deadline := time.Now().Add(2 * time.Second)
	for runtime.NumGoroutine() > before {
		if time.Now().After(deadline) {
			t.Fatalf("goroutines did not settle: %d running, started with %d",
				runtime.NumGoroutine(), before)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestGetModelNameDelegates(t *testing.T) {
	client := Middleware(time.Second)(&slowClient{})
	if got := client.GetModelName(); got != "test-model" {
		t.Errorf("expected 'test-model', got %q", got)
	}
}
