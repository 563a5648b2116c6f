package manta

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// flakyProvider fails with errs in order, then succeeds.
type flakyProvider struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (p *flakyProvider) next() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls < len(p.errs) {
		err := p.errs[p.calls]
		p.calls++
		return err
	}
	p.calls++
	return nil
}

func (p *flakyProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	if err := p.next(); err != nil {
		return ChatResponse{}, err
	}
	return ChatResponse{Content: "ok"}, nil
}

func (p *flakyProvider) ChatStream(ctx context.Context, req ChatRequest, ch chan<- StreamEvent) (ChatResponse, error) {
	defer close(ch)
	if err := p.next(); err != nil {
		return ChatResponse{}, err
	}
	ch <- StreamEvent{Type: EventTextDelta, Content: "ok"}
	return ChatResponse{Content: "ok"}, nil
}

func (p *flakyProvider) Name() string { return "flaky" }

func (p *flakyProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func TestRetryTransientThenSuccess(t *testing.T) {
	inner := &flakyProvider{errs: []error{
		&ErrHTTP{Status: 503},
		&ErrHTTP{Status: 429},
	}}
	p := WithRetry(inner, RetryBaseDelay(time.Millisecond))

	resp, err := p.Chat(context.Background(), ChatRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "ok" || inner.callCount() != 3 {
		t.Errorf("content=%q calls=%d", resp.Content, inner.callCount())
	}
}

func TestRetryClientErrorImmediate(t *testing.T) {
	inner := &flakyProvider{errs: []error{&ErrHTTP{Status: 400, Body: "bad request"}}}
	p := WithRetry(inner, RetryBaseDelay(time.Millisecond))

	_, err := p.Chat(context.Background(), ChatRequest{})
	var he *ErrHTTP
	if !errors.As(err, &he) || he.Status != 400 {
		t.Fatalf("err = %v", err)
	}
	if inner.callCount() != 1 {
		t.Errorf("calls = %d, want 1 (no retry on 4xx)", inner.callCount())
	}
}

func TestRetryExhaustion(t *testing.T) {
	inner := &flakyProvider{errs: []error{
		&ErrHTTP{Status: 500}, &ErrHTTP{Status: 500}, &ErrHTTP{Status: 500},
	}}
	p := WithRetry(inner, RetryMaxAttempts(2), RetryBaseDelay(time.Millisecond))

	_, err := p.Chat(context.Background(), ChatRequest{})
	var he *ErrHTTP
	if !errors.As(err, &he) || he.Status != 500 {
		t.Fatalf("err = %v", err)
	}
	if inner.callCount() != 2 {
		t.Errorf("calls = %d, want 2", inner.callCount())
	}
}

func TestRetryStreamBeforeFirstToken(t *testing.T) {
	inner := &flakyProvider{errs: []error{&ErrHTTP{Status: 503}}}
	p := WithRetry(inner, RetryBaseDelay(time.Millisecond))

	ch := make(chan StreamEvent, 16)
	resp, err := p.ChatStream(context.Background(), ChatRequest{}, ch)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "ok" || inner.callCount() != 2 {
		t.Errorf("content=%q calls=%d", resp.Content, inner.callCount())
	}
	var n int
	for range ch {
		n++
	}
	if n != 1 {
		t.Errorf("events = %d, want 1 (no duplicates from retry)", n)
	}
}

// midStreamProvider emits one token, then fails transiently.
type midStreamProvider struct {
	mu    sync.Mutex
	calls int
}

func (p *midStreamProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	return ChatResponse{}, &ErrHTTP{Status: 500}
}

func (p *midStreamProvider) ChatStream(ctx context.Context, req ChatRequest, ch chan<- StreamEvent) (ChatResponse, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	ch <- StreamEvent{Type: EventTextDelta, Content: "partial"}
	close(ch)
	return ChatResponse{}, &ErrHTTP{Status: 503}
}

func (p *midStreamProvider) Name() string { return "midstream" }

func TestRetryStreamNoRetryAfterFirstToken(t *testing.T) {
	inner := &midStreamProvider{}
	p := WithRetry(inner, RetryBaseDelay(time.Millisecond))

	ch := make(chan StreamEvent, 16)
	_, err := p.ChatStream(context.Background(), ChatRequest{}, ch)
	var he *ErrHTTP
	if !errors.As(err, &he) || he.Status != 503 {
		t.Fatalf("err = %v", err)
	}
	inner.mu.Lock()
	calls := inner.calls
	inner.mu.Unlock()
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (stream already started)", calls)
	}
}

func TestRetryDelayHonorsRetryAfter(t *testing.T) {
	err := &ErrHTTP{Status: 429, RetryAfter: 80 * time.Millisecond}
	if d := retryDelay(time.Millisecond, 0, err); d < 80*time.Millisecond {
		t.Errorf("delay = %v, want >= Retry-After", d)
	}
}

func TestParseRetryAfterSeconds(t *testing.T) {
	if d := ParseRetryAfter("7"); d != 7*time.Second {
		t.Errorf("got %v", d)
	}
	if d := ParseRetryAfter(""); d != 0 {
		t.Errorf("got %v", d)
	}
	if d := ParseRetryAfter("garbage"); d != 0 {
		t.Errorf("got %v", d)
	}
}
