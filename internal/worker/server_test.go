package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/dunamismax/thumbnailer/internal/domain"
	"github.com/dunamismax/thumbnailer/internal/pipeline"
	"github.com/dunamismax/thumbnailer/internal/queue"
	"github.com/dunamismax/thumbnailer/internal/ratelimit"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap/zaptest"
)

func TestHandleGenerateThumbnailSuccess(t *testing.T) {
	proc := &fakeProcessor{info: domain.OutputFileInfo{Width: 150, Height: 113, Bytes: 900, Flattened: true}}
	s := newTestServer(t, proc)

	if err := s.handleGenerateThumbnail(context.Background(), thumbnailTask(t)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if proc.req.RunID != "run-1" || proc.req.Task.OutputPath != "output/photo.png" {
		t.Fatalf("unexpected request %+v", proc.req)
	}
	if proc.req.Spec.TargetSize != 150 {
		t.Fatalf("spec not forwarded: %+v", proc.req.Spec)
	}
	if got := testutil.ToFloat64(s.metrics.tasksTotal.WithLabelValues(domain.TaskStatusSucceeded, "")); got != 1 {
		t.Fatalf("expected one succeeded task, got %v", got)
	}
	if got := testutil.ToFloat64(s.metrics.pixelsWrittenTotal); got != 150*113 {
		t.Fatalf("unexpected pixel count %v", got)
	}
	if got := testutil.ToFloat64(s.metrics.activeTasks); got != 0 {
		t.Fatalf("active tasks gauge leaked: %v", got)
	}
}

func TestHandleGenerateThumbnailPermanentFailures(t *testing.T) {
	for _, cause := range []error{pipeline.ErrDecode, pipeline.ErrUnsupportedFormat} {
		s := newTestServer(t, &fakeProcessor{err: fmt.Errorf("transform stage: %w", cause)})

		err := s.handleGenerateThumbnail(context.Background(), thumbnailTask(t))
		if !errors.Is(err, asynq.SkipRetry) {
			t.Fatalf("%v: expected SkipRetry, got %v", cause, err)
		}
	}
}

func TestHandleGenerateThumbnailRetriesWriteFailures(t *testing.T) {
	s := newTestServer(t, &fakeProcessor{err: fmt.Errorf("emit stage: %w", pipeline.ErrWrite)})

	err := s.handleGenerateThumbnail(context.Background(), thumbnailTask(t))
	if err == nil || errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected a retryable error, got %v", err)
	}
	if !errors.Is(err, pipeline.ErrWrite) {
		t.Fatalf("expected wrapped ErrWrite, got %v", err)
	}
	if got := testutil.ToFloat64(s.metrics.tasksTotal.WithLabelValues(domain.TaskStatusFailed, string(domain.FailureWrite))); got != 1 {
		t.Fatalf("expected one write failure, got %v", got)
	}
}

func TestHandleGenerateThumbnailRejectsBadPayload(t *testing.T) {
	s := newTestServer(t, &fakeProcessor{})

	err := s.handleGenerateThumbnail(context.Background(), asynq.NewTask(queue.TypeGenerateThumbnail, []byte("{")))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry for malformed payload, got %v", err)
	}
}

func TestHandleGenerateThumbnailWaitsForThrottle(t *testing.T) {
	proc := &fakeProcessor{}
	s := newTestServer(t, proc)
	throttle := &fakeThrottle{deny: 2}
	s.throttle = throttle

	if err := s.handleGenerateThumbnail(context.Background(), thumbnailTask(t)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if throttle.calls != 3 {
		t.Fatalf("expected 3 throttle checks, got %d", throttle.calls)
	}
	if !proc.called {
		t.Fatal("processor was not called after the throttle allowed")
	}
}

func TestHandleGenerateThumbnailFailsOpenOnThrottleError(t *testing.T) {
	proc := &fakeProcessor{}
	s := newTestServer(t, proc)
	s.throttle = &fakeThrottle{err: errors.New("redis down")}

	if err := s.handleGenerateThumbnail(context.Background(), thumbnailTask(t)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !proc.called {
		t.Fatal("expected processing to continue without the throttle")
	}
}

func newTestServer(t *testing.T, proc processor) *Server {
	t.Helper()
	return &Server{
		logger:    zaptest.NewLogger(t),
		processor: proc,
		metrics:   newMetrics(),
		tracer:    otel.Tracer("test"),
	}
}

func thumbnailTask(t *testing.T) *asynq.Task {
	t.Helper()

	body, err := json.Marshal(queue.ThumbnailPayload{
		RunID:       "run-1",
		InputPath:   "originals/photo.png",
		OutputPath:  "output/photo.png",
		Spec:        domain.DefaultTargetSpec(),
		RequestedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return asynq.NewTask(queue.TypeGenerateThumbnail, body)
}

type fakeProcessor struct {
	info   domain.OutputFileInfo
	err    error
	called bool
	req    pipeline.Request
}

func (p *fakeProcessor) Process(_ context.Context, req pipeline.Request) (domain.OutputFileInfo, error) {
	p.called = true
	p.req = req
	if p.err != nil {
		return domain.OutputFileInfo{}, p.err
	}
	return p.info, nil
}

type fakeThrottle struct {
	deny  int
	err   error
	calls int
}

func (f *fakeThrottle) Allow(_ context.Context, _ string) (ratelimit.Decision, error) {
	f.calls++
	if f.err != nil {
		return ratelimit.Decision{}, f.err
	}
	if f.calls <= f.deny {
		return ratelimit.Decision{RetryAfter: time.Millisecond}, nil
	}
	return ratelimit.Decision{Allowed: true}, nil
}
