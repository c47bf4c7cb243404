package webhook

import (
	"context"
	"io"
	"net/http"
	"sync/atomic"
	"testing"
	"time"
)

func fakeResponse(status int) *http.Response {
	return &http.Response{StatusCode: status, Status: http.StatusText(status), Body: http.NoBody}
}

func TestProcessQueueDeliversSuccessfully(t *testing.T) {
	var calls int32
	q := New(DefaultConfig(), func(req *http.Request) (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		return fakeResponse(http.StatusOK), nil
	}, nil)

	q.Enqueue(Job{ID: "j1", URL: "http://example.invalid/hook", BodyTemplate: `{"ok":true}`, Context: []byte(`{}`)})

	if err := q.ProcessQueue(context.Background()); err != nil {
		t.Fatalf("process queue: %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected exactly one delivery attempt, got %d", calls)
	}
	if q.Depth() != 0 {
		t.Fatalf("expected queue to be drained, depth=%d", q.Depth())
	}
}

func TestProcessQueueRetriesOnFailureWithBackoff(t *testing.T) {
	var calls int32
	q := New(Config{MaxAttempts: 3, BaseDelay: time.Hour, MaxDelay: time.Hour, RatePerSecond: 100, RateBurst: 100},
		func(req *http.Request) (*http.Response, error) {
			atomic.AddInt32(&calls, 1)
			return fakeResponse(http.StatusInternalServerError), nil
		}, nil)

	q.Enqueue(Job{ID: "j1", URL: "http://example.invalid/hook", BodyTemplate: `{}`, Context: []byte(`{}`)})

	if err := q.ProcessQueue(context.Background()); err != nil {
		t.Fatalf("process queue: %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected one attempt before backoff window, got %d", calls)
	}
	// Job is still queued, waiting for its backoff window (1 hour away).
	if q.Depth() != 1 {
		t.Fatalf("expected failed job to remain queued for retry, depth=%d", q.Depth())
	}
}

func TestProcessQueueHonorsMethodAndHeaders(t *testing.T) {
	var gotMethod, gotEvent string
	q := New(DefaultConfig(), func(req *http.Request) (*http.Response, error) {
		gotMethod = req.Method
		gotEvent = req.Header.Get("X-Event")
		return fakeResponse(http.StatusOK), nil
	}, nil)

	q.Enqueue(Job{
		ID:      "j1",
		URL:     "http://example.invalid/hook",
		Method:  http.MethodGet,
		Headers: map[string]string{"X-Event": "{{ automation.name }}"},
		Context: []byte(`{"automation":{"name":"Alert"}}`),
	})

	if err := q.ProcessQueue(context.Background()); err != nil {
		t.Fatalf("process queue: %v", err)
	}
	if gotMethod != http.MethodGet {
		t.Fatalf("expected GET, got %s", gotMethod)
	}
	if gotEvent != "Alert" {
		t.Fatalf("expected interpolated header value, got %q", gotEvent)
	}

	job, ok := q.GetJob("j1")
	if !ok || job.Status != StatusCompleted {
		t.Fatalf("expected completed job, got %+v (ok=%v)", job, ok)
	}
}

func TestGetPendingJobsAndClear(t *testing.T) {
	q := New(Config{MaxAttempts: 1, BaseDelay: time.Hour, MaxDelay: time.Hour, RatePerSecond: 100, RateBurst: 100},
		func(req *http.Request) (*http.Response, error) {
			return fakeResponse(http.StatusInternalServerError), nil
		}, nil)

	q.Enqueue(Job{ID: "j1", URL: "http://example.invalid/hook", BodyTemplate: `{}`, Context: []byte(`{}`)})
	if err := q.ProcessQueue(context.Background()); err != nil {
		t.Fatalf("process queue: %v", err)
	}

	job, ok := q.GetJob("j1")
	if !ok || job.Status != StatusFailed || job.LastError == "" {
		t.Fatalf("expected failed job with a recorded error, got %+v (ok=%v)", job, ok)
	}
	if len(q.GetPendingJobs()) != 0 {
		t.Fatalf("expected no pending jobs after exhausting retries")
	}

	q.Clear()
	if _, ok := q.GetJob("j1"); ok {
		t.Fatalf("expected Clear to remove all jobs")
	}
}

func TestProcessQueueDropsJobAfterMaxAttempts(t *testing.T) {
	var calls int32
	q := New(Config{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, RatePerSecond: 100, RateBurst: 100},
		func(req *http.Request) (*http.Response, error) {
			atomic.AddInt32(&calls, 1)
			return fakeResponse(http.StatusInternalServerError), nil
		}, nil)

	q.Enqueue(Job{ID: "j1", URL: "http://example.invalid/hook", BodyTemplate: `{}`, Context: []byte(`{}`), MaxAttempts: 1})

	if err := q.ProcessQueue(context.Background()); err != nil {
		t.Fatalf("process queue: %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected exactly one attempt, got %d", calls)
	}
	if q.Depth() != 0 {
		t.Fatalf("expected exhausted job to be dropped, depth=%d", q.Depth())
	}
}

// TestProcessQueueInterpolatesBodyAndSetsJSONContentType pins template
// delivery end to end: tokens resolve against the job context, the JSON
// content type is added when absent, and the job completes.
func TestProcessQueueInterpolatesBodyAndSetsJSONContentType(t *testing.T) {
	var gotBody, gotContentType string
	q := New(DefaultConfig(), func(req *http.Request) (*http.Response, error) {
		b, err := io.ReadAll(req.Body)
		if err != nil {
			t.Fatalf("read body: %v", err)
		}
		gotBody = string(b)
		gotContentType = req.Header.Get("Content-Type")
		return fakeResponse(http.StatusOK), nil
	}, nil)

	q.Enqueue(Job{
		ID:           "j1",
		URL:          "http://example.invalid/hook",
		Method:       http.MethodPost,
		BodyTemplate: `{"event":"{{automation.name}}","value":"{{computedField.value}}"}`,
		Context:      []byte(`{"automation":{"name":"Alert"},"computedField":{"value":42}}`),
	})

	if err := q.ProcessQueue(context.Background()); err != nil {
		t.Fatalf("process queue: %v", err)
	}

	if gotBody != `{"event":"Alert","value":"42"}` {
		t.Fatalf("unexpected interpolated body: %s", gotBody)
	}
	if gotContentType != "application/json" {
		t.Fatalf("expected json content type to be added, got %q", gotContentType)
	}
	job, ok := q.GetJob("j1")
	if !ok || job.Status != StatusCompleted || job.Attempts != 1 {
		t.Fatalf("expected completed job after one attempt, got %+v", job)
	}
}

// TestProcessQueueTransientFailureThenSuccess pins the retry property: one
// transient failure followed by success ends with attempts=2 and a
// completed status.
func TestProcessQueueTransientFailureThenSuccess(t *testing.T) {
	var calls int32
	q := New(Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, RatePerSecond: 1000, RateBurst: 1000},
		func(req *http.Request) (*http.Response, error) {
			if atomic.AddInt32(&calls, 1) == 1 {
				return fakeResponse(http.StatusServiceUnavailable), nil
			}
			return fakeResponse(http.StatusOK), nil
		}, nil)

	q.Enqueue(Job{ID: "j1", URL: "http://example.invalid/hook", BodyTemplate: `{}`, Context: []byte(`{}`)})

	if err := q.ProcessQueue(context.Background()); err != nil {
		t.Fatalf("process queue: %v", err)
	}
	time.Sleep(5 * time.Millisecond) // let the backoff window lapse
	if err := q.ProcessQueue(context.Background()); err != nil {
		t.Fatalf("process queue retry pass: %v", err)
	}

	job, ok := q.GetJob("j1")
	if !ok || job.Status != StatusCompleted || job.Attempts != 2 {
		t.Fatalf("expected attempts=2 and completed, got %+v (ok=%v)", job, ok)
	}
}
