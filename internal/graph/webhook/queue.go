// Package webhook implements the at-least-once outbound delivery queue:
// jobs are retried with exponential backoff until they
// succeed or exhaust their attempt budget, and delivery is rate-limited so
// a retry storm cannot starve the core's single logical thread.
package webhook

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/graphreactor/core/internal/graph/graphcoreerr"
	"github.com/graphreactor/core/internal/graph/metrics"
	"github.com/graphreactor/core/internal/graph/system"
	"github.com/graphreactor/core/pkg/logger"
	"github.com/graphreactor/core/pkg/version"
)

// Fetcher sends an HTTP request. Injected as a function dependency so tests
// never touch the network.
type Fetcher func(req *http.Request) (*http.Response, error)

func defaultFetcher(req *http.Request) (*http.Response, error) {
	return http.DefaultClient.Do(req)
}

// Status is the closed set of job lifecycle states.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Job is one queued webhook delivery.
type Job struct {
	ID           string
	AutomationID string
	URL          string            // template-interpolated against Context
	Method       string            // GET, POST, or PUT; defaults to POST
	Headers      map[string]string // values are template-interpolated
	BodyTemplate string            // JSON text containing {{ path }} tokens; ignored for GET
	Context      []byte            // JSON-marshaled context the templates resolve against

	Attempts      int
	MaxAttempts   int
	Status        Status
	LastError     string
	NextAttemptAt time.Time
	CreatedAt     time.Time
}

// Config tunes retry/backoff/throttle/poll behavior.
type Config struct {
	MaxAttempts     int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	RatePerSecond   float64
	RateBurst       int
	ProcessInterval time.Duration
}

// DefaultConfig returns the delivery defaults: three attempts with a
// one-second base backoff, capped at five minutes.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     3,
		BaseDelay:       time.Second,
		MaxDelay:        5 * time.Minute,
		RatePerSecond:   5,
		RateBurst:       5,
		ProcessInterval: time.Second,
	}
}

// Queue holds pending, retrying, and terminal jobs and delivers them one at
// a time, respecting the configured rate limit.
type Queue struct {
	cfg     Config
	fetch   Fetcher
	limiter *rate.Limiter
	log     *logger.Logger

	mu      sync.Mutex
	jobs    map[string]*Job
	order   []string // enqueue order, preserved across retries
	running bool
	stopCh  chan struct{}
}

// New creates a webhook queue. fetch may be nil to use http.DefaultClient.
func New(cfg Config, fetch Fetcher, log *logger.Logger) *Queue {
	if fetch == nil {
		fetch = defaultFetcher
	}
	if log == nil {
		log = logger.NewDefault("webhook-queue")
	}
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = def.RatePerSecond
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = def.RateBurst
	}
	if cfg.ProcessInterval <= 0 {
		cfg.ProcessInterval = def.ProcessInterval
	}
	return &Queue{
		cfg:     cfg,
		fetch:   fetch,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.RateBurst),
		log:     log,
		jobs:    make(map[string]*Job),
	}
}

// Name satisfies system.Service.
func (q *Queue) Name() string { return "webhook-queue" }

// Descriptor satisfies system.DescriptorProvider.
func (q *Queue) Descriptor() system.Descriptor {
	return system.Descriptor{
		Name:  q.Name(),
		Layer: system.LayerDelivery,
	}.WithCapabilities("at-least-once", "exponential-backoff")
}

// Start launches the background ticker that calls ProcessQueue every
// cfg.ProcessInterval, satisfying system.Service.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.stopCh != nil {
		q.mu.Unlock()
		return nil
	}
	stop := make(chan struct{})
	q.stopCh = stop
	q.mu.Unlock()

	go func() {
		ticker := time.NewTicker(q.cfg.ProcessInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := q.ProcessQueue(ctx); err != nil {
					q.log.WithError(err).Warn("webhook queue tick failed")
				}
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Stop halts the background ticker. Any delivery already in flight
// completes.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopCh != nil {
		close(q.stopCh)
		q.stopCh = nil
	}
	return nil
}

// Enqueue adds a job for delivery on the next ProcessQueue tick (or call).
func (q *Queue) Enqueue(job Job) {
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = q.cfg.MaxAttempts
	}
	if job.Method == "" {
		job.Method = http.MethodPost
	}
	job.Status = StatusPending
	job.CreatedAt = time.Now().UTC()
	job.NextAttemptAt = job.CreatedAt

	jobCopy := job
	q.mu.Lock()
	if _, exists := q.jobs[job.ID]; !exists {
		q.order = append(q.order, job.ID)
	}
	q.jobs[job.ID] = &jobCopy
	depth := q.pendingCountLocked()
	q.mu.Unlock()
	metrics.SetWebhookQueueDepth(depth)
}

// Depth returns the current number of pending (including retrying) jobs.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pendingCountLocked()
}

func (q *Queue) pendingCountLocked() int {
	n := 0
	for _, id := range q.order {
		if q.jobs[id].Status == StatusPending {
			n++
		}
	}
	return n
}

// GetJob looks up a job by id in any status.
func (q *Queue) GetJob(id string) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// GetPendingJobs enumerates every job currently awaiting delivery or retry,
// in enqueue order.
func (q *Queue) GetPendingJobs() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Job, 0, len(q.order))
	for _, id := range q.order {
		if j := q.jobs[id]; j.Status == StatusPending {
			out = append(out, *j)
		}
	}
	return out
}

// Clear discards every job, pending or terminal.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = make(map[string]*Job)
	q.order = nil
	metrics.SetWebhookQueueDepth(0)
}

// ProcessQueue delivers every job whose retry time has arrived. It is
// re-entrancy-guarded: a second concurrent call is a no-op, so delivery
// stays single-threaded however many tickers overlap.
func (q *Queue) ProcessQueue(ctx context.Context) error {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return nil
	}
	q.running = true
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.running = false
		q.mu.Unlock()
	}()

	for {
		job := q.popDue()
		if job == nil {
			return nil
		}
		if err := q.limiter.Wait(ctx); err != nil {
			return err // job stays in StatusPending; picked up on the next call
		}
		q.deliver(ctx, job)
	}
}

// popDue returns the next due pending job in enqueue order, without
// removing it from the job map (it stays addressable via GetJob through
// every status transition).
func (q *Queue) popDue() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now().UTC()
	for _, id := range q.order {
		j := q.jobs[id]
		if j.Status == StatusPending && !j.NextAttemptAt.After(now) {
			return j
		}
	}
	return nil
}

func (q *Queue) deliver(ctx context.Context, job *Job) {
	job.Attempts++

	url, err := Interpolate(job.URL, job.Context)
	if err != nil {
		q.fail(job, "template interpolation failed: "+err.Error())
		return
	}

	method := job.Method
	if method == "" {
		method = http.MethodPost
	}

	var bodyReader io.Reader
	hasBody := method != http.MethodGet && job.BodyTemplate != ""
	if hasBody {
		body, err := Interpolate(job.BodyTemplate, job.Context)
		if err != nil {
			q.fail(job, "template interpolation failed: "+err.Error())
			return
		}
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		q.scheduleRetry(job, graphcoreerr.WebhookTransport(err).Error())
		return
	}
	req.Header.Set("User-Agent", version.UserAgent())
	for k, v := range job.Headers {
		interpolated, err := Interpolate(v, job.Context)
		if err != nil {
			q.fail(job, "template interpolation failed: "+err.Error())
			return
		}
		req.Header.Set(k, interpolated)
	}
	if hasBody && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := q.fetch(req)
	if err != nil {
		metrics.RecordWebhookAttempt(false)
		q.scheduleRetry(job, graphcoreerr.WebhookTransport(err).Error())
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.RecordWebhookAttempt(false)
		q.scheduleRetry(job, graphcoreerr.WebhookHTTP(resp.StatusCode, resp.Status).Error())
		return
	}

	metrics.RecordWebhookAttempt(true)
	q.mu.Lock()
	job.Status = StatusCompleted
	job.LastError = ""
	depth := q.pendingCountLocked()
	q.mu.Unlock()
	metrics.SetWebhookQueueDepth(depth)
}

// fail marks a job permanently failed without consuming a retry slot,
// used for errors that a retry could never fix (a malformed template).
func (q *Queue) fail(job *Job, reason string) {
	metrics.RecordWebhookAttempt(false)
	q.log.WithField("job_id", job.ID).Error(reason)
	q.mu.Lock()
	job.Status = StatusFailed
	job.LastError = reason
	depth := q.pendingCountLocked()
	q.mu.Unlock()
	metrics.SetWebhookQueueDepth(depth)
}

func (q *Queue) scheduleRetry(job *Job, reason string) {
	q.mu.Lock()
	job.LastError = reason
	if job.Attempts >= job.MaxAttempts {
		job.Status = StatusFailed
		depth := q.pendingCountLocked()
		q.mu.Unlock()
		q.log.WithField("job_id", job.ID).WithField("reason", reason).
			Error("webhook delivery exhausted retry budget")
		metrics.SetWebhookQueueDepth(depth)
		return
	}
	delay := q.cfg.BaseDelay * time.Duration(1<<uint(job.Attempts-1))
	if delay > q.cfg.MaxDelay {
		delay = q.cfg.MaxDelay
	}
	job.NextAttemptAt = time.Now().UTC().Add(delay)
	job.Status = StatusPending
	depth := q.pendingCountLocked()
	q.mu.Unlock()
	q.log.WithField("job_id", job.ID).WithField("attempt", job.Attempts).WithField("reason", reason).
		Warn("webhook delivery failed, scheduling retry")
	metrics.SetWebhookQueueDepth(depth)
}
