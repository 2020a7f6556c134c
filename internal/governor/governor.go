// Package governor implements the adaptive rate-limit governor
// (spec-level component C3): a single-job-scoped, bounded-concurrency
// executor with priority scheduling, rate-limit-aware retry and backoff,
// and degraded-mode detection.
package governor

import (
	"container/heap"
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/book-expert/transcript-engine/internal/core"
	"github.com/book-expert/transcript-engine/internal/mode"
)

// StatusCancelled is the job-status value the governor treats as a
// cancellation signal. The job package's Status enum must serialize its
// cancelled value to exactly this string.
const StatusCancelled = "cancelled"

// rollingWindowSize is the number of recent outcomes the degraded-mode
// detector considers (spec §4.3).
const rollingWindowSize = 20

const (
	enterDegradedThreshold = 0.30
	exitDegradedThreshold  = 0.10
	minDegradedDuration    = 30 * time.Second
)

// outcome classifies a completed (non-cancelled) request.
type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeRateLimited
	outcomeFailed
)

func (o outcome) label() string {
	switch o {
	case outcomeSuccess:
		return "success"
	case outcomeRateLimited:
		return "rate_limited"
	case outcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// JobStatusFunc looks up a job's current status string. The governor
// compares the result against StatusCancelled.
type JobStatusFunc func(jobID string) (string, error)

// Stats are the externally observable governor statistics from spec §4.3.
type Stats struct {
	Total               uint64
	Successful          uint64
	RateLimited         uint64
	Failed              uint64
	DegradedActivations uint64
	PeakConcurrency     int
	AvgDurationMS       float64
	TimeDegradedMS      int64
}

// Governor is a single-job-scoped bounded-concurrency priority executor.
type Governor struct {
	mu sync.Mutex

	pq  requestHeap
	seq int

	current           int
	maxConcurrency    int
	normalConcurrency int

	degraded           bool
	degradedEntryTS    time.Time
	cumulativeDegraded time.Duration

	outcomeWindow []outcome

	stats            Stats
	totalDurationSum time.Duration

	modeCfg   mode.Config
	jobStatus JobStatusFunc
	metrics   *Metrics
}

// New builds a Governor for one job. metrics is the process-wide handle
// from NewMetrics, shared across every job's Governor; it may be nil, in
// which case no Prometheus collectors are updated.
func New(jobID string, cfg mode.Config, jobStatus JobStatusFunc, metrics *Metrics) *Governor {
	return &Governor{
		maxConcurrency:    cfg.MaxConcurrency,
		normalConcurrency: cfg.MaxConcurrency,
		modeCfg:           cfg,
		jobStatus:         jobStatus,
		metrics:           metrics,
	}
}

// Enqueue submits exec for execution under the governor's concurrency and
// rate-limit policy, blocking until exec completes, is rejected, or the
// job is cancelled. priority sets the request's initial scheduling
// priority; the governor bumps it by 10 on each internal rate-limit retry.
func (g *Governor) Enqueue(
	ctx context.Context,
	id, jobID string,
	chunkIndex int,
	exec func() (string, error),
	priority int,
) (string, error) {
	attempt := 1
	curPriority := priority

	for {
		text, execErr, retry, delay := g.runOnce(ctx, id, jobID, chunkIndex, exec, curPriority, attempt)
		if !retry {
			return text, execErr
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err() //nolint:wrapcheck // context error is self-describing
		}

		attempt++
		curPriority += 10
	}
}

// runOnce waits for a concurrency slot, runs exec once the slot is granted
// (unless the job was cancelled first), and reports whether the caller
// should retry after a rate-limit backoff.
func (g *Governor) runOnce(
	ctx context.Context,
	id, jobID string,
	chunkIndex int,
	exec func() (string, error),
	priority, attempt int,
) (string, error, bool, time.Duration) {
	item := &request{id: id, jobID: jobID, chunkIndex: chunkIndex, priority: priority, grant: make(chan struct{})}

	g.mu.Lock()
	item.seq = g.seq
	g.seq++
	heap.Push(&g.pq, item)
	g.dispatchLocked()
	g.mu.Unlock()

	waitErr := g.awaitGrant(ctx, item)
	if waitErr != nil {
		return "", waitErr, false, 0
	}

	if g.isCancelled(jobID) {
		g.releaseSlot()

		return "", core.ErrJobCancelled, false, 0
	}

	start := time.Now()
	text, execErr := exec()
	duration := time.Since(start)

	cancelledAfter := g.isCancelled(jobID)

	switch {
	case execErr == nil:
		g.finish(outcomeSuccess, duration)

		if cancelledAfter {
			return "", core.ErrJobCancelled, false, 0
		}

		return text, nil, false, 0
	case cancelledAfter:
		g.finish(outcomeFailed, duration)

		return "", core.ErrJobCancelled, false, 0
	case core.IsRateLimited(execErr):
		g.finish(outcomeRateLimited, duration)

		if attempt >= g.modeCfg.MaxRetries {
			return "", core.ErrRateLimitExhausted, false, 0
		}

		return "", nil, true, g.backoffDelay(attempt)
	default:
		g.finish(outcomeFailed, duration)

		return "", execErr, false, 0
	}
}

func (g *Governor) awaitGrant(ctx context.Context, item *request) error {
	select {
	case <-item.grant:
		return nil
	case <-ctx.Done():
		g.mu.Lock()

		if item.index >= 0 {
			heap.Remove(&g.pq, item.index)
			g.mu.Unlock()

			return ctx.Err() //nolint:wrapcheck // context error is self-describing
		}

		g.mu.Unlock()

		<-item.grant // already dispatched concurrently; must still release its slot
		g.releaseSlot()

		return ctx.Err() //nolint:wrapcheck // context error is self-describing
	}
}

func (g *Governor) isCancelled(jobID string) bool {
	if g.jobStatus == nil {
		return false
	}

	status, err := g.jobStatus(jobID)

	return err == nil && status == StatusCancelled
}

// dispatchLocked grants slots to queued requests while capacity allows.
// Callers must hold g.mu.
func (g *Governor) dispatchLocked() {
	for g.current < g.maxConcurrency && g.pq.Len() > 0 {
		item, _ := heap.Pop(&g.pq).(*request)
		g.current++

		if g.current > g.stats.PeakConcurrency {
			g.stats.PeakConcurrency = g.current
		}

		g.metrics.addConcurrency(1)

		close(item.grant)
	}
}

// releaseSlot frees a granted-but-unused slot (cancellation before exec)
// without recording an outcome, then dispatches the next request.
func (g *Governor) releaseSlot() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.current--
	g.metrics.addConcurrency(-1)

	g.dispatchLocked()
}

// finish records a completed request's outcome and duration, releases its
// concurrency slot, evaluates the degraded-mode transition, and dispatches
// the next queued request.
func (g *Governor) finish(o outcome, duration time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.current--

	g.stats.Total++

	switch o {
	case outcomeSuccess:
		g.stats.Successful++
	case outcomeRateLimited:
		g.stats.RateLimited++
	case outcomeFailed:
		g.stats.Failed++
	}

	g.totalDurationSum += duration
	g.stats.AvgDurationMS = float64(g.totalDurationSum.Milliseconds()) / float64(g.stats.Total)

	g.outcomeWindow = append(g.outcomeWindow, o)
	if len(g.outcomeWindow) > rollingWindowSize {
		g.outcomeWindow = g.outcomeWindow[len(g.outcomeWindow)-rollingWindowSize:]
	}

	g.evaluateDegradedLocked()

	g.metrics.recordOutcome(o, duration)
	g.metrics.addConcurrency(-1)

	g.dispatchLocked()
}

// evaluateDegradedLocked implements the degraded-mode state transitions
// from spec §4.3. Callers must hold g.mu.
func (g *Governor) evaluateDegradedLocked() {
	if len(g.outcomeWindow) < rollingWindowSize {
		return
	}

	fraction := g.rateLimitedFractionLocked()

	switch {
	case !g.degraded && fraction >= enterDegradedThreshold:
		g.degraded = true
		g.degradedEntryTS = time.Now()
		g.stats.DegradedActivations++
		g.maxConcurrency = maxInt(1, g.normalConcurrency/2)

		g.metrics.incDegradedActivations()
	case g.degraded && fraction < exitDegradedThreshold:
		if time.Since(g.degradedEntryTS) >= minDegradedDuration {
			g.cumulativeDegraded += time.Since(g.degradedEntryTS)

			g.metrics.addDegradedMS(float64(time.Since(g.degradedEntryTS).Milliseconds()))

			g.degraded = false
			g.maxConcurrency = g.normalConcurrency
		}
	}
}

func (g *Governor) rateLimitedFractionLocked() float64 {
	rateLimited := 0

	for _, o := range g.outcomeWindow {
		if o == outcomeRateLimited {
			rateLimited++
		}
	}

	return float64(rateLimited) / float64(len(g.outcomeWindow))
}

// backoffDelay implements the backoff formula from spec §4.3.
func (g *Governor) backoffDelay(attempt int) time.Duration {
	c := g.modeCfg.Backoff
	baseMS := float64(c.Base.Milliseconds())
	maxMS := float64(c.Max.Milliseconds())

	var delayMS float64
	if c.Multiplier > 1 {
		delayMS = math.Min(baseMS*math.Pow(c.Multiplier, float64(attempt-1)), maxMS)
	} else {
		delayMS = math.Min(baseMS*float64(attempt), maxMS)
	}

	jitter := rand.Float64()*2 - 1 //nolint:gosec // timing jitter, not security-sensitive
	delayMS = math.Max(0, math.Floor(delayMS+delayMS*c.Jitter*jitter))

	return time.Duration(delayMS) * time.Millisecond
}

// Stats returns a snapshot of the governor's current statistics.
func (g *Governor) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()

	snapshot := g.stats
	if g.degraded {
		snapshot.TimeDegradedMS = (g.cumulativeDegraded + time.Since(g.degradedEntryTS)).Milliseconds()
	} else {
		snapshot.TimeDegradedMS = g.cumulativeDegraded.Milliseconds()
	}

	return snapshot
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}

	return b
}
