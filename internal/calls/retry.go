package calls

import (
	"sync"

	"github.com/vpatelsj/domain-operator/internal/metrics"
	"github.com/vpatelsj/domain-operator/internal/work"
)

// RetryStrategy decides whether a failed call is attempted again.
type RetryStrategy interface {
	// DoPotentialRetry returns the action that retries the call, or false
	// when the failure is permanent.
	DoPotentialRetry(conflictStep work.Step, p *work.Packet, statusCode int) (work.NextAction, bool)

	// Reset clears the retry count after a success.
	Reset()
}

type timeoutListener interface {
	listenTimeoutDoubled()
}

// DefaultRetryStrategy retries transient failures with exponential backoff
// until maxRetryCount retries have been made, and routes conflicts to the
// caller's conflict step.
type DefaultRetryStrategy struct {
	mu            sync.Mutex
	retryCount    int
	maxRetryCount int
	retryStep     work.Step
	backoff       Backoff
	call          string
	listener      timeoutListener
}

// NewRetryStrategy returns a strategy that retries by re-running retryStep.
func NewRetryStrategy(maxRetryCount int, retryStep work.Step, backoff Backoff) *DefaultRetryStrategy {
	return &DefaultRetryStrategy{
		maxRetryCount: maxRetryCount,
		retryStep:     retryStep,
		backoff:       backoff,
	}
}

// RetryCount returns the retries made since the last reset.
func (r *DefaultRetryStrategy) RetryCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.retryCount
}

func (r *DefaultRetryStrategy) DoPotentialRetry(conflictStep work.Step, p *work.Packet, statusCode int) (work.NextAction, bool) {
	class := Classify(statusCode)
	log := work.LoggerFrom(p)

	switch {
	case class.Retryable():
		if class.DoublesTimeout() && r.listener != nil {
			r.listener.listenTimeoutDoubled()
		}
		r.mu.Lock()
		if r.retryCount+1 > r.maxRetryCount {
			r.mu.Unlock()
			return work.NextAction{}, false
		}
		r.retryCount++
		count := r.retryCount
		r.mu.Unlock()

		wait := r.backoff.Wait(count)
		log.V(1).Info("retrying call", "call", r.call, "statusCode", statusCode, "retryCount", count, "wait", wait)
		metrics.AsyncCallRetries.WithLabelValues(r.call, class.String()).Inc()
		return work.Delay(r.retryStep, p, wait), true

	case class == ClassConflict && conflictStep != nil:
		// the conflict step usually rebuilds the request, so the count
		// lives in the packet rather than in this strategy
		count := ConflictCount(p, r.call) + 1
		p.Put(conflictKeyPrefix+r.call, count)

		wait := r.backoff.Wait(count)
		log.V(1).Info("conflict, re-reading before retry", "call", r.call, "retryCount", count, "wait", wait)
		metrics.AsyncCallRetries.WithLabelValues(r.call, class.String()).Inc()
		return work.Delay(conflictStep, p, wait), true

	default:
		return work.NextAction{}, false
	}
}

func (r *DefaultRetryStrategy) Reset() {
	r.mu.Lock()
	r.retryCount = 0
	r.mu.Unlock()
}

const conflictKeyPrefix = "conflicts:"

// ConflictCount returns the conflicts call has met in this packet since it
// last succeeded.
func ConflictCount(p *work.Packet, call string) int {
	n, _ := work.Value[int](p, conflictKeyPrefix+call)
	return n
}
