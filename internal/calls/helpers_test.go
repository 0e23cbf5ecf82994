package calls_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/vpatelsj/domain-operator/internal/calls"
	"github.com/vpatelsj/domain-operator/internal/work"
)

var fastBackoff = calls.Backoff{Scale: time.Millisecond, Cap: 4 * time.Millisecond}

func setupEngine(t *testing.T) *work.Engine {
	t.Helper()
	e := work.NewEngine(work.Config{Workers: 4}, logr.Discard())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})
	return e
}

func nilClientPool() *calls.Pool[client.Client] {
	return calls.NewPool(4, func() (client.Client, error) { return nil, nil })
}

func run(t *testing.T, e *work.Engine, step work.Step, p *work.Packet) (*work.Fiber, error) {
	t.Helper()
	if p == nil {
		p = work.NewPacket()
	}
	f, err := e.Start(step, p)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case <-f.Done():
		return f, f.Err()
	case <-time.After(10 * time.Second):
		t.Fatalf("fiber did not complete")
		return f, nil
	}
}

type recorder struct {
	mu       sync.Mutex
	recorded []metav1.Condition
	cleared  []metav1.Condition
}

func (r *recorder) RecordFailure(c metav1.Condition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recorded = append(r.recorded, c)
}

func (r *recorder) ClearFailure(c metav1.Condition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleared = append(r.cleared, c)
}
