package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/types"

	operatorv1alpha1 "github.com/vpatelsj/domain-operator/api/v1alpha1"
	"github.com/vpatelsj/domain-operator/internal/work"
)

// ErrProcessingNotFound is returned when a domain has no in-flight fiber.
var ErrProcessingNotFound = errors.New("domain processing not found")

// Processing is one in-flight make-right fiber for a domain.
type Processing struct {
	Key        types.NamespacedName
	Generation int64
	SpecHash   string
	StartedAt  time.Time

	mu        sync.Mutex
	fiber     *work.Fiber
	cancelled bool
}

// Attach binds the fiber running this processing. If the processing was
// cancelled before the fiber started, the fiber is cancelled at once.
func (p *Processing) Attach(f *work.Fiber) {
	p.mu.Lock()
	p.fiber = f
	cancelled := p.cancelled
	p.mu.Unlock()
	if cancelled && f != nil {
		f.Cancel()
	}
}

// Fiber returns the attached fiber, or nil.
func (p *Processing) Fiber() *work.Fiber {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fiber
}

// Cancel cancels the fiber, now or once attached.
func (p *Processing) Cancel() {
	p.mu.Lock()
	p.cancelled = true
	f := p.fiber
	p.mu.Unlock()
	if f != nil {
		f.Cancel()
	}
}

// Matches reports whether the processing is already working on this spec.
func (p *Processing) Matches(generation int64, specHash string) bool {
	return p.Generation == generation && p.SpecHash == specHash
}

// Registry tracks the in-flight processing of every domain, at most one
// per domain.
type Registry struct {
	mu      sync.RWMutex
	active  map[types.NamespacedName]*Processing
	lastErr map[types.NamespacedName]error
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		active:  make(map[types.NamespacedName]*Processing),
		lastErr: make(map[types.NamespacedName]error),
	}
}

// Begin registers new processing for key and returns it together with the
// processing it replaced, which the caller must cancel.
func (r *Registry) Begin(key types.NamespacedName, generation int64, specHash string) (current, previous *Processing) {
	current = &Processing{Key: key, Generation: generation, SpecHash: specHash, StartedAt: time.Now()}
	r.mu.Lock()
	defer r.mu.Unlock()
	previous = r.active[key]
	r.active[key] = current
	return current, previous
}

// Get returns the in-flight processing of key.
func (r *Registry) Get(key types.NamespacedName) (*Processing, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.active[key]
	return p, ok
}

// Finish removes p if it is still the current processing of its domain and
// records its outcome.
func (r *Registry) Finish(p *Processing, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active[p.Key] == p {
		delete(r.active, p.Key)
	}
	if err != nil {
		r.lastErr[p.Key] = err
	} else {
		delete(r.lastErr, p.Key)
	}
}

// LastError returns the error of the last failed processing of key.
func (r *Registry) LastError(key types.NamespacedName) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastErr[key]
}

// Cancel stops the processing of key and forgets the domain.
func (r *Registry) Cancel(key types.NamespacedName) error {
	r.mu.Lock()
	p, ok := r.active[key]
	delete(r.active, key)
	delete(r.lastErr, key)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrProcessingNotFound, key)
	}
	p.Cancel()
	return nil
}

// CancelAll stops every in-flight processing.
func (r *Registry) CancelAll() {
	r.mu.Lock()
	all := make([]*Processing, 0, len(r.active))
	for _, p := range r.active {
		all = append(all, p)
	}
	r.active = make(map[types.NamespacedName]*Processing)
	r.mu.Unlock()
	for _, p := range all {
		p.Cancel()
	}
}

// Len returns the number of in-flight processings.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active)
}

// DomainSpecHash fingerprints the parts of a domain that drive processing.
func DomainSpecHash(d *operatorv1alpha1.Domain) string {
	data, _ := json.Marshal(d.Spec)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16]
}
