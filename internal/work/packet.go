package work

import (
	"sort"
	"sync"

	"github.com/go-logr/logr"
)

const loggerKey = "logger"

// Packet is the mutable context a fiber carries from step to step. Forked
// children may share a packet, so every access is synchronized.
type Packet struct {
	mu         sync.RWMutex
	values     map[string]any
	components map[string]Component
}

// NewPacket returns an empty packet.
func NewPacket() *Packet {
	return &Packet{
		values:     make(map[string]any),
		components: make(map[string]Component),
	}
}

// Get returns the value stored under key.
func (p *Packet) Get(key string) (any, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.values[key]
	return v, ok
}

// GetString returns the string stored under key, or "".
func (p *Packet) GetString(key string) string {
	v, _ := p.Get(key)
	s, _ := v.(string)
	return s
}

// Put stores v under key and returns the packet.
func (p *Packet) Put(key string, v any) *Packet {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values[key] = v
	return p
}

// Remove deletes key and returns the previous value.
func (p *Packet) Remove(key string) (any, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.values[key]
	delete(p.values, key)
	return v, ok
}

// PutComponent stores c under name, replacing any previous component.
func (p *Packet) PutComponent(name string, c Component) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.components[name] = c
}

// GetComponent returns the component stored under name.
func (p *Packet) GetComponent(name string) (Component, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.components[name]
	return c, ok
}

// RemoveComponent deletes the named component and returns it.
func (p *Packet) RemoveComponent(name string) (Component, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.components[name]
	delete(p.components, name)
	return c, ok
}

// Copy returns a shallow copy. Values and components are shared with the
// original; the maps are not.
func (p *Packet) Copy() *Packet {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c := NewPacket()
	for k, v := range p.values {
		c.values[k] = v
	}
	for k, v := range p.components {
		c.components[k] = v
	}
	return c
}

// Lookup searches every component, in name order, for a value of type T.
func Lookup[T any](p *Packet) (T, bool) {
	p.mu.RLock()
	names := make([]string, 0, len(p.components))
	for name := range p.components {
		names = append(names, name)
	}
	comps := p.components
	sort.Strings(names)
	found := make([]Component, 0, len(names))
	for _, name := range names {
		found = append(found, comps[name])
	}
	p.mu.RUnlock()

	for _, c := range found {
		if t, ok := SPI[T](c); ok {
			return t, true
		}
	}
	var zero T
	return zero, false
}

// Value returns the value under key if it has type T.
func Value[T any](p *Packet, key string) (T, bool) {
	v, ok := p.Get(key)
	if !ok {
		var zero T
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}

// WithLogger attaches a logger to the packet for steps to use.
func WithLogger(p *Packet, log logr.Logger) *Packet {
	return p.Put(loggerKey, log)
}

// LoggerFrom returns the packet's logger, or a discarding logger.
func LoggerFrom(p *Packet) logr.Logger {
	if log, ok := Value[logr.Logger](p, loggerKey); ok {
		return log
	}
	return logr.Discard()
}
