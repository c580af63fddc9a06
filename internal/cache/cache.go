// Package cache stores fetched subscription payloads keyed by source
// identity, together with the upstream validator token used for conditional
// revalidation. Eviction and expiry are the caller's concern; the pipeline
// only defines the key and value shape.
package cache

import (
	"sync"
	"time"
)

type Entry struct {
	// Validator is the upstream revalidation token (ETag preferred,
	// Last-Modified otherwise). Empty when the upstream sent neither.
	Validator string    `json:"validator,omitempty"`
	Body      []byte    `json:"body"`
	FetchedAt time.Time `json:"fetched_at"`
}

type Cache interface {
	Get(key string) (Entry, bool, error)
	Put(key string, e Entry) error
}

// Memory is a process-local Cache. The zero value is not usable; call
// NewMemory.
type Memory struct {
	mu sync.RWMutex
	m  map[string]Entry
}

func NewMemory() *Memory {
	return &Memory{m: make(map[string]Entry)}
}

func (c *Memory) Get(key string) (Entry, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.m[key]
	if !ok {
		return Entry{}, false, nil
	}
	// Copy the body so callers can't alias the stored slice.
	out := e
	out.Body = append([]byte(nil), e.Body...)
	return out, true, nil
}

func (c *Memory) Put(key string, e Entry) error {
	stored := e
	stored.Body = append([]byte(nil), e.Body...)
	c.mu.Lock()
	c.m[key] = stored
	c.mu.Unlock()
	return nil
}
