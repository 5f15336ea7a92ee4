package sip

import "sync"

// Vars is a concurrency-safe key-value store attached to a transaction or
// to a connection. The zero value is ready to use.
type Vars struct {
	mu sync.RWMutex
	m  map[string]any
}

// Get returns the value stored under the key.
func (v *Vars) Get(key string) (any, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	val, ok := v.m[key]
	return val, ok
}

// Set stores the value under the key.
func (v *Vars) Set(key string, val any) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.m == nil {
		v.m = make(map[string]any)
	}
	v.m[key] = val
}

// Del removes the key.
func (v *Vars) Del(key string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.m, key)
}

// VarOf returns the typed value stored under the key.
func VarOf[T any](v *Vars, key string) (T, bool) {
	var zero T
	if v == nil {
		return zero, false
	}
	val, ok := v.Get(key)
	if !ok {
		return zero, false
	}
	t, ok := val.(T)
	return t, ok
}
