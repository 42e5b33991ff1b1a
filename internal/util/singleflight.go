package util

import (
	"fmt"
	"sync"
)

// Group collapses concurrent calls that share a key into a single execution.
// Late arrivals block until the in-flight call finishes and then receive its
// result. The zero value is ready to use.
type Group struct {
	mu sync.Mutex
	m  map[string]*flight
}

type flight struct {
	done   chan struct{}
	val    interface{}
	err    error
	shared bool
}

// Do runs fn at most once per key at a time. The shared flag reports whether
// the result was handed to more than one caller. A panic inside fn is
// converted to an error so waiters are never left blocked.
func (g *Group) Do(key string, fn func() (interface{}, error)) (interface{}, error, bool) {
	g.mu.Lock()
	if g.m == nil {
		g.m = make(map[string]*flight)
	}
	if f, ok := g.m[key]; ok {
		f.shared = true
		g.mu.Unlock()
		<-f.done
		return f.val, f.err, true
	}
	f := &flight{done: make(chan struct{})}
	g.m[key] = f
	g.mu.Unlock()

	g.run(key, f, fn)
	return f.val, f.err, f.shared
}

func (g *Group) run(key string, f *flight, fn func() (interface{}, error)) {
	defer func() {
		if r := recover(); r != nil {
			f.val, f.err = nil, fmt.Errorf("singleflight %q: panic: %v", key, r)
		}
		g.mu.Lock()
		delete(g.m, key)
		g.mu.Unlock()
		close(f.done)
	}()
	f.val, f.err = fn()
}
