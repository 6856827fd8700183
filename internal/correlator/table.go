// Package correlator holds the in-flight request table that joins edge
// callers to bus replies by request id.
package correlator

import (
	"fmt"
	"sync"
)

// Result is what a pending caller receives: the raw reply body or the
// error the reply was failed with.
type Result struct {
	Body string
	Err  error
}

// Table is a concurrent map of request id to completion channel. Whoever
// removes the entry owns the single signal; completion is therefore
// at-most-once per id.
type Table struct {
	mu      sync.Mutex
	pending map[string]chan Result
}

// NewTable returns an empty pending table.
func NewTable() *Table {
	return &Table{pending: make(map[string]chan Result)}
}

// Add registers rid and returns the channel the caller awaits. Ids are
// minted fresh per request, so a duplicate means a caller bug.
func (t *Table) Add(rid string) (<-chan Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pending[rid]; ok {
		return nil, fmt.Errorf("request id already pending: %s", rid)
	}
	ch := make(chan Result, 1)
	t.pending[rid] = ch
	return ch, nil
}

// Complete signals the pending caller with the reply body. It reports
// false when no slot exists (already completed, timed out or foreign).
func (t *Table) Complete(rid, body string) bool {
	return t.settle(rid, Result{Body: body})
}

// Fail signals the pending caller with an error instead of a body.
func (t *Table) Fail(rid string, err error) bool {
	return t.settle(rid, Result{Err: err})
}

func (t *Table) settle(rid string, res Result) bool {
	t.mu.Lock()
	ch, ok := t.pending[rid]
	if ok {
		delete(t.pending, rid)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	ch <- res
	return true
}

// Remove drops the slot without signalling; the timed-out caller calls
// this so a late reply finds nothing and is discarded.
func (t *Table) Remove(rid string) {
	t.mu.Lock()
	delete(t.pending, rid)
	t.mu.Unlock()
}

// Len returns the number of in-flight requests.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
