package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// HandleCache memoizes resolved handles by table name for the lifetime of
// an adapter.
type HandleCache struct {
	mu      sync.Mutex
	handles map[string]TableHandle
}

// Get returns the cached handle for name.
func (c *HandleCache) Get(name string) (TableHandle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.handles[name]
	return h, ok
}

// Put stores h under its name.
func (c *HandleCache) Put(h TableHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handles == nil {
		c.handles = make(map[string]TableHandle)
	}
	c.handles[h.Name] = h
}

// ProbeWriteID tries each candidate identifier against the data path and
// returns the first that probe accepts. Candidates rejected with a
// not-found or validation error are skipped; a transport error aborts the
// probe. Duplicate and empty candidates are ignored.
func ProbeWriteID(ctx context.Context, table string, candidates []string, probe func(ctx context.Context, id string) error) (string, error) {
	seen := make(map[string]bool, len(candidates))
	var rejections []error
	for _, id := range candidates {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true

		err := probe(ctx, id)
		if err == nil {
			return id, nil
		}
		if IsRetryable(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		rejections = append(rejections, fmt.Errorf("candidate %q: %w", id, err))
	}
	nf := &NotFoundError{What: "writable table", Name: table}
	if joined := errors.Join(rejections...); joined != nil {
		nf.Payload = joined.Error()
	}
	return "", nf
}
