package relay

import (
	"context"
	"sync"

	"collabdraw/clock"
	"collabdraw/merge"
)

// History stores every operation a relay accepted, per document, in arrival
// order. Append reports whether the operation was new; an operation with a
// stamp already stored for the document is ignored.
type History interface {
	Append(ctx context.Context, documentKey string, op merge.Operation) (bool, error)
	Load(ctx context.Context, documentKey string) ([]merge.Operation, error)
	Close() error
}

type memoryDocument struct {
	ops    []merge.Operation
	stamps map[clock.Stamp]struct{}
}

type MemoryHistory struct {
	mu   sync.Mutex
	docs map[string]*memoryDocument
}

func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{docs: make(map[string]*memoryDocument)}
}

func (h *MemoryHistory) Append(ctx context.Context, documentKey string, op merge.Operation) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	doc, ok := h.docs[documentKey]
	if !ok {
		doc = &memoryDocument{stamps: make(map[clock.Stamp]struct{})}
		h.docs[documentKey] = doc
	}
	if _, dup := doc.stamps[op.Stamp]; dup {
		return false, nil
	}
	doc.stamps[op.Stamp] = struct{}{}
	doc.ops = append(doc.ops, op.Clone())
	return true, nil
}

func (h *MemoryHistory) Load(ctx context.Context, documentKey string) ([]merge.Operation, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	doc, ok := h.docs[documentKey]
	if !ok {
		return nil, nil
	}
	out := make([]merge.Operation, len(doc.ops))
	for i, op := range doc.ops {
		out[i] = op.Clone()
	}
	return out, nil
}

func (h *MemoryHistory) Close() error {
	return nil
}
