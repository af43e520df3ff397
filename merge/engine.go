// Package merge turns edits into stamped operations and applies local and
// remote operations under one deterministic rule.
//
// Every field of a shape is last-write-wins by stamp, where stamps order by
// counter and then actor id. A Remove hides a shape whose version is not
// newer than the remove stamp; an Add or Update stamped after the remove
// brings the shape back with that write applied. Removed shapes are kept as
// tombstones so the outcome does not depend on delivery order. A second Add
// of a known id merges field by field like an update, and the shape keeps the
// position of the earliest Add.
package merge

import (
	"fmt"
	"io"
	"log"
	"slices"

	"collabdraw/clock"
	"collabdraw/shape"
)

// DefaultPendingLimit bounds the operations held back while their Add is in
// flight.
const DefaultPendingLimit = 256

type tombstone struct {
	shape   shape.Shape
	removed clock.Stamp
}

// Engine owns a replica's shape store and operation log. It is not safe for
// concurrent use.
type Engine struct {
	clock        *clock.Clock
	store        *shape.Store
	seen         clock.Vector
	tombstones   map[shape.ID]tombstone
	pending      []Operation
	pendingLimit int
	log          *Log
	logLimit     int
	logger       *log.Logger
}

type Option func(*Engine)

func WithLogger(logger *log.Logger) Option {
	return func(e *Engine) {
		if logger == nil {
			logger = log.New(io.Discard, "", 0)
		}
		e.logger = logger
	}
}

// WithPendingLimit sets how many updates and removes for not-yet-added
// shapes are kept before the oldest is dropped.
func WithPendingLimit(n int) Option {
	return func(e *Engine) { e.pendingLimit = n }
}

// WithLogLimit sets how many unacknowledged local operations are kept for
// redelivery before local edits are refused.
func WithLogLimit(n int) Option {
	return func(e *Engine) { e.logLimit = n }
}

func NewEngine(c *clock.Clock, opts ...Option) *Engine {
	e := &Engine{
		clock:        c,
		store:        shape.NewStore(),
		seen:         clock.Vector{},
		tombstones:   make(map[shape.ID]tombstone),
		pendingLimit: DefaultPendingLimit,
		logger:       log.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = NewLog(e.logLimit)
	return e
}

func (e *Engine) Actor() clock.ActorID {
	return e.clock.Actor()
}

// Shapes returns the live shapes in first-add order.
func (e *Engine) Shapes() []shape.Shape {
	return e.store.All()
}

func (e *Engine) Shape(id shape.ID) (shape.Shape, bool) {
	return e.store.Get(id)
}

// Exists reports whether the shape is live.
func (e *Engine) Exists(id shape.ID) bool {
	return e.store.Has(id)
}

// Known reports whether the shape was ever added, live or removed.
func (e *Engine) Known(id shape.ID) bool {
	if e.store.Has(id) {
		return true
	}
	_, ok := e.tombstones[id]
	return ok
}

// Seen returns the highest counter applied per actor.
func (e *Engine) Seen() clock.Vector {
	return e.seen.Clone()
}

// LocalOperations returns the unacknowledged local operations, oldest first.
func (e *Engine) LocalOperations() []Operation {
	return e.log.Operations()
}

// LogRoom returns how many more local operations can be applied before the
// relay confirms earlier ones.
func (e *Engine) LogRoom() int {
	return e.log.Room()
}

// Acknowledge records that the relay stored every local operation up to
// counter; they are no longer redelivered.
func (e *Engine) Acknowledge(counter uint64) {
	e.log.Acknowledge(counter)
}

// Pending returns how many operations wait for their Add.
func (e *Engine) Pending() int {
	return len(e.pending)
}

// Check reports whether a local intent can be applied to the current state.
func (e *Engine) Check(in Intent) error {
	switch in.Kind {
	case KindAdd:
		if e.Known(in.ShapeID) {
			return fmt.Errorf("add %s: %w", in.ShapeID, ErrDuplicateShape)
		}
	case KindUpdate, KindRemove:
		if !e.Exists(in.ShapeID) {
			return fmt.Errorf("%s %s: %w", in.Kind, in.ShapeID, ErrUnknownShape)
		}
	}
	op := Operation{
		Kind:    in.Kind,
		ShapeID: in.ShapeID,
		Props:   in.Props,
		Patch:   in.Patch,
		Stamp:   clock.Stamp{Actor: e.clock.Actor(), Counter: e.clock.Current() + 1},
	}
	return Validate(op)
}

// ApplyLocal stamps a local intent, applies it and logs the resulting
// operation. Local operations always win since the clock has witnessed every
// applied stamp.
func (e *Engine) ApplyLocal(in Intent) (Operation, error) {
	if err := e.Check(in); err != nil {
		return Operation{}, err
	}
	if e.log.Room() < 1 {
		return Operation{}, fmt.Errorf("%s %s: %w", in.Kind, in.ShapeID, ErrLogFull)
	}
	op := Operation{
		Kind:    in.Kind,
		ShapeID: in.ShapeID,
		Props:   in.Props,
		Patch:   in.Patch,
		Stamp:   e.clock.Next(),
	}.Clone()
	e.seen.Observe(op.Stamp)
	e.apply(op)
	// Room was checked above.
	_ = e.log.Append(op)
	return op, nil
}

// ApplyRemote applies an operation received from a peer and returns the ids
// whose visible state changed. Stale operations are ignored and malformed
// ones are logged and dropped.
func (e *Engine) ApplyRemote(op Operation) ([]shape.ID, error) {
	if err := Validate(op); err != nil {
		e.logger.Printf("merge: dropping operation %s: %v", op, err)
		return nil, err
	}
	if !e.seen.Observe(op.Stamp) {
		return nil, nil
	}
	e.clock.Witness(op.Stamp.Counter)
	return e.apply(op.Clone()), nil
}

// ApplyRemoteBatch applies ops in order and returns the union of changed ids.
func (e *Engine) ApplyRemoteBatch(ops []Operation) []shape.ID {
	var affected []shape.ID
	for _, op := range ops {
		ids, _ := e.ApplyRemote(op)
		for _, id := range ids {
			if !slices.Contains(affected, id) {
				affected = append(affected, id)
			}
		}
	}
	return affected
}

func (e *Engine) lookup(id shape.ID) (sh shape.Shape, removed clock.Stamp, live, known bool) {
	if sh, ok := e.store.Get(id); ok {
		return sh, clock.Stamp{}, true, true
	}
	if t, ok := e.tombstones[id]; ok {
		return t.shape.Clone(), t.removed, false, true
	}
	return shape.Shape{}, clock.Stamp{}, false, false
}

func (e *Engine) apply(op Operation) []shape.ID {
	id := op.ShapeID
	sh, removed, wasLive, known := e.lookup(id)

	changed := false
	switch op.Kind {
	case KindAdd:
		if known {
			// The earliest Add fixes the position, whatever the arrival order.
			created := sh.Created
			if op.Stamp.Compare(created) < 0 {
				sh.Created = op.Stamp
			}
			changed = sh.Merge(op.Props.Patch(), op.Stamp)
			if !changed && sh.Created == created {
				e.logger.Printf("merge: dropping duplicate add %s: shape already at %s", op, sh.Version)
				return nil
			}
			changed = true
		} else {
			sh = shape.New(id, *op.Props, op.Stamp)
			changed = true
		}
	case KindUpdate:
		if !known {
			e.hold(op)
			return nil
		}
		changed = sh.Merge(*op.Patch, op.Stamp)
	case KindRemove:
		if !known {
			e.hold(op)
			return nil
		}
		removed = clock.Max(removed, op.Stamp)
	}

	live := e.place(sh, removed)
	var affected []shape.ID
	if live != wasLive || (live && changed) {
		affected = append(affected, id)
	}
	if op.Kind == KindAdd {
		for _, other := range e.release(id) {
			if !slices.Contains(affected, other) {
				affected = append(affected, other)
			}
		}
	}
	return affected
}

// place stores the shape as live or as a tombstone and reports whether it
// is live.
func (e *Engine) place(sh shape.Shape, removed clock.Stamp) bool {
	if sh.Version.After(removed) {
		e.store.Put(sh)
		delete(e.tombstones, sh.ID)
		return true
	}
	e.store.Remove(sh.ID)
	e.tombstones[sh.ID] = tombstone{shape: sh, removed: removed}
	return false
}

// hold defers an operation on a shape whose Add has not arrived yet.
func (e *Engine) hold(op Operation) {
	e.pending = append(e.pending, op)
	if len(e.pending) > e.pendingLimit {
		dropped := e.pending[0]
		e.pending = e.pending[1:]
		e.logger.Printf("merge: dropping %s: shape never added", dropped)
	}
}

// release replays the deferred operations for id in stamp order.
func (e *Engine) release(id shape.ID) []shape.ID {
	var ready []Operation
	kept := e.pending[:0]
	for _, op := range e.pending {
		if op.ShapeID == id {
			ready = append(ready, op)
		} else {
			kept = append(kept, op)
		}
	}
	e.pending = kept
	if len(ready) == 0 {
		return nil
	}
	slices.SortFunc(ready, func(a, b Operation) int { return a.Stamp.Compare(b.Stamp) })

	var affected []shape.ID
	for _, op := range ready {
		for _, changed := range e.apply(op) {
			if !slices.Contains(affected, changed) {
				affected = append(affected, changed)
			}
		}
	}
	return affected
}
