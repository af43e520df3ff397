// Package document is the facade a drawing surface talks to. It owns the
// merge engine of one shared document and notifies subscribers about changes
// that originate from other peers.
//
// A Document is not safe for concurrent use; all calls are expected to come
// from a single event loop (see package session).
package document

import (
	"fmt"
	"log"

	"collabdraw/clock"
	"collabdraw/merge"
	"collabdraw/notify"
	"collabdraw/shape"
)

// EventType tags document events.
type EventType string

// RemoteChange is published after operations from another peer changed the
// document.
const RemoteChange EventType = "remote-change"

// Event carries the ids that changed and the full shape sequence after the
// change.
type Event struct {
	Type   EventType
	IDs    []shape.ID
	Shapes []shape.Shape
}

// Outbox receives the operations of every committed local mutation.
type Outbox interface {
	SendOperations(ops []merge.Operation)
}

type Document struct {
	key     string
	clock   *clock.Clock
	engine  *merge.Engine
	events  *notify.Hub[Event]
	outbox  Outbox
	nextSeq uint64
}

type Option func(*options)

type options struct {
	logger       *log.Logger
	pendingLimit int
	logLimit     int
}

func WithLogger(logger *log.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func WithPendingLimit(n int) Option {
	return func(o *options) { o.pendingLimit = n }
}

func WithLogLimit(n int) Option {
	return func(o *options) { o.logLimit = n }
}

// New opens an empty replica of the document identified by key for actor.
func New(key string, actor clock.ActorID, opts ...Option) *Document {
	o := options{logger: log.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	c := clock.New(actor)
	engineOpts := []merge.Option{merge.WithLogger(o.logger), merge.WithLogLimit(o.logLimit)}
	if o.pendingLimit > 0 {
		engineOpts = append(engineOpts, merge.WithPendingLimit(o.pendingLimit))
	}
	return &Document{
		key:    key,
		clock:  c,
		engine: merge.NewEngine(c, engineOpts...),
		events: notify.NewHub[Event]("document "+key, o.logger),
	}
}

// Key returns the opaque document identifier.
func (d *Document) Key() string {
	return d.key
}

func (d *Document) Actor() clock.ActorID {
	return d.clock.Actor()
}

// SetOutbox sets where committed local operations are handed for broadcast.
func (d *Document) SetOutbox(o Outbox) {
	d.outbox = o
}

// Root returns a snapshot of the shapes in first-add order. The snapshot does
// not change when the document does.
func (d *Document) Root() []shape.Shape {
	return d.engine.Shapes()
}

func (d *Document) Shape(id shape.ID) (shape.Shape, bool) {
	return d.engine.Shape(id)
}

// Seen returns the highest counter applied per actor.
func (d *Document) Seen() clock.Vector {
	return d.engine.Seen()
}

// LocalOperations returns the local operations not yet confirmed by the
// relay, for redelivery.
func (d *Document) LocalOperations() []merge.Operation {
	return d.engine.LocalOperations()
}

// Acknowledge marks every local operation up to counter as stored by the
// relay.
func (d *Document) Acknowledge(counter uint64) {
	d.engine.Acknowledge(counter)
}

// Subscribe registers fn for remote-change events. Local mutations are never
// published; their result is visible as soon as Mutate returns.
func (d *Document) Subscribe(fn func(Event)) (unsubscribe func()) {
	return d.events.Subscribe(fn)
}

// Mutate runs fn against a writable view and commits the collected edits as
// operations. If fn or any edit fails, nothing is applied.
func (d *Document) Mutate(fn func(tx *Tx) error) ([]merge.Operation, error) {
	tx := &Tx{doc: d, staged: make(map[shape.ID]stagedState), nextSeq: d.nextSeq}
	if err := fn(tx); err != nil {
		return nil, err
	}
	if tx.err != nil {
		return nil, tx.err
	}
	if len(tx.intents) == 0 {
		return nil, nil
	}
	if room := d.engine.LogRoom(); room < len(tx.intents) {
		return nil, fmt.Errorf("mutate: %d edits, room for %d: %w", len(tx.intents), room, merge.ErrLogFull)
	}

	ops := make([]merge.Operation, 0, len(tx.intents))
	for _, in := range tx.intents {
		op, err := d.engine.ApplyLocal(in)
		if err != nil {
			// Intents were checked against the staged view, so this only
			// happens on a bug in Tx.
			return ops, fmt.Errorf("commit %s %s: %w", in.Kind, in.ShapeID, err)
		}
		ops = append(ops, op)
	}
	d.nextSeq = tx.nextSeq
	if d.outbox != nil {
		d.outbox.SendOperations(ops)
	}
	return ops, nil
}

// ApplyRemote applies an operation from another peer and publishes a
// remote-change event when the document changed.
func (d *Document) ApplyRemote(op merge.Operation) error {
	ids, err := d.engine.ApplyRemote(op)
	if err != nil {
		return err
	}
	d.publish(ids)
	return nil
}

// ApplyRemoteBatch applies ops in order and publishes a single event for all
// of them.
func (d *Document) ApplyRemoteBatch(ops []merge.Operation) {
	d.publish(d.engine.ApplyRemoteBatch(ops))
}

func (d *Document) publish(ids []shape.ID) {
	if len(ids) == 0 {
		return
	}
	d.events.Publish(Event{Type: RemoteChange, IDs: ids, Shapes: d.engine.Shapes()})
}

func (d *Document) newID(seq uint64) shape.ID {
	return shape.ID(fmt.Sprintf("%s:%d", d.clock.Actor(), seq))
}
