// Package session binds a document and a presence registry to a relay
// connection.
//
// A Session runs a single event loop. Local edits submitted through Do and
// frames received from the relay are executed one at a time on that loop, so
// the document and the registry never see concurrent access. Outgoing frames
// are queued and written by a separate pump; after every reconnect the local
// operations the relay has not echoed back yet are sent again, which peers
// deduplicate by stamp.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sync/errgroup"

	"collabdraw/clock"
	"collabdraw/document"
	"collabdraw/merge"
	"collabdraw/presence"
)

// ErrClosed is returned by Do once the session stopped running.
var ErrClosed = errors.New("session closed")

const (
	defaultQueueSize      = 1024
	defaultReconnectDelay = 250 * time.Millisecond
	resyncBatchSize       = 256
)

type Session struct {
	doc      *document.Document
	presence *presence.Registry
	dial     Dialer
	logger   *log.Logger

	newBackOff     func() backoff.BackOff
	reconnectDelay time.Duration

	tasks chan func()
	out   chan []byte
	done  chan struct{}
	// stalled is set once an operation frame was dropped; later frames are
	// discarded until the next resync so the relay never sees a gap. Loop only.
	stalled bool

	mu         sync.Mutex
	cancelConn context.CancelFunc
	connected  atomic.Bool
}

type Option func(*Session)

func WithLogger(logger *log.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// WithBackOff sets the policy used between failed dials.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(s *Session) { s.newBackOff = fn }
}

// WithQueueSize sets the capacity of the outgoing frame queue.
func WithQueueSize(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.out = make(chan []byte, n)
		}
	}
}

// WithReconnectDelay sets the pause after a connection drops.
func WithReconnectDelay(d time.Duration) Option {
	return func(s *Session) { s.reconnectDelay = d }
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// New wires doc and registry to the relay reached through dial. The session
// becomes the outbox of both.
func New(doc *document.Document, registry *presence.Registry, dial Dialer, opts ...Option) *Session {
	s := &Session{
		doc:            doc,
		presence:       registry,
		dial:           dial,
		logger:         log.Default(),
		newBackOff:     defaultBackOff,
		reconnectDelay: defaultReconnectDelay,
		tasks:          make(chan func()),
		out:            make(chan []byte, defaultQueueSize),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	doc.SetOutbox(s)
	registry.SetOutbox(s)
	return s
}

// ID returns the local actor id.
func (s *Session) ID() clock.ActorID {
	return s.doc.Actor()
}

func (s *Session) Document() *document.Document {
	return s.doc
}

func (s *Session) Presence() *presence.Registry {
	return s.presence
}

// Connected reports whether a relay connection is currently up.
func (s *Session) Connected() bool {
	return s.connected.Load()
}

// Run processes events and keeps the relay connection up until ctx is done.
// Run may be called once.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.loop(ctx)
	}()
	err := s.maintain(ctx)
	cancel()
	wg.Wait()
	return err
}

func (s *Session) loop(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-s.tasks:
			task()
		}
	}
}

// Do runs fn on the event loop and waits for it to finish. It must not be
// called from the loop itself, for example from a subscription listener.
func (s *Session) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	task := func() {
		defer close(finished)
		fn()
	}
	select {
	case s.tasks <- task:
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Mutate runs a document mutation on the event loop.
func (s *Session) Mutate(ctx context.Context, fn func(tx *document.Tx) error) ([]merge.Operation, error) {
	var (
		ops []merge.Operation
		err error
	)
	if doErr := s.Do(ctx, func() { ops, err = s.doc.Mutate(fn) }); doErr != nil {
		return nil, doErr
	}
	return ops, err
}

// SetLocalMetadata sets a presence key on the event loop.
func (s *Session) SetLocalMetadata(ctx context.Context, key, value string) error {
	return s.Do(ctx, func() { s.presence.SetLocalMetadata(key, value) })
}

// SendOperations queues committed local operations. It runs on the loop.
func (s *Session) SendOperations(ops []merge.Operation) {
	for i := range ops {
		s.push(Frame{Type: FrameOp, DocumentKey: s.doc.Key(), Op: &ops[i]}, true)
	}
}

// SendPresence queues the local metadata map. It runs on the loop.
func (s *Session) SendPresence(peer clock.ActorID, md presence.Metadata) {
	s.push(Frame{Type: FramePresence, DocumentKey: s.doc.Key(), PeerID: peer, Metadata: md}, false)
}

// push queues a frame without blocking the loop. When an operation does not
// fit, the connection is recycled so the reconnect resends the log.
func (s *Session) push(f Frame, critical bool) {
	if s.stalled {
		return
	}
	data, err := EncodeFrame(f)
	if err != nil {
		s.logger.Printf("session: %v", err)
		return
	}
	select {
	case s.out <- data:
	default:
		s.logger.Printf("session: outgoing queue full, dropping %s frame", f.Type)
		if critical {
			s.stalled = true
			s.dropConnection()
		}
	}
}

func (s *Session) dropConnection() {
	s.mu.Lock()
	cancel := s.cancelConn
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Session) setCancelConn(cancel context.CancelFunc) {
	s.mu.Lock()
	s.cancelConn = cancel
	s.mu.Unlock()
}

// resync replaces whatever is queued with the full local log and the local
// metadata. It runs on the loop before a new connection starts writing.
func (s *Session) resync() {
	for drained := false; !drained; {
		select {
		case <-s.out:
		default:
			drained = true
		}
	}
	s.stalled = false
	ops := s.doc.LocalOperations()
	for start := 0; start < len(ops); start += resyncBatchSize {
		end := min(start+resyncBatchSize, len(ops))
		s.push(Frame{Type: FrameBatch, DocumentKey: s.doc.Key(), Ops: ops[start:end]}, false)
	}
	if md := s.presence.LocalMetadata(); len(md) > 0 {
		s.SendPresence(s.ID(), md)
	}
}

func (s *Session) maintain(ctx context.Context) error {
	b := backoff.WithContext(s.newBackOff(), ctx)
	for {
		var t Transport
		err := backoff.RetryNotify(func() error {
			var err error
			t, err = s.dial(ctx)
			return err
		}, b, func(err error, wait time.Duration) {
			s.logger.Printf("session: connect failed: %v; retrying in %s", err, wait)
		})
		if ctx.Err() != nil {
			if err == nil && t != nil {
				t.Close()
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("connect: %w", err)
		}

		if err := s.serve(ctx, t); err != nil && ctx.Err() == nil {
			s.logger.Printf("session: connection lost: %v", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.reconnectDelay):
		}
	}
}

func (s *Session) serve(ctx context.Context, t Transport) error {
	connCtx, cancel := context.WithCancel(ctx)
	s.setCancelConn(cancel)
	defer func() {
		s.setCancelConn(nil)
		s.connected.Store(false)
		cancel()
		t.Close()
	}()

	if err := s.Do(connCtx, s.resync); err != nil {
		return err
	}
	s.connected.Store(true)
	s.logger.Printf("session: %s connected to document %s", s.ID(), s.doc.Key())

	g, gctx := errgroup.WithContext(connCtx)
	g.Go(func() error { return s.readPump(gctx, t) })
	g.Go(func() error { return s.writePump(gctx, t) })
	g.Go(func() error {
		<-gctx.Done()
		t.Close()
		return nil
	})
	return g.Wait()
}

func (s *Session) readPump(ctx context.Context, t Transport) error {
	for {
		data, err := t.Receive()
		if err != nil {
			return fmt.Errorf("receive: %w", err)
		}
		f, err := DecodeFrame(data)
		if err != nil {
			s.logger.Printf("session: dropping frame: %v", err)
			continue
		}
		select {
		case s.tasks <- func() { s.dispatch(f) }:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Session) writePump(ctx context.Context, t Transport) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data := <-s.out:
			if err := t.Send(data); err != nil {
				return fmt.Errorf("send: %w", err)
			}
		}
	}
}

// dispatch applies an inbound frame. It runs on the loop.
func (s *Session) dispatch(f Frame) {
	key := s.doc.Key()
	if f.DocumentKey != "" && f.DocumentKey != key {
		return
	}
	switch f.Type {
	case FrameOp:
		if f.Op.Stamp.Actor == s.ID() {
			s.doc.Acknowledge(f.Op.Stamp.Counter)
			return
		}
		// Malformed operations are logged by the engine.
		_ = s.doc.ApplyRemote(*f.Op)
	case FrameBatch:
		s.acknowledge(f.Ops)
		s.doc.ApplyRemoteBatch(f.Ops)
	case FramePresence:
		if f.PeerID == s.ID() {
			return
		}
		s.presence.ApplyRemoteSnapshot(key, map[clock.ActorID]presence.Metadata{f.PeerID: f.Metadata})
	case FrameLeave:
		s.presence.RemovePeer(key, f.PeerID)
	}
}

// acknowledge confirms the own operations found in a relayed batch. The relay
// stores each peer's operations in counter order, so the highest one covers
// all earlier ones.
func (s *Session) acknowledge(ops []merge.Operation) {
	var top uint64
	for _, op := range ops {
		if op.Stamp.Actor == s.ID() {
			top = max(top, op.Stamp.Counter)
		}
	}
	if top > 0 {
		s.doc.Acknowledge(top)
	}
}
