// Package relay implements the server peers connect to. It keeps no drawing
// state of its own: it stores accepted operations, replays them to peers that
// join, and fans frames out to every connection of a document through a
// Broker.
package relay

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"collabdraw/clock"
	"collabdraw/merge"
	"collabdraw/session"
)

const leaveTimeout = 5 * time.Second

type Server struct {
	broker   Broker
	history  History
	metrics  *Metrics
	logger   *log.Logger
	upgrader websocket.Upgrader
	router   *mux.Router

	mu    sync.Mutex
	peers map[peerKey]int
}

// peerKey counts the open connections of one actor on one document.
type peerKey struct {
	document string
	actor    clock.ActorID
}

type Option func(*Server)

func WithLogger(logger *log.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

func WithMetrics(m *Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

func NewServer(broker Broker, history History, opts ...Option) *Server {
	s := &Server{
		broker:  broker,
		history: history,
		logger:  log.Default(),
		peers:   make(map[peerKey]int),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics()
	}

	r := mux.NewRouter()
	r.HandleFunc("/ws/{document}", s.handleSocket).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ClientURL returns the websocket address a peer dials to join a document.
func ClientURL(base, documentKey string, actor clock.ActorID) string {
	return base + "/ws/" + url.PathEscape(documentKey) + "?actor=" + url.QueryEscape(string(actor))
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["document"]
	actor := clock.ActorID(r.URL.Query().Get("actor"))
	if actor == "" {
		http.Error(w, "actor is required", http.StatusBadRequest)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("relay: upgrade: %v", err)
		return
	}
	s.serve(r.Context(), key, actor, session.NewWebSocketTransport(conn))
}

// serve relays frames between one peer and the document channel until either
// side fails.
func (s *Server) serve(ctx context.Context, key string, actor clock.ActorID, t session.Transport) {
	defer t.Close()
	channel := Channel(key)

	sub, err := s.broker.Subscribe(ctx, channel)
	if err != nil {
		s.logger.Printf("relay: %s on %s: %v", actor, key, err)
		return
	}
	defer sub.Close()

	s.metrics.connections.Inc()
	defer s.metrics.connections.Dec()
	s.join(key, actor)
	s.logger.Printf("relay: %s joined %s", actor, key)

	// Subscribing first means an operation published during the replay is
	// delivered twice at worst, which peers deduplicate.
	if err := s.replay(ctx, key, t); err != nil {
		s.logger.Printf("relay: replay %s to %s: %v", key, actor, err)
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case payload, ok := <-sub.Messages():
				if !ok {
					return errSubscriptionClosed
				}
				if err := t.Send(payload); err != nil {
					return err
				}
			}
		}
	})
	g.Go(func() error {
		for {
			data, err := t.Receive()
			if err != nil {
				return err
			}
			if err := s.handleFrame(gctx, key, actor, data); err != nil {
				return err
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		t.Close()
		return nil
	})
	err = g.Wait()
	s.logger.Printf("relay: %s left %s: %v", actor, key, err)

	// A peer that already reconnected keeps its presence.
	if !s.part(key, actor) {
		return
	}
	leaveCtx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	defer cancel()
	s.publish(leaveCtx, key, session.Frame{Type: session.FrameLeave, DocumentKey: key, PeerID: actor})
}

func (s *Server) replay(ctx context.Context, key string, t session.Transport) error {
	ops, err := s.history.Load(ctx, key)
	if err != nil || len(ops) == 0 {
		return err
	}
	data, err := session.EncodeFrame(session.Frame{Type: session.FrameBatch, DocumentKey: key, Ops: ops})
	if err != nil {
		return err
	}
	return t.Send(data)
}

func (s *Server) join(key string, actor clock.ActorID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[peerKey{key, actor}]++
}

// part reports whether the last connection of actor on key closed.
func (s *Server) part(key string, actor clock.ActorID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := peerKey{key, actor}
	s.peers[k]--
	if s.peers[k] > 0 {
		return false
	}
	delete(s.peers, k)
	return true
}

// handleFrame processes one frame from a peer. An error means the connection
// must be closed: the peer then reconnects and resends its operations in
// order.
func (s *Server) handleFrame(ctx context.Context, key string, actor clock.ActorID, data []byte) error {
	f, err := session.DecodeFrame(data)
	if err != nil {
		s.metrics.rejected.WithLabelValues("malformed").Inc()
		s.logger.Printf("relay: frame from %s: %v", actor, err)
		return nil
	}
	s.metrics.frames.WithLabelValues(string(f.Type)).Inc()

	switch f.Type {
	case session.FrameOp:
		accepted, err := s.accept(ctx, key, actor, []merge.Operation{*f.Op})
		if len(accepted) == 1 {
			s.publish(ctx, key, session.Frame{Type: session.FrameOp, DocumentKey: key, Op: &accepted[0]})
		}
		return err
	case session.FrameBatch:
		accepted, err := s.accept(ctx, key, actor, f.Ops)
		if len(accepted) > 0 {
			s.publish(ctx, key, session.Frame{Type: session.FrameBatch, DocumentKey: key, Ops: accepted})
		}
		return err
	case session.FramePresence:
		s.publish(ctx, key, session.Frame{Type: session.FramePresence, DocumentKey: key, PeerID: actor, Metadata: f.Metadata})
	default:
		s.metrics.rejected.WithLabelValues("unexpected").Inc()
	}
	return nil
}

// accept stores the operations a peer authored and returns those that were
// not already in history. It stops at the first storage failure: storing a
// later operation of the same peer would let others skip the failed one for
// good.
func (s *Server) accept(ctx context.Context, key string, actor clock.ActorID, ops []merge.Operation) ([]merge.Operation, error) {
	var accepted []merge.Operation
	for _, op := range ops {
		if op.Stamp.Actor != actor {
			s.metrics.rejected.WithLabelValues("foreign").Inc()
			s.logger.Printf("relay: %s sent %s authored by another peer", actor, op)
			continue
		}
		if err := merge.Validate(op); err != nil {
			s.metrics.rejected.WithLabelValues("invalid").Inc()
			s.logger.Printf("relay: %s: %v", actor, err)
			continue
		}
		inserted, err := s.history.Append(ctx, key, op)
		if err != nil {
			return accepted, fmt.Errorf("store %s: %w", op, err)
		}
		if inserted {
			s.metrics.appended.Inc()
			accepted = append(accepted, op)
		}
	}
	return accepted, nil
}

func (s *Server) publish(ctx context.Context, key string, f session.Frame) {
	data, err := session.EncodeFrame(f)
	if err != nil {
		s.logger.Printf("relay: %v", err)
		return
	}
	if err := s.broker.Publish(ctx, Channel(key), data); err != nil {
		s.logger.Printf("relay: %v", err)
	}
}
