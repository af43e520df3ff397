package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"collabdraw/clock"
	"collabdraw/config"
	"collabdraw/discovery"
	"collabdraw/document"
	"collabdraw/merge"
	"collabdraw/presence"
	"collabdraw/relay"
	"collabdraw/session"
	"collabdraw/shape"
)

func resolveRelay(ctx context.Context, cfg config.Agent) (string, error) {
	if cfg.RelayURL != "" {
		return cfg.RelayURL, nil
	}
	log.Printf("Browsing mDNS for %s...", discovery.Service)
	ctx, cancel := context.WithTimeout(ctx, cfg.BrowseTimeout)
	defer cancel()
	return discovery.Browse(ctx)
}

func watch(s *session.Session) {
	s.Document().Subscribe(func(ev document.Event) {
		for _, id := range ev.IDs {
			sh, ok := findShape(ev.Shapes, id)
			if !ok {
				log.Printf("Shape %s was removed", id)
				continue
			}
			log.Printf("Shape %s is now %s at %+v (%s)", sh.ID, sh.Kind, sh.Geometry.Bounds, sh.Style.Color)
		}
	})
	s.Presence().Subscribe(func(ev presence.Event) {
		for doc, peers := range ev.Value {
			for peer, md := range peers {
				if md == nil {
					log.Printf("Peer %s left %s", peer, doc)
					continue
				}
				if board, ok, err := presence.DecodeBoard(md); err == nil && ok {
					log.Printf("Peer %s uses %s at (%.0f, %.0f)", peer, board.Tool, board.X, board.Y)
				}
			}
		}
	})
}

func findShape(shapes []shape.Shape, id shape.ID) (shape.Shape, bool) {
	for _, sh := range shapes {
		if sh.ID == id {
			return sh, true
		}
	}
	return shape.Shape{}, false
}

// demo draws a rectangle and walks it, and the cursor, around a circle.
func demo(ctx context.Context, s *session.Session, interval time.Duration) error {
	var id shape.ID
	ops, err := s.Mutate(ctx, func(tx *document.Tx) error {
		var err error
		id, err = tx.Add(shape.Props{
			Kind:     shape.KindRectangle,
			Geometry: shape.Geometry{Bounds: shape.Rect{X: 100, Y: 100, Width: 40, Height: 30}},
			Style:    shape.Style{Color: "#1e88e5", StrokeWidth: 2},
		})
		return err
	})
	if err != nil {
		return err
	}
	log.Printf("Drew %s", ops[0])

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for step := 1; ; step++ {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		angle := float64(step) * math.Pi / 8
		x, y := 100+50*math.Cos(angle), 100+50*math.Sin(angle)
		if _, err := s.Mutate(ctx, func(tx *document.Tx) error {
			if _, ok := tx.Get(id); !ok {
				return nil
			}
			geometry := shape.Geometry{Bounds: shape.Rect{X: x, Y: y, Width: 40, Height: 30}}
			return tx.Update(id, shape.Patch{Geometry: &geometry})
		}); errors.Is(err, merge.ErrLogFull) {
			log.Printf("Skipping move while offline: %v", err)
			continue
		} else if err != nil {
			return err
		}
		err := s.Do(ctx, func() {
			if err := s.Presence().SetBoard(presence.Board{Tool: presence.ToolRect, X: x, Y: y}); err != nil {
				log.Printf("set board: %v", err)
			}
		})
		if err != nil {
			return err
		}
	}
}

const program = "collabdraw agent"

func main() {
	cfg, err := config.Load[config.Agent]()
	if err != nil {
		config.Fatal(program, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	base, err := resolveRelay(ctx, cfg)
	if err != nil {
		config.Fatal(program, fmt.Errorf("find relay: %w", err))
	}

	actor := clock.NewNamedActorID(cfg.ActorName)
	doc := document.New(cfg.Document, actor)
	registry := presence.NewRegistry(actor, log.Default())
	s := session.New(doc, registry, session.DialWebSocket(relay.ClientURL(base, cfg.Document, actor), nil))
	watch(s)

	log.Printf("collabdraw agent %s joining %s via %s...", actor, cfg.Document, base)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.Run(gctx) })
	if cfg.Demo {
		g.Go(func() error { return demo(gctx, s, cfg.DemoInterval) })
	}
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.Fatalf("agent stopped: %v", err)
	}
}
