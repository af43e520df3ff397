package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"collabdraw/config"
	"collabdraw/discovery"
	"collabdraw/relay"
)

func openBroker(ctx context.Context, cfg config.Relay) (relay.Broker, error) {
	if cfg.Broker != "redis" {
		return relay.NewMemoryBroker(nil), nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}
	log.Printf("Connected to Redis at %s.", cfg.RedisAddr)
	return relay.NewRedisBroker(rdb), nil
}

func openHistory(ctx context.Context, cfg config.Relay) (relay.History, error) {
	switch cfg.History {
	case "postgres":
		h, err := relay.OpenPostgresHistory(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		log.Println("Connected to PostgreSQL.")
		return h, nil
	case "sqlite":
		h, err := relay.OpenSQLiteHistory(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		log.Printf("Opened SQLite history at %s.", cfg.SQLitePath)
		return h, nil
	default:
		return relay.NewMemoryHistory(), nil
	}
}

const program = "collabdraw relay"

func main() {
	cfg, err := config.Load[config.Relay]()
	if err != nil {
		config.Fatal(program, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	broker, err := openBroker(ctx, cfg)
	if err != nil {
		config.Fatal(program, fmt.Errorf("connect broker: %w", err))
	}
	defer broker.Close()

	history, err := openHistory(ctx, cfg)
	if err != nil {
		config.Fatal(program, fmt.Errorf("open history: %w", err))
	}
	defer history.Close()

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: relay.NewServer(broker, history),
	}

	if cfg.Advertise {
		_, portText, err := net.SplitHostPort(cfg.Addr)
		if err != nil {
			config.Fatal(program, fmt.Errorf("listen address %q: %w", cfg.Addr, err))
		}
		port, err := strconv.Atoi(portText)
		if err != nil {
			config.Fatal(program, fmt.Errorf("listen port %q: %w", portText, err))
		}
		shutdown, err := discovery.Advertise(port)
		if err != nil {
			log.Printf("mDNS advertisement disabled: %v", err)
		} else {
			defer shutdown()
			log.Printf("mDNS service %s registered on port %d.", discovery.Service, port)
		}
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("collabdraw relay starting on %s (broker=%s, history=%s)...", cfg.Addr, cfg.Broker, cfg.History)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Failed to start server: %v", err)
	}
}
