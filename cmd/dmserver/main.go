package main

import (
	"context"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/whisper/dmserver/internal/api"
	"github.com/whisper/dmserver/internal/chat"
	"github.com/whisper/dmserver/internal/config"
	"github.com/whisper/dmserver/internal/conversation"
	"github.com/whisper/dmserver/internal/delivery"
	"github.com/whisper/dmserver/internal/messaging"
	"github.com/whisper/dmserver/internal/presence"
	"github.com/whisper/dmserver/internal/ratelimit"
	"github.com/whisper/dmserver/internal/realtime"
	"github.com/whisper/dmserver/internal/session"
	"github.com/whisper/dmserver/internal/storage/badgerstore"
	"github.com/whisper/dmserver/internal/storage/postgres"
	"github.com/whisper/dmserver/internal/ws"
)

// backend is what both store implementations provide.
type backend interface {
	conversation.Store
	chat.Store
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	serverConfig := cfg.Server()

	// --- Storage ---
	store, closer, err := openStore(cfg)
	if err != nil {
		log.Fatalf("failed to open %s store: %v", cfg.StoreBackend, err)
	}

	// --- Redis (optional) ---
	var sessionStore *session.Store
	var limiter *ratelimit.Limiter
	if cfg.RedisAddr != "" {
		sessionStore, err = session.NewStore(cfg.RedisAddr, cfg.ServerName)
		if err != nil {
			log.Fatalf("failed to connect to Redis: %v", err)
		}
		limiter = ratelimit.NewLimiter(sessionStore.Client())
	}

	// --- NATS (optional) ---
	var natsClient *messaging.NATSClient
	if cfg.NATSURL != "" {
		natsClient, err = messaging.NewNATSClient(cfg.NATS())
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
	}

	log.Printf("DM server starting")
	log.Printf("  listen_addr:     %s", serverConfig.ListenAddr)
	log.Printf("  worker_pool:     %d", serverConfig.WorkerPoolSize)
	log.Printf("  max_connections: %d", serverConfig.MaxConnections)
	log.Printf("  read_timeout:    %s", serverConfig.ReadTimeout)
	log.Printf("  write_timeout:   %s", serverConfig.WriteTimeout)
	log.Printf("  heartbeat:       %s / %s", serverConfig.Heartbeat.Interval, serverConfig.Heartbeat.Timeout)
	log.Printf("  store_backend:   %s", cfg.StoreBackend)
	log.Printf("  redis_addr:      %s", orDisabled(cfg.RedisAddr))
	log.Printf("  nats_url:        %s", orDisabled(cfg.NATSURL))
	log.Printf("  server_name:     %s", cfg.ServerName)

	registry := presence.NewRegistry()
	resolver := conversation.NewResolver(store)

	dispatcher := ws.NewMessageDispatcher(nil)
	server := ws.NewServer(serverConfig, sessionStore, dispatcher.Dispatch)
	dispatcher.SetServer(server)

	engine := delivery.NewEngine(resolver, store, registry, server)
	if natsClient != nil {
		engine.SetPublisher(natsClient)
	}

	handler := realtime.NewHandler(engine, registry)
	handler.SetConnections(server.Connections())
	if sessionStore != nil {
		handler.SetSessionStore(sessionStore)
		handler.SetLimiter(limiter, cfg.SendRule())
		server.SetConnectLimiter(limiter)
	}
	handler.Register(dispatcher)
	server.SetOnDisconnect(handler.HandleDisconnect)

	server.Mount("/api/messages", api.NewHandler(engine, resolver, store).Routes())
	var lister api.SessionLister
	if sessionStore != nil {
		lister = sessionStore
	}
	server.Mount("/api/presence", api.NewPresenceHandler(registry, lister).Routes())

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		if natsClient != nil {
			natsClient.Close()
		}
		if sessionStore != nil {
			if err := sessionStore.Close(); err != nil {
				log.Printf("session store close error: %v", err)
			}
		}
		if err := closer.Close(); err != nil {
			log.Printf("store close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// openStore opens the configured backend. Postgres migrations run on start.
func openStore(cfg config.Config) (backend, io.Closer, error) {
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		db, err := postgres.Open(context.Background(), cfg.DBDSN)
		if err != nil {
			return nil, nil, err
		}
		if err := postgres.Migrate(db); err != nil {
			db.Close()
			return nil, nil, err
		}
		return postgres.NewStore(db), db, nil
	default:
		s, err := badgerstore.Open(cfg.BadgerPath)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	}
}

func orDisabled(v string) string {
	if v == "" {
		return "(disabled)"
	}
	return v
}
