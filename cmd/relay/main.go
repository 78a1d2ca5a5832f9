package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/whisper/duet/internal/api"
	"github.com/whisper/duet/internal/messaging"
	"github.com/whisper/duet/internal/metrics"
	"github.com/whisper/duet/internal/ratelimit"
	"github.com/whisper/duet/internal/relay"
	"github.com/whisper/duet/internal/session"
	"github.com/whisper/duet/internal/store"
	"github.com/whisper/duet/internal/ws"
)

func main() {
	_ = godotenv.Load(".env")

	config := ws.DefaultServerConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}
	relayConfig := relay.DefaultConfig()
	if v := os.Getenv("HANDLER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			relayConfig.HandlerTimeout = d
		}
	}

	apiRPS, apiBurst := 10.0, 20
	if v := os.Getenv("API_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			apiRPS = f
		}
	}
	if v := os.Getenv("API_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			apiBurst = n
		}
	}

	// --- Redis ---
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}
	serverName, _ := os.Hostname()
	if v := os.Getenv("SERVER_NAME"); v != "" {
		serverName = v
	}
	if serverName == "" {
		serverName = "relay-1"
	}

	sessionStore, err := session.NewStore(redisAddr, serverName)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	quizStore := store.NewRedisQuizStore(sessionStore.Client())
	limiter := ratelimit.NewLimiter(sessionStore.Client())

	// --- Postgres (optional) ---
	var messageStore store.MessageStore = store.NewMemoryMessageStore()
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		db, err := store.OpenPostgres(ctx, databaseURL)
		cancel()
		if err != nil {
			log.Fatalf("failed to connect to Postgres: %v", err)
		}
		if err := store.Migrate(db); err != nil {
			log.Fatalf("failed to migrate: %v", err)
		}
		messageStore = store.NewPostgresMessageStore(db)
	}

	// --- NATS (optional) ---
	var (
		natsClient *messaging.NATSClient
		bus        relay.Bus
	)
	natsURL := os.Getenv("NATS_URL")
	if natsURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = natsURL
		natsConfig.Name = "duet-relay-" + serverName
		natsClient, err = messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		bus = natsClient
	}

	log.Printf("Duet relay starting")
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  worker_pool:     %d", config.WorkerPoolSize)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  read_timeout:    %s", config.ReadTimeout)
	log.Printf("  write_timeout:   %s", config.WriteTimeout)
	log.Printf("  redis_addr:      %s", redisAddr)
	log.Printf("  server_name:     %s", serverName)
	log.Printf("  postgres:        %v", databaseURL != "")
	log.Printf("  nats_url:        %s", natsURL)
	log.Printf("  api_rate:        %.1f/s (burst %d)", apiRPS, apiBurst)

	dispatcher := ws.NewMessageDispatcher()
	server := ws.NewServer(config, dispatcher.Dispatch)

	rl := relay.New(relayConfig, server, bus, sessionStore, limiter, quizStore, messageStore)
	rl.Register(dispatcher)

	server.OnAdmit(rl.AdmitConnection)
	server.OnConnect(func(conn *ws.Connection) {
		ctx, cancel := context.WithTimeout(context.Background(), relayConfig.HandlerTimeout)
		defer cancel()
		rl.Connect(ctx, conn.UserID)
		if natsClient != nil {
			err := natsClient.AnnouncePresence(messaging.PresenceNotice{
				UserID:    conn.UserID,
				Server:    serverName,
				SessionID: conn.ID,
			})
			if err != nil {
				log.Printf("[presence] announce %s: %v", conn.UserID, err)
			}
		}
	})
	server.OnDisconnect(func(conn *ws.Connection) {
		ctx, cancel := context.WithTimeout(context.Background(), relayConfig.HandlerTimeout)
		defer cancel()
		rl.Disconnect(ctx, conn.UserID)
	})

	// A user who reconnects elsewhere loses the socket held here, without
	// the call teardown a real disconnect triggers.
	if natsClient != nil {
		err := natsClient.SubscribePresence(func(notice messaging.PresenceNotice) {
			if notice.Server == serverName {
				return
			}
			if server.Evict(notice.UserID, "reconnected on "+notice.Server) {
				if err := natsClient.UnsubscribeUser(notice.UserID); err != nil {
					log.Printf("[presence] unsubscribe %s: %v", notice.UserID, err)
				}
			}
		})
		if err != nil {
			log.Fatalf("failed to subscribe to presence: %v", err)
		}
	}

	api.NewHandler(quizStore, messageStore, sessionStore).
		Limit(apiRPS, apiBurst).
		Register(server.Router())
	server.Router().Handle("/metrics", metrics.Handler())

	// Presence entries expire unless refreshed.
	go func() {
		ticker := time.NewTicker(session.PresenceTTL / 3)
		defer ticker.Stop()
		for range ticker.C {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			for _, c := range server.Connections().All() {
				if err := sessionStore.Touch(ctx, c.UserID); err != nil {
					log.Printf("[presence] touch %s: %v", c.UserID, err)
				}
			}
			cancel()
		}
	}()

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
		if err := sessionStore.Close(); err != nil {
			log.Printf("session store close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
