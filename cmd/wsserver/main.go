package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ArditZubaku/my-realtime-chat/internal/ban"
	"github.com/ArditZubaku/my-realtime-chat/internal/chat"
	"github.com/ArditZubaku/my-realtime-chat/internal/messaging"
	"github.com/ArditZubaku/my-realtime-chat/internal/presence"
	"github.com/ArditZubaku/my-realtime-chat/internal/ratelimit"
	"github.com/ArditZubaku/my-realtime-chat/internal/router"
	"github.com/ArditZubaku/my-realtime-chat/internal/session"
	"github.com/ArditZubaku/my-realtime-chat/internal/ws"
)

func main() {
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
	if v := os.Getenv("PING_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			config.PingInterval = d
		}
	}
	if v := os.Getenv("PING_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			config.PingTimeout = d
		}
	}

	// serverName identifies this instance in the presence directory and on
	// the direct delivery channel. It must be unique per instance.
	serverName, _ := os.Hostname()
	if v := os.Getenv("SERVER_NAME"); v != "" {
		serverName = v
	}
	if serverName == "" {
		serverName = "chat-1"
	}

	// Bus connection. Fan-out between instances rides on NATS subjects.
	busConfig := messaging.DefaultConfig()
	busConfig.Name = serverName
	if v := os.Getenv("NATS_HOST"); v != "" {
		busConfig.Host = v
	}
	if v := os.Getenv("NATS_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			busConfig.Port = n
		}
	}
	if v := os.Getenv("NATS_CONNECT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			busConfig.ConnectTimeout = d
		}
	}
	if v := os.Getenv("NATS_RETRY_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			busConfig.ConnectRetries = n
		}
	}
	bus, err := messaging.Connect(busConfig)
	if err != nil {
		log.Fatalf("connect to NATS at %s: %v", busConfig.URL(), err)
	}

	// Redis backs history, presence, rate limits, and bans.
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		pingCancel()
		log.Fatalf("connect to Redis at %s: %v", redisAddr, err)
	}
	pingCancel()

	log.Printf("starting chat server %q on %s", serverName, config.ListenAddr)
	log.Printf("  workers=%d max_conns=%d read_timeout=%s write_timeout=%s",
		config.WorkerPoolSize, config.MaxConnections, config.ReadTimeout, config.WriteTimeout)
	log.Printf("  ping every %s, evict after %s silent", config.PingInterval, config.PingInterval+config.PingTimeout)
	log.Printf("  nats=%s redis=%s", busConfig.URL(), redisAddr)

	store := chat.NewStore(rdb)
	directory := presence.NewDirectory(rdb)

	// The manager drives all chat semantics; the server below only moves
	// frames. Declared ahead of the server so the read callback can close
	// over it.
	var manager *session.Manager

	server := ws.NewServer(config, func(conn *ws.Connection, data []byte) {
		manager.HandleFrame(conn.ID, data)
	})

	manager = session.NewManager(session.Config{
		ServerName: serverName,
		History:    store,
		Presence:   directory,
		Bus:        bus,
		Router:     router.New(store, bus, directory),
		Sender:     server,
		Limiter:    ratelimit.NewLimiter(rdb),
		Bans:       ban.NewStore(rdb),
		Reports:    bus,
	})
	server.SetOnConnect(manager.Connect)
	server.SetOnDisconnect(manager.Disconnect)

	if err := manager.Start(); err != nil {
		log.Fatalf("open direct delivery subscription: %v", err)
	}

	// Graceful shutdown. The server is torn down first so every session's
	// leave announcement still reaches the bus.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("caught %v, draining connections", sig)
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		bus.Close()
		if err := rdb.Close(); err != nil {
			log.Printf("redis close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("serve: %v", err)
	}
}
