package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"ootd-notify/api"
	"ootd-notify/delivery"
	"ootd-notify/events"
	"ootd-notify/storage"
)

func envInt(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Fatalf("invalid %s: %q", name, v)
	}
	return n
}

func envDur(name string, def time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		log.Fatalf("invalid %s: %q", name, v)
	}
	return d
}

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}

	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	notificationsTable := os.Getenv("NOTIFICATIONS_TABLE")
	usersTable := os.Getenv("USERS_TABLE")
	eventsQueue := os.Getenv("DOMAIN_EVENTS_QUEUE")
	if connStr == "" || notificationsTable == "" || usersTable == "" || eventsQueue == "" {
		log.Fatal("missing storage config")
	}
	internalToken := os.Getenv("INTERNAL_EVENTS_TOKEN")
	if internalToken == "" {
		log.Fatal("missing INTERNAL_EVENTS_TOKEN")
	}

	store, err := storage.New(connStr, notificationsTable, usersTable, eventsQueue)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}

	redisConn := os.Getenv("REDIS_CONNECTION_STRING")
	if redisConn == "" {
		log.Fatal("missing redis config")
	}
	redisOpts, err := redis.ParseURL(redisConn)
	if err != nil {
		parts := strings.Split(redisConn, ",")
		redisOpts = &redis.Options{Addr: parts[0]}
		for _, p := range parts[1:] {
			kv := strings.SplitN(p, "=", 2)
			if len(kv) != 2 {
				continue
			}
			switch strings.ToLower(kv[0]) {
			case "password":
				redisOpts.Password = kv[1]
			case "ssl":
				if strings.ToLower(kv[1]) == "true" {
					redisOpts.TLSConfig = &tls.Config{}
				}
			}
		}
	}
	rc := redis.NewClient(redisOpts)

	logger := log.New()

	registry := delivery.NewRegistry()
	replay := delivery.NewReplayStore(rc, envDur("REPLAY_RETENTION", delivery.DefaultRetention))
	deliverer := delivery.NewService(registry, replay, logger)

	publisher := events.NewPublisher(
		store,
		logger,
		envInt("PUBLISH_BUFFER", 1024),
		envInt("PUBLISH_WORKERS", 4),
		envDur("PUBLISH_SEND_TIMEOUT", 30*time.Second),
	)
	consumer := events.NewConsumer(store, store, deliverer, logger, envInt("CONSUMER_LANES", 2))

	testMode := os.Getenv("AUTH_TEST_MODE") == "1"
	var auth *api.Auth
	if testMode {
		auth = api.NewAuth(nil, "", "")
	} else {
		audience := os.Getenv("AUTH_AUDIENCE")
		domainName := os.Getenv("AUTH_DOMAIN")
		if audience == "" || domainName == "" {
			log.Fatal("missing auth config")
		}
		jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", domainName)
		jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{})
		if err != nil {
			log.Fatalf("jwks: %v", err)
		}
		auth = api.NewAuth(jwks, audience, "https://"+domainName+"/")
	}

	e := echo.New()
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, "Last-Event-ID"},
	}))
	api.Register(e, store, auth, registry, replay, publisher, internalToken, logger)

	consumeCtx, stopConsumer := context.WithCancel(context.Background())
	consumerDone := make(chan struct{})
	go func() {
		consumer.Run(consumeCtx)
		close(consumerDone)
	}()

	sweep := time.NewTicker(envDur("SWEEP_INTERVAL", 30*time.Minute))
	go func() {
		for range sweep.C {
			deliverer.Sweep()
		}
	}()

	listenAddr := ":8080"
	if val, ok := os.LookupEnv("FUNCTIONS_CUSTOMHANDLER_PORT"); ok {
		listenAddr = ":" + val
	}
	go func() {
		if err := e.Start(listenAddr); err != nil {
			logger.WithError(err).Info("http server stopped")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down")

	sweep.Stop()
	registry.DrainAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http shutdown")
	}

	stopConsumer()
	<-consumerDone
	publisher.Close()
}
