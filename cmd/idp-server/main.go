package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sentinelauth/sentinel/cmd/idp-server/oauth"
	"github.com/sentinelauth/sentinel/internal/audit"
	"github.com/sentinelauth/sentinel/internal/config"
	ioauth "github.com/sentinelauth/sentinel/internal/oauth"
	"github.com/sentinelauth/sentinel/internal/purge"
	"github.com/sentinelauth/sentinel/internal/session"
)

const auditExchange = "idp.audit"

func main() {
	config.LoadEnv(".env")

	logger := log.New(os.Stderr, "idp-server ", log.LstdFlags)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("config: %v", err)
	}

	store, err := ioauth.NewStore(cfg.DatabaseURL)
	if err != nil {
		logger.Fatalf("store: %v", err)
	}
	defer store.Close()

	correlation, redisClient, err := newCorrelationStore(cfg)
	if err != nil {
		logger.Fatalf("correlation store: %v", err)
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	var auditPub *audit.Publisher
	if cfg.AMQPURL != "" {
		auditPub, err = audit.NewPublisher(cfg.AMQPURL, auditExchange, logger)
		if err != nil {
			logger.Fatalf("audit publisher: %v", err)
		}
		defer auditPub.Close()
	}

	codec := ioauth.NewCodec(cfg.SigningSecret, cfg.Issuer, cfg.Audience)
	sessions := session.NewManager(store, codec, cfg.SessionTTL, logger)
	server := oauth.NewServer(cfg, store, correlation, codec, auditPub, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	schedulers := []*purge.Scheduler{
		purge.NewScheduler("users", cfg.PurgeInterval, cfg.RetentionPeriod,
			auditedPurge(auditPub, "users", store.PurgeDeletedUsers), logger),
		purge.NewScheduler("client_applications", cfg.PurgeInterval, cfg.RetentionPeriod,
			auditedPurge(auditPub, "client_applications", store.PurgeDeletedClientApplications), logger),
	}

	var wg sync.WaitGroup
	for _, s := range schedulers {
		wg.Add(1)
		go func(s *purge.Scheduler) {
			defer wg.Done()
			s.Run(ctx)
		}(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/oauth2/authorize", server.HandleAuthorize)
	mux.HandleFunc("/api/v1/oauth2/token", server.HandleToken)
	mux.HandleFunc("/api/v1/oauth2/device", server.HandleDevice)
	mux.HandleFunc("/api/v1/oauth2/.well-known", server.HandleMetadata)
	mux.HandleFunc("/healthz", healthHandler(store, redisClient, schedulers))

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           sessions.Middleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Printf("listening on %s", cfg.ListenAddr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatalf("http server: %v", err)
	}
	wg.Wait()
}

func newCorrelationStore(cfg config.Config) (ioauth.CorrelationStore, *redis.Client, error) {
	if cfg.RedisURL == "" {
		return ioauth.NewMemoryCorrelationStore(cfg.CorrelationTTL), nil, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, nil, err
	}
	return ioauth.NewRedisCorrelationStore(client, cfg.CorrelationTTL), client, nil
}

// auditedPurge wraps a purge unit of work so completed passes are published
// as audit events.
func auditedPurge(pub *audit.Publisher, kind string, fn purge.Func) purge.Func {
	return func(ctx context.Context, cutoff time.Time) (int64, error) {
		removed, err := fn(ctx, cutoff)
		if err == nil && removed > 0 {
			pub.Publish(ctx, audit.Event{
				Kind: audit.EventPurgeCompleted,
				Detail: map[string]string{
					"entity":  kind,
					"removed": strconv.FormatInt(removed, 10),
				},
			})
		}
		return removed, err
	}
}

func healthHandler(store *ioauth.Store, redisClient *redis.Client, schedulers []*purge.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		body := map[string]interface{}{"status": "ok"}

		if err := store.Ping(); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
			body["store"] = err.Error()
		}
		if redisClient != nil {
			if err := redisClient.Ping(r.Context()).Err(); err != nil {
				status = http.StatusServiceUnavailable
				body["status"] = "degraded"
				body["redis"] = err.Error()
			}
		}

		purgeStats := make(map[string]purge.Stats, len(schedulers))
		for _, s := range schedulers {
			purgeStats[s.Name()] = s.Stats()
		}
		body["purge"] = purgeStats

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}
