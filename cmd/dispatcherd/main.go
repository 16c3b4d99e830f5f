// Copyright 2025 Voxline
// SPDX-License-Identifier: Apache-2.0

// dispatcherd is the request-dispatch service: it races text providers
// behind circuit breakers, queues speech synthesis onto a bounded worker
// pool, and fronts both with a shared response cache and a distributed
// rate limiter.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"

	"voxline/core/cache"
	"voxline/core/config"
	"voxline/core/dispatch"
	"voxline/core/metrics"
	"voxline/core/providers/elevenlabs"
	"voxline/core/providers/openai"
	"voxline/core/queue"
	"voxline/core/ratelimit"
	"voxline/core/server"
	"voxline/core/shared/logger"
	"voxline/core/usage"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the config file")
	flag.Parse()

	log := logger.New("dispatcherd")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("", "", "failed to load config", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.Error("", "", "service exited with error", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Redis backs the shared cache and the distributed rate limiter.
	// Without it the service degrades to in-process caching only.
	var remoteStore cache.Store
	var limiter *ratelimit.Limiter
	if cfg.Redis.URL != "" {
		redisClient, err := cache.DialRedis(ctx, cfg.Redis.URL)
		if err != nil {
			log.Warn("", "", "redis unreachable, running with in-memory cache only",
				map[string]interface{}{"error": err.Error()})
		} else {
			defer func() {
				_ = redisClient.Close()
			}()
			remoteStore = cache.NewRedisStore(redisClient)
			if cfg.RateLimit.Enabled {
				limiter = ratelimit.New(redisClient, ratelimit.Options{
					Default:  cfg.RateLimit.Default,
					FailOpen: cfg.RateLimit.FailOpen,
					Loader: &ratelimit.TableLoader{
						Default: cfg.RateLimit.Default,
						Tenants: cfg.RateLimit.Tenants,
					},
					Logger: logger.New("ratelimit"),
				})
			}
		}
	}

	responseCache := cache.New(remoteStore, cache.Options{
		DefaultTTL:    cfg.Cache.TTL.Std(),
		MemoryEntries: cfg.Cache.MemoryEntries,
		MaxValueBytes: cfg.Cache.MaxValueBytes,
		Logger:        logger.New("cache"),
	})

	var recorder *usage.Recorder
	if cfg.Postgres.DSN != "" {
		db, err := sql.Open("postgres", cfg.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("failed to open postgres: %w", err)
		}
		db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
		defer func() {
			_ = db.Close()
		}()
		if err := db.PingContext(ctx); err != nil {
			log.Warn("", "", "postgres unreachable, usage recording disabled",
				map[string]interface{}{"error": err.Error()})
		} else {
			recorder = usage.NewRecorder(db)
		}
	}

	registry := prometheus.NewRegistry()
	sink := metrics.NewSink(registry)

	textPrimaries, textFallback, speechPrimary, speechFallback, err := buildProviders(cfg.Providers)
	if err != nil {
		return err
	}

	// Providers reached over slow paths get their configured timeout as
	// the dispatch deadline too, not just as the HTTP client timeout.
	timeouts := make(map[string]time.Duration)
	for _, pc := range cfg.Providers {
		if pc.Enabled && pc.Timeout > 0 {
			timeouts[pc.Name] = pc.Timeout.Std()
		}
	}

	dispatcher, err := dispatch.NewDispatcher(dispatch.DispatcherConfig{
		Primaries:        textPrimaries,
		Fallback:         textFallback,
		Cache:            responseCache,
		Metrics:          sink,
		BreakerThreshold: cfg.Breaker.FailureThreshold,
		BreakerReset:     cfg.Breaker.ResetTimeout.Std(),
		Timeouts:         timeouts,
		CacheTTL:         cfg.Cache.TTL.Std(),
	})
	if err != nil {
		return err
	}

	synthQueue, err := queue.New(queue.Config{
		Workers:  cfg.Queue.Workers,
		Capacity: cfg.Queue.Capacity,
		Primary:  speechPrimary,
		Fallback: speechFallback,
		Cache:    responseCache,
		CacheTTL: cfg.Cache.TTL.Std(),
		Metrics:  sink,
	})
	if err != nil {
		return err
	}

	srv := server.New(server.Options{
		Dispatcher: dispatcher,
		Queue:      synthQueue,
		Limiter:    limiter,
		Recorder:   recorder,
		Registry:   registry,
	})

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("", "", "dispatcherd listening", map[string]interface{}{"addr": cfg.Server.Addr})
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("", "", "shutting down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("", "", "http server shutdown error", map[string]interface{}{"error": err.Error()})
	}
	if err := synthQueue.Shutdown(shutdownCtx); err != nil {
		log.Warn("", "", "queue shutdown error", map[string]interface{}{"error": err.Error()})
	}
	return nil
}

// buildProviders instantiates configured providers and partitions them by
// capability and role.
func buildProviders(configs []config.ProviderConfig) (
	textPrimaries []dispatch.TextProvider,
	textFallback dispatch.TextProvider,
	speechPrimary dispatch.SpeechProvider,
	speechFallback dispatch.SpeechProvider,
	err error,
) {
	for _, pc := range configs {
		if !pc.Enabled {
			continue
		}
		switch pc.Type {
		case "openai":
			p, perr := openai.NewProvider(openai.Config{
				Name:    pc.Name,
				APIKey:  pc.APIKey,
				BaseURL: pc.BaseURL,
				Model:   pc.Model,
				Timeout: pc.Timeout.Std(),
			})
			if perr != nil {
				return nil, nil, nil, nil, fmt.Errorf("provider %q: %w", pc.Name, perr)
			}
			if pc.Role == "fallback" {
				textFallback = p
			} else {
				textPrimaries = append(textPrimaries, p)
			}
		case "openai-tts":
			p, perr := openai.NewTTS(openai.Config{
				Name:    pc.Name,
				APIKey:  pc.APIKey,
				BaseURL: pc.BaseURL,
				Model:   pc.Model,
				Timeout: pc.Timeout.Std(),
			})
			if perr != nil {
				return nil, nil, nil, nil, fmt.Errorf("provider %q: %w", pc.Name, perr)
			}
			if pc.Role == "fallback" {
				speechFallback = p
			} else {
				speechPrimary = p
			}
		case "elevenlabs":
			p, perr := elevenlabs.NewProvider(elevenlabs.Config{
				Name:    pc.Name,
				APIKey:  pc.APIKey,
				BaseURL: pc.BaseURL,
				Model:   pc.Model,
				Timeout: pc.Timeout.Std(),
			})
			if perr != nil {
				return nil, nil, nil, nil, fmt.Errorf("provider %q: %w", pc.Name, perr)
			}
			if pc.Role == "fallback" {
				speechFallback = p
			} else {
				speechPrimary = p
			}
		}
	}
	if len(textPrimaries) == 0 {
		return nil, nil, nil, nil, fmt.Errorf("no enabled primary text provider configured")
	}
	if speechPrimary == nil {
		return nil, nil, nil, nil, fmt.Errorf("no enabled primary speech provider configured")
	}
	return textPrimaries, textFallback, speechPrimary, speechFallback, nil
}
