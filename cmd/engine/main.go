// Social graph engine main entry point
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/social-graph-engine/internal/accumulator"
	"github.com/social-graph-engine/internal/cache"
	"github.com/social-graph-engine/internal/config"
	"github.com/social-graph-engine/internal/enrich/mock"
	"github.com/social-graph-engine/internal/graph"
	"github.com/social-graph-engine/internal/monitor"
	"github.com/social-graph-engine/internal/pipeline"
	"github.com/social-graph-engine/internal/queue"
	"github.com/social-graph-engine/internal/source"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	logger.Info("Starting social graph engine")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Partition queue backend. With Redis the connection pool is shared
	// with the classification cache mirror.
	var (
		q           queue.PartitionQueue
		redisClient *redis.Client
	)
	switch cfg.QueueBackend {
	case "redis":
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		err := redisClient.Ping(pingCtx).Err()
		pingCancel()
		if err != nil {
			logger.Fatal("Redis unavailable", zap.String("addr", cfg.Redis.Address), zap.Error(err))
		}
		q = queue.NewRedisQueueFromClient(redisClient, logger)
	case "memory":
		q = queue.NewMemoryQueue()
	}

	accCfg := accumulator.DefaultConfig()
	accCfg.Org = cfg.Org
	accCfg.Campaign = cfg.Campaign
	accCfg.BatchSize = cfg.BatchSize
	accCfg.SweepInterval = cfg.SweepInterval
	acc := accumulator.New(accCfg, q, logger)

	store, err := graph.NewStore(mock.SeedTopics(), logger)
	if err != nil {
		logger.Fatal("Failed to create graph store", zap.Error(err))
	}

	var cacheMirror *redis.Client
	if cfg.Cache.RedisMirror {
		cacheMirror = redisClient
	}
	topicCache, err := cache.NewL1Cache(cfg.Cache.MaxCost, cfg.Cache.TTL, cacheMirror, logger)
	if err != nil {
		logger.Fatal("Failed to create topic cache", zap.Error(err))
	}
	defer topicCache.Close()

	orch := pipeline.New(store, mock.NewSuite(), logger, pipeline.WithTopicCache(topicCache))

	hub := monitor.NewHub(logger)
	go hub.Run(ctx, orch.Processed(), orch.Failures())

	acc.Start()
	go orch.Run(ctx, acc.Ready())

	var replayer *source.Replayer
	if cfg.Replay.Enabled {
		replayer = source.NewReplayer(source.ReplayConfig{
			Path:      cfg.Replay.Path,
			ChannelID: cfg.Replay.ChannelID,
			Interval:  time.Duration(cfg.Replay.IntervalMS) * time.Millisecond,
		}, acc, logger)
		if err := replayer.Start(ctx); err != nil {
			logger.Fatal("Failed to start replay", zap.Error(err))
		}
	}

	var natsSource *source.NATSSource
	if cfg.NATS.Enabled {
		natsSource = source.NewNATSSource(source.NATSConfig{
			Address: cfg.NATS.Address,
			Subject: cfg.NATS.Subject,
		}, acc, logger)
		if err := natsSource.Start(ctx); err != nil {
			logger.Fatal("Failed to start NATS source", zap.Error(err))
		}
	}

	router := mux.NewRouter()
	setupRoutes(router, acc, store, orch, hub, replayer, logger)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info("HTTP server starting", zap.String("port", cfg.Port))
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	server.Shutdown(shutdownCtx)
	if replayer != nil {
		replayer.Stop()
	}
	if natsSource != nil {
		natsSource.Stop()
	}
	acc.Stop()
	cancel()
	if redisClient != nil {
		redisClient.Close()
	}

	logger.Info("Shutdown complete")
}

func setupRoutes(r *mux.Router, acc *accumulator.Accumulator, store *graph.Store, orch *pipeline.Orchestrator, hub *monitor.Hub, replayer *source.Replayer, logger *zap.Logger) {
	// Event submission
	r.HandleFunc("/api/events", func(w http.ResponseWriter, req *http.Request) {
		var ev accumulator.Event
		if err := json.NewDecoder(req.Body).Decode(&ev); err != nil {
			http.Error(w, "Invalid request", http.StatusBadRequest)
			return
		}

		if err := acc.Submit(req.Context(), ev); err != nil {
			var invalid *accumulator.InvalidEventError
			if errors.As(err, &invalid) {
				http.Error(w, invalid.Error(), http.StatusBadRequest)
				return
			}
			logger.Error("Event submission failed", zap.Error(err))
			http.Error(w, "Submission failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]bool{"accepted": true})
	}).Methods("POST")

	// Graph statistics
	r.HandleFunc("/api/stats", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, store.Stats())
	}).Methods("GET")

	// Processing status
	r.HandleFunc("/api/status", func(w http.ResponseWriter, req *http.Request) {
		status := map[string]any{
			"pipeline": orch.Status(),
			"monitors": hub.Count(),
		}
		if replayer != nil {
			status["replay"] = replayer.Status()
		}
		writeJSON(w, status)
	}).Methods("GET")

	// Full graph export
	r.HandleFunc("/api/graph", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, store.ExportGraph())
	}).Methods("GET")

	// Per-channel queue inspection and flush
	r.HandleFunc("/api/queue/{channel}", func(w http.ResponseWriter, req *http.Request) {
		channelID, err := strconv.ParseInt(mux.Vars(req)["channel"], 10, 64)
		if err != nil {
			http.Error(w, "Invalid channel", http.StatusBadRequest)
			return
		}

		switch req.Method {
		case http.MethodGet:
			status, err := acc.GetQueueStatus(req.Context(), channelID)
			if err != nil {
				logger.Error("Queue status failed", zap.Error(err))
				http.Error(w, "Queue status failed", http.StatusInternalServerError)
				return
			}
			writeJSON(w, status)
		case http.MethodDelete:
			if err := acc.ClearQueue(req.Context(), channelID); err != nil {
				logger.Error("Queue clear failed", zap.Error(err))
				http.Error(w, "Queue clear failed", http.StatusInternalServerError)
				return
			}
			writeJSON(w, map[string]bool{"cleared": true})
		}
	}).Methods("GET", "DELETE")

	// Replay control
	r.HandleFunc("/api/replay/{action}", func(w http.ResponseWriter, req *http.Request) {
		if replayer == nil {
			http.Error(w, "Replay not configured", http.StatusNotFound)
			return
		}
		switch mux.Vars(req)["action"] {
		case "pause":
			replayer.Pause()
		case "resume":
			replayer.Resume()
		default:
			http.Error(w, "Unknown action", http.StatusBadRequest)
			return
		}
		writeJSON(w, replayer.Status())
	}).Methods("POST")

	// Live pipeline signal stream
	r.Handle("/ws", hub)

	// Health check
	r.HandleFunc("/health", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, map[string]string{"status": "healthy"})
	}).Methods("GET")
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
