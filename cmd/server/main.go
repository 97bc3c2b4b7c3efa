package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Brownie44l1/vggt-api/internal/config"
	"github.com/Brownie44l1/vggt-api/internal/handlers"
	"github.com/Brownie44l1/vggt-api/internal/logger"
	"github.com/Brownie44l1/vggt-api/internal/model"
	"github.com/Brownie44l1/vggt-api/internal/pipeline"
	"github.com/Brownie44l1/vggt-api/internal/preprocess"
)

func enableCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Expose-Headers", "Content-Disposition, X-Request-Id")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	configPath := config.ParseConfigFlag(fs)
	fs.Parse(os.Args[1:])

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.GetZapLogger(cfg.Server.Debug)
	defer func() {
		// can't handle the error due to https://github.com/uber-go/zap/issues/880
		_ = log.Sync()
	}()

	secret, err := cfg.Secret()
	if err != nil {
		log.Fatal("bearer secret is not configured", zap.Error(err))
	}

	handle := model.NewHandle(func() (model.Inferencer, error) {
		return model.NewServer(model.Options{
			ModelPath:     cfg.Model.Path,
			MetadataPath:  cfg.Model.Metadata,
			CacheDir:      cfg.Model.CacheDir,
			Library:       cfg.Model.Library,
			Device:        cfg.Model.Device,
			DeviceID:      cfg.Model.DeviceID,
			HalfPrecision: cfg.Model.HalfPrecision,
			ImageSize:     cfg.Image.TargetSize,
			PatchSize:     cfg.Image.PatchSize,
		}, log.Named("model"))
	})
	defer handle.Close()

	if cfg.Model.Preload {
		log.Info("loading model", zap.String("path", cfg.Model.Path), zap.String("device", cfg.Model.Device))
		if _, err := handle.Get(); err != nil {
			log.Fatal("failed to load model", zap.Error(err))
		}
	}

	normalizer := preprocess.NewNormalizer(cfg.Image.TargetSize, cfg.Image.PatchSize, log.Named("preprocess"))
	normalizer.MaxPixels = cfg.Image.MaxPixels
	normalizer.MaxAspect = cfg.Image.MaxAspect
	p := pipeline.New(normalizer, handle, cfg.Server.MaxImages, log.Named("pipeline"))

	handler := handlers.NewHandler(p, handlers.Options{
		Secret:        secret,
		MaxBodyBytes:  cfg.Server.MaxBodyBytes,
		MaxConcurrent: cfg.Server.MaxConcurrent,
		Ready:         handle.Loaded,
	}, log.Named("handlers"))

	mux := http.NewServeMux()
	mux.HandleFunc("/health", enableCORS(handler.Health))
	mux.HandleFunc("/reconstruct", enableCORS(handler.Reconstruct))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.RequestTimeout,
	}

	log.Info("server starting",
		zap.Int("port", cfg.Server.Port),
		zap.Strings("endpoints", []string{"GET /health", "POST /reconstruct"}))

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown failed", zap.Error(err))
	}
}
