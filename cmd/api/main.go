package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"reflectify/internal/gateway/config"
	"reflectify/internal/gateway/handler"
	"reflectify/internal/gateway/server"
	"reflectify/internal/llmclient"
	"reflectify/internal/reflect"
	"reflectify/internal/session"
	sessionstore "reflectify/internal/session/store"
	"reflectify/internal/transcript"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	provider, err := llmclient.NewGeminiClient(ctx, cfg.Provider.APIKey, cfg.Provider.Model, cfg.Provider.Timeout)
	if err != nil {
		log.Fatalf("provider: %v", err)
	}
	defer provider.Close()

	var archiver reflect.Archiver
	if cfg.Archive.Enabled {
		s3, err := transcript.NewS3Archiver(transcript.S3Config{
			Endpoint:  cfg.Archive.Endpoint,
			Region:    cfg.Archive.Region,
			AccessKey: cfg.Archive.AccessKey,
			SecretKey: cfg.Archive.SecretKey,
			Bucket:    cfg.Archive.Bucket,
			UseSSL:    cfg.Archive.UseSSL,
		})
		if err != nil {
			log.Printf("transcript archive disabled: %v", err)
		} else {
			archiver = s3
		}
	}

	engine := reflect.NewEngine(provider, reflect.Options{
		MaxRefinements: cfg.Workflow.MaxRefinements,
		Archiver:       archiver,
	})
	defer engine.Close()

	store := sessionstore.NewFromEnv(cfg.Session.Path)
	defer store.Close()

	sessions, err := session.NewManager(engine, store)
	if err != nil {
		log.Fatalf("sessions: %v", err)
	}

	mux := http.NewServeMux()
	handler.New(sessions).Routes(mux)

	srv := server.New(cfg.Port, mux)
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("server: %v", err)
	}
}
