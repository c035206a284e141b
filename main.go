package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sidebarassist/internal/config"
	"sidebarassist/internal/db"
	"sidebarassist/internal/httpapi"
	"sidebarassist/internal/identity"
	"sidebarassist/internal/services"
	"sidebarassist/internal/store"
	"sidebarassist/internal/upstream"

	"github.com/joho/godotenv"
)

func main() {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			log.Printf("load .env failed: %v", err)
		}
	} else if err != nil && !os.IsNotExist(err) {
		log.Printf("stat .env failed: %v", err)
	}

	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer pool.Close()

	st := store.NewPostgres(pool)
	if err := st.EnsureSchema(ctx); err != nil {
		log.Fatalf("ensure schema failed: %v", err)
	}

	client := upstream.NewClient(upstream.Options{
		BaseURL:     cfg.UpstreamBaseURL,
		APIKey:      cfg.UpstreamAPIKey,
		Model:       cfg.UpstreamModel,
		MaxTokens:   cfg.UpstreamMaxTokens,
		IdleTimeout: cfg.StreamIdleTimeout(),
	})

	var verifier identity.Verifier
	switch cfg.AuthMode {
	case "google":
		verifier = identity.NewGoogleVerifier()
	default:
		if cfg.JWTSecretKey == "" {
			log.Fatalf("JWT_SECRET_KEY is required in jwt auth mode")
		}
		verifier = identity.NewJWTVerifier(cfg.JWTSecretKey, "sidebarassist")
	}

	svc := services.New(st, client, cfg)

	server := httpapi.NewServer(svc, cfg, verifier)
	httpServer := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: server.Routes(),
	}

	go func() {
		log.Printf("server listening on %s", cfg.ServerAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}
}
