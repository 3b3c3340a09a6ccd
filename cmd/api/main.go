package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/go-credential-orders/internal/app"
	"github.com/ariefcatur/go-credential-orders/internal/config"
	"github.com/ariefcatur/go-credential-orders/internal/credentials"
	"github.com/ariefcatur/go-credential-orders/internal/httpx"
	"github.com/ariefcatur/go-credential-orders/internal/identity"
	"github.com/ariefcatur/go-credential-orders/internal/orders"
	"github.com/ariefcatur/go-credential-orders/internal/redisx"
	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	logger := log.New(os.Stderr, "api ", log.LstdFlags|log.LUTC)

	if cfg.JWTSecret == "" {
		logger.Fatal("JWT_SECRET is required")
	}
	if cfg.WebhookSecret == "" {
		logger.Fatal("WEBHOOK_SECRET is required")
	}
	box, err := credentials.FromBase64(cfg.CredentialKey)
	if err != nil {
		logger.Fatalf("CREDENTIAL_KEY: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("startup: %v", err)
	}
	defer a.Close()

	if a.Memory != nil && cfg.SeedFile != "" {
		if err := seed(a, box, cfg.SeedFile, logger); err != nil {
			logger.Fatalf("seed: %v", err)
		}
	}

	oh := &httpx.OrdersHandler{
		Orders:    a.Orders,
		Downloads: orders.NewDownloads(a.Stores.Orders, a.Stores.Stock, box),
		Logger:    logger,
	}
	if a.Redis != nil {
		oh.Cache = redisx.NewStatusCache(a.Redis)
	}
	ph := &httpx.PaymentsHandler{
		Payments:      a.Payments,
		Orders:        a.Orders,
		WebhookSecret: []byte(cfg.WebhookSecret),
		Logger:        logger,
	}

	router := httpx.NewRouter()
	ph.RegisterWebhook(router)
	router.Group(func(r chi.Router) {
		r.Use(httpx.Authenticate([]byte(cfg.JWTSecret)))
		oh.Register(r)
		ph.Register(r)
		r.Group(func(r chi.Router) {
			r.Use(httpx.RequireRole(identity.RoleAdmin))
			ph.RegisterAdmin(r)
		})
	})

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	// The producer outlives the server so events from draining requests
	// are still flushed.
	prodCtx, stopProducer := context.WithCancel(context.Background())
	defer stopProducer()
	var prodDone chan error
	if a.Producer != nil {
		prodDone = make(chan error, 1)
		go func() { prodDone <- a.Producer.Run(prodCtx) }()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Printf("HTTP listening at %s storage=%s", cfg.HTTPAddr, cfg.StorageDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Println("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return a.Reaper(logger).Run(gctx)
	})

	if err := g.Wait(); err != nil {
		logger.Printf("stopped: %v", err)
	}

	stopProducer()
	if prodDone != nil {
		if err := <-prodDone; err != nil {
			logger.Printf("producer close: %v", err)
		}
	}
}

func seed(a *app.App, box *credentials.Box, path string, logger *log.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	products, err := a.Memory.LoadSeed(f, box.Encrypt)
	if err != nil {
		return err
	}
	for _, p := range products {
		logger.Printf("seeded product id=%s name=%q", p.ID, p.Name)
	}
	return nil
}
