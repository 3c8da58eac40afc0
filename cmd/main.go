package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/openbilling/freekassa/billing"
	"github.com/openbilling/freekassa/billing/sqlite"
	"github.com/openbilling/freekassa/handler"
	"github.com/openbilling/freekassa/infra/config"
	"github.com/openbilling/freekassa/infra/middle"
	"github.com/openbilling/freekassa/infra/opensearch"
	"github.com/openbilling/freekassa/provider/freekassa"
)

func main() {
	if err := godotenv.Load(".env"); err != nil {
		log.Printf("No .env file loaded: %v", err)
	}

	cfg := config.GetAppConfig()

	// Credentials are validated up front: an incomplete gateway
	// configuration is fatal at startup, never a per-request error.
	gateway, err := freekassa.New(config.GatewayConf())
	if err != nil {
		log.Fatalf("Gateway configuration error: %v", err)
	}

	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to open billing store: %v", err)
	}
	defer store.Close()

	var events *opensearch.Logger
	if cfg.EnableLogging {
		osClient, err := opensearch.NewClient(cfg)
		if err != nil {
			log.Printf("Failed to initialize OpenSearch client: %v", err)
			log.Println("Continuing without event logging...")
		} else {
			events = opensearch.NewLogger(osClient)
			log.Println("OpenSearch event logging initialized")
		}
	}

	processor := billing.NewProcessor(gateway, store.Transactions(), store.Invoices(), store.Clients(), store.Ledger())
	paymentHandler := handler.NewPaymentHandler(gateway, processor, store.Invoices(), store.Transactions(), validator.New(), events, cfg.BaseURL)

	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Origin", "X-Requested-With"},
		MaxAge:         300,
	}))

	r.Get("/health", paymentHandler.Health)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/checkout", paymentHandler.CreateCheckout)
	})

	// IPN callback: trust comes from the signature plus an optional
	// whitelist of the gateway's published notifier IPs
	r.Route("/callback", func(r chi.Router) {
		r.Use(middle.GatewayIPWhitelist(cfg.GatewayWhitelist))
		r.Post("/freekassa", paymentHandler.HandleNotification)
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           r,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 60 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err.Error())
		}
	}()

	log.Println("API is running on", cfg.Port)

	<-ctx.Done()

	log.Println("Shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
}
