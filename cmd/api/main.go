package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"listingflow/auth"
	"listingflow/db"
	"listingflow/listing"
	"listingflow/provider"
)

func main() {
	_ = godotenv.Load()

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	ctx := context.Background()

	connString := os.Getenv("DATABASE_URL")
	pool, err := db.NewPool(ctx, connString)
	if err != nil {
		log.WithError(err).Fatal("bootstrap database pool")
	}
	defer pool.Close()

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}

	listingRepo := listing.NewRepository(pool)

	server := &Server{
		mutationService: listing.NewMutationService(pool, listingRepo),
		approvalService: listing.NewApprovalService(pool, listingRepo),
		listings:        listingRepo,
		authService:     auth.NewService(auth.NewRepository(pool), jwtSecret),
		providerService: provider.NewService(provider.NewRepository(pool)),
		log:             log,
	}

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.WithField("addr", addr).Info("listing admin API listening")
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Fatal("serve")
	}
}
