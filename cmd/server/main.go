package main

import (
	"context"
	"log"
	"net/http"

	"github.com/fieldserv/api/internal/blob"
	"github.com/fieldserv/api/internal/config"
	"github.com/fieldserv/api/internal/database"
	"github.com/fieldserv/api/internal/router"
	"github.com/fieldserv/api/internal/ws"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Unable to connect to database: %v", err)
	}
	defer pool.Close()

	if err := database.InitSchema(ctx, pool); err != nil {
		log.Fatalf("Unable to initialize schema: %v", err)
	}
	log.Println("Connected to database")

	queries := database.New(pool)
	blobs := blob.NewFSStore(cfg.BlobDir, cfg.BlobBaseURL)

	hub := ws.NewHub()
	go hub.Run()

	r := router.New(cfg, queries, blobs, hub)

	log.Printf("Starting server on :%s", cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, r); err != nil {
		log.Fatal(err)
	}
}
