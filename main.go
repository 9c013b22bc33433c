package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/trading_backend/config"
	"bitbucket.org/mmdatafocus/trading_backend/models"
	"bitbucket.org/mmdatafocus/trading_backend/utils"
)

func main() {
	store := utils.NewGCSFileStore()
	renderer := models.NewDocumentRenderer(store, utils.NoopMailSender{})
	router := newRouter(renderer, store)

	server := &http.Server{
		Addr:    ":" + getPort(),
		Handler: router,
	}

	// listen first; Cloud Run health checks the port before the DB is up
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("forced shutdown: %v", err)
	}
}
