package main

import (
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ninjachat/server/internal/group"
	"github.com/ninjachat/server/internal/server"
	"github.com/ninjachat/server/internal/store"
)

const shutdownTimeout = 10 * time.Second

func main() {
	log.Println("Starting ninja-chat server...")

	cfg := server.NewConfigFromEnv()

	creds, err := store.Open(cfg.UserDBPath)
	if err != nil {
		log.Fatalf("Opening credential store: %v", err)
	}

	groups, err := group.OpenDirectory(cfg.GroupDBDir)
	if err != nil {
		log.Fatalf("Opening group directory: %v", err)
	}

	srv := server.New(cfg, creds, groups)
	srv.StartHub()

	httpServer := srv.HTTPServer()

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Server listening on %s", httpServer.Addr)
		errCh <- httpServer.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-stop:
		log.Printf("Received signal %v, shutting down", sig)
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}

	if err := server.ShutdownServer(httpServer, shutdownTimeout); err != nil {
		log.Printf("HTTP shutdown: %v", err)
	}
	if err := srv.Hub().Shutdown(shutdownTimeout); err != nil {
		log.Printf("Hub shutdown: %v", err)
	}
}
