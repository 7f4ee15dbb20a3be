package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Debug("No .env file found")
	}

	if level, err := log.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		log.SetLevel(level)
	}

	InitDB()
	defer CloseDB()

	keys, err := NewKeyStore(os.Getenv("NOSTR_SECRET_KEY"))
	if err != nil {
		log.Fatal(err)
	}

	relays := splitRelays(os.Getenv("NOSTR_RELAYS"))
	if len(relays) == 0 {
		log.Fatal("NOSTR_RELAYS must name at least one relay")
	}

	backend := NewNodeBackend(os.Getenv("NODE_API_URL"), os.Getenv("NODE_API_TOKEN"))
	registry := NewConnectionRegistry()

	connectionService := NewConnectionService(keys, registry)
	if err := connectionService.LoadPersisted(); err != nil {
		log.WithError(err).Warn("Failed to load persisted connections")
	}

	dispatcher := NewRelayDispatcher(keys, registry, backend, relays)
	notifier := NewNotificationPublisher(keys, registry, dispatcher.publisher)

	infoCtx, cancelInfo := context.WithTimeout(context.Background(), 10*time.Second)
	if err := dispatcher.PublishInfoEvent(infoCtx); err != nil {
		log.WithError(err).Warn("Failed to publish wallet info event")
	}
	cancelInfo()

	dispatcher.Start()

	r := InitRoutes(
		NewStatusHandler(dispatcher, registry),
		NewConnectionHandler(connectionService, registry, relays),
		NewNotifyHandler(notifier),
	)

	port := os.Getenv("APP_PORT")
	if port == "" {
		port = "3001"
	}

	server := &http.Server{Addr: ":" + port, Handler: r}

	go func() {
		log.WithField("port", port).Info("Starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)

	// Stop relay subscriptions before discarding connection state so no
	// event is processed against a service that can no longer respond.
	dispatcher.Stop()
	registry.Reset()
}

func splitRelays(raw string) []string {
	relays := []string{}
	for _, relay := range strings.Split(raw, ",") {
		relay = strings.TrimSpace(relay)
		if relay != "" {
			relays = append(relays, relay)
		}
	}
	return relays
}
