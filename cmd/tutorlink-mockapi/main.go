package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tutorlink/tui/internal/mockapi"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:8080", "Listen address")
	token := flag.String("token", "", "Accepted auth token (empty accepts any)")
	seed := flag.Bool("seed", true, "Start with demo sessions")
	verbose := flag.Bool("v", false, "Log every request")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	store := mockapi.NewStore(nil)
	if *seed {
		store = mockapi.NewStore(mockapi.SeedSessions(time.Now()))
	}
	broadcaster := mockapi.NewBroadcaster(log)
	server := mockapi.NewServer(store, broadcaster, *token, log)

	srv := &http.Server{
		Addr:              *addr,
		Handler:           server.Routes(*verbose),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		log.Info("shutting down")
		broadcaster.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("shutdown")
		}
	}()

	log.WithField("addr", *addr).Info("mock sessions API listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Error("server error")
		os.Exit(1)
	}
}
