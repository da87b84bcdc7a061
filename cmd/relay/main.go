// Command relay is a development event relay for cowork clients.
//
// Clients connect to /ws, join rooms, and have their signaling and whiteboard
// events forwarded to the other members of each room.
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

	"github.com/rs/zerolog"

	"github.com/1ureka/cowork/internal/relayserver"
)

func main() {
	addr := flag.String("addr", ":8080", "Listen address")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	level := zerolog.InfoLevel
	if *debug {
		level = zerolog.DebugLevel
	}
	w := zerolog.ConsoleWriter{Out: os.Stdout}
	l := zerolog.New(w).Level(level).With().Timestamp().Logger()

	hub := relayserver.New(l)

	srv := &http.Server{
		Addr:    *addr,
		Handler: hub.Router(),
	}

	go func() {
		l.Info().Str("addr", *addr).Msg("Starting relay")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Fatal().Err(err).Msg("Failed to start relay")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	<-quit
	l.Info().Msg("Shutting down relay...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Hijacked WebSocket connections are not tracked by Shutdown.
	hub.Close()
	if err := srv.Shutdown(ctx); err != nil {
		l.Error().Err(err).Msg("Relay forced to shutdown")
	}

	l.Info().Msg("Relay exited")
}
