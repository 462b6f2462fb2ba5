package main

import (
	"context"
	stderrors "errors"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Veraticus/chatrelay/internal/backend"
	"github.com/Veraticus/chatrelay/internal/backend/completion"
	"github.com/Veraticus/chatrelay/internal/backend/streaming"
	"github.com/Veraticus/chatrelay/internal/command"
	"github.com/Veraticus/chatrelay/internal/config"
	"github.com/Veraticus/chatrelay/internal/queue"
	"github.com/Veraticus/chatrelay/internal/relay"
	"github.com/Veraticus/chatrelay/internal/session"
	"github.com/Veraticus/chatrelay/internal/transport/console"
	"github.com/Veraticus/chatrelay/internal/transport/onebot"
)

const (
	// ShutdownTimeout bounds how long running tasks get after a stop signal.
	ShutdownTimeout = 30 * time.Second
	// StatsInterval is how often queue and session counters are logged.
	StatsInterval = 10 * time.Minute
)

// app holds the wired components.
type app struct {
	cfg        *config.Config
	catalog    *backend.Catalog
	registry   *session.Registry
	serializer *queue.Serializer
	relay      *relay.Relay
}

func newCatalog(cfg *config.Config) *backend.Catalog {
	return backend.NewCatalog(cfg, completion.Registration(), streaming.Registration())
}

func newApp(cfg *config.Config) (*app, error) {
	catalog := newCatalog(cfg)
	kind, err := catalog.Preferred()
	if err != nil {
		return nil, err
	}

	registry := session.NewRegistry(session.Settings{
		PersonaName: config.DefaultPersonaName,
		Persona:     cfg.DefaultPersona,
		Temperature: cfg.DefaultTemperature,
		Kind:        kind,
	})

	// Tasks get their own root context; shutdown cancels it explicitly
	// after the transports have stopped.
	serializer := queue.NewSerializer(context.Background(),
		queue.WithPanicHandler(queue.NewHookPanicHandler(queue.NewDefaultPanicHandler(), resetAfterPanic(registry))))
	router := command.NewRouter(cfg, catalog, registry)

	log.Info().Str("component", "main").Str("backend", kind.String()).
		Strs("enabled", kindNames(catalog.Enabled())).Msg("chatrelay configured")

	return &app{
		cfg:        cfg,
		catalog:    catalog,
		registry:   registry,
		serializer: serializer,
		relay:      relay.New(cfg, registry, serializer, router, catalog.Open),
	}, nil
}

// resetAfterPanic forgets the conversation of a user whose task panicked,
// since the backend may have been left mid-turn.
func resetAfterPanic(registry *session.Registry) func(string, any) {
	return func(userID string, _ any) {
		sess, ok := registry.Get(userID)
		if !ok {
			return
		}
		sess.Backend().Reset()
		log.Warn().Str("component", "main").Str("user_id", userID).Msg("conversation reset after a panic")
	}
}

func kindNames(kinds []backend.Kind) []string {
	names := make([]string, len(kinds))
	for i, kind := range kinds {
		names[i] = kind.String()
	}
	return names
}

// runOneBot serves the OneBot transport until ctx is cancelled.
func (a *app) runOneBot(ctx context.Context) error {
	client := onebot.New(a.cfg, a.relay)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return client.Run(gctx)
	})
	g.Go(func() error {
		a.reportStats(gctx, StatsInterval)
		return nil
	})

	err := g.Wait()
	return stderrors.Join(err, a.shutdown())
}

// runConsole relays stdin until it is exhausted, waits for pending replies
// and shuts down.
func (a *app) runConsole(ctx context.Context, in io.Reader, out io.Writer) error {
	err := console.New(in, out, a.relay).Run(ctx)

	if ctx.Err() == nil {
		waitCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		if idleErr := a.serializer.WaitIdle(waitCtx); idleErr != nil {
			log.Warn().Err(idleErr).Str("component", "main").Msg("gave up waiting for pending replies")
		}
	}
	return stderrors.Join(err, a.shutdown())
}

// reportStats logs activity counters every interval until ctx ends.
func (a *app) reportStats(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := a.serializer.Stats()
			log.Info().Str("component", "main").
				Uint64("enqueued", stats.Enqueued).
				Uint64("completed", stats.Completed).
				Uint64("failed", stats.Failed).
				Uint64("panicked", stats.Panicked).
				Int("sessions", a.registry.Len()).
				Msg("relay stats")
		}
	}
}

func (a *app) shutdown() error {
	log.Info().Str("component", "main").Interface("queue", a.serializer.Stats()).
		Interface("sessions", a.registry.Stats()).Msg("shutting down")

	var errs []error
	if err := a.serializer.Shutdown(ShutdownTimeout); err != nil {
		errs = append(errs, errors.Wrap(err, "queue shutdown"))
	}
	if err := a.registry.Close(); err != nil {
		errs = append(errs, errors.Wrap(err, "session shutdown"))
	}
	return stderrors.Join(errs...)
}
