// Package app wires together the configuration, logging, session
// registry, broadcast bus, SRT listener and HTTP surface into one
// runnable unit, the way the teacher's app/api package wires its
// sub-servers from a single parsed Config.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/relaymesh/srtrelay/bus"
	"github.com/relaymesh/srtrelay/config"
	"github.com/relaymesh/srtrelay/httpapi"
	"github.com/relaymesh/srtrelay/log"
	"github.com/relaymesh/srtrelay/metrics"
	"github.com/relaymesh/srtrelay/relay"
	"github.com/relaymesh/srtrelay/session"
)

// App owns every long-lived component started for one relay process.
type App struct {
	cfg    *config.Config
	logger log.Logger

	bus      *bus.Bus
	sessions session.Registry
	bolt     *session.BoltStore

	listener *relay.Listener

	registry   *prometheus.Registry
	httpServer *http.Server
}

// New validates cfg and constructs every component. The SRT listener is
// bound and serving once New returns; the HTTP server is started by Run.
func New(cfg *config.Config, logger log.Logger) (*App, error) {
	cfg.Validate(true)

	configLogger := logger.WithComponent("config")
	cfg.Messages(func(level string, v config.Variable, message string) {
		switch level {
		case "error":
			configLogger.Error().WithField("name", v.Name).Log(message)
		case "warn":
			configLogger.Warn().WithField("name", v.Name).Log(message)
		default:
			configLogger.Debug().WithField("name", v.Name).Log(message)
		}
	})

	if cfg.HasErrors() {
		return nil, errors.New("app: invalid configuration, see logged messages")
	}

	a := &App{
		cfg:    cfg,
		logger: logger,
		bus:    bus.New(),
	}

	var issuer session.Issuer

	switch cfg.Session.Store {
	case "bolt":
		store, err := session.OpenBoltStore(cfg.Session.DBPath, cfg.Session.TTL)
		if err != nil {
			return nil, fmt.Errorf("app: open session store: %w", err)
		}
		a.bolt = store
		a.sessions = store
		issuer = store
	default:
		store := session.NewMemoryStore(cfg.Session.TTL)
		a.sessions = store
		issuer = store
	}

	listener, err := relay.Listen(cfg.Listen.Address, relay.Config{
		Bus:          a.bus,
		Sessions:     a.sessions,
		Logger:       logger.WithComponent("relay"),
		MaxBandwidth: cfg.Listen.MaxBandwidth,
	})
	if err != nil {
		return nil, fmt.Errorf("app: listen: %w", err)
	}
	a.listener = listener

	a.registry = prometheus.NewRegistry()
	if cfg.Metrics.Enable {
		a.registry.MustRegister(metrics.NewCollector(a.listener, a.bus, a.listener))
	}

	e := httpapi.New(httpapi.Config{
		Issuer:    issuer,
		Registry:  a.registry,
		JWTSecret: cfg.HTTP.JWTSecret,
		Logger:    logger.WithComponent("httpapi"),
	})

	a.httpServer = &http.Server{
		Addr:    cfg.HTTP.Address,
		Handler: e,
	}

	return a, nil
}

// Run serves the HTTP surface until ctx is canceled, then drains the
// relay listener and closes every persistent store before returning.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info().WithField("address", a.httpServer.Addr).Log("http server started")

		err := a.httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		return a.shutdown()
	})

	if err := g.Wait(); err != nil {
		a.logger.Error().WithError(err).Log("app exited with error")
		return err
	}

	a.logger.Info().Log("app exited cleanly")
	return nil
}

func (a *App) shutdown() error {
	a.logger.Info().Log("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn().WithError(err).Log("http server did not shut down cleanly")
	}

	a.listener.Close()

	if a.bolt != nil {
		if err := a.bolt.Close(); err != nil {
			a.logger.Warn().WithError(err).Log("failed to close session store")
		}
	}

	return nil
}

// Addr returns the address the SRT listener is bound to. Primarily
// useful in tests that bind to an ephemeral port.
func (a *App) Addr() string {
	return a.listener.Addr().String()
}
