package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/studysync/studysync/internal/metrics"
	"github.com/studysync/studysync/internal/router"
	"github.com/studysync/studysync/internal/server/middleware"
	"github.com/studysync/studysync/internal/session"
	"github.com/studysync/studysync/pkg/config"
	"github.com/studysync/studysync/pkg/state"
	"github.com/studysync/studysync/pkg/state/statemanager"
	"github.com/studysync/studysync/pkg/transport"
)

type App struct {
	logger      *slog.Logger
	registry    state.Registry
	coordinator *session.Coordinator
	eventRouter *router.Router
	metrics     *metrics.Metrics
	wg          sync.WaitGroup
	http        *http.Server
	config      *config.Config

	ctx context.Context
}

func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config) *App {
	registry := statemanager.NewInMemoryRegistry(logger)
	m := metrics.New()
	coordinator := session.NewCoordinator(registry, clock.New(), session.Config{
		GroupSize:       cfg.Matching.GroupSize,
		GraceWindow:     cfg.Matching.GraceWindow,
		RematchInterval: cfg.Matching.RematchInterval,
		DissolveGrace:   cfg.Rooms.DissolveGrace,
	}, m, logger)
	eventRouter := router.New(coordinator, registry, logger)

	app := &App{
		logger:      logger,
		registry:    registry,
		coordinator: coordinator,
		eventRouter: eventRouter,
		metrics:     m,
		config:      cfg,
		ctx:         rootCtx,
	}

	// Cycling closes the oldest connection from the same IP to make room
	// for the new one.
	connCycler := func(ip string) {
		var oldest *state.Conn
		for _, c := range registry.AllConns() {
			if c.IPAddress != ip {
				continue
			}
			if oldest == nil || c.CreatedAt.Before(oldest.CreatedAt) {
				oldest = c
			}
		}
		if oldest != nil {
			logger.Info("cycling connection: closing oldest", slog.String("ip", ip), slog.String("connID", oldest.ID.String()))
			oldest.Link.Close(errors.New("connection cycled by new connection"))
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/ws",
		middleware.Chain(http.HandlerFunc(app.upgradeHandler),
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(app.logger),
			middleware.NewConnectionLimiter(
				logger,
				registry.CountByIP,
				connCycler,
				cfg.Server.ConnectionLimit,
			),
		),
	)
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	app.http = &http.Server{Addr: cfg.Server.Address, Handler: mux, BaseContext: func(l net.Listener) context.Context {
		return app.ctx
	}}

	return app
}

func (a *App) Run() error {
	go a.coordinator.Run(a.ctx)
	go func() {
		a.logger.Info("server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); err != http.ErrServerClosed {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
		}
	}()

	<-a.ctx.Done()
	return a.Shutdown()
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	connLogger := a.logger.With(slog.String("remoteAddr", reqMeta.IP))

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		a.logger.Error("failed to accept websocket connection", slog.Any("error", err))
		return
	}

	conn := transport.NewConnection(
		r.Context(),
		&a.wg,
		wsConn,
		transport.ConnectionConfig(a.config.Transport),
		nil,
		nil,
		a.logger,
	)
	if err := a.coordinator.Connect(conn.ID(), conn, reqMeta.IP); err != nil {
		connLogger.Error("failed to register connection", slog.Any("error", err))
		conn.Close(err)
		return
	}
	conn.SetOnMessageHandler(a.eventRouter.HandleMessage)
	conn.SetOnCloseHandler(func(id uuid.UUID, err error) {
		connLogger.Info("connection closed, running departure cascade", slog.String("connID", id.String()))
		a.coordinator.Disconnect(id)
	})

	connLogger.Info("connection fully established", slog.String("connID", conn.ID().String()))
	conn.Run()
	<-conn.Done()
}

// graceful shutdown sequence.
func (a *App) Shutdown() error {
	a.logger.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// close all active WebSocket connections.
	a.logger.Info("closing all active connections...")
	for _, conn := range a.registry.AllConns() {
		conn.Link.Close(errors.New("graceful shutdown"))
	}

	// wait for all connection goroutines to finish their cleanup.
	a.wg.Wait()
	a.logger.Info("server shut down gracefully.")
	return nil
}
