package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/voxwire/voxwire/internal/gateway"
	"github.com/voxwire/voxwire/internal/relay"
	"github.com/voxwire/voxwire/internal/router"
	"github.com/voxwire/voxwire/internal/server/middleware"
	"github.com/voxwire/voxwire/pkg/config"
	"github.com/voxwire/voxwire/pkg/presence"
	"github.com/voxwire/voxwire/pkg/session"
	"github.com/voxwire/voxwire/pkg/transport"
)

type App struct {
	logger      *slog.Logger
	presence    *presence.Registry
	gateway     *gateway.Gateway
	sessions    *session.Manager
	eventRouter *router.Router
	wg          sync.WaitGroup
	http        *http.Server
	config      *config.Config

	ctx context.Context
}

// NewApp wires the coordinator together: presence feeds the session
// manager, the session manager and relay deliver through the gateway, and
// the gateway's disconnect callback closes the loop back into the session
// manager. The contact source is an external collaborator; nil disables
// presence fan-out.
func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config, contacts gateway.ContactSource) *App {
	presenceRegistry := presence.NewRegistry(logger)
	gw := gateway.New(logger, presenceRegistry, contacts)
	sessions := session.NewManager(logger, presenceRegistry, gw, session.Config{
		RingTimeout: cfg.Call.RingTimeout,
	})
	gw.SetOnUserDisconnect(func(userID string) {
		sessions.EndAllForUser(userID, session.ReasonPeerDisconnected)
	})
	sigRelay := relay.New(logger, sessions, gw, relay.Config{
		AllowEarlySignal: cfg.Call.AllowEarlySignal,
	})
	eventRouter := router.New(logger, sessions, sigRelay)

	app := &App{
		logger:      logger,
		presence:    presenceRegistry,
		gateway:     gw,
		sessions:    sessions,
		eventRouter: eventRouter,
		config:      cfg,
		ctx:         rootCtx,
	}

	mux := http.NewServeMux()
	upgradeHandler := http.HandlerFunc(app.upgradeHandler)
	mux.Handle("/ws",
		middleware.Chain(upgradeHandler,
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(app.logger),
			middleware.NewConnectionLimiter(
				logger,
				gw.ConnectionCountByIP,
				cfg.Server.ConnectionLimit,
			),
			middleware.NewAuthMiddleware(logger, cfg.Server.Auth.JWTSecret, config.CompileCapabilities),
		),
	)

	app.http = &http.Server{
		Addr:    cfg.Server.Address,
		Handler: mux,
		BaseContext: func(l net.Listener) context.Context {
			return app.ctx
		},
	}

	return app
}

func (a *App) Run() error {
	go func() {
		a.logger.Info("Server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); err != http.ErrServerClosed {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
		}
	}()

	<-a.ctx.Done()
	return a.Shutdown()
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, ok := middleware.ReqMetadataFrom(r.Context())
	if !ok || reqMeta.UserID == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	connLogger := a.logger.With(
		slog.String("remoteAddr", reqMeta.IP),
		slog.String("userID", reqMeta.UserID),
	)

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		a.logger.Error("Failed to accept websocket connection", slog.Any("error", err))
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
	conn.SetOnMessageHandler(a.eventRouter.Handler(reqMeta.UserID, reqMeta.Capabilities, conn))
	conn.SetOnCloseHandler(a.gateway.HandleClose)

	// Registration precedes Run so deliveries route to this handle as soon
	// as the pumps start. A previous handle for the user is superseded here.
	a.gateway.Register(reqMeta.UserID, reqMeta.IP, conn)

	connLogger.Info("User connection fully established")
	conn.Run()
	<-conn.Done()
}

// Shutdown runs the graceful shutdown sequence: stop accepting upgrades,
// terminate every active session with an explicit reason, close all live
// handles, then wait for the connection goroutines to drain.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		return err
	}

	a.sessions.EndAll(session.ReasonShutdown)

	a.logger.Info("Closing all active connections...")
	a.gateway.CloseAll(errors.New("graceful shutdown"))

	a.wg.Wait()
	a.logger.Info("Server shut down gracefully.")
	return nil
}
