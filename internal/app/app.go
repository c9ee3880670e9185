package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/coder/quartz"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"golang.org/x/sync/errgroup"

	"licensecore/internal/config"
	apierrors "licensecore/internal/errors"
	"licensecore/internal/gate"
	"licensecore/internal/infrastructure"
	"licensecore/internal/license"
	"licensecore/internal/metering"
	customMiddleware "licensecore/internal/middleware"
	"licensecore/internal/notify"
	"licensecore/internal/security"
	handlers "licensecore/internal/transport/http"
	ws "licensecore/internal/websocket"
	"licensecore/pkg/contracts"
	"licensecore/pkg/contracts/domain"
)

// PeerStatusCapability is the gate guarding the signed peer status endpoint.
const PeerStatusCapability = "peer.status"

// dispatchBuffer bounds the notifications waiting for the sinks.
const dispatchBuffer = 256

// Application represents the main application container
type Application struct {
	Config        *config.Config
	Logger        *slog.Logger
	Clock         quartz.Clock
	OTelProviders *infrastructure.OTelProviders
	Node          domain.NodeInfo

	License       *license.Manager
	Meter         *metering.Meter
	Gates         *gate.Registry
	Dispatcher    *notify.Dispatcher
	WebSocketHub  *ws.Hub
	Coordinator   *Coordinator
	Authenticator *security.RequestAuthenticator
	ErrorHandler  *apierrors.ErrorHandler

	Router *chi.Mux
	Server *http.Server

	api          chi.Router
	validator    license.ExternalValidator
	shutdownOnce sync.Once
	shutdownErr  error
}

// Option customizes an Application before its components are built.
type Option func(*Application)

// WithLogger replaces the logger built from the logging config.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Application) { a.Logger = logger }
}

// WithClock sets the clock shared by every time-dependent component.
func WithClock(clock quartz.Clock) Option {
	return func(a *Application) { a.Clock = clock }
}

// WithOTelProviders reuses already initialized OpenTelemetry providers.
func WithOTelProviders(p *infrastructure.OTelProviders) Option {
	return func(a *Application) { a.OTelProviders = p }
}

// WithLicenseValidator delegates license decisions to an external validator
// instead of the configured file or inline document.
func WithLicenseValidator(v license.ExternalValidator) Option {
	return func(a *Application) { a.validator = v }
}

// New wires every component from cfg. Nothing runs until Run or Serve.
func New(cfg *config.Config, opts ...Option) (*Application, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}

	a := &Application{Config: cfg}
	for _, opt := range opts {
		opt(a)
	}

	if a.Logger == nil {
		logger, err := infrastructure.InitializeLogger(cfg.Logging)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize logger: %w", err)
		}
		a.Logger = logger
	}
	if a.Clock == nil {
		a.Clock = quartz.NewReal()
	}
	if a.OTelProviders == nil {
		providers, err := infrastructure.InitializeOTel(cfg.Telemetry, a.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
		}
		a.OTelProviders = providers
	}

	a.Logger.Info("Application starting",
		slog.String("name", config.AppName),
		slog.String("version", contracts.GetFullVersionString()))

	if err := a.initializeServices(); err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	a.setupRouter()
	a.createServer()

	return a, nil
}

// initializeServices builds the core components in dependency order
func (a *Application) initializeServices() error {
	cfg := a.Config
	meter := a.OTelProviders.Meter

	overrides, err := config.LoadOverrides(cfg.License.OverridesFile)
	if err != nil {
		return err
	}
	licenseMetrics, err := license.NewLicenseMetrics(meter)
	if err != nil {
		return err
	}

	a.License, err = license.NewManager(license.Options{
		Source: license.Source{
			FilePath:  cfg.License.File,
			Inline:    cfg.License.Inline,
			Validator: a.validator,
		},
		PublicKey:        cfg.License.PublicKey,
		RequireSignature: cfg.License.RequireSignature,
		GracePeriod:      cfg.License.GracePeriod,
		Overrides:        overrides,
		FreeTier:         cfg.FreeTier.Defaults(),
		Clock:            a.Clock,
		Logger:           a.Logger,
		Metrics:          licenseMetrics,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize license manager: %w", err)
	}

	a.Meter, err = metering.New(metering.Options{
		Config: metering.Config{
			Window:        cfg.Metering.Window,
			Buckets:       cfg.Metering.Buckets,
			Thresholds:    cfg.Metering.Thresholds,
			ThrottleStart: cfg.Metering.ThrottleStart,
			ThrottleEnd:   cfg.Metering.ThrottleEnd,
		},
		Limits: a.License,
		Clock:  a.Clock,
		Logger: a.Logger.With(slog.String("component", "work_unit_meter")),
		Meter:  meter,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize work unit meter: %w", err)
	}

	if cfg.Auth.Enabled {
		publicKey := cfg.Auth.PublicKey
		if publicKey == "" && cfg.Auth.PrivateKey == "" {
			publicKey = cfg.License.PublicKey
		}
		a.Authenticator, err = security.NewRequestAuthenticator(security.AuthenticatorConfig{
			LicenseID:  cfg.Auth.LicenseID,
			PrivateKey: cfg.Auth.PrivateKey,
			PublicKey:  publicKey,
			Tolerance:  cfg.Auth.Tolerance,
			Clock:      a.Clock,
			Logger:     a.Logger,
			Meter:      meter,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize request authenticator: %w", err)
		}
	}

	a.WebSocketHub, err = ws.NewHub(ws.HubOptions{
		Logger:     a.Logger,
		Meter:      meter,
		Clock:      a.Clock,
		SendBuffer: cfg.WebSocket.SendBuffer,
		Greeting:   func() any { return a.statusSnapshot() },
	})
	if err != nil {
		return fmt.Errorf("failed to initialize websocket hub: %w", err)
	}

	a.Dispatcher, err = notify.NewDispatcher(notify.DispatcherConfig{
		BufferSize: dispatchBuffer,
		DropIfFull: true,
		Logger:     a.Logger,
		Meter:      meter,
	}, notify.Multi{
		notify.NewLogPublisher(a.Logger, slog.LevelDebug),
		a.WebSocketHub,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize notification dispatcher: %w", err)
	}

	a.Node = security.NewNodeFingerprinter(security.NodeSources{}, a.Logger).Node()
	a.Gates = gate.NewRegistry()
	a.Coordinator, err = NewCoordinator(CoordinatorOptions{
		License:    a.License,
		Meter:      a.Meter,
		Gates:      a.Gates,
		Sink:       a.Dispatcher,
		Interval:   cfg.Heartbeat.Interval,
		Node:       a.Node,
		ThrottleAt: cfg.Metering.ThrottleEnd,
		Clock:      a.Clock,
		Logger:     a.Logger,
	})
	if err != nil {
		a.Dispatcher.Close()
		return fmt.Errorf("failed to initialize coordinator: %w", err)
	}

	a.ErrorHandler = apierrors.NewErrorHandler(a.Logger, false)
	return nil
}

// RegisterGate creates a gate publishing its mode signals through the
// dispatcher and adds it to the registry.
func (a *Application) RegisterGate(name string, req gate.Requirements, signals gate.ModeSignals) (*gate.Gate, error) {
	g, err := gate.New(name, a.License, a.Meter, a.Dispatcher, req, signals, gate.WithLogger(a.Logger))
	if err != nil {
		return nil, err
	}
	if err := a.Gates.Register(g); err != nil {
		return nil, err
	}
	return g, nil
}

// HandleCapability mounts h under the API middleware, behind request
// signature verification when auth is enabled and behind the gate.
func (a *Application) HandleCapability(method, pattern string, g *gate.Gate, h http.Handler) {
	mws := make([]func(http.Handler) http.Handler, 0, 2)
	if a.Authenticator != nil {
		mws = append(mws, customMiddleware.RequestAuth(a.Authenticator, customMiddleware.RequestAuthConfig{
			AuthHeader:      a.Config.Auth.AuthHeader,
			TimestampHeader: a.Config.Auth.TimestampHeader,
			MaxBodyBytes:    a.Config.Auth.MaxBodyBytes,
			FailureRPS:      a.Config.Auth.FailureRPS,
			FailureBurst:    a.Config.Auth.FailureBurst,
			Clock:           a.Clock,
			Logger:          a.Logger,
			Errors:          a.ErrorHandler,
		}))
	}
	mws = append(mws, customMiddleware.RequireCapability(g, a.Meter, a.ErrorHandler))
	a.api.With(mws...).Method(method, pattern, h)
}

// setupRouter configures the HTTP router with all routes
func (a *Application) setupRouter() {
	r := chi.NewRouter()

	// The websocket route only gets middleware that leaves the
	// ResponseWriter unwrapped so the upgrade can hijack it.
	r.Use(customMiddleware.RequestID)
	r.NotFound(a.ErrorHandler.NotFound)
	r.MethodNotAllowed(a.ErrorHandler.MethodNotAllowed)
	r.Handle("/ws", ws.NewHandler(a.WebSocketHub, a.Config.WebSocket, a.Logger))

	if a.OTelProviders.PrometheusHTTP != nil {
		r.Handle("/metrics", a.OTelProviders.PrometheusHTTP)
	}

	a.api = r.Group(func(r chi.Router) {
		// Order: OTel → Logger → Recoverer → security headers → rate limit
		otelMiddleware, err := customMiddleware.NewOTelMiddleware(a.OTelProviders.Tracer, a.OTelProviders.Meter)
		if err != nil {
			a.Logger.Error("Failed to create OpenTelemetry middleware", slog.String("error", err.Error()))
		} else {
			r.Use(otelMiddleware.Handler)
		}
		r.Use(customMiddleware.StructuredLogger(a.Logger))
		r.Use(customMiddleware.Recoverer(a.ErrorHandler))
		r.Use(customMiddleware.SecurityHeaders)
		if rl := a.Config.Server.RateLimit; rl.Enabled {
			r.Use(customMiddleware.NewRateLimiter(rl.RPS, rl.Burst, a.Logger, a.ErrorHandler).Handler)
		}
		r.Use(render.SetContentType(render.ContentTypeJSON))

		health := handlers.NewHealthHandler(a.License, a.Clock, a.Logger)
		r.Get("/healthz", health.HealthCheck)
		r.Get("/api/version", health.Version)
		r.Mount("/api/license", handlers.NewLicenseHandler(a.License, a.ErrorHandler, a.Logger).Routes())
		r.Get("/api/workunits", handlers.NewWorkUnitHandler(a.Meter, a.Logger).GetSnapshot)
	})

	a.Router = r

	if a.Authenticator != nil {
		a.setupPeerRoutes()
	}
}

// setupPeerRoutes exposes the combined status to signed peers.
func (a *Application) setupPeerRoutes() {
	g, err := a.RegisterGate(PeerStatusCapability, gate.Requirements{
		MinimumTier:   domain.TierFree,
		BaseWorkUnits: 1,
	}, gate.ModeSignals{})
	if err != nil {
		a.Logger.Error("Failed to register peer status gate", slog.String("error", err.Error()))
		return
	}
	a.HandleCapability(http.MethodGet, "/api/peer/status", g, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, a.statusSnapshot())
	}))
}

// statusSnapshot returns the last heartbeat snapshot, or a fresh one before
// the first tick.
func (a *Application) statusSnapshot() domain.StatusSnapshot {
	if snap, ok := a.Coordinator.LastSnapshot(); ok {
		return snap
	}
	return domain.StatusSnapshot{
		Node:      a.Node,
		License:   a.License.Status(),
		WorkUnits: a.Meter.Snapshot(),
		At:        a.Clock.Now().UTC(),
	}
}

func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:      a.Router,
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
		IdleTimeout:  a.Config.Server.IdleTimeout,
	}
}

// Run listens on the configured port, or only runs the coordinator when the
// server is disabled, until ctx is cancelled.
func (a *Application) Run(ctx context.Context) error {
	var ln net.Listener
	if a.Config.Server.Enabled {
		var err error
		ln, err = net.Listen("tcp", a.Server.Addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", a.Server.Addr, err)
		}
	}
	return a.Serve(ctx, ln)
}

// Serve starts the hub and the coordinator, serves HTTP on ln when it is not
// nil and shuts everything down once ctx is cancelled or the server fails.
func (a *Application) Serve(ctx context.Context, ln net.Listener) error {
	a.WebSocketHub.Start()
	result, err := a.Coordinator.Start(ctx)
	if err != nil {
		return err
	}

	a.Logger.InfoContext(ctx, "Application started",
		slog.String("license_state", string(result.State)),
		slog.String("tier", string(result.Tier)),
		slog.Bool("http", ln != nil))

	g, gctx := errgroup.WithContext(ctx)
	if ln != nil {
		g.Go(func() error {
			a.Logger.InfoContext(ctx, "HTTP server listening", slog.String("address", ln.Addr().String()))
			if err := a.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.Config.Server.ShutdownTimeout)
		defer cancel()
		return a.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Shutdown stops the heartbeat, drains the dispatcher, disconnects websocket
// clients, stops the HTTP server and flushes telemetry, in that order.
func (a *Application) Shutdown(ctx context.Context) error {
	a.shutdownOnce.Do(func() {
		a.Logger.InfoContext(ctx, "Shutting down application")

		var errs []error
		a.Coordinator.Stop()
		a.Dispatcher.Close()
		a.WebSocketHub.Stop()

		if err := a.Server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("server shutdown error: %w", err))
		}
		if err := a.Meter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("meter close error: %w", err))
		}
		if a.OTelProviders != nil {
			if err := a.OTelProviders.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}

		a.shutdownErr = errors.Join(errs...)
		a.Logger.InfoContext(ctx, "Application shutdown complete")
	})
	return a.shutdownErr
}
