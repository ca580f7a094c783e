package serve

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/chirino/conversation-service/internal/config"
	routesystem "github.com/chirino/conversation-service/internal/plugin/route/system"
	storemetrics "github.com/chirino/conversation-service/internal/plugin/store/metrics"
	registrycache "github.com/chirino/conversation-service/internal/registry/cache"
	registryevents "github.com/chirino/conversation-service/internal/registry/events"
	registrymigrate "github.com/chirino/conversation-service/internal/registry/migrate"
	registryroute "github.com/chirino/conversation-service/internal/registry/route"
	registrystore "github.com/chirino/conversation-service/internal/registry/store"
	"github.com/chirino/conversation-service/internal/security"
	"github.com/chirino/conversation-service/internal/service"
	"github.com/gin-gonic/gin"
)

// Server holds the running server and its subsystems.
type Server struct {
	Config     *config.Config
	Store      registrystore.Store
	Service    *service.Service
	Router     *gin.Engine
	Running    *RunningServers
	Management *RunningServers
	publisher  registryevents.Publisher
	stopTasks  context.CancelFunc
}

// Shutdown marks the service as draining, then stops the listeners, the task
// processor and the event publisher in that order.
func (s *Server) Shutdown(ctx context.Context) error {
	routesystem.MarkDraining()
	if s.Management != nil {
		_ = s.Management.Close(ctx)
	}
	err := s.Running.Close(ctx)
	if s.stopTasks != nil {
		s.stopTasks()
	}
	if s.publisher != nil {
		if cerr := s.publisher.Close(); cerr != nil {
			log.Warn("Failed to close event publisher", "err", cerr)
		}
	}
	return err
}

// StartServer initializes all subsystems and starts HTTP on a single port.
// Use cfg.Listener.Port=0 for a random port. Actual port: Server.Running.Port.
func StartServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	log.Info("Starting conversation service",
		"httpPort", cfg.Listener.Port,
		"db", cfg.DatastoreType,
		"cache", cfg.CacheType,
		"events", cfg.EventsType,
	)

	// Initialize Prometheus metrics with configured constant labels.
	metricsLabels, err := security.ParseMetricsLabels(cfg.MetricsLabels)
	if err != nil {
		return nil, fmt.Errorf("invalid --metrics-labels: %w", err)
	}
	security.InitMetrics(metricsLabels)

	if cfg.DatastoreMigrateAtStart {
		ran, err := registrymigrate.Run(ctx, cfg.DatastoreType)
		if err != nil {
			return nil, fmt.Errorf("migrations failed: %w", err)
		}
		log.Info("Migrations complete", "db", cfg.DatastoreType, "ran", ran)
	}

	// Send receipts are optional: without a cache, client message ids are not replayed.
	var receipts registrycache.SendReceiptCache
	if cacheLoader, err := registrycache.Select(cfg.CacheType); err != nil {
		log.Warn("Cache not available", "cache", cfg.CacheType, "err", err)
	} else if receipts, err = cacheLoader(ctx); err != nil {
		log.Warn("Failed to initialize cache", "cache", cfg.CacheType, "err", err)
		receipts = nil
	}

	// Initialize store
	storeLoader, err := registrystore.Select(cfg.DatastoreType)
	if err != nil {
		return nil, err
	}
	store, err := storeLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	store = storemetrics.Wrap(store)

	eventsLoader, err := registryevents.Select(cfg.EventsType)
	if err != nil {
		return nil, err
	}
	publisher, err := eventsLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize event publisher: %w", err)
	}

	svc := service.New(store, receipts, cfg)

	// Set up gin
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.ManagementAccessLog {
		router.Use(security.AccessLogMiddleware())
	} else {
		router.Use(security.AccessLogMiddleware("/health", "/ready", "/metrics"))
	}
	router.Use(security.MetricsMiddleware())
	router.Use(maxBodySizeMiddleware(cfg.MaxBodySize))
	if cfg.CORSEnabled {
		router.Use(corsMiddleware(cfg.CORSOrigins))
	}

	cacheKind := cfg.CacheType
	if receipts == nil {
		cacheKind = "none"
	}
	deps := registryroute.Deps{
		Service: svc,
		Auth:    security.AuthMiddleware(security.NewTokenResolver(cfg)),
		Components: map[string]string{
			"store":  cfg.DatastoreType,
			"cache":  cacheKind,
			"events": cfg.EventsType,
		},
	}
	if err := registryroute.Mount(router, registryroute.Main, deps); err != nil {
		return nil, err
	}

	// The task processor outlives request contexts but stops on shutdown.
	taskCtx, stopTasks := context.WithCancel(context.WithoutCancel(ctx))
	taskProc := service.NewTaskProcessor(store, publisher, cfg)
	go taskProc.Start(taskCtx)

	// Mount management route plugins. If a dedicated management port is configured,
	// run them on a bare gin engine served by the management server. Otherwise,
	// mount them on the main router.
	mgmtDeps := registryroute.Deps{Service: svc, Components: deps.Components}
	var management *RunningServers
	if cfg.ManagementListenerEnabled {
		mgmtRouter := gin.New()
		mgmtRouter.Use(gin.Recovery())
		if cfg.ManagementAccessLog {
			mgmtRouter.Use(security.AccessLogMiddleware())
		}
		if err := registryroute.Mount(mgmtRouter, registryroute.Management, mgmtDeps); err != nil {
			stopTasks()
			return nil, err
		}
		// Management listener shares TLS cert/key with the main listener.
		mgmtCfg := cfg.ManagementListener
		mgmtCfg.TLSCertFile = cfg.Listener.TLSCertFile
		mgmtCfg.TLSKeyFile = cfg.Listener.TLSKeyFile
		management, err = startManagementServer(mgmtCfg, mgmtRouter)
		if err != nil {
			stopTasks()
			return nil, fmt.Errorf("failed to start management server: %w", err)
		}
	} else if err := registryroute.Mount(router, registryroute.Management, mgmtDeps); err != nil {
		stopTasks()
		return nil, err
	}

	running, err := StartSinglePortHTTP(cfg.Listener, router)
	if err != nil {
		stopTasks()
		if management != nil {
			_ = management.Close(ctx)
		}
		return nil, err
	}

	log.Info("Server listening",
		"port", running.Port,
		"plaintext", cfg.Listener.EnablePlainText,
		"tls", cfg.Listener.EnableTLS,
	)

	routesystem.MarkReady()
	return &Server{
		Config:     cfg,
		Store:      store,
		Service:    svc,
		Router:     router,
		Running:    running,
		Management: management,
		publisher:  publisher,
		stopTasks:  stopTasks,
	}, nil
}
