package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/t-kanstantsin/fileupload/internal/cachestate"
	"github.com/t-kanstantsin/fileupload/internal/config"
	"github.com/t-kanstantsin/fileupload/internal/domain"
	"github.com/t-kanstantsin/fileupload/internal/format"
	"github.com/t-kanstantsin/fileupload/internal/handler"
	"github.com/t-kanstantsin/fileupload/internal/metrics"
	"github.com/t-kanstantsin/fileupload/internal/repository"
	"github.com/t-kanstantsin/fileupload/internal/service"
	"github.com/t-kanstantsin/fileupload/pkg/imaging"
)

type Server struct {
	httpServer *http.Server
	cfg        *config.Config
	log        *zap.Logger
}

// Deps are the components shared by the HTTP server and one-shot commands.
type Deps struct {
	Service  service.AssetService
	Registry *prometheus.Registry
	Redis    *redis.Client
}

// Close releases connections held by d.
func (d *Deps) Close() error {
	if d.Redis != nil {
		return d.Redis.Close()
	}
	return nil
}

// Build wires storage, cache state, format catalog and the asset service.
func Build(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Deps, error) {
	var store repository.BlobStore
	var err error
	switch cfg.Storage.Driver {
	case config.StorageDriverS3:
		store, err = repository.NewS3Repository(ctx, &cfg.S3, log)
	case config.StorageDriverMemory:
		store = repository.NewMemoryRepository(nil)
		log.Warn("Using in-memory storage, files are lost on exit")
	default:
		store, err = repository.NewFSRepository(cfg.Storage.LocalRoot, log)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create storage: %w", err)
	}

	deps := &Deps{Registry: prometheus.NewRegistry()}
	deps.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var states cachestate.Store = cachestate.NewMemoryStore()
	if cfg.Redis.Addr != "" {
		deps.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := deps.Redis.Ping(ctx).Err(); err != nil {
			deps.Redis.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		states = repository.NewStateRepository(deps.Redis, cfg.Redis.KeyPrefix, log)
		log.Info("Cache state persisted in redis", zap.String("addr", cfg.Redis.Addr))
	}

	codec := imaging.NewCodec(log, imaging.DefaultQuality)

	catalog, err := format.LoadCatalog(cfg.App.FormatsFile, codec)
	if err != nil {
		deps.Close()
		return nil, fmt.Errorf("failed to load formats: %w", err)
	}
	log.Info("Formats loaded", zap.Strings("formats", catalog.Names()))

	m := metrics.New(deps.Registry)

	deps.Service = service.NewAssetService(store, states, catalog, codec, &cfg.App, m, log,
		service.WithAfterCache(func(source domain.SourceFile, formatName string, cached bool) {
			log.Debug("Cache decision recorded",
				zap.String("key", source.Key),
				zap.String("format", formatName),
				zap.Bool("cached", cached))
		}))

	return deps, nil
}

func New(cfg *config.Config, deps *Deps, log *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	h := handler.NewHandler(deps.Service, cfg.App.MaxUploadSize, log)
	Routes(router, h, deps.Registry)

	server := &Server{
		httpServer: &http.Server{
			Addr:           cfg.Server.Host + ":" + cfg.Server.Port,
			Handler:        router,
			ReadTimeout:    10 * time.Second,
			WriteTimeout:   cfg.App.PipelineTimeout + 10*time.Second,
			MaxHeaderBytes: 1 << 20, // 1 MB
		},
		cfg: cfg,
		log: log,
	}

	log.Info("Server created successfully",
		zap.String("host", cfg.Server.Host),
		zap.String("port", cfg.Server.Port))

	return server
}

// Routes registers the HTTP API on router.
func Routes(router *gin.Engine, h *handler.Handler, reg *prometheus.Registry) {
	router.GET("/health", h.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	api := router.Group("/api")
	{
		api.POST("/upload", h.UploadSource)
		api.GET("/sources", h.ListSources)
		api.PUT("/sources/*key", h.ReplaceSource)
		api.GET("/formats", h.ListFormats)
		api.POST("/warm/*key", h.WarmSource)
		api.DELETE("/assets/*key", h.InvalidateSource)
	}

	router.GET("/assets/:format/*key", h.ServeDerived)
}

func (s *Server) Run() error {
	s.log.Info("Server is running",
		zap.String("host", s.cfg.Server.Host),
		zap.String("port", s.cfg.Server.Port),
		zap.String("address", s.httpServer.Addr))

	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down server")
	return s.httpServer.Shutdown(ctx)
}
