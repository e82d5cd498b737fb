// Server runs the realtime websocket service and its gRPC health endpoint.
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"

	"itfits/backend/internal/audit"
	auditrepo "itfits/backend/internal/audit/repository"
	chatrepo "itfits/backend/internal/chat/repository"
	"itfits/backend/internal/config"
	"itfits/backend/internal/db"
	devicerepo "itfits/backend/internal/device/repository"
	"itfits/backend/internal/geo"
	"itfits/backend/internal/health"
	"itfits/backend/internal/logger"
	"itfits/backend/internal/realtime"
	"itfits/backend/internal/server"
	sessionrepo "itfits/backend/internal/session/repository"
	"itfits/backend/internal/telemetry"
	telemetryotel "itfits/backend/internal/telemetry/otel"
	"itfits/backend/internal/telemetry/producer"
	"itfits/backend/internal/transport/ws"
	userrepo "itfits/backend/internal/user/repository"
)

const healthInterval = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		// The logger depends on config; fall back to a default one for this error.
		logger.New("info", false).Fatal("config", zap.Error(err))
	}
	log := logger.New(cfg.LogLevel, cfg.IsProduction())
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := telemetryotel.NewProviders(ctx, cfg.OTLPEndpoint, cfg.ServiceName, cfg.OTLPInsecure)
	if err != nil {
		log.Fatal("otel providers", zap.Error(err))
	}
	providers.SetGlobal()

	pool, err := db.Open(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		log.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	var geoCache geo.Cache
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn("redis unreachable; location cache disabled", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		} else {
			geoCache = geo.NewRedisCache(rdb)
		}
	}

	emitters := []telemetry.EventEmitter{telemetryotel.NewEventEmitter(providers.LoggerProvider)}
	var kafkaProducer producer.Producer
	if p := producer.NewKafkaProducer(cfg.TelemetryKafkaBrokersList(), cfg.TelemetryKafkaTopic); p != nil {
		kafkaProducer = p
		emitters = append(emitters, p)
		log.Info("kafka telemetry enabled", zap.String("topic", cfg.TelemetryKafkaTopic))
	}
	events := telemetry.Multi(emitters...)

	sessions := sessionrepo.NewPostgresRepository(pool)
	users := userrepo.NewPostgresRepository(pool)

	registry := realtime.NewRegistry()
	router := realtime.NewRouter(registry, sessions, users, log)
	dispatcher := realtime.NewDispatcher(sessions, chatrepo.NewPostgresRepository(pool), router, events, log)
	lifecycle := realtime.NewLifecycle(realtime.LifecycleDeps{
		Registry:     registry,
		Dispatcher:   dispatcher,
		Sessions:     sessions,
		Users:        users,
		Fingerprints: devicerepo.NewPostgresRepository(pool),
		Locator:      geo.NewIPAPIClient(cfg.GeoIPURL, geoCache, cfg.GeoCacheTTL(), log.Named("geo")),
		Audit:        audit.NewLogger(auditrepo.NewPostgresRepository(pool), log.Named("audit")),
		Events:       events,
		Logger:       log,
	})

	healthSrv := grpchealth.NewServer()
	checker := health.NewChecker(pool, healthSrv, log)
	go checker.Run(ctx, healthInterval)

	var grpcSrv *grpc.Server
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			log.Fatal("grpc listen", zap.String("addr", cfg.GRPCAddr), zap.Error(err))
		}
		grpcSrv = server.NewGRPCServer(healthSrv, log.Named("grpc"))
		go func() {
			log.Info("gRPC health listening", zap.String("addr", cfg.GRPCAddr))
			if err := grpcSrv.Serve(lis); err != nil {
				log.Error("grpc serve", zap.Error(err))
			}
		}()
	}

	httpSrv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: server.NewHTTPHandler(server.HTTPDeps{
			Connector: lifecycle,
			Health:    checker,
			WS:        ws.Options{ReadLimit: cfg.WSReadLimit, SendQueue: cfg.WSSendQueue},
			Logger:    log,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("HTTP listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http serve", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	checker.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace())
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	if err := lifecycle.Shutdown(shutdownCtx); err != nil {
		log.Warn("session drain incomplete", zap.Error(err))
	}
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}

	// Let in-flight async telemetry emits finish before the exporters go away.
	time.Sleep(telemetry.ShutdownDrainDuration)
	if err := providers.Shutdown(context.Background()); err != nil {
		log.Warn("otel shutdown", zap.Error(err))
	}
	if kafkaProducer != nil {
		if err := kafkaProducer.Close(); err != nil {
			log.Warn("kafka producer close", zap.Error(err))
		}
	}
	log.Info("stopped")
}
