package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aaron031291/grace-2-sub022/internal/anomaly"
	"github.com/aaron031291/grace-2-sub022/internal/governance"
	"github.com/aaron031291/grace-2-sub022/internal/handler"
	"github.com/aaron031291/grace-2-sub022/internal/healing"
	"github.com/aaron031291/grace-2-sub022/internal/health"
	"github.com/aaron031291/grace-2-sub022/internal/signing"
	"github.com/aaron031291/grace-2-sub022/internal/threat"
	"github.com/aaron031291/grace-2-sub022/internal/trust"
	"github.com/aaron031291/grace-2-sub022/internal/trustledger"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("trustd exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────────────
	viper.SetConfigName("trustd")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("configs")
	viper.AddConfigPath(".")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.grpc_port", 9090)
	viper.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	viper.SetDefault("server.rate_limit_rps", 20)
	viper.SetDefault("server.actor_rate_limit_rps", 5)
	viper.SetDefault("ledger.store", "memory")
	viper.SetDefault("ledger.file_path", "data/ledger.jsonl")
	viper.SetDefault("ledger.sqlite_dsn", "file:data/ledger.db?_pragma=busy_timeout(5000)")
	viper.SetDefault("ledger.max_retries", 3)
	viper.SetDefault("ledger.retry_backoff", "50ms")
	viper.SetDefault("database.url", "")
	viper.SetDefault("redis.url", "")
	viper.SetDefault("redis.fingerprint_ttl", "1h")
	viper.SetDefault("signing.signer", "trustd")
	viper.SetDefault("signing.key_dir", "")
	viper.SetDefault("signing.passphrase", "")
	viper.SetDefault("threat.max_payload_bytes", threat.DefaultMaxPayloadBytes)
	viper.SetDefault("anomaly.confidence_threshold", 0.5)
	viper.SetDefault("healing.enabled", true)
	viper.SetDefault("healing.attempt_timeout", "30s")
	viper.SetDefault("healing.max_retries", 3)
	viper.SetDefault("healing.retry_backoff", "2s")
	viper.SetDefault("healing.max_concurrent", 4)
	viper.SetDefault("healing.sweep_interval", "1m")
	viper.SetDefault("healing.notify_timeout", healing.DefaultNotifyTimeout)
	viper.SetDefault("healing.policy_files", []string{})
	viper.SetDefault("healing.policy_query", healing.DefaultRegoQuery)
	viper.SetDefault("gate.throttle_rps", 0.2)
	viper.SetDefault("gate.throttle_burst", 1)
	viper.SetDefault("governance.webhook_url", "")
	viper.SetDefault("governance.webhook_secret", "")
	viper.SetDefault("governance.oauth2_token_url", "")
	viper.SetDefault("governance.oauth2_client_id", "")
	viper.SetDefault("governance.oauth2_client_secret", "")
	viper.SetDefault("governance.redis_channel", "trust.escalations")
	viper.SetDefault("governance.stream_keepalive", "15s")
	viper.SetDefault("health.check_interval", "5m")
	viper.SetDefault("health.check_timeout", "1m")

	if err := viper.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgNotFound) {
			return fmt.Errorf("read config: %w", err)
		}
		logger.Warn("no config file found, using defaults and env vars")
	}

	startCtx := context.Background()

	// ── Database (optional) ──────────────────────────────────────────────────
	var db *pgxpool.Pool
	if dbURL := viper.GetString("database.url"); dbURL != "" {
		pool, err := pgxpool.New(startCtx, dbURL)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer pool.Close()
		if err := pool.Ping(startCtx); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		db = pool
		logger.Info("connected to postgres")
	}

	var rdb *redis.Client
	if redisURL := viper.GetString("redis.url"); redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		rdb = redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(startCtx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		logger.Info("connected to redis")
	}

	// ── Trust Ledger ──────────────────────────────────────────────────────────
	store, closeStore, err := openStore(startCtx, viper.GetString("ledger.store"), db, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	ledger := trustledger.New(store, trustledger.Config{
		MaxRetries:   viper.GetInt("ledger.max_retries"),
		RetryBackoff: viper.GetDuration("ledger.retry_backoff"),
	}, logger)
	ledger.SetAppendRecorder(handler.RecordLedgerAppend)

	if res, err := ledger.VerifyChain(startCtx, 0); err != nil {
		logger.Warn("trust ledger verification error", zap.Error(err))
	} else if !res.ChainIntegrity {
		logger.Warn("trust ledger integrity check FAILED", zap.Int("issues", len(res.Issues)))
	} else {
		root, _ := ledger.Root(startCtx)
		logger.Info("trust ledger verified",
			zap.Int64("entries", res.TotalEntries),
			zap.String("root", root),
		)
	}

	// ── Signing keys ──────────────────────────────────────────────────────────
	keys, err := openKeyStore(viper.GetString("signing.signer"), viper.GetString("signing.key_dir"),
		viper.GetString("signing.passphrase"), logger)
	if err != nil {
		return err
	}
	engine := signing.NewEngine(keys)

	// ── Anomaly detection ─────────────────────────────────────────────────────
	var (
		anomalyRepo anomaly.Repository
		eventRepo   anomaly.EventRepository
		attemptRepo healing.AttemptRepository
	)
	if db != nil {
		pg := anomaly.NewPostgresRepository(db)
		anomalyRepo, eventRepo = pg, pg
		attemptRepo = healing.NewPostgresAttemptRepository(db)
	} else {
		mem := anomaly.NewMemoryRepository()
		anomalyRepo, eventRepo = mem, mem
		attemptRepo = healing.NewMemoryAttemptRepository()
	}

	var guard anomaly.FingerprintGuard
	if rdb != nil {
		guard = anomaly.NewRedisGuard(rdb, "trust:anomaly:", viper.GetDuration("redis.fingerprint_ttl"))
	}
	detector := anomaly.NewDetector(anomalyRepo, eventRepo, guard, anomaly.Config{
		ConfidenceThreshold: viper.GetFloat64("anomaly.confidence_threshold"),
	}, logger)
	detector.SetRecorder(handler.RecordAnomaly)

	scanner := threat.NewScanner(threat.Config{MaxPayloadBytes: viper.GetInt("threat.max_payload_bytes")}, logger)
	gate := trust.NewActorGate(rate.Limit(viper.GetFloat64("gate.throttle_rps")), viper.GetInt("gate.throttle_burst"))

	svc := trust.New(engine, ledger, scanner, detector, nil, gate, logger)
	defer svc.Close()

	// ── Governance sinks ──────────────────────────────────────────────────────
	broker := governance.NewBroker(logger)
	sinks := governance.Multi{broker}
	if url := viper.GetString("governance.webhook_url"); url != "" {
		cfg := governance.WebhookConfig{URL: url, Secret: viper.GetString("governance.webhook_secret")}
		if tokenURL := viper.GetString("governance.oauth2_token_url"); tokenURL != "" {
			cfg.OAuth2 = &clientcredentials.Config{
				ClientID:     viper.GetString("governance.oauth2_client_id"),
				ClientSecret: viper.GetString("governance.oauth2_client_secret"),
				TokenURL:     tokenURL,
			}
		}
		if budget := cfg.MaxDelivery(); viper.GetDuration("healing.notify_timeout") < budget {
			logger.Warn("healing.notify_timeout is shorter than a full webhook delivery; late retries will be cut off",
				zap.Duration("notify_timeout", viper.GetDuration("healing.notify_timeout")),
				zap.Duration("webhook_max_delivery", budget),
			)
		}
		webhook := governance.NewWebhookNotifier(cfg, keys, logger)
		webhook.SetMetricsRecorder(handler.RecordGovernanceDelivery)
		sinks = append(sinks, webhook)
		logger.Info("governance webhook configured", zap.String("url", url))
	}
	if rdb != nil {
		sinks = append(sinks, governance.NewRedisNotifier(rdb, viper.GetString("governance.redis_channel")))
	}

	// ── Healing ───────────────────────────────────────────────────────────────
	bgCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	if viper.GetBool("healing.enabled") {
		var selector healing.Selector = healing.DefaultCapabilities()
		if files := viper.GetStringSlice("healing.policy_files"); len(files) > 0 {
			rs, err := healing.NewRegoSelectorFromFiles(startCtx, files, viper.GetString("healing.policy_query"), selector, logger)
			if err != nil {
				return fmt.Errorf("load healing policy: %w", err)
			}
			selector = rs
			logger.Info("healing policy loaded", zap.Strings("files", files))
		}

		orch := healing.New(detector, selector, trust.NewPlaybook(svc, logger), ledger, sinks, attemptRepo,
			healing.Config{
				AttemptTimeout: viper.GetDuration("healing.attempt_timeout"),
				MaxRetries:     viper.GetInt("healing.max_retries"),
				RetryBackoff:   viper.GetDuration("healing.retry_backoff"),
				MaxConcurrent:  viper.GetInt("healing.max_concurrent"),
				SweepInterval:  viper.GetDuration("healing.sweep_interval"),
				NotifyTimeout:  viper.GetDuration("healing.notify_timeout"),
			}, logger)
		orch.SetAttemptRecorder(handler.RecordHealingAttempt)
		defer orch.Close()
		svc.SetHealer(orch)
		go orch.Run(bgCtx)
	} else {
		logger.Info("healing disabled: anomalies are recorded only")
	}

	// ── gRPC health ───────────────────────────────────────────────────────────
	healthSrv := grpchealth.NewServer()
	monitor := health.New(ledger, detector, healthSrv, health.Config{
		CheckInterval: viper.GetDuration("health.check_interval"),
		CheckTimeout:  viper.GetDuration("health.check_timeout"),
	}, logger)
	monitor.SetMetricsRecord(handler.RecordChainCheck)
	monitor.SetAnomalyHandler(func(_ context.Context, a *anomaly.Anomaly) { svc.Dispatch(a) })
	go monitor.Run(bgCtx)

	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(loggingInterceptor(logger)))
	grpc_health_v1.RegisterHealthServer(grpcServer, healthSrv)
	reflection.Register(grpcServer)

	// ── HTTP Router ───────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	corsOrigins := viper.GetStringSlice("server.cors_origins")
	router.Use(cors.New(cors.Config{
		AllowOrigins:     corsOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept", handler.HeaderActor},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: !containsWildcard(corsOrigins),
		MaxAge:           12 * time.Hour,
	}))

	router.Use(func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	})

	// Request body size limit (1 MB)
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20)
		c.Next()
	})

	if rps := viper.GetFloat64("server.rate_limit_rps"); rps > 0 {
		actorRPS := viper.GetFloat64("server.actor_rate_limit_rps")
		router.Use(handler.RateLimiter(bgCtx, handler.RateLimitConfig{
			IPRate:     rps,
			IPBurst:    int(rps * 2),
			ActorRate:  actorRPS,
			ActorBurst: int(actorRPS * 2),
		}))
	}
	router.Use(handler.PrometheusMiddleware())
	router.Use(requestLogger(logger))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", handler.MetricsHandler())

	anomalyHandler := handler.NewAnomalyHandler(svc, logger)
	anomalyHandler.SetBroker(broker, viper.GetDuration("governance.stream_keepalive"))

	v1 := router.Group("/api/v1")
	handler.NewLedgerHandler(svc, logger).Register(v1)
	handler.NewEnvelopeHandler(svc, logger).Register(v1)
	anomalyHandler.Register(v1)

	// ── Servers ───────────────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	httpPort := viper.GetInt("server.port")
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", httpPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("trustd HTTP listening", zap.Int("port", httpPort))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP listen error", zap.Error(err))
		}
	}()

	grpcPort := viper.GetInt("server.grpc_port")
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", grpcPort))
	if err != nil {
		return fmt.Errorf("listen on gRPC port %d: %w", grpcPort, err)
	}
	go func() {
		logger.Info("trustd gRPC listening", zap.Int("port", grpcPort))
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC server error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ──────────────────────────────────────────────────────
	<-quit
	logger.Info("shutting down trustd...")
	stopBackground()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}
	grpcServer.GracefulStop()

	logger.Info("trustd stopped")
	return nil
}

// openStore builds the ledger backend named by kind. The returned func
// releases it.
func openStore(ctx context.Context, kind string, db *pgxpool.Pool, logger *zap.Logger) (trustledger.Store, func(), error) {
	noop := func() {}
	switch kind {
	case "memory", "":
		logger.Warn("ledger store: memory (entries are lost on restart)")
		return trustledger.NewMemoryStore(), noop, nil
	case "file":
		path := viper.GetString("ledger.file_path")
		fs, err := trustledger.OpenFileStore(path)
		if err != nil {
			return nil, nil, fmt.Errorf("open ledger file: %w", err)
		}
		logger.Info("ledger store: file", zap.String("path", path))
		return fs, func() { fs.Close() }, nil
	case "sqlite":
		s, err := trustledger.OpenSQLiteStore(ctx, viper.GetString("ledger.sqlite_dsn"))
		if err != nil {
			return nil, nil, fmt.Errorf("open ledger sqlite: %w", err)
		}
		logger.Info("ledger store: sqlite")
		return s, func() { s.Close() }, nil
	case "postgres":
		if db == nil {
			return nil, nil, errors.New("ledger.store=postgres requires database.url")
		}
		logger.Info("ledger store: postgres")
		return trustledger.NewPostgresStore(db, logger), noop, nil
	default:
		return nil, nil, fmt.Errorf("unknown ledger store %q", kind)
	}
}

// openKeyStore returns a disk-backed key store when dir is set, otherwise
// an ephemeral one.
func openKeyStore(signer, dir, passphrase string, logger *zap.Logger) (signing.KeyStore, error) {
	if dir == "" {
		logger.Warn("signing keys are ephemeral (set signing.key_dir to persist)")
		return signing.NewMemoryKeyStore(signer)
	}
	ks := signing.NewFileKeyStore(dir, signer, passphrase)
	if err := ks.LoadOrCreate(); err != nil {
		return nil, fmt.Errorf("signing key setup failed: %w", err)
	}
	logger.Info("signing keys ready", zap.String("key_dir", dir))
	return ks, nil
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}

// requestLogger returns a Gin middleware that logs each request with zap.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

// loggingInterceptor returns a gRPC unary server interceptor that logs each call.
func loggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := next(ctx, req)
		logger.Info("grpc",
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("latency", time.Since(start)),
		)
		return resp, err
	}
}
