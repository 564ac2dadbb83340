package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/rallychat/internal/config"
	"github.com/hitoshi/rallychat/internal/conversation"
	"github.com/hitoshi/rallychat/internal/database"
	"github.com/hitoshi/rallychat/internal/handler"
	"github.com/hitoshi/rallychat/internal/logger"
	"github.com/hitoshi/rallychat/internal/message"
	"github.com/hitoshi/rallychat/internal/metrics"
	"github.com/hitoshi/rallychat/internal/middleware"
	"github.com/hitoshi/rallychat/internal/realtime"
	"github.com/hitoshi/rallychat/internal/repository"
	"github.com/hitoshi/rallychat/internal/security"
	"github.com/hitoshi/rallychat/internal/session"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再設定する
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("live_bus", string(cfg.LiveBusDriver)),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、ライブバスとHTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	log := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL, database.DefaultPoolConfig())
	if err != nil {
		return err
	}
	defer db.Close()

	if err := database.Ping(ctx, db, 5*time.Second); err != nil {
		return err
	}

	log.Info("database connection established")

	// 2. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	mc := metrics.NewCollector(registry)

	// 3. リポジトリの初期化
	conversationRepo := repository.NewPostgresConversationRepo(db)
	messageRepo := repository.NewPostgresMessageRepo(db)
	profileRepo := repository.NewPostgresProfileRepo(db)
	matchRepo := repository.NewPostgresMatchRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)

	// 4. ライブイベントバス
	hub := realtime.NewHub(cfg.SubscriptionBuffer, mc, log)
	defer hub.Close()

	storeOpts := []message.Option{message.WithMetrics(mc)}
	var runBus func(ctx context.Context) error

	if cfg.LiveBusDriver == config.LiveBusRedis {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		client := redis.NewClient(opt)
		defer client.Close()

		relay := realtime.NewRedisRelay(client, hub, mc, log)
		storeOpts = append(storeOpts, message.WithPublisher(relay))
		runBus = relay.Run
	}

	// 5. ドメインサービスの初期化
	store := message.NewStore(
		messageRepo, conversationRepo, profileRepo, matchRepo,
		security.NewTextSanitizer(), log, cfg.MaxMessageLength,
		storeOpts...,
	)

	if runBus == nil {
		source := realtime.NewPGSource(
			cfg.DatabaseURL, cfg.ListenerMinReconnect, cfg.ListenerMaxReconnect,
			store, hub, mc, log,
		)
		runBus = source.Run
	}

	busDone := make(chan struct{})
	go func() {
		defer close(busDone)
		if err := runBus(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("ライブバスが停止しました", slog.String("error", err.Error()))
		}
	}()

	resolver := conversation.NewResolver(conversationRepo, mc, log)
	aggregator := conversation.NewAggregator(conversationRepo, profileRepo, store)
	conversations := conversation.NewService(resolver, aggregator)

	rateLimiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig(cfg.SendRatePerMinute), log)
	defer rateLimiter.Stop()

	// 6. ルーターの構築
	router := handler.NewRouter(&handler.RouterDeps{
		SessionFinder:     sessionRepo,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		CSRF: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		RateLimiter: rateLimiter,

		Conversations: conversations,
		Messages:      store,

		Sessions: session.Deps{
			Store:       store,
			Bus:         hub,
			Lister:      conversations,
			Resolver:    conversations,
			DedupWindow: cfg.DedupWindow,
			Metrics:     mc,
			Logger:      log,
		},
		WebSocket: handler.WebSocketConfig{
			AllowedOrigin: cfg.CORSAllowedOrigin,
			ReadTimeout:   cfg.WSReadTimeout,
		},

		HealthChecker:  db,
		Metrics:        mc,
		MetricsHandler: metrics.Handler(registry),
		Logger:         log,
	})

	// 7. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		stop()
		<-busDone
		return fmt.Errorf("server listen error: %w", err)
	}

	log.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	<-busDone

	log.Info("API server stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
