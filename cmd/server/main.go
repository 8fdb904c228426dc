package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/ngapox/malenga-knowledge-clinic/internal/config"
	"github.com/ngapox/malenga-knowledge-clinic/internal/db"
	clog "github.com/ngapox/malenga-knowledge-clinic/internal/log"
	"github.com/ngapox/malenga-knowledge-clinic/internal/moderation"
	"github.com/ngapox/malenga-knowledge-clinic/internal/pubsub"
	"github.com/ngapox/malenga-knowledge-clinic/internal/server"
	"github.com/ngapox/malenga-knowledge-clinic/internal/service"
	"github.com/ngapox/malenga-knowledge-clinic/internal/ws"
)

const shutdownTimeout = 10 * time.Second

var verboseSQL bool

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "chatd",
	Short:        "Realtime chat server with rooms, invites, reactions and mentions.",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE:         func(cmd *cobra.Command, args []string) error { return serve(cmd.Context()) },
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run migrations and start the HTTP/websocket server.",
	Args:  cobra.NoArgs,
	RunE:  func(cmd *cobra.Command, args []string) error { return serve(cmd.Context()) },
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := setup()
		if err != nil {
			return err
		}
		_, err = openDB(cfg)
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&verboseSQL, "verbose-sql", false, "log every SQL statement")
	rootCmd.AddCommand(serveCmd, migrateCmd)
}

// setup 加载配置并初始化日志。
func setup() (config.Config, error) {
	cfg := config.Load()
	clog.Init(cfg.Env, cfg.LogLevel)
	if err := config.Validate(cfg); err != nil {
		log.Error().Err(err).Msg("invalid config")
		return cfg, err
	}
	return cfg, nil
}

func openDB(cfg config.Config) (*gorm.DB, error) {
	gdb, err := db.Connect(cfg.DatabaseDriver, cfg.DatabaseDSN, verboseSQL)
	if err != nil {
		log.Error().Err(err).Msg("db connect")
		return nil, err
	}
	if err := db.Migrate(gdb); err != nil {
		log.Error().Err(err).Msg("db migrate")
		return nil, err
	}
	return gdb, nil
}

// serve 负责加载配置、连接数据库、装配广播通道并启动 Gin 服务，收到信号后优雅退出。
func serve(parent context.Context) error {
	cfg, err := setup()
	if err != nil {
		return err
	}
	gdb, err := openDB(cfg)
	if err != nil {
		return err
	}

	policy, err := moderation.New(cfg.BannedWords, cfg.ContentRule)
	if err != nil {
		log.Error().Err(err).Msg("content policy")
		return err
	}
	if err := policy.Register(gdb); err != nil {
		return err
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := ws.NewHub()
	defer hub.Close()

	var pub service.Publisher
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer rdb.Close()
		broker := pubsub.NewRedisBroker(rdb, hub)
		if err := broker.Start(ctx); err != nil {
			log.Error().Err(err).Str("addr", cfg.RedisAddr).Msg("redis subscribe")
			return err
		}
		defer broker.Close()
		pub = broker
		log.Info().Str("addr", cfg.RedisAddr).Msg("cross-instance fan-out enabled")
	}

	svcs := server.NewServices(cfg, gdb, hub, pub)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.SetupRouter(cfg, gdb, hub, svcs),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server run")
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Error().Err(err).Msg("server shutdown")
		return err
	}
	return nil
}
