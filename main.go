package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"supportchat/internal/api"
	"supportchat/internal/config"
	"supportchat/internal/logging"
	"supportchat/internal/redis"
	"supportchat/internal/service/ai"
	"supportchat/internal/service/assistant"
	"supportchat/internal/storage"
	"supportchat/internal/worker"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("supportchat exited")
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), cfgPath)
		},
	}
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the database tables and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cfgPath)
			if err != nil {
				return err
			}
			db, err := openDatabase(cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			log.Info().Str("driver", cfg.BasicConfig.DatabaseDriver).Msg("database migrated")
			return nil
		},
	}

	rootCmd := &cobra.Command{
		Use:           "supportchat",
		Short:         "AI customer support chat backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serveCmd.RunE,
	}
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to a config file (defaults to $"+config.EnvConfigPath+")")
	rootCmd.AddCommand(serveCmd, migrateCmd)
	return rootCmd
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	logging.Init(cfg.Log)
	return cfg, nil
}

func openDatabase(cfg *config.Config) (*sqlx.DB, error) {
	driver := cfg.BasicConfig.DatabaseDriver
	db, err := storage.Open(driver, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	// Create necessary tables: conversations, messages
	if err := storage.Migrate(db, driver); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migrate database")
	}
	return db, nil
}

func serve(ctx context.Context, cfgPath string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}
	log.Info().Str("driver", cfg.BasicConfig.DatabaseDriver).Msg("opening database")
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	provider, provCfg := cfg.Provider()
	generator, err := ai.NewService(ctx, provider, provCfg)
	if err != nil {
		return errors.Wrap(err, "init generation service")
	}

	assistantService := assistant.NewService(db)
	opts := []worker.Option{}
	if cfg.Redis.Enabled {
		rdb, err := redis.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return errors.Wrap(err, "create redis client")
		}
		defer rdb.Close()
		opts = append(opts, worker.WithRedis(rdb))
		log.Info().Str("host", cfg.Redis.Host).Int("port", cfg.Redis.Port).Msg("redis conversation lock enabled")
	}
	systemPrompt := cfg.Assistant.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = ai.DefaultSystemPrompt
	}
	manager := worker.NewManager(assistantService, generator, worker.Config{
		SystemPrompt:      systemPrompt,
		GenerationTimeout: cfg.BasicConfig.GenerationTimeout,
		IdleTimeout:       cfg.BasicConfig.WorkerIdleTimeout,
		LockTTL:           cfg.Redis.LockTTL,
		CacheTTL:          cfg.Redis.CacheTTL,
	}, opts...)

	gin.SetMode(gin.ReleaseMode)
	router := api.NewRouter(api.NewHandler(assistantService, manager))
	srv := &http.Server{
		Addr:    cfg.BasicConfig.ServerAddress,
		Handler: router,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Str("provider", provider).Str("model", provCfg.Model).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server stopped")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.BasicConfig.ShutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		manager.Close()
		return errors.Wrap(err, "shutdown server")
	})
	return g.Wait()
}
