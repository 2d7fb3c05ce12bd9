package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/TaleweaverLabs/taleweaver/engine/internal/bundle"
	"github.com/TaleweaverLabs/taleweaver/engine/internal/config"
	"github.com/TaleweaverLabs/taleweaver/engine/internal/database"
	"github.com/TaleweaverLabs/taleweaver/engine/internal/logging"
	"github.com/TaleweaverLabs/taleweaver/engine/internal/notify"
	"github.com/TaleweaverLabs/taleweaver/engine/internal/pipeline"
	"github.com/TaleweaverLabs/taleweaver/engine/internal/remote"
	"github.com/TaleweaverLabs/taleweaver/engine/internal/server"
	"github.com/TaleweaverLabs/taleweaver/engine/internal/store"
	"github.com/TaleweaverLabs/taleweaver/engine/internal/syncer"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "taleweaver-engine",
		Short: "Taleweaver offline-first sync engine",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(cmd.Context())
		},
	}

	exportCmd := &cobra.Command{
		Use:   "export <scenario-id> <output-file>",
		Short: "Export one scenario subgraph to a bundle document",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(args[0], args[1])
		},
	}

	importCmd := &cobra.Command{
		Use:   "import <input-file>",
		Short: "Import a bundle document as a new scenario",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(cmd.Context(), args[0])
		},
	}

	rootCmd.AddCommand(exportCmd, importCmd)
	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "Facade HTTP listen address")
	cmd.PersistentFlags().String("api-base-url", "", "Remote API base URL (empty for local-only mode)")
	cmd.PersistentFlags().String("push-url", "", "Push channel websocket URL")
	cmd.PersistentFlags().String("token", "", "Remote API auth token")
	cmd.PersistentFlags().String("user-id", "", "Acting user id")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Duration("sync-cooldown", defaults.GetDuration("sync.cooldown"), "Per-scope sync cooldown")
	cmd.PersistentFlags().Int("profile-quota", defaults.GetInt("import.profile_quota"), "Profile cap per bundle import")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "api.base_url", "api-base-url")
	bindFlag(cmd, "api.push_url", "push-url")
	bindFlag(cmd, "api.token", "token")
	bindFlag(cmd, "user.id", "user-id")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "sync.cooldown", "sync-cooldown")
	bindFlag(cmd, "import.profile_quota", "profile-quota")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

// engine bundles the wired components plus the teardown hook.
type engine struct {
	cfg        config.AppConfig
	logger     *zap.Logger
	store      *store.Store
	feed       *database.FeedIndex
	remote     *remote.Client
	dispatcher *store.ChangeDispatcher
	pipeline   *pipeline.Pipeline
	close      func()
}

func buildEngine() (*engine, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return nil, err
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	storage, err := database.NewSnapshotStorage(db, time.Now)
	if err != nil {
		sqlDB.Close()
		return nil, err
	}
	feedIndex, err := database.NewFeedIndex(db)
	if err != nil {
		sqlDB.Close()
		return nil, err
	}

	entityStore, err := store.New(store.Config{
		Persister: storage,
		Indexer:   feedIndex,
		Logger:    logger,
	})
	if err != nil {
		sqlDB.Close()
		return nil, err
	}

	var remoteClient *remote.Client
	if appConfig.Networked() {
		remoteClient, err = remote.NewClient(remote.ClientConfig{
			BaseURL: appConfig.APIBaseURL,
			Token:   appConfig.AuthToken,
			Logger:  logger,
		})
		if err != nil {
			sqlDB.Close()
			return nil, err
		}
	}

	dispatcher := store.NewChangeDispatcher()

	enginePipeline, err := pipeline.New(pipeline.Config{
		Store:      entityStore,
		Remote:     remoteClient,
		Dispatcher: dispatcher,
		IDProvider: pipeline.NewUUIDProvider(),
		Logger:     logger,
		UserID:     appConfig.UserID,
	})
	if err != nil {
		sqlDB.Close()
		return nil, err
	}

	return &engine{
		cfg:        appConfig,
		logger:     logger,
		store:      entityStore,
		feed:       feedIndex,
		remote:     remoteClient,
		dispatcher: dispatcher,
		pipeline:   enginePipeline,
		close: func() {
			logger.Sync() //nolint:errcheck
			sqlDB.Close()
		},
	}, nil
}

func (e *engine) newImporter() (*bundle.Importer, error) {
	return bundle.NewImporter(bundle.ImporterConfig{
		Store:        e.store,
		Remote:       e.remote,
		Dispatcher:   e.dispatcher,
		IDProvider:   pipeline.NewUUIDProvider(),
		Logger:       e.logger,
		UserID:       e.cfg.UserID,
		ProfileQuota: e.cfg.ProfileQuota,
	})
}

func runEngine(ctx context.Context) error {
	eng, err := buildEngine()
	if err != nil {
		return err
	}
	defer eng.close()

	session := syncer.NewSession()
	var scheduler *syncer.Scheduler
	if eng.remote != nil {
		scheduler, err = syncer.New(syncer.Config{
			Store:      eng.store,
			Remote:     eng.remote,
			Dispatcher: eng.dispatcher,
			Notifier:   notify.NewLogNotifier(eng.logger),
			Session:    session,
			Logger:     eng.logger,
			Cooldown:   eng.cfg.SyncCooldown,
			PushURL:    eng.cfg.PushURL,
			UserID:     eng.cfg.UserID,
		})
		if err != nil {
			return err
		}
		defer scheduler.Shutdown()
	}

	importer, err := eng.newImporter()
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Store:      eng.store,
		Pipeline:   eng.pipeline,
		Feed:       eng.feed,
		Importer:   importer,
		Dispatcher: eng.dispatcher,
		Session:    session,
		Logger:     eng.logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    eng.cfg.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if scheduler != nil {
		go func() {
			if err := scheduler.SyncScenarios(signalCtx); err != nil {
				eng.logger.Warn("initial scenario sync failed", zap.Error(err))
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		eng.logger.Info("engine facade starting", zap.String("address", eng.cfg.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runExport(scenarioID, outputPath string) error {
	eng, err := buildEngine()
	if err != nil {
		return err
	}
	defer eng.close()

	doc, err := bundle.Export(eng.store.Read(), scenarioID, bundle.FullScope(), time.Now())
	if err != nil {
		return err
	}
	data, err := doc.Marshal()
	if err != nil {
		return err
	}
	if err := os.WriteFile(outputPath, data, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "exported scenario %s to %s\n", scenarioID, outputPath)
	return nil
}

func runImport(ctx context.Context, inputPath string) error {
	eng, err := buildEngine()
	if err != nil {
		return err
	}
	defer eng.close()

	data, err := os.ReadFile(inputPath)
	if err != nil {
		return err
	}
	doc, err := bundle.Parse(data)
	if err != nil {
		return err
	}

	importer, err := eng.newImporter()
	if err != nil {
		return err
	}
	result, err := importer.Import(ctx, doc)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "imported scenario %s\n", result.ScenarioID)
	if result.SkippedProfiles > 0 {
		fmt.Fprintf(os.Stdout, "skipped %d profiles over quota\n", result.SkippedProfiles)
	}
	for from, to := range result.RenamedHandles {
		fmt.Fprintf(os.Stdout, "renamed handle %s to %s\n", from, to)
	}
	return nil
}
