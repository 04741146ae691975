package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"inkwell/api/internal/app"
	"inkwell/api/internal/backend"
	"inkwell/api/internal/config"
	"inkwell/api/internal/export"
	"inkwell/api/internal/logging"
	"inkwell/api/internal/revisions"
	"inkwell/api/internal/search"
	"inkwell/api/internal/session"
	"inkwell/api/internal/store"
	"inkwell/api/internal/workspace"
)

var version = "dev"

const (
	defaultAuthor = "Inkwell"
	exportLinkTTL = 24 * time.Hour
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.NewViper()
	var configFile string

	root := &cobra.Command{
		Use:           "inkwell-api",
		Short:         "Inkwell writing assistant API",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if configFile == "" {
				return nil
			}
			v.SetConfigFile(configFile)
			if err := v.ReadInConfig(); err != nil {
				return fmt.Errorf("read config %s: %w", configFile, err)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "config file (yaml, json or env)")
	root.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	_ = v.BindPFlag("INKWELL_LOG_LEVEL", root.PersistentFlags().Lookup("log-level"))

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), config.FromViper(v))
		},
	}
	serveCmd.Flags().String("addr", "", "listen address")
	_ = v.BindPFlag("API_ADDR", serveCmd.Flags().Lookup("addr"))

	reindexCmd := &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the search index from the database",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return reindex(cmd.Context(), config.FromViper(v))
		},
	}

	printConfig := &cobra.Command{
		Use:   "print-config",
		Short: "Print the resolved configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return printResolved(cmd, v)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}

	root.AddCommand(serveCmd, reindexCmd, printConfig, versionCmd)
	return root
}

func printResolved(cmd *cobra.Command, v *viper.Viper) error {
	keys := config.Keys()
	sort.Strings(keys)
	out := cmd.OutOrStdout()
	for _, key := range keys {
		value := v.GetString(key)
		if value != "" && (strings.Contains(key, "KEY") || strings.Contains(key, "TOKEN") || key == "DATABASE_URL") {
			value = "********"
		}
		if _, err := fmt.Fprintf(out, "%s=%s\n", key, value); err != nil {
			return err
		}
	}
	return nil
}

func reindex(ctx context.Context, cfg config.Config) error {
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	if strings.TrimSpace(cfg.MeiliURL) == "" {
		return errors.New("MEILI_URL is not set")
	}
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
	defer meiliClient.Close()
	search.NewService(meiliClient, search.NewPgFTS(db), logger).ReindexAll(ctx)
	logger.Info("reindex: done")
	return nil
}

func serve(ctx context.Context, cfg config.Config) error {
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		return err
	}
	if len(applied) > 0 {
		logger.WithField("versions", applied).Info("migrations applied")
	}
	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		return fmt.Errorf("create repos dir: %w", err)
	}

	dataStore := store.NewPostgresStore(db)
	revisionService := revisions.New(cfg.ReposDir)

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, search.NewPgFTS(db), logger)
	if meiliClient != nil {
		go searchService.ReindexAll(ctx)
	}

	checks := map[string]app.Check{}
	deps := workspace.RegistryDeps{
		Deps: workspace.Deps{
			Client: backend.NewHTTPClient(backend.Options{
				BaseURL: cfg.BackendURL,
				Token:   cfg.BackendToken,
				Timeout: cfg.BackendTimeout,
			}),
			Documents: dataStore,
			Revisions: revisionService,
			Index:     searchService,
			Logger:    logger,
		},
		Loader: dataStore,
		Repos:  revisionService,
	}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		transcripts, err := session.NewRedisStore(cfg.RedisURL, cfg.TranscriptTTL)
		if err != nil {
			return err
		}
		defer transcripts.Close()
		deps.Transcripts = transcripts
		deps.History = transcripts
		checks["redis"] = transcripts.Ping
		logger.Info("transcripts: persisted in redis")
	} else {
		logger.Warn("transcripts: REDIS_URL not set, conversations are not persisted")
	}

	var archive export.Archiver
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		a, err := export.NewArchive(ctx, export.ArchiveConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			Secure:    cfg.MinioSecure,
			LinkTTL:   exportLinkTTL,
		})
		if err != nil {
			logger.WithError(err).Warn("export: archive unavailable")
		} else {
			archive = a
		}
	}
	exporter := export.NewService(export.ChromeRenderer{Timeout: 30 * time.Second}, archive)

	registry := workspace.NewRegistry(workspace.Config{
		Mode:              backend.ModeChat,
		Author:            defaultAuthor,
		LLMProvider:       cfg.LLMProvider,
		HistoryLimit:      cfg.HistoryLimit,
		MaxPayloadChars:   cfg.MaxPayloadChars,
		BackendTimeout:    cfg.BackendTimeout,
		RevealInterval:    cfg.RevealInterval,
		RevealChunk:       cfg.RevealChunk,
		SelectionDebounce: cfg.SelectionDebounce,
	}, deps)

	service := app.New(app.Options{
		Store:      dataStore,
		Search:     searchService,
		Revisions:  revisionService,
		Exporter:   exporter,
		Workspaces: registry,
		Checks:     checks,
		Author:     defaultAuthor,
		Logger:     logger,
	})
	if err := service.Bootstrap(ctx); err != nil {
		logger.WithError(err).Warn("bootstrap failed, will retry on next start")
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.NewHTTPServer(service, cfg.CORSOrigin, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{"addr": cfg.Addr, "version": version}).Info("Inkwell API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown error")
	}
	if err := registry.CloseAll(shutdownCtx); err != nil {
		logger.WithError(err).Error("closing workspaces")
	}
	logger.Info("Inkwell API stopped")
	return nil
}
