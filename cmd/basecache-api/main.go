package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basecache/basecache/internal/attachments"
	"github.com/basecache/basecache/internal/auth"
	"github.com/basecache/basecache/internal/config"
	"github.com/basecache/basecache/internal/locks"
	"github.com/basecache/basecache/internal/logging"
	"github.com/basecache/basecache/internal/mappings"
	"github.com/basecache/basecache/internal/records"
	"github.com/basecache/basecache/internal/refresh"
	"github.com/basecache/basecache/internal/server"
	"github.com/basecache/basecache/internal/store"
	"github.com/basecache/basecache/internal/upstream"
	"github.com/basecache/basecache/internal/webhooks"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "basecache-api",
		Short: "Versioned cache service for a remote tabular data platform",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("data-dir", defaults.GetString("storage.data_dir"), "Directory holding the bank and meta databases")
	cmd.PersistentFlags().String("attachments-dir", defaults.GetString("storage.attachments_dir"), "Directory holding downloaded attachment files")
	cmd.PersistentFlags().String("upstream-base-url", "", "Upstream platform API base URL")
	cmd.PersistentFlags().String("upstream-source-id", "", "Upstream source (base) identifier")
	cmd.PersistentFlags().Int("refresh-interval-s", defaults.GetInt("refresh.interval_s"), "Periodic full refresh interval in seconds")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("webhook-secret", "", "Base64 webhook MAC secret (overrides env)")
	cmd.PersistentFlags().String("admin-signing-secret", "", "Admin token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "storage.data_dir", "data-dir")
	bindFlag(cmd, "storage.attachments_dir", "attachments-dir")
	bindFlag(cmd, "upstream.base_url", "upstream-base-url")
	bindFlag(cmd, "upstream.source_id", "upstream-source-id")
	bindFlag(cmd, "refresh.interval_s", "refresh-interval-s")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "webhook.secret", "webhook-secret")
	bindFlag(cmd, "admin.signing_secret", "admin-signing-secret")
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

func newTokenCommand() *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an admin bearer token for the control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("admin.signing_secret")
			if strings.TrimSpace(secret) == "" {
				return errors.New("admin.signing_secret is required")
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: []byte(secret)})
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueToken(subject)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\nexpires_in=%d\n", token, expiresIn)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "admin", "Token subject")
	return cmd
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	if err := os.MkdirAll(appConfig.DataDir, 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(appConfig.AttachmentsDir, 0o755); err != nil {
		return err
	}

	versioned, err := store.Open(store.Config{DataDir: appConfig.DataDir, Logger: logger})
	if err != nil {
		return err
	}
	defer versioned.Close() //nolint:errcheck

	attachmentStore, err := attachments.NewStore(attachments.StoreConfig{
		Versioned: versioned,
		BaseDir:   appConfig.AttachmentsDir,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	recordRepository, err := records.NewRepository(records.RepositoryConfig{
		Versioned:   versioned,
		Attachments: attachmentStore,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	lockManager, err := locks.NewManager(locks.ManagerConfig{Versioned: versioned, Logger: logger})
	if err != nil {
		return err
	}

	mappingRegistry, err := mappings.NewGormRegistry(versioned)
	if err != nil {
		return err
	}

	upstreamClient, err := upstream.NewClient(upstream.ClientConfig{
		BaseURL:  appConfig.UpstreamBaseURL,
		Token:    appConfig.UpstreamToken,
		SourceID: appConfig.UpstreamSourceID,
	})
	if err != nil {
		return err
	}

	orchestrator, err := refresh.NewOrchestrator(refresh.OrchestratorConfig{
		Versioned:   versioned,
		Records:     recordRepository,
		Attachments: attachmentStore,
		Locks:       lockManager,
		Mappings:    mappingRegistry,
		Upstream:    upstreamClient,
		LockTTL:     appConfig.LockTTL,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	events := server.NewEventBus()
	worker := refresh.NewWorker(orchestrator, appConfig.RefreshInterval, events, logger)

	ingestion, err := webhooks.NewService(webhooks.ServiceConfig{
		Versioned:       versioned,
		Dispatcher:      worker,
		SecretBase64:    appConfig.WebhookSecret,
		FreshnessWindow: appConfig.FreshnessWindow,
		RateLimitWindow: appConfig.RateLimitWindow,
		IdempotencyTTL:  appConfig.IdempotencyTTL,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.AdminSigningSecret),
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Versioned:   versioned,
		Records:     recordRepository,
		Attachments: attachmentStore,
		Mappings:    mappingRegistry,
		Webhooks:    ingestion,
		Refresh:     worker,
		Tokens:      tokenIssuer,
		Events:      events,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go worker.Run(signalCtx)
	bootstrap(signalCtx, versioned, upstreamClient, worker, appConfig, logger)

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
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

// bootstrap queues a startup refresh when the cache is empty or the upstream
// source changed, and registers the webhook subscription for a new source.
func bootstrap(ctx context.Context, versioned *store.VersionedStore, client *upstream.Client, worker *refresh.Worker, appConfig config.AppConfig, logger *zap.Logger) {
	stats, err := versioned.Stats(ctx)
	if err != nil {
		logger.Warn("startup stats read failed", zap.Error(err))
		return
	}

	storedSource, err := versioned.UpstreamSourceID(ctx)
	if err != nil {
		logger.Warn("stored source id read failed", zap.Error(err))
		return
	}

	sourceChanged := appConfig.UpstreamSourceID != "" && storedSource != appConfig.UpstreamSourceID
	if sourceChanged {
		if appConfig.PublicURL != "" {
			notifyURL := strings.TrimSuffix(appConfig.PublicURL, "/") + "/webhooks/incoming"
			subscription, err := client.CreateWebhookSubscription(ctx, notifyURL)
			if err != nil {
				logger.Warn("webhook subscription creation failed", zap.Error(err))
			} else if err := client.EnableNotifications(ctx, subscription.ID); err != nil {
				logger.Warn("webhook notification enable failed",
					zap.String("webhook_id", subscription.ID), zap.Error(err))
			} else {
				logger.Info("webhook subscription created; configure webhook.secret with the returned MAC secret",
					zap.String("webhook_id", subscription.ID))
			}
		}
		if err := versioned.SetUpstreamSourceID(ctx, appConfig.UpstreamSourceID); err != nil {
			logger.Warn("stored source id update failed", zap.Error(err))
		}
	}

	if stats.TotalRecords == 0 || sourceChanged {
		worker.Trigger(refresh.Request{Reason: "startup"})
	}
}
