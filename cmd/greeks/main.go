package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/quantdesk/portfolio-greeks/api"
	"github.com/quantdesk/portfolio-greeks/internal/config"
	"github.com/quantdesk/portfolio-greeks/pkg/export"
	"github.com/quantdesk/portfolio-greeks/pkg/greeks"
	"github.com/quantdesk/portfolio-greeks/pkg/ibkr"
	"github.com/quantdesk/portfolio-greeks/pkg/models"
	"github.com/quantdesk/portfolio-greeks/pkg/portfolio"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
)

var (
	cfgFile       string
	accountFlag   string
	waitFlag      int
	retryWaitFlag int
	exportFlag    string
	logger        *logrus.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "greeks",
		Short: "Portfolio Greeks reconciliation toolkit",
		Long:  `Fetches live option Greeks for brokerage account positions and reconciles them with a persisted cache so portfolio risk stays computable when the market is closed`,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&accountFlag, "account", "", "account ID (default: first available)")

	fetchCmd := &cobra.Command{
		Use:   "fetch",
		Short: "Run one reconciliation pass and export the result",
		RunE:  runFetch,
	}
	fetchCmd.Flags().IntVar(&waitFlag, "wait", 0, "primary wait budget in seconds (default from config: 15)")
	fetchCmd.Flags().IntVar(&retryWaitFlag, "retry-wait", 0, "retry wait budget in seconds (default from config: 20)")
	fetchCmd.Flags().StringVar(&exportFlag, "export", "", "export format: csv, json or none")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run periodic reconciliation passes and serve results over HTTP",
		RunE:  runServe,
	}

	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect the Greeks cache",
	}
	cacheCmd.AddCommand(&cobra.Command{
		Use:   "info",
		Short: "Show cache file age and entry count",
		RunE:  runCacheInfo,
	})

	rootCmd.AddCommand(fetchCmd, serveCmd, cacheCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func setup() (*config.Config, error) {
	// Optional .env next to the binary, same as the rest of the tooling.
	_ = godotenv.Load()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger = logrus.New()
	if cfg.Logging.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		logger.WithError(err).Error("Invalid log level, using INFO")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if waitFlag > 0 {
		cfg.Fetch.WaitSeconds = waitFlag
	}
	if retryWaitFlag > 0 {
		cfg.Fetch.RetryWaitSeconds = retryWaitFlag
	}
	if accountFlag != "" {
		cfg.IBKR.Account = accountFlag
	}
	return cfg, nil
}

// pass runs one end-to-end reconciliation: positions, live fetch with
// cache fallback, persistence, leverage.
func pass(ctx context.Context, cfg *config.Config, client ibkr.Client, feed *ibkr.GreeksFeed, reconciler *greeks.Reconciler) ([]models.Position, models.PositionSummary, *greeks.Result, error) {
	account := cfg.IBKR.Account
	if account == "" {
		accounts, err := client.Accounts(ctx)
		if err != nil {
			return nil, models.PositionSummary{}, nil, fmt.Errorf("listing accounts: %w", err)
		}
		if len(accounts) == 0 {
			return nil, models.PositionSummary{}, nil, fmt.Errorf("no available account")
		}
		account = accounts[0]
	}
	logger.WithField("account", account).Info("Using account")

	positions, err := client.Positions(ctx, account)
	if err != nil {
		return nil, models.PositionSummary{}, nil, fmt.Errorf("fetching positions: %w", err)
	}

	for _, pos := range positions {
		if id, ok := pos.OptionIdentity(); ok {
			feed.Register(id, pos.ContractID)
		}
	}

	result, err := reconciler.Run(ctx, positions)
	if err != nil {
		return nil, models.PositionSummary{}, nil, err
	}

	summary := portfolio.Summarize(positions)
	logger.WithFields(logrus.Fields{
		"positions":    summary.TotalPositions,
		"market_value": summary.TotalMarketValue.StringFixed(2),
		"total_pnl":    summary.TotalPNL.StringFixed(2),
	}).Info("Position summary")

	calc := portfolio.NewCalculator(logger)
	leverages := calc.Leverages(positions, result)
	if overall := portfolio.Overall(leverages); overall > 0 {
		logger.WithField("leverage", fmt.Sprintf("%.2fx", overall)).Info("Overall option leverage")
	}

	return positions, summary, result, nil
}

func buildPipeline(ctx context.Context, cfg *config.Config) (ibkr.Client, *ibkr.GreeksFeed, *greeks.Reconciler) {
	client := ibkr.NewGatewayClient(cfg.IBKR.Host, cfg.IBKR.Port, logger)

	feed := ibkr.NewGreeksFeed(cfg.IBKR.Host, cfg.IBKR.Port, logger)
	if err := feed.Connect(ctx); err != nil {
		// A dead feed is degraded mode, not a stop: every subscription
		// will fail fast and the reconciler falls back to the cache.
		logger.WithError(err).Warn("Greeks feed unavailable, continuing with cache fallback only")
	}

	store := greeks.NewFileStore(cfg.Cache.Path, time.Duration(cfg.Cache.MaxAgeHours)*time.Hour, logger)
	fetcher := greeks.NewFetcher(feed, greeks.FetcherConfig{
		PrimaryWait:    time.Duration(cfg.Fetch.WaitSeconds) * time.Second,
		RetryWait:      time.Duration(cfg.Fetch.RetryWaitSeconds) * time.Second,
		SubscribeRate:  rate.Limit(cfg.Fetch.SubscribeRate),
		SubscribeBurst: cfg.Fetch.SubscribeBurst,
	}, logger)

	return client, feed, greeks.NewReconciler(fetcher, store, logger)
}

func runFetch(cmd *cobra.Command, args []string) error {
	cfg, err := setup()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, feed, reconciler := buildPipeline(ctx, cfg)
	defer feed.Close()

	positions, _, result, err := pass(ctx, cfg, client, feed, reconciler)
	if err != nil {
		return err
	}

	format := cfg.Export.Format
	if exportFlag != "" {
		format = exportFlag
	}
	exporter := export.NewExporter(cfg.Export.Dir, logger)
	switch format {
	case "csv":
		_, err = exporter.WriteCSV(positions, result)
	case "json":
		_, err = exporter.WriteJSON(positions, result)
	case "", "none":
	default:
		logger.WithField("format", format).Warn("Unknown export format, skipping export")
	}
	if err != nil {
		return fmt.Errorf("exporting results: %w", err)
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := setup()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, feed, reconciler := buildPipeline(ctx, cfg)
	defer feed.Close()

	server := api.NewServer(logger, fmt.Sprintf("%d", cfg.Server.Port))
	go func() {
		if err := server.Start(); err != nil {
			logger.WithError(err).Fatal("Failed to start API server")
		}
	}()

	refresh := func() {
		positions, summary, result, err := pass(ctx, cfg, client, feed, reconciler)
		if err != nil {
			logger.WithError(err).Error("Reconciliation pass failed")
			return
		}
		server.Publish(positions, summary, result)
	}
	refresh()

	ticker := time.NewTicker(time.Duration(cfg.Server.RefreshSeconds) * time.Second)
	defer ticker.Stop()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Greeks reconciler is running. Press Ctrl+C to stop.")
	for {
		select {
		case <-ticker.C:
			refresh()
		case <-sigChan:
			logger.Info("Received shutdown signal")
			return nil
		}
	}
}

func runCacheInfo(cmd *cobra.Command, args []string) error {
	cfg, err := setup()
	if err != nil {
		return err
	}

	store := greeks.NewFileStore(cfg.Cache.Path, time.Duration(cfg.Cache.MaxAgeHours)*time.Hour, logger)
	info := store.Info()
	if info.Entries == 0 {
		logger.WithField("path", info.Path).Info("Greeks cache is empty")
		return nil
	}

	logger.WithFields(logrus.Fields{
		"path":      info.Path,
		"entries":   info.Entries,
		"fresh":     len(store.LoadAll()),
		"updated":   info.UpdatedAt.Format(time.RFC3339),
		"age_hours": fmt.Sprintf("%.1f", info.Age.Hours()),
	}).Info("Greeks cache info")
	return nil
}
