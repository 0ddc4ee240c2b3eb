package main

import (
	"bufio"
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/route-beacon/rib-rebuilder/internal/archive"
	"github.com/route-beacon/rib-rebuilder/internal/bgp"
	"github.com/route-beacon/rib-rebuilder/internal/broker"
	"github.com/route-beacon/rib-rebuilder/internal/config"
	"github.com/route-beacon/rib-rebuilder/internal/filter"
	ribhttp "github.com/route-beacon/rib-rebuilder/internal/http"
	"github.com/route-beacon/rib-rebuilder/internal/kafka"
	"github.com/route-beacon/rib-rebuilder/internal/metrics"
	"github.com/route-beacon/rib-rebuilder/internal/peersig"
	"github.com/route-beacon/rib-rebuilder/internal/publisher"
	"github.com/route-beacon/rib-rebuilder/internal/rt"
	"github.com/route-beacon/rib-rebuilder/internal/timeseries"
	"github.com/route-beacon/rib-rebuilder/internal/view"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe()
	case "replay":
		runReplay()
	case "migrate":
		runMigrate()
	case "maintenance":
		runMaintenance()
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: rib-rebuilder <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve         Consume records from Kafka and rebuild routing tables")
	fmt.Println("  replay        Rebuild from a file of JSON records (one per line)")
	fmt.Println("  migrate       Apply the archive database schema")
	fmt.Println("  maintenance   Run archive partition maintenance (create new, drop old)")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config <path>   Path to configuration YAML file")
	fmt.Println("  --log-level <lvl> Override log level (debug, info, warn, error)")
	fmt.Println("  --input <path>    Record file for replay")
}

func parseFlags(args []string) (configPath, logLevel, input string) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--log-level":
			if i+1 < len(args) {
				logLevel = args[i+1]
				i++
			}
		case "--input":
			if i+1 < len(args) {
				input = args[i+1]
				i++
			}
		}
	}
	return
}

func loadConfig(args []string) (*config.Config, *zap.Logger, string) {
	configPath, logLevelOverride, input := parseFlags(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if logLevelOverride != "" {
		cfg.Service.LogLevel = logLevelOverride
	}

	logger := initLogger(cfg.Service.LogLevel)
	return cfg, logger, input
}

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zap.DebugLevel
	case "warn":
		zapLevel = zap.WarnLevel
	case "error":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

// buildEngine assembles the engine with its metric sink and record
// filter from config.
func buildEngine(cfg *config.Config, sigs *peersig.Map, logger *zap.Logger) (*rt.RoutingTables, *filter.Filter, error) {
	var sink timeseries.Sink
	if cfg.Engine.CarbonAddr != "" {
		sink = &timeseries.CarbonSink{Addr: cfg.Engine.CarbonAddr}
	} else {
		sink = &timeseries.LogSink{Logger: logger.Named("timeseries")}
	}

	engine := rt.New(rt.Options{
		Logger:         logger.Named("rt"),
		Peersigs:       sigs,
		MetricPrefix:   cfg.Engine.MetricPrefix,
		MetricSink:     sink,
		IPv4FullFeedTh: cfg.Engine.IPv4FullFeedTh,
		IPv6FullFeedTh: cfg.Engine.IPv6FullFeedTh,
	})

	var f *filter.Filter
	if expr := cfg.Kafka.Records.Filter; expr != "" {
		var err error
		if f, err = filter.Parse(expr); err != nil {
			return nil, nil, err
		}
	}
	return engine, f, nil
}

// multiPublisher fans a view out to several publishers; every publisher
// sees the view even when an earlier one fails.
type multiPublisher []rt.Publisher

func (m multiPublisher) PublishView(v *view.View, admit func(*view.Peer) bool) error {
	var firstErr error
	for _, p := range m {
		if err := p.PublishView(v, admit); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func runServe() {
	cfg, logger, _ := loadConfig(os.Args[2:])
	defer logger.Sync()

	metrics.Register()

	logger.Info("starting rib-rebuilder",
		zap.String("instance_id", cfg.Service.InstanceID),
		zap.String("http_listen", cfg.Service.HTTPListen),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := peersig.NewMap()
	engine, recordFilter, err := buildEngine(cfg, sigs, logger)
	if err != nil {
		logger.Fatal("failed to build engine", zap.Error(err))
	}

	tlsCfg, err := cfg.Kafka.BuildTLSConfig()
	if err != nil {
		logger.Fatal("failed to build TLS config", zap.Error(err))
	}
	saslMech := cfg.Kafka.BuildSASLMechanism()

	// --- Publishers ---
	var pubs multiPublisher
	var dbChecker ribhttp.DBChecker

	if cfg.Publish.Enabled {
		pub, err := publisher.New(cfg.Kafka.Brokers, cfg.Publish.Topic,
			cfg.Kafka.ClientID+"-publisher", cfg.Publish.Compress, sigs,
			tlsCfg, saslMech, logger.Named("publisher"))
		if err != nil {
			logger.Fatal("failed to create publisher", zap.Error(err))
		}
		defer pub.Close()
		pubs = append(pubs, pub)
	}

	if cfg.Archive.Enabled {
		pool, err := archive.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
		if err != nil {
			logger.Fatal("failed to connect to database", zap.Error(err))
		}
		defer pool.Close()
		dbChecker = pool

		pm := archive.NewPartitionManager(pool, cfg.Archive.RetentionDays, cfg.Archive.Timezone, logger.Named("archive"))
		if err := pm.CreatePartitions(ctx); err != nil {
			logger.Fatal("failed to create partitions on startup", zap.Error(err))
		}
		pubs = append(pubs, archive.NewWriter(pool, sigs, engine, logger.Named("archive.writer")))
	}

	if len(pubs) > 0 {
		engine.SetPublisher(pubs)
	}

	// --- Record pipeline ---
	pipeline := kafka.NewPipeline(engine, recordFilter, cfg.Engine.IntervalSeconds, logger.Named("pipeline"))

	records := make(chan []*kgo.Record, cfg.Kafka.Records.ChannelBufferSize)
	processed := make(chan []*kgo.Record, cfg.Kafka.Records.ChannelBufferSize)

	consumer, err := kafka.NewRecordConsumer(
		cfg.Kafka.Brokers, cfg.Kafka.Records.GroupID, cfg.Kafka.Records.Topics,
		cfg.Kafka.ClientID+"-records", cfg.Kafka.FetchMaxBytes, tlsCfg, saslMech,
		logger.Named("kafka.records"),
	)
	if err != nil {
		logger.Fatal("failed to create record consumer", zap.Error(err))
	}
	defer consumer.Close()

	var wg sync.WaitGroup
	var commitWg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); consumer.Run(ctx, records, processed, &commitWg) }()
	go func() {
		defer wg.Done()
		pipeline.Run(ctx, records, processed)
		close(processed)
	}()

	logger.Info("record pipeline started",
		zap.Strings("topics", cfg.Kafka.Records.Topics),
		zap.String("group_id", cfg.Kafka.Records.GroupID),
	)

	// --- Broker catalog watcher ---
	if cfg.Broker.URL != "" {
		bc, err := broker.New(broker.Options{
			URL:        cfg.Broker.URL,
			Collectors: cfg.Broker.Collectors,
			MaxRetries: cfg.Broker.MaxRetries,
			Backoff:    time.Duration(cfg.Broker.BackoffSeconds) * time.Second,
			Logger:     logger.Named("broker"),
		})
		if err != nil {
			logger.Fatal("failed to create broker client", zap.Error(err))
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			watchBroker(ctx, bc, time.Duration(cfg.Broker.PollSeconds)*time.Second, logger.Named("broker"))
		}()
	}

	// --- HTTP server ---
	httpServer := ribhttp.NewServer(cfg.Service.HTTPListen, dbChecker, consumer, pipeline, logger.Named("http"))
	if err := httpServer.Start(); err != nil {
		logger.Fatal("failed to start HTTP server", zap.Error(err))
	}

	logger.Info("all components started")

	// Wait for shutdown signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	// Graceful shutdown.
	shutdownTimeout := time.Duration(cfg.Service.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		commitWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("all components stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout reached, some goroutines may not have finished")
	}

	logger.Info("rib-rebuilder stopped")
}

// watchBroker polls the dump broker so operators can see catalog lag:
// dump files the broker advertises but the record topics have not
// delivered yet show up here first.
func watchBroker(ctx context.Context, bc *broker.Client, every time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		files, err := bc.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.BrokerPollsTotal.WithLabelValues("error").Inc()
			logger.Error("broker poll failed", zap.Error(err))
		} else {
			metrics.BrokerPollsTotal.WithLabelValues("ok").Inc()
			for _, f := range files {
				logger.Info("dump available",
					zap.String("collector", f.Collector),
					zap.String("type", f.Type),
					zap.Uint32("initial_time", f.InitialTime),
					zap.Uint32("duration", f.Duration),
				)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// runReplay rebuilds tables from a file of JSON records, one per line,
// driving intervals off the record clock. Useful for offline analysis
// and regression hunting.
func runReplay() {
	cfg, logger, input := loadConfig(os.Args[2:])
	defer logger.Sync()

	if input == "" {
		fmt.Fprintln(os.Stderr, "replay requires --input <path>")
		os.Exit(1)
	}

	f, err := os.Open(input)
	if err != nil {
		logger.Fatal("failed to open input", zap.Error(err))
	}
	defer f.Close()

	sigs := peersig.NewMap()
	engine, recordFilter, err := buildEngine(cfg, sigs, logger)
	if err != nil {
		logger.Fatal("failed to build engine", zap.Error(err))
	}

	interval := uint32(cfg.Engine.IntervalSeconds)
	var current uint32
	lines, processed := 0, 0

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	for scanner.Scan() {
		lines++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		r, err := bgp.DecodeRecord([]byte(line))
		if err != nil {
			logger.Warn("skipping undecodable record", zap.Int("line", lines), zap.Error(err))
			continue
		}
		if recordFilter != nil {
			if r = recordFilter.Apply(r); r == nil {
				continue
			}
		}

		aligned := r.RecordTime - r.RecordTime%interval
		if current == 0 {
			current = aligned
			engine.IntervalStart(aligned)
		} else if aligned > current {
			engine.IntervalEnd(current + interval)
			current = aligned
			engine.IntervalStart(aligned)
		}

		if err := engine.ProcessRecord(r); err != nil {
			logger.Error("record processing failed", zap.Int("line", lines), zap.Error(err))
			continue
		}
		processed++
	}
	if err := scanner.Err(); err != nil {
		logger.Fatal("reading input failed", zap.Error(err))
	}
	if current != 0 {
		engine.IntervalEnd(current + interval)
	}

	for _, st := range engine.CollectorStatuses() {
		logger.Info("collector",
			zap.String("name", st.Name),
			zap.String("state", st.State),
			zap.Int("active_peers", st.ActivePeers),
		)
	}
	logger.Info("replay complete",
		zap.Int("lines", lines),
		zap.Int("records", processed),
		zap.Int("peers", sigs.Len()),
	)
}

func runMigrate() {
	cfg, logger, _ := loadConfig(os.Args[2:])
	defer logger.Sync()

	logger.Info("running migrations",
		zap.String("dsn", redactDSN(cfg.Postgres.DSN)),
	)

	ctx := context.Background()
	pool, err := archive.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := archive.Migrate(ctx, pool, logger); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	logger.Info("migrations complete")
}

func runMaintenance() {
	cfg, logger, _ := loadConfig(os.Args[2:])
	defer logger.Sync()

	logger.Info("running partition maintenance",
		zap.Int("retention_days", cfg.Archive.RetentionDays),
		zap.String("timezone", cfg.Archive.Timezone),
	)

	ctx := context.Background()
	pool, err := archive.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	pm := archive.NewPartitionManager(pool, cfg.Archive.RetentionDays, cfg.Archive.Timezone, logger)
	if err := pm.Run(ctx); err != nil {
		logger.Fatal("maintenance failed", zap.Error(err))
	}

	logger.Info("partition maintenance complete")
}

func redactDSN(dsn string) string {
	if !strings.Contains(dsn, "://") {
		// keyword=value format — redact password=... portion
		re := regexp.MustCompile(`password\s*=\s*\S+`)
		return re.ReplaceAllString(dsn, "password=***")
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
