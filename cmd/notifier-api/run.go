package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	apiserver "github.com/sitescan/notifier/internal/api_server"
	"github.com/sitescan/notifier/internal/archive"
	"github.com/sitescan/notifier/internal/config"
	"github.com/sitescan/notifier/internal/events"
	"github.com/sitescan/notifier/internal/handlers/socket"
	"github.com/sitescan/notifier/internal/registry"
	"github.com/sitescan/notifier/internal/scraper"
	"github.com/sitescan/notifier/internal/service"
	"github.com/sitescan/notifier/internal/store"
	"github.com/sitescan/notifier/pkg/metrics"
	"github.com/sitescan/notifier/pkg/tracing"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the notifier api",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.New()
		if err != nil {
			zap.S().Fatalw("reading configuration", "error", err)
		}

		defer setupLogger(cfg)()

		zap.S().Info("starting notifier service")
		defer zap.S().Info("notifier service stopped")

		if cfg.Service.TracingEnabled {
			shutdown, err := tracing.Setup(os.Stdout)
			if err != nil {
				zap.S().Fatalw("setting up tracing", "error", err)
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				_ = shutdown(ctx)
			}()
		}

		zap.S().Info("initializing data store")
		db, err := store.InitDB(cfg)
		if err != nil {
			zap.S().Fatalw("initializing data store", "error", err)
		}

		s := store.NewStore(db)
		defer s.Close()

		if err := s.InitialMigration(context.Background()); err != nil {
			zap.S().Fatalw("running initial migration", "error", err)
		}

		if err := metrics.RegisterJobStatsCollector(s); err != nil {
			zap.S().Warnw("failed to register job stats collector", "error", err)
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGQUIT)
		defer cancel()

		producer := newEventProducer(cfg)
		defer func() { _ = producer.Close() }()

		archiver := archive.NewArchiver(cfg)

		// Jobs interrupted by the previous process are settled before any
		// client can reconnect.
		if _, err := service.NewRecoveryService(s, archiver, producer).RecoverCrashedJobs(ctx); err != nil {
			zap.S().Fatalw("recovering crashed jobs", "error", err)
		}

		executor, err := scraper.NewExecutor(cfg)
		if err != nil {
			zap.S().Fatalw("creating executor", "error", err)
		}
		runner := scraper.NewRunner(executor, cfg.Service.MaxConcurrentJobs, scraper.WithExecutionTimeout(cfg.Service.ScrapeTimeout))

		hub := socket.NewHub()
		jobs := service.NewJobService(s, registry.New(), hub, runner,
			service.WithArchiver(archiver),
			service.WithEventProducer(producer),
			service.WithCatchUpLimit(cfg.Service.CatchUpLimit),
			service.WithFanOutLimit(cfg.Service.FanOutLimit),
		)
		socketHandler := socket.NewHandler(hub, jobs, socket.WithAllowedOrigins(cfg.Service.AllowedOrigins))

		go func() {
			defer cancel()
			listener, err := newListener(cfg.Service.Address)
			if err != nil {
				zap.S().Fatalw("creating listener", "error", err)
			}

			server := apiserver.New(cfg, s, listener, jobs, socketHandler)
			if err := server.Run(ctx); err != nil {
				zap.S().Fatalw("running server", "error", err)
			}
		}()

		go func() {
			defer cancel()
			listener, err := newListener(cfg.Service.MetricsAddress)
			if err != nil {
				zap.S().Fatalw("creating metrics listener", "error", err)
			}

			metricsServer := apiserver.NewMetricServer(cfg.Service.MetricsAddress, listener)
			if err := metricsServer.Run(ctx); err != nil {
				zap.S().Fatalw("running metrics server", "error", err)
			}
		}()

		<-ctx.Done()

		hub.Close()
		jobs.Wait()

		return nil
	},
}

// newEventProducer writes to kafka when brokers are configured and to stdout
// otherwise.
func newEventProducer(cfg *config.Config) *events.EventProducer {
	kafka := cfg.Service.Kafka

	opts := []events.ProducerOptions{}
	if kafka.Topic != "" {
		opts = append(opts, events.WithOutputTopic(kafka.Topic))
	}

	if len(kafka.Brokers) == 0 {
		return events.NewEventProducer(&events.StdoutWriter{}, opts...)
	}

	saramaCfg := sarama.NewConfig()
	saramaCfg.ClientID = kafka.ClientID
	saramaCfg.Producer.Return.Successes = true
	if kafka.Version != "" {
		version, err := sarama.ParseKafkaVersion(kafka.Version)
		if err != nil {
			zap.S().Fatalw("parsing kafka version", "error", err)
		}
		saramaCfg.Version = version
	}

	w, err := events.NewKafkaWriter(kafka.Brokers, saramaCfg)
	if err != nil {
		zap.S().Errorw("failed to create kafka writer, falling back to stdout", "error", err)
		return events.NewEventProducer(&events.StdoutWriter{}, opts...)
	}

	zap.S().Infow("writing events to kafka", "brokers", kafka.Brokers)
	return events.NewEventProducer(w, opts...)
}

func newListener(address string) (net.Listener, error) {
	if address == "" {
		address = "localhost:0"
	}
	return net.Listen("tcp", address)
}
