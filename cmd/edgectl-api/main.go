package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/edgectl/edgectl/internal/brokerauth"
	"github.com/edgectl/edgectl/internal/config"
	"github.com/edgectl/edgectl/internal/ecerrors"
	"github.com/edgectl/edgectl/internal/events"
	"github.com/edgectl/edgectl/internal/identity"
	"github.com/edgectl/edgectl/internal/instrumentation"
	"github.com/edgectl/edgectl/internal/jobs"
	"github.com/edgectl/edgectl/internal/license"
	"github.com/edgectl/edgectl/internal/mqttclient"
	"github.com/edgectl/edgectl/internal/provisioning"
	"github.com/edgectl/edgectl/internal/state"
	"github.com/edgectl/edgectl/internal/store"
	"github.com/edgectl/edgectl/internal/store/model"
	"github.com/edgectl/edgectl/internal/transport"
	"github.com/edgectl/edgectl/pkg/log"
	"github.com/edgectl/edgectl/pkg/thread"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	licenseRefreshInterval = 1 * time.Hour
	jobSweepInterval       = 1 * time.Minute
	schedulerTickInterval  = 30 * time.Second
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:          "edgectl-api",
		Short:        "edgectl-api serves the device control plane",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrGenerate(cfgFile)
			if err != nil {
				return fmt.Errorf("loading configuration: %w", err)
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&cfgFile, "config", config.ConfigFile(), "path to the configuration file")
	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := log.InitLogs(cfg.Service.LogLevel)
	logger.Infof("starting edgectl-api with config: %s", cfg)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.InitDB(cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	st := store.NewStore(db, logger.WithField("pkg", "store"))
	defer st.Close()
	if err := st.InitialMigration(); err != nil {
		return fmt.Errorf("running initial migration: %w", err)
	}

	metrics := instrumentation.NewMetrics(prometheus.DefaultRegisterer)
	bus := events.NewBus(logger.WithField("pkg", "events"))
	bus.SetDropHook(metrics.EventDropped)

	if err := seedSystemConfig(ctx, st, cfg); err != nil {
		return fmt.Errorf("seeding system configuration: %w", err)
	}

	lic, err := initLicense(ctx, st, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing license authority: %w", err)
	}

	tlsCa, err := readOptionalFile(cfg.Service.TlsCaFile)
	if err != nil {
		return fmt.Errorf("reading TLS CA bundle: %w", err)
	}

	ident := identity.NewService(logger.WithField("pkg", "identity"))
	stateEngine := state.NewEngine(st, bus, logger.WithField("pkg", "state"))

	coordinator := provisioning.NewCoordinator(st, ident, lic, stateEngine, bus, provisioning.Config{
		APIEndpoint: cfg.Service.BaseUrl,
		BrokerUrl:   cfg.Mqtt.BrokerUrl,
		TlsCa:       tlsCa,
		TlsVerify:   cfg.Service.TlsVerify,
	}, logger.WithField("pkg", "provisioning"))
	if err := coordinator.EnsurePlatformKeys(ctx); err != nil {
		return fmt.Errorf("preparing platform keys: %w", err)
	}

	var publisher jobs.Publisher
	var mqtt *mqttclient.Client
	brokerUrl := cfg.Mqtt.InternalUrl
	if brokerUrl == "" {
		brokerUrl = cfg.Mqtt.BrokerUrl
	}
	if brokerUrl != "" {
		mqtt, err = mqttclient.New(ctx, mqttclient.Config{
			BrokerUrl: brokerUrl,
			Username:  cfg.Mqtt.Username,
			Password:  cfg.Mqtt.Password,
			ClientID:  "edgectl-api",
		}, logger.WithField("pkg", "mqtt"))
		if err != nil {
			return fmt.Errorf("connecting to broker: %w", err)
		}
		publisher = mqtt
	} else {
		logger.Warn("no broker configured; job dispatch notifications are disabled")
	}

	jobEngine := jobs.NewEngine(st, bus, publisher, lic, logger.WithField("pkg", "jobs"),
		cfg.Jobs.RetentionDays, cfg.Jobs.DispatchTimeout)
	jobEngine.SetMetrics(metrics)
	defer jobEngine.Close()

	scheduler := jobs.NewScheduler(st, jobEngine, lic, logger.WithField("pkg", "scheduler"))

	brokerAuth := brokerauth.NewService(st, bus, logger.WithField("pkg", "brokerauth"), cfg.BrokerAuth.CacheTTL)
	defer brokerAuth.Close()

	if mqtt != nil {
		err = mqtt.Subscribe(ctx, "agent/+/jobs/+/status", func(topic string, payload []byte) {
			msgCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			jobEngine.HandleStatusMessage(msgCtx, topic, payload)
		})
		if err != nil {
			logger.Warnf("subscribing to job status topics: %v", err)
		}
	}

	server := transport.NewServer(cfg, logger.WithField("pkg", "transport"), st,
		coordinator, stateEngine, jobEngine, scheduler, brokerAuth, ident, metrics)

	// background threads stop when ctx is canceled
	thread.New(ctx, logger, "license refresh", licenseRefreshInterval, lic.Refresh).Start()
	thread.New(ctx, logger, "job sweep", jobSweepInterval, jobEngine.Sweep).Start()
	if cfg.Jobs.SchedulerEnabled {
		thread.New(ctx, logger, "job scheduler", schedulerTickInterval, scheduler.Tick).Start()
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return server.Run(groupCtx)
	})

	err = group.Wait()
	if mqtt != nil {
		disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mqtt.Close(disconnectCtx)
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func initLicense(ctx context.Context, st store.Store, cfg *config.Config, logger *logrus.Logger) (*license.Authority, error) {
	var envelope string
	var publicKey []byte
	if cfg.License != nil {
		envelope = cfg.License.Envelope
		if cfg.License.PublicKeyFile != "" {
			contents, err := os.ReadFile(cfg.License.PublicKeyFile)
			if err != nil {
				return nil, fmt.Errorf("reading license public key: %w", err)
			}
			publicKey = contents
		}
	}
	lic := license.NewAuthority(st, logger.WithField("pkg", "license"), envelope, publicKey)
	if err := lic.Init(ctx); err != nil {
		return nil, err
	}
	return lic, nil
}

func readOptionalFile(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(contents), nil
}

// seedSystemConfig installs configured defaults into the system config
// table; only keys present in the file are written, so operator edits made
// through other channels survive restarts.
func seedSystemConfig(ctx context.Context, st store.Store, cfg *config.Config) error {
	if cfg.State != nil && len(cfg.State.DefaultTemplate) > 0 {
		if !json.Valid(cfg.State.DefaultTemplate) {
			return fmt.Errorf("%w: state.defaultTemplate is not valid JSON", ecerrors.ErrBadRequest)
		}
		if err := st.SystemConfig().Set(ctx, model.ConfigKeyDefaultTemplate, json.RawMessage(cfg.State.DefaultTemplate)); err != nil {
			return err
		}
	}
	if cfg.Mqtt != nil && cfg.Mqtt.BrokerUrl != "" {
		descriptor, _ := json.Marshal(map[string]string{"broker_url": cfg.Mqtt.BrokerUrl})
		if err := st.SystemConfig().Set(ctx, model.ConfigKeyMqttBroker, descriptor); err != nil {
			return err
		}
	}
	return nil
}
