package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/evcharge/chargelink/internal/api"
	"github.com/evcharge/chargelink/internal/command"
	"github.com/evcharge/chargelink/internal/config"
	"github.com/evcharge/chargelink/internal/credentials"
	"github.com/evcharge/chargelink/internal/lifecycle"
	"github.com/evcharge/chargelink/internal/notify"
	"github.com/evcharge/chargelink/internal/server"
	"github.com/evcharge/chargelink/internal/storage"
	"github.com/evcharge/chargelink/internal/stream"
	"github.com/evcharge/chargelink/pkg/deviceid"
)

func main() {
	// Command line flags
	var (
		configFile string
		showConfig bool
		deviceID   string
	)
	flag.StringVar(&configFile, "config", "config/chargelink-agent.yml", "Configuration file path")
	flag.BoolVar(&showConfig, "show-config", false, "Print the configuration summary and exit")
	flag.StringVar(&deviceID, "device", "", "Device IMEI to select on startup")
	flag.Parse()

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load configuration
	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if showConfig {
		cfg.PrintConfigSummary()
		return
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Log.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	// Create context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage
	store, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open storage")
	}
	defer store.Close()

	// Status fan-out
	notifiers := notify.Multi{notify.LogNotifier{}}

	var nc *nats.Conn
	if cfg.NATS.URL != "" {
		nc, err = connectNATS(cfg)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to connect to NATS, continuing without NATS support")
		} else {
			defer nc.Close()
			log.Info().Msg("Connected to NATS")
			notifiers = append(notifiers, notify.NewNATSNotifier(nc, cfg.NATS.SubjectPrefix))
		}
	} else {
		log.Info().Msg("NATS not configured, running in standalone mode")
	}

	// App lifecycle
	runtime, err := lifecycle.ParseRuntime(cfg.Lifecycle.Runtime)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid lifecycle runtime")
	}
	monitor := lifecycle.NewMonitor(runtime)

	// Event stream
	creds := credentials.NewFileStore(cfg.Credentials.Path)
	manager, err := stream.NewManager(stream.Options{
		URL:           cfg.Stream.URL,
		Opener:        newOpener(cfg.Stream.Transport),
		Credentials:   creds,
		BaseDelay:     cfg.Stream.BaseDelay,
		MaxDelay:      cfg.Stream.MaxDelay,
		TokenDebounce: cfg.Stream.TokenDebounce,
		AuthMarkers:   cfg.Stream.AuthMarkers,
		Lifecycle:     monitor,
		Notifier:      notifiers,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create stream manager")
	}
	defer manager.Destroy()

	manager.OnAuthInvalid(func(err error) {
		log.Warn().Err(err).Msg("Stream token rejected, waiting for a new token")
	})

	if err := manager.Start(ctx, ""); err != nil {
		if errors.Is(err, stream.ErrNoToken) || errors.Is(err, credentials.ErrNoToken) {
			log.Warn().Str("path", creds.Path()).Msg("No stream token stored, stream idle until one is provided")
		} else {
			log.Error().Err(err).Msg("Failed to start event stream")
		}
	}

	// Device command channel
	broker := command.NewPahoBroker(command.PahoConfig{
		Broker:         cfg.MQTT.Broker,
		Username:       cfg.MQTT.Username,
		Password:       cfg.MQTT.Password,
		TLS:            cfg.MQTT.TLS,
		ConnectTimeout: cfg.MQTT.ConnectTimeout,
		KeepAlive:      cfg.MQTT.KeepAlive,
	})
	selector := command.NewSelector(command.Options{
		Broker: broker,
		Topics: deviceid.Topics{
			RequestPrefix: cfg.MQTT.RequestPrefix,
			ReplyPrefix:   cfg.MQTT.ReplyPrefix,
		},
		PlatformID:        cfg.MQTT.PlatformID,
		QoS:               cfg.MQTT.QoS,
		CommandTimeout:    cfg.MQTT.CommandTimeout,
		ReconnectBase:     cfg.MQTT.ReconnectBase,
		ReconnectMax:      cfg.MQTT.ReconnectMax,
		StrictCorrelation: cfg.MQTT.StrictCorrelation,
		Notifier:          notifiers,
		Recorder:          command.NewStoreRecorder(store),
	}, store)
	defer selector.Close()

	if deviceID != "" {
		if _, err := selector.Select(ctx, deviceID); err != nil {
			log.Error().Err(err).Str("deviceID", deviceID).Msg("Failed to select device")
		}
	}

	// WaitGroup for services
	var wg sync.WaitGroup

	// Control API
	var apiServer *api.RESTServer
	if cfg.API.Enabled {
		apiServer = api.NewRESTServer(cfg, api.Deps{
			Store:     store,
			Stream:    manager,
			Lifecycle: monitor,
			Selector:  selector,
		})

		wg.Add(1)
		go func() {
			defer wg.Done()
			addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
			if err := apiServer.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatal().Err(err).Msg("Control API server failed")
			}
		}()
	}

	// Control bus
	if nc != nil {
		subscriber := server.NewNATSSubscriber(nc, cfg.NATS.SubjectPrefix, server.ControlDeps{
			Stream:    manager,
			Lifecycle: monitor,
			Selector:  selector,
		})

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := subscriber.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("NATS subscriber stopped")
			}
		}()
	}

	// Wait for signal. SIGUSR1/SIGUSR2 move the agent to the background and
	// back; SIGHUP reloads the stored stream token.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGUSR2)

	for sig := range sigChan {
		switch sig {
		case syscall.SIGUSR1:
			monitor.Set(lifecycle.Background)
			continue
		case syscall.SIGUSR2:
			monitor.Set(lifecycle.Active)
			continue
		case syscall.SIGHUP:
			reloadToken(ctx, creds, manager)
			continue
		}

		log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down")
		break
	}

	// Cancel context
	cancel()

	// Shutdown API server
	if apiServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Failed to shutdown API server gracefully")
		}
		shutdownCancel()
	}

	// Wait for all services
	wg.Wait()

	log.Info().Msg("Agent stopped")
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	if cfg.Database.DSN == "" {
		log.Info().Msg("No database configured, keeping the command log in memory")
		return storage.NewMemoryStore(), nil
	}

	store, err := storage.NewPostgresStore(cfg.Database.DSN, storage.PoolConfig{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}

	log.Info().Msg("Connected to database")
	return store, nil
}

func connectNATS(cfg *config.Config) (*nats.Conn, error) {
	log.Info().Str("url", cfg.NATS.URL).Msg("Connecting to NATS...")

	return nats.Connect(cfg.NATS.URL,
		nats.Name(cfg.NATS.ClientName),
		nats.UserInfo(cfg.NATS.Username, cfg.NATS.Password),
		nats.ReconnectWait(cfg.NATS.ReconnectInterval),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("Disconnected from NATS")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Msg("Reconnected to NATS")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			ev := log.Error().Err(err)
			if sub != nil {
				ev = ev.Str("subject", sub.Subject)
			}
			ev.Msg("NATS error")
		}),
	)
}

func newOpener(transport string) stream.Opener {
	if transport == "websocket" {
		return &stream.WebSocketOpener{}
	}
	return &stream.SSEOpener{}
}

func reloadToken(ctx context.Context, creds credentials.Store, manager *stream.Manager) {
	loadCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	token, err := creds.Token(loadCtx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to reload stream token")
		return
	}
	manager.UpdateToken(token)
	log.Info().Msg("Stream token reloaded")
}
