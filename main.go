package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/time/rate"

	"alertrelay/api"
	"alertrelay/config"
	"alertrelay/discovery"
	"alertrelay/logging"
	"alertrelay/network"
	"alertrelay/radio"
	"alertrelay/radio/bluez"
	"alertrelay/radio/fake"
	"alertrelay/radio/lanradio"
	"alertrelay/relay"
	"alertrelay/storage"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}

	cfg, cfgPath, dataDir, err := config.LoadOrCreate()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}
	if err := config.ApplyEnvOverrides(cfg); err != nil {
		log.Fatalf("startup failed while applying environment: %v", err)
	}
	tuning, err := config.LoadTuning(dataDir)
	if err != nil {
		log.Fatalf("startup failed while loading radio tuning: %v", err)
	}

	logger, logCloser, err := logging.New(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		log.Fatalf("startup failed while preparing logger: %v", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	fmt.Printf("Device ID:       %s\n", cfg.DeviceID)
	fmt.Printf("Device Name:     %s\n", cfg.DeviceName)
	fmt.Printf("Radio:           %s\n", cfg.RadioBackend)
	fmt.Printf("Config File:     %s\n", cfgPath)
	fmt.Printf("Data Directory:  %s\n", dataDir)

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		log.Fatalf("startup failed while opening database: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("database close error", "error", err)
		}
	}()
	fmt.Printf("Database File:   %s\n", dbPath)

	gateway, closeGateway, err := openGateway(cfg, logger)
	if err != nil {
		log.Fatalf("startup failed while opening %s radio: %v", cfg.RadioBackend, err)
	}
	defer closeGateway()

	connections, err := network.NewManager(network.ManagerOptions{
		Gateway:           gateway,
		ConnectTimeout:    tuning.ConnectTimeout(),
		WriteTimeout:      tuning.WriteTimeout(),
		DisconnectTimeout: tuning.DisconnectTimeout(),
		MaxWriteSize:      tuning.Connection.MaxWriteSize,
		Logger:            logger.With("component", "network"),
	})
	if err != nil {
		log.Fatalf("startup failed while creating connection manager: %v", err)
	}

	orchestrator, err := relay.New(relay.Options{
		Gateway:     gateway,
		Connections: connections,
		Discovery: discovery.NewManager(gateway, connections, discovery.Config{
			Window: tuning.ScanWindow(),
			Logger: logger.With("component", "discovery"),
		}),
		Store:          store,
		Layout:         tuning.Layout,
		DeviceName:     cfg.DeviceName,
		ListenInterval: tuning.ListenInterval(),
		IngestRate:     rate.Limit(tuning.Ingest.RatePerSec),
		IngestBurst:    tuning.Ingest.Burst,
		Logger:         logger.With("component", "relay"),
	})
	if err != nil {
		log.Fatalf("startup failed while creating relay: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := orchestrator.Init(ctx); err != nil {
		// The relay retries the readiness gate on every send, so a radio that
		// is off at startup is not fatal.
		logger.Warn("radio not ready", "error", err)
		fmt.Printf("Radio Status:    not ready (%v)\n", err)
	} else {
		fmt.Println("Radio Status:    ready")
		if err := orchestrator.StartListening(ctx); err != nil {
			logger.Warn("listening not started", "error", err)
		}
	}

	hub := api.NewHub(logger.With("component", "events"))
	go hub.Run(ctx, orchestrator.Events())

	server, err := api.NewServer(api.Config{
		ListenAddress:   cfg.APIListenAddress,
		ComposeRequests: tuning.API.ComposeRequests,
		ComposeWindow:   tuning.ComposeWindow(),
		Logger:          logger.With("component", "api"),
	}, orchestrator, store, hub)
	if err != nil {
		log.Fatalf("startup failed while creating api server: %v", err)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.ListenAndServe(ctx)
	}()

	fmt.Printf("API:             http://%s/api\n", cfg.APIListenAddress)
	fmt.Println("Status:          running (press Ctrl+C to stop)")

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			logger.Error("api server stopped", "error", err)
		}
		stop()
	}
	fmt.Println("Status:          shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := orchestrator.Shutdown(shutdownCtx); err != nil {
		logger.Error("relay shutdown", "error", err)
	}
	select {
	case <-serveErr:
	case <-shutdownCtx.Done():
	}
}

// openGateway builds the configured radio backend and its closer.
func openGateway(cfg *config.DeviceConfig, logger *slog.Logger) (radio.Gateway, func(), error) {
	switch cfg.RadioBackend {
	case config.RadioBackendBlueZ:
		g, err := bluez.New(bluez.Config{
			Adapter: cfg.BluezAdapter,
			Logger:  logger.With("component", "bluez"),
		})
		if err != nil {
			return nil, nil, err
		}
		return g, closer(g, logger), nil
	case config.RadioBackendLAN:
		g, err := lanradio.New(lanradio.Config{
			SelfDeviceID:  cfg.DeviceID,
			DeviceName:    cfg.DeviceName,
			ListenAddress: cfg.LANListenAddress,
			Logger:        logger.With("component", "lanradio"),
		})
		if err != nil {
			return nil, nil, err
		}
		return g, closer(g, logger), nil
	case config.RadioBackendFake:
		return fake.NewGateway(), func() {}, nil
	default:
		return nil, nil, errors.New("unknown radio backend " + cfg.RadioBackend)
	}
}

func closer(c io.Closer, logger *slog.Logger) func() {
	return func() {
		if err := c.Close(); err != nil {
			logger.Error("radio close error", "error", err)
		}
	}
}
