package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"gopkg.in/yaml.v3"

	"blelink/internal/bridge"
	"blelink/internal/controller"
	"blelink/internal/driver"
	"blelink/internal/light"
	"blelink/internal/store"
	"blelink/internal/transport"
	"blelink/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Device    light.DeviceConfig `yaml:"device"`
	Transport struct {
		Kind string `yaml:"kind"` // "ble", "uart" or "mock"
		UART struct {
			Port string `yaml:"port"`
			Baud int    `yaml:"baud"`
		} `yaml:"uart"`
	} `yaml:"transport"`
	Link struct {
		ScanTimeout    string `yaml:"scan_timeout"`
		ConnectTimeout string `yaml:"connect_timeout"`
		WriteTimeout   string `yaml:"write_timeout"`
		RSSIInterval   string `yaml:"rssi_interval"`
		BackoffCeiling string `yaml:"backoff_ceiling"`
	} `yaml:"link"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	EffectsDir string `yaml:"effects_dir"`
}

func (c *Config) validate() error {
	switch c.Transport.Kind {
	case "ble", "mock":
	case "uart":
		if c.Transport.UART.Port == "" {
			return fmt.Errorf("transport.uart.port is required")
		}
	default:
		return fmt.Errorf("unknown transport.kind: %q (supported: ble, uart, mock)", c.Transport.Kind)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	return nil
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	// Create configured logger.
	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("blelink starting", "version", version)

	reg := driver.Builtin()
	if cfg.Device.Protocol != "" {
		// Fail fast on a protocol nobody registered.
		if _, err := reg.New(cfg.Device); err != nil {
			logger.Error("device protocol", "err", err)
			os.Exit(1)
		}
	}

	// Open store
	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	// Create transport backend based on config
	tr, err := createTransport(cfg, reg, logger)
	if err != nil {
		logger.Error("create transport", "err", err)
		os.Exit(1)
	}
	defer tr.Close()

	prefs := bridge.LoadPreferences(db, logger)

	ctrl := controller.New(controller.Config{
		Device:         cfg.Device,
		ScanTimeout:    duration(cfg.Link.ScanTimeout, 0, "link.scan_timeout", logger),
		ConnectTimeout: duration(cfg.Link.ConnectTimeout, 0, "link.connect_timeout", logger),
		WriteTimeout:   duration(cfg.Link.WriteTimeout, 0, "link.write_timeout", logger),
		RSSIInterval:   duration(cfg.Link.RSSIInterval, 0, "link.rssi_interval", logger),
		BackoffCeiling: duration(cfg.Link.BackoffCeiling, 0, "link.backoff_ceiling", logger),
		Metric:         cpuLoad,
	}, prefs, tr, reg, logger)

	// Load scripted effects (no-op when built with no_effects tag).
	effectsWebOpts := initEffects(ctrl, cfg, logger)

	app := bridge.New(ctrl, db, logger)
	if err := app.Start(context.Background()); err != nil {
		logger.Error("start bridge", "err", err)
		os.Exit(1)
	}

	// Start web server
	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, web.WithVersion(version))
	webOpts = append(webOpts, effectsWebOpts...)

	webServer := web.NewServer(app, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(app, cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	app.Stop()

	logger.Info("goodbye")
}

func createTransport(cfg *Config, reg *driver.Registry, logger *slog.Logger) (transport.Transport, error) {
	switch cfg.Transport.Kind {
	case "ble":
		logger.Info("using host Bluetooth adapter", "address", cfg.Device.Address)
		return transport.NewBLE(transport.BLEConfig{
			ProbeServiceUUIDs: reg.ServiceUUIDs(),
		}, logger), nil
	case "uart":
		logger.Info("using UART BLE bridge", "port", cfg.Transport.UART.Port, "baud", cfg.Transport.UART.Baud)
		return transport.NewUART(transport.UARTConfig{
			Port: cfg.Transport.UART.Port,
			Baud: cfg.Transport.UART.Baud,
		}, logger)
	case "mock":
		logger.Warn("using mock transport, no radio traffic will happen")
		return transport.NewMock(), nil
	default:
		return nil, fmt.Errorf("unknown transport kind: %q", cfg.Transport.Kind)
	}
}

// cpuLoad feeds the cpu color mode. The first sample after boot reads 0;
// every later call reports usage since the previous one.
func cpuLoad() float64 {
	percents, err := cpu.Percent(0, false)
	if err != nil || len(percents) == 0 {
		return 0
	}
	return percents[0]
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Transport.Kind == "" {
		cfg.Transport.Kind = "ble"
	}
	if cfg.Transport.UART.Baud == 0 {
		cfg.Transport.UART.Baud = 115200
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "blelink.db"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "blelink"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.EffectsDir == "" {
		cfg.EffectsDir = "effects"
	}
	return &cfg, nil
}

// duration parses a config duration, falling back to def (zero means the
// controller's own default) when unset or malformed.
func duration(s string, def time.Duration, name string, logger *slog.Logger) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		logger.Warn("invalid duration, using default", "key", name, "value", s)
		return def
	}
	return d
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
