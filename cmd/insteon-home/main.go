package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v3"

	"insteon-go-home/internal/binding"
	"insteon-go-home/internal/catalog"
	"insteon-go-home/internal/metrics"
	"insteon-go-home/internal/msg"
	"insteon-go-home/internal/port"
	"insteon-go-home/internal/store"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Modem struct {
		Port string `yaml:"port"`
		Baud int    `yaml:"baud"`
	} `yaml:"modem"`
	Devices        []binding.DeviceConfig `yaml:"devices"`
	PollIntervalMS int                    `yaml:"poll_interval_ms"`
	Store          struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	Metrics struct {
		Listen string `yaml:"listen"`
	} `yaml:"metrics"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	CatalogDir string `yaml:"catalog_dir"`
}

func (c *Config) validate() error {
	if c.Modem.Port == "" {
		return fmt.Errorf("modem.port is required")
	}
	if len(c.Devices) == 0 {
		return fmt.Errorf("at least one device must be configured")
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
	logger.Info("insteon-go-home starting", "version", version)

	reg, err := msg.DefaultRegistry()
	if err != nil {
		logger.Error("load message registry", "err", err)
		os.Exit(1)
	}
	cat, err := loadCatalog(cfg, logger)
	if err != nil {
		logger.Error("load device catalog", "err", err)
		os.Exit(1)
	}
	types, features, products := cat.Len()
	logger.Info("catalog loaded", "device_types", types, "features", features, "products", products)

	// Open store
	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	// Open the modem serial port
	modem, err := port.Open(cfg.Modem.Port, cfg.Modem.Baud, reg, logger)
	if err != nil {
		logger.Error("open modem", "err", err)
		os.Exit(1)
	}

	met := metrics.New(prometheus.DefaultRegisterer)

	bnd, err := binding.New(binding.Config{
		Devices:        cfg.Devices,
		PollIntervalMS: cfg.PollIntervalMS,
	}, modem, db, reg, cat, met, logger)
	if err != nil {
		logger.Error("create binding", "err", err)
		os.Exit(1)
	}

	if err := bnd.Start(); err != nil {
		logger.Error("start binding", "err", err)
		os.Exit(1)
	}

	if cfg.Metrics.Listen != "" {
		go func() {
			logger.Info("metrics server starting", "addr", cfg.Metrics.Listen)
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			srv := &http.Server{
				Addr:         cfg.Metrics.Listen,
				Handler:      mux,
				ReadTimeout:  15 * time.Second,
				WriteTimeout: 30 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server", "err", err)
			}
		}()
	}

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(bnd, cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	mqtt.Stop()
	bnd.Stop()

	logger.Info("goodbye")
}

func loadCatalog(cfg *Config, logger *slog.Logger) (*catalog.Catalog, error) {
	if cfg.CatalogDir != "" {
		return catalog.LoadDir(cfg.CatalogDir, logger)
	}
	return catalog.Default()
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
	if cfg.Store.Path == "" {
		cfg.Store.Path = "insteon-home.db"
	}
	if cfg.Modem.Baud == 0 {
		// the 2413 PLM talks 19200 8N1
		cfg.Modem.Baud = 19200
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "insteon"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
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
