// Package run contains the command to run the ridgeline server.
package run

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ridgelinedb/ridgeline/cmd/util"
	"github.com/ridgelinedb/ridgeline/internal/build"
	"github.com/ridgelinedb/ridgeline/pkg/cursor"
	"github.com/ridgelinedb/ridgeline/pkg/logger"
	"github.com/ridgelinedb/ridgeline/pkg/server"
	serverhttp "github.com/ridgelinedb/ridgeline/pkg/server/http"
	"github.com/ridgelinedb/ridgeline/pkg/storage"
	"github.com/ridgelinedb/ridgeline/pkg/storage/memory"
	"github.com/ridgelinedb/ridgeline/pkg/storage/sqlite"
)

// Config holds the server's runtime configuration, populated from flags,
// RIDGELINE_ environment variables, or config.yaml.
type Config struct {
	// HTTPAddr is the listen address of the JSON API.
	HTTPAddr string `mapstructure:"http-addr"`

	// DatastoreEngine is one of "memory" or "sqlite".
	DatastoreEngine string `mapstructure:"datastore-engine"`

	// DatastoreURI is the sqlite DSN. Ignored by the memory engine.
	DatastoreURI string `mapstructure:"datastore-uri"`

	// MaxBatchBytes caps the serialized size of a single cursor batch.
	MaxBatchBytes int `mapstructure:"max-batch-bytes"`

	// CursorIdleTimeout is how long an idle cursor survives before the
	// reaper retires it.
	CursorIdleTimeout time.Duration `mapstructure:"cursor-idle-timeout"`

	// CursorReapInterval is how often the reaper sweeps.
	CursorReapInterval time.Duration `mapstructure:"cursor-reap-interval"`

	// LogLevel is one of zap's level names.
	LogLevel string `mapstructure:"log-level"`

	// MetricsEnabled turns on the prometheus collectors.
	MetricsEnabled bool `mapstructure:"metrics-enabled"`
}

// DefaultConfig is the Config a bare `ridgeline run` starts with.
func DefaultConfig() *Config {
	return &Config{
		HTTPAddr:           "0.0.0.0:8080",
		DatastoreEngine:    "memory",
		DatastoreURI:       "",
		MaxBatchBytes:      storage.DefaultMaxBatchBytes,
		CursorIdleTimeout:  server.DefaultCursorIdleTimeout,
		CursorReapInterval: server.DefaultCursorReapInterval,
		LogLevel:           "info",
		MetricsEnabled:     true,
	}
}

// Verify checks the configuration for values the server cannot start with.
func (c *Config) Verify() error {
	switch c.DatastoreEngine {
	case "memory":
	case "sqlite":
		if c.DatastoreURI == "" {
			return fmt.Errorf("config 'datastore-uri' is required for the sqlite engine")
		}
	default:
		return fmt.Errorf("config 'datastore-engine' must be one of ['memory', 'sqlite']")
	}

	if c.MaxBatchBytes <= 0 {
		return fmt.Errorf("config 'max-batch-bytes' must be positive")
	}
	if c.CursorIdleTimeout <= 0 {
		return fmt.Errorf("config 'cursor-idle-timeout' must be positive")
	}
	if c.CursorReapInterval <= 0 {
		return fmt.Errorf("config 'cursor-reap-interval' must be positive")
	}
	return nil
}

// NewRunCommand returns the command to run the server.
func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the Ridgeline server",
		Long:  "Run the Ridgeline server.",
		Run:   run,
		Args:  cobra.NoArgs,
	}

	defaultConfig := DefaultConfig()
	flags := cmd.Flags()

	flags.String("http-addr", defaultConfig.HTTPAddr, "the host:port address to serve the JSON API on")

	flags.String("datastore-engine", defaultConfig.DatastoreEngine, "the datastore engine that will be used for persistence")

	flags.String("datastore-uri", defaultConfig.DatastoreURI, "the connection uri to use to connect to the datastore (for any engine other than 'memory')")

	flags.Int("max-batch-bytes", defaultConfig.MaxBatchBytes, "the maximum serialized size in bytes of a single cursor batch")

	flags.Duration("cursor-idle-timeout", defaultConfig.CursorIdleTimeout, "how long an idle cursor survives before being reaped")

	flags.Duration("cursor-reap-interval", defaultConfig.CursorReapInterval, "how often the idle cursor reaper sweeps")

	flags.String("log-level", defaultConfig.LogLevel, "the log level to use ('debug', 'info', 'warn', 'error')")

	flags.Bool("metrics-enabled", defaultConfig.MetricsEnabled, "enable the prometheus collectors")

	// NOTE: if you add a new flag here, update the function below, too

	cmd.PreRun = bindRunFlagsFunc(flags)

	return cmd
}

func bindRunFlagsFunc(flags *pflag.FlagSet) func(*cobra.Command, []string) {
	return func(*cobra.Command, []string) {
		util.MustBindPFlag("http-addr", flags.Lookup("http-addr"))
		util.MustBindPFlag("datastore-engine", flags.Lookup("datastore-engine"))
		util.MustBindPFlag("datastore-uri", flags.Lookup("datastore-uri"))
		util.MustBindPFlag("max-batch-bytes", flags.Lookup("max-batch-bytes"))
		util.MustBindPFlag("cursor-idle-timeout", flags.Lookup("cursor-idle-timeout"))
		util.MustBindPFlag("cursor-reap-interval", flags.Lookup("cursor-reap-interval"))
		util.MustBindPFlag("log-level", flags.Lookup("log-level"))
		util.MustBindPFlag("metrics-enabled", flags.Lookup("metrics-enabled"))
	}
}

// ReadConfig returns the server configuration based on the values provided in
// the server's 'config.yaml' file, loaded from '/etc/ridgeline',
// '$HOME/.ridgeline', or the current working directory. If no configuration
// file is present, the default values are returned.
func ReadConfig() (*Config, error) {
	config := DefaultConfig()

	viper.SetTypeByDefaultValue(true)
	err := viper.ReadInConfig()
	if err != nil {
		if !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return nil, fmt.Errorf("failed to load server config: %w", err)
		}
	}

	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal server config: %w", err)
	}

	return config, nil
}

func run(_ *cobra.Command, _ []string) {
	config, err := ReadConfig()
	if err != nil {
		panic(err)
	}

	if err := config.Verify(); err != nil {
		panic(err)
	}

	log := logger.MustNewLogger(config.LogLevel)
	serverCtx := &ServerContext{Logger: log}
	if err := serverCtx.Run(context.Background(), config); err != nil {
		panic(err)
	}
}

// ServerContext holds what the run command needs beyond its config.
type ServerContext struct {
	Logger logger.Logger
}

func (s *ServerContext) datastore(config *Config) (storage.IndexCatalog, error) {
	switch config.DatastoreEngine {
	case "memory":
		return memory.New(), nil
	case "sqlite":
		return sqlite.New(config.DatastoreURI, &sqlite.Config{
			Logger:        s.Logger,
			ExportMetrics: config.MetricsEnabled,
		})
	default:
		return nil, fmt.Errorf("storage engine '%s' is unsupported", config.DatastoreEngine)
	}
}

// Run starts the server and blocks until ctx is done or a termination signal
// arrives.
func (s *ServerContext) Run(ctx context.Context, config *Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	datastore, err := s.datastore(config)
	if err != nil {
		return fmt.Errorf("initialize datastore: %w", err)
	}
	defer datastore.Close()

	registryOpts := []cursor.RegistryOption{cursor.WithLogger(s.Logger)}
	if config.MetricsEnabled {
		registryOpts = append(registryOpts, cursor.WithMetrics(prometheus.DefaultRegisterer))
	}

	srv := server.New(datastore,
		server.WithLogger(s.Logger),
		server.WithMaxBatchBytes(config.MaxBatchBytes),
		server.WithCursorRegistry(cursor.NewRegistry(registryOpts...)),
	)
	defer srv.Close()

	go srv.Registry().RunReaper(ctx, config.CursorReapInterval, config.CursorIdleTimeout)

	handler := serverhttp.NewHandler(srv, serverhttp.WithHandlerLogger(s.Logger))

	s.Logger.Info("starting ridgeline service",
		zap.String("version", build.Version),
		zap.String("date", build.Date),
		zap.String("commit", build.Commit),
		zap.String("http-addr", config.HTTPAddr),
		zap.String("datastore-engine", config.DatastoreEngine),
	)

	if err := serverhttp.RunServer(ctx, config.HTTPAddr, handler); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}

	s.Logger.Info("server exiting. Goodbye 👋")
	return nil
}
