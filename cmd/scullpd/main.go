// Command scullpd runs a registry of byte pipe devices and exposes them
// over a stream socket, an attribute directory and optional Kafka bridges.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/FerroO2000/scullp"
	"github.com/FerroO2000/scullp/attr"
	"github.com/FerroO2000/scullp/bridge"
	"github.com/FerroO2000/scullp/internal/config"
	"github.com/FerroO2000/scullp/internal/telemetry"
	"github.com/FerroO2000/scullp/server"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const shutdownTimeout = 5 * time.Second

type runFlags struct {
	configPath string

	devices     int
	bufferSize  config.ByteSize
	allocPolicy string
	memoryLimit config.ByteSize
	debug       bool

	logLevel string

	network string
	listen  string
	noServe bool

	attrDir string

	otlpEndpoint string

	kafkaBrokers []string
	kafkaSinks   []string
	kafkaSources []string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	runCommand := newRunCommand()

	rootCommand := &cobra.Command{
		Use:   "scullpd",
		Short: "Runs a set of byte pipe devices",
		RunE:  runCommand.RunE,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		SilenceUsage: true,
	}
	rootCommand.Flags().AddFlagSet(runCommand.Flags())

	rootCommand.AddCommand(runCommand)
	rootCommand.AddCommand(newVersionCommand())
	rootCommand.AddCommand(newPollCommand())

	return rootCommand
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show current version info",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "scullpd version %s\n", scullp.Version)
		},
	}
}

func newRunFlags() *runFlags {
	return &runFlags{
		bufferSize: config.ByteSize(scullp.DefaultBufferSize()),
	}
}

func newRunCommand() *cobra.Command {
	flags := newRunFlags()

	cmd := &cobra.Command{
		Use:          "run",
		Short:        "Run the devices",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.daemonConfig(cmd)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	flags.register(cmd.Flags())

	return cmd
}

func (f *runFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&f.configPath, "config", "c", "", "Path to the configuration file")

	fs.IntVar(&f.devices, "devices", scullp.DefaultDeviceCount, "Number of devices")
	fs.Var(&f.bufferSize, "buffer-size", "Capacity of each device buffer")
	fs.StringVar(&f.allocPolicy, "alloc-policy", string(scullp.DefaultAllocPolicy), "When the buffers are allocated (init or open)")
	fs.Var(&f.memoryLimit, "memory-limit", "Total memory the buffers may use, 0 means unlimited")
	fs.BoolVar(&f.debug, "debug", false, "Log a trace line for every read and write")

	fs.StringVar(&f.logLevel, "log-level", "info", "Log level (debug, info, warn or error)")

	fs.StringVar(&f.network, "network", server.DefaultNetwork, "Network of the stream server (tcp, tcp4, tcp6 or unix)")
	fs.StringVar(&f.listen, "listen", server.DefaultAddress, "Address of the stream server")
	fs.BoolVar(&f.noServe, "no-serve", false, "Do not start the stream server")

	fs.StringVar(&f.attrDir, "attr-dir", "", "Directory exposing the device attributes, empty disables it")

	fs.StringVar(&f.otlpEndpoint, "otlp-endpoint", "", "gRPC endpoint of the OTLP collector, empty disables the export")

	fs.StringSliceVar(&f.kafkaBrokers, "kafka-brokers", bridge.DefaultKafkaBrokers, "Kafka brokers used by the bridges")
	fs.StringArrayVar(&f.kafkaSinks, "kafka-sink", nil, "Publish a device to a topic, as device:topic")
	fs.StringArrayVar(&f.kafkaSources, "kafka-source", nil, "Feed a device from topics, as topic[,topic...]:device")
}

// daemonConfig loads the configuration file and applies the flags
// explicitly set on the command line over it.
func (f *runFlags) daemonConfig(cmd *cobra.Command) (*daemonConfig, error) {
	cfg, err := loadDaemonConfig(f.configPath)
	if err != nil {
		return nil, err
	}

	changed := cmd.Flags().Changed

	if changed("log-level") {
		cfg.LogLevel = f.logLevel
	}

	reg := cfg.Registry
	if changed("devices") {
		reg.DeviceCount = f.devices
	}
	if changed("buffer-size") {
		reg.BufferSize = f.bufferSize
	}
	if changed("alloc-policy") {
		reg.AllocPolicy = scullp.AllocPolicy(f.allocPolicy)
	}
	if changed("memory-limit") {
		reg.MemoryLimit = f.memoryLimit
	}
	if changed("debug") {
		reg.Debug = f.debug
	}

	switch {
	case f.noServe:
		cfg.Server = nil
	case cfg.Server == nil:
		cfg.Server = server.NewDefaultConfig()
		fallthrough
	default:
		if changed("network") {
			cfg.Server.Network = f.network
		}
		if changed("listen") {
			cfg.Server.Address = f.listen
		}
	}

	if changed("attr-dir") {
		if f.attrDir == "" {
			cfg.Attr = nil
		} else {
			cfg.Attr = attr.NewDefaultConfig(filepath.Clean(f.attrDir))
		}
	}

	if changed("otlp-endpoint") {
		if cfg.OTLP == nil {
			cfg.OTLP = &telemetry.OTLPConfig{}
		}
		cfg.OTLP.Endpoint = f.otlpEndpoint
	}

	for _, s := range f.kafkaSinks {
		sinkCfg, err := parseKafkaSink(s)
		if err != nil {
			return nil, err
		}
		cfg.KafkaSinks = append(cfg.KafkaSinks, sinkCfg)
	}

	for _, s := range f.kafkaSources {
		sourceCfg, err := parseKafkaSource(s)
		if err != nil {
			return nil, err
		}
		cfg.KafkaSources = append(cfg.KafkaSources, sourceCfg)
	}

	if changed("kafka-brokers") {
		for _, sinkCfg := range cfg.KafkaSinks {
			sinkCfg.Brokers = f.kafkaBrokers
		}
		for _, sourceCfg := range cfg.KafkaSources {
			sourceCfg.Brokers = f.kafkaBrokers
		}
	}

	return cfg, nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

func run(ctx context.Context, cfg *daemonConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, cancelCtx := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancelCtx()

	level, err := parseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}

	logger := telemetry.SetupLogger(telemetry.LogConfig{
		Level:      level,
		ExportOTel: cfg.OTLP != nil,
	})

	if cfg.OTLP != nil {
		otlpCfg := *cfg.OTLP
		if otlpCfg.ServiceName == "" {
			otlpCfg.ServiceName = "scullpd"
		}
		if otlpCfg.ServiceVersion == "" {
			otlpCfg.ServiceVersion = scullp.Version
		}

		shutdown, err := telemetry.InitOTLP(ctx, otlpCfg)
		switch {
		case errors.Is(err, telemetry.ErrCollectorUnreachable):
			logger.Warn("telemetry export disabled", "endpoint", otlpCfg.Endpoint)

		case err != nil:
			return err

		default:
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
				defer cancel()

				if err := shutdown(shutdownCtx); err != nil {
					logger.Error("failed to shutdown telemetry", "error", err)
				}
			}()
		}
	}

	reg := scullp.NewRegistry(cfg.Registry)
	if err := reg.Init(ctx); err != nil {
		return err
	}
	defer func() {
		if err := reg.Close(); err != nil {
			logger.Error("failed to close registry", "error", err)
		}
	}()

	runner := scullp.NewRunner()

	if cfg.Attr != nil {
		runner.AddService(attr.NewDir(cfg.Attr, scullp.Version, reg))
	}

	if cfg.Server != nil {
		runner.AddService(server.NewServer(cfg.Server, reg))
	}

	for _, sinkCfg := range cfg.KafkaSinks {
		runner.AddService(bridge.NewKafkaSink(sinkCfg, reg))
	}

	for _, sourceCfg := range cfg.KafkaSources {
		runner.AddService(bridge.NewKafkaSource(sourceCfg, reg))
	}

	if err := runner.Init(ctx); err != nil {
		return err
	}

	runner.Run(ctx)

	logger.Info("scullpd started", "version", scullp.Version, "devices", cfg.Registry.DeviceCount)

	<-ctx.Done()

	logger.Info("shutting down")

	return runner.Close()
}
