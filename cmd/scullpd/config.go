package main

import (
	"fmt"
	"strings"

	"github.com/FerroO2000/scullp"
	"github.com/FerroO2000/scullp/attr"
	"github.com/FerroO2000/scullp/bridge"
	"github.com/FerroO2000/scullp/internal/config"
	"github.com/FerroO2000/scullp/internal/telemetry"
	"github.com/FerroO2000/scullp/server"
)

// daemonConfig is the content of the configuration file.
// Every section but the registry is optional.
type daemonConfig struct {
	LogLevel string `yaml:"log_level"`

	Registry *scullp.Config `yaml:"registry"`

	Server *server.Config `yaml:"server"`

	Attr *attr.Config `yaml:"attr"`

	OTLP *telemetry.OTLPConfig `yaml:"otlp"`

	KafkaSinks   []*bridge.KafkaSinkConfig   `yaml:"kafka_sinks"`
	KafkaSources []*bridge.KafkaSourceConfig `yaml:"kafka_sources"`
}

func defaultDaemonConfig() *daemonConfig {
	return &daemonConfig{
		LogLevel: "info",
		Registry: scullp.DefaultConfig(),
	}
}

func loadDaemonConfig(path string) (*daemonConfig, error) {
	cfg := defaultDaemonConfig()
	if path == "" {
		return cfg, nil
	}

	if err := config.LoadFile(path, cfg); err != nil {
		return nil, err
	}

	if cfg.Registry == nil {
		cfg.Registry = scullp.DefaultConfig()
	}

	return cfg, nil
}

// parseKafkaSink parses a "device:topic" pair.
func parseKafkaSink(s string) (*bridge.KafkaSinkConfig, error) {
	dev, topic, ok := strings.Cut(s, ":")
	if !ok || dev == "" || topic == "" {
		return nil, fmt.Errorf("invalid kafka sink %q, expected device:topic", s)
	}
	return bridge.NewKafkaSinkConfig(dev, topic), nil
}

// parseKafkaSource parses a "topic[,topic...]:device" pair.
func parseKafkaSource(s string) (*bridge.KafkaSourceConfig, error) {
	topics, dev, ok := strings.Cut(s, ":")
	if !ok || dev == "" || topics == "" {
		return nil, fmt.Errorf("invalid kafka source %q, expected topic[,topic...]:device", s)
	}
	return bridge.NewKafkaSourceConfig(dev, strings.Split(topics, ",")...), nil
}
