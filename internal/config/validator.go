package config

import (
	"github.com/FerroO2000/scullp/internal/telemetry"
)

// Validator is an utility struct for validating a configuration.
type Validator struct {
	tel *telemetry.Telemetry

	anomalyCollector *AnomalyCollector
}

// NewValidator returns a new validator.
func NewValidator(tel *telemetry.Telemetry) *Validator {
	return &Validator{
		tel: tel,

		anomalyCollector: newAnomalyCollector(),
	}
}

// Validate validates the given configuration.
// Every anomaly is logged as a warning and the offending field
// is replaced by its fallback value.
func (m *Validator) Validate(config Config) {
	config.Validate(m.anomalyCollector)

	for anomaly := range m.anomalyCollector.iter() {
		m.handleAnomaly(anomaly)
	}

	m.anomalyCollector.reset()
}

// AnomalyCount returns the number of anomalies found by the last validation.
func (m *Validator) AnomalyCount() int {
	return m.anomalyCollector.lastCount
}

func (m *Validator) handleAnomaly(an *anomaly) {
	m.tel.LogWarn("config anomaly",
		"field", an.field, "reason", an.reason,
		"actual", an.actual, "fallback", an.fallback)
}
