package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Logging.Service != "healthwatch" {
		t.Fatalf("expected default log service tag, got %q", cfg.Logging.Service)
	}
	if cfg.Monitor.Metric != MetricHealth {
		t.Fatalf("expected default metric %q, got %q", MetricHealth, cfg.Monitor.Metric)
	}
	if cfg.Monitor.Interval != 60*time.Second {
		t.Fatalf("unexpected default interval %s", cfg.Monitor.Interval)
	}
	if cfg.Retry.MaxAttempts != 5 {
		t.Fatalf("unexpected default retry budget %d", cfg.Retry.MaxAttempts)
	}
}

func TestValidateRejectsUnknownMetric(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.Monitor.Metric = "volatility"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for unknown metric mode")
	}
}
