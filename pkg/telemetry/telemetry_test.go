package telemetry

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "development", mutate: func(c *Config) { *c = *DevelopmentConfig() }},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: "invalid log level"},
		{name: "bad format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: "invalid log format"},
		{name: "stdout output", mutate: func(c *Config) { c.Logging.Output = "stdout" }, wantErr: "cannot be stdout"},
		{
			name: "otlp without endpoint",
			mutate: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.Exporter = "otlp"
			},
			wantErr: "requires an endpoint",
		},
		{name: "sampling rate", mutate: func(c *Config) { c.Tracing.SamplingRate = 2 }, wantErr: "sampling rate"},
		{
			name: "metrics without address",
			mutate: func(c *Config) {
				c.Metrics.Enabled = true
				c.Metrics.ListenAddress = ""
			},
			wantErr: "listen address",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestMetrics_NilAndDisabled(t *testing.T) {
	var nilMetrics *Metrics
	disabled, err := NewMetrics(MetricsConfig{Enabled: false})
	require.NoError(t, err)

	for _, m := range []*Metrics{nilMetrics, disabled} {
		assert.NotPanics(t, func() {
			m.RecordRequest("Commit", "finished", time.Second)
			m.RecordRejection("NotInitialized")
			m.SetQueueDepth(3)
			m.RecordQuestion("ConflictPkg", "answered")
			m.SetPendingQuestion(true)
			m.RecordSyncOutcome("synced")
			m.RecordPackageChange("upgraded")
			assert.NoError(t, m.StartMetricsServer(FromContext(context.Background()).Zerolog()))
			assert.NoError(t, m.Shutdown(context.Background()))
		})
	}
}

func TestMetrics_Record(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "upgrader"})
	require.NoError(t, err)

	m.RecordRequest("SyncRepositories", "failed", 2*time.Second)
	m.RecordRequest("SyncRepositories", "failed", time.Second)
	m.RecordRejection("WrongClient")
	m.SetQueueDepth(2)
	m.RecordQuestion("ReplacePkg", "answered")
	m.SetPendingQuestion(true)
	m.RecordSyncOutcome("current")
	m.RecordPackageChange("installed")
	m.RecordPackageChange("installed")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requests.WithLabelValues("SyncRepositories", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rejections.WithLabelValues("WrongClient")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.queueDepth))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.questions.WithLabelValues("ReplacePkg", "answered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.pendingQuestion))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.syncOutcomes.WithLabelValues("current")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.packageChanges.WithLabelValues("installed")))

	m.SetPendingQuestion(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.pendingQuestion))
}

func TestLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriterLogger(&buf, LoggingConfig{Level: "debug", Format: "json"})

	l.NewComponentLogger("broker").WithSession("s-1", ":1.1").WithRequest("r-9", "Commit").Info("done")

	out := buf.String()
	for _, want := range []string{`"component":"broker"`, `"session_id":"s-1"`, `"client":":1.1"`, `"request_id":"r-9"`, `"method":"Commit"`, `"message":"done"`} {
		assert.True(t, strings.Contains(out, want), "missing %s in %s", want, out)
	}
}

func TestLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriterLogger(&buf, LoggingConfig{Level: "warn"})
	l.Info("hidden")
	assert.Empty(t, buf.String())
	l.Warn("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestStartOperation_WithoutTelemetry(t *testing.T) {
	op := StartOperation(context.Background(), "r-1", "Abort", ":1.1")
	require.NotNil(t, op.Logger)
	assert.NotPanics(t, func() { op.End("finished", nil) })
}

func TestStartOperation_WithTelemetry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Metrics.Enabled = true
	tel, err := NewTelemetry(cfg)
	require.NoError(t, err)
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())
	op := StartOperation(ctx, "r-2", "Commit", ":1.1")
	op.End("finished", nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(tel.Metrics.requests.WithLabelValues("Commit", "finished")))
}
