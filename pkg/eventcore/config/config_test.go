package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/eventcore/pkg/eventcore/config"
	ecerrors "github.com/randalmurphal/eventcore/pkg/eventcore/errors"
)

func TestAccessors(t *testing.T) {
	cfg := config.New(map[string]any{
		"name":    "bus",
		"count":   3,
		"whole":   float64(4),
		"frac":    1.5,
		"on":      true,
		"timeout": "2s",
		"ms":      250,
		"tags":    []any{"a", "b"},
		"mixed":   []any{"a", 1},
		"retry": map[string]any{
			"max_attempts": 5,
			"nested":       map[string]any{"deep": "yes"},
		},
		"literal.key": "dotted",
	})

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"string", cfg.String("name", "x"), "bus"},
		{"string wrong type", cfg.String("count", "x"), "x"},
		{"string missing", cfg.String("missing", "x"), "x"},
		{"int", cfg.Int("count", 0), 3},
		{"int from whole float", cfg.Int("whole", 0), 4},
		{"int rejects fraction", cfg.Int("frac", 9), 9},
		{"float", cfg.Float("frac", 0), 1.5},
		{"float from int", cfg.Float("count", 0), float64(3)},
		{"bool", cfg.Bool("on", false), true},
		{"bool wrong type", cfg.Bool("name", false), false},
		{"duration string", cfg.Duration("timeout", 0), 2 * time.Second},
		{"duration millis", cfg.Duration("ms", 0), 250 * time.Millisecond},
		{"duration invalid", cfg.Duration("name", time.Minute), time.Minute},
		{"string slice", cfg.StringSlice("tags", nil), []string{"a", "b"}},
		{"string slice mixed", cfg.StringSlice("mixed", []string{"d"}), []string{"d"}},
		{"dotted path", cfg.Int("retry.max_attempts", 0), 5},
		{"deep path", cfg.String("retry.nested.deep", ""), "yes"},
		{"path through scalar", cfg.String("name.sub", "x"), "x"},
		{"literal dotted key", cfg.String("literal.key", ""), "dotted"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.got)
		})
	}

	assert.True(t, cfg.Has("retry.nested"))
	assert.False(t, cfg.Has("retry.missing"))
	assert.Equal(t, 5, cfg.Section("retry").Int("max_attempts", 0))
	assert.Empty(t, cfg.Section("name").Raw())
	assert.NotNil(t, config.New(nil).Raw())
}

func TestFromYAMLNested(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
bus:
  history_limit: 50
retry:
  backoff: linear
  initial_delay: 20ms
`))
	require.NoError(t, err)

	assert.Equal(t, 50, cfg.Int("bus.history_limit", 0))
	assert.Equal(t, "linear", cfg.String("retry.backoff", ""))
	assert.Equal(t, 20*time.Millisecond, cfg.Duration("retry.initial_delay", 0))
}

func TestFromJSON(t *testing.T) {
	cfg, err := config.FromJSON([]byte(`{"hot_tier":{"capacity":10}}`))
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Int("hot_tier.capacity", 0))

	empty, err := config.FromJSON([]byte("  "))
	require.NoError(t, err)
	assert.Empty(t, empty.Raw())

	_, err = config.FromJSON([]byte("{"))
	assert.Error(t, err)
}

func TestFromFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("EVENTCORE_TEST_DSN", "/var/lib/events.db")

	yamlPath := filepath.Join(dir, "eventcore.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("store:\n  driver: sqlite\n  dsn: ${EVENTCORE_TEST_DSN}\n"), 0o600))

	cfg, err := config.FromFile(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/events.db", cfg.String("store.dsn", ""))

	jsonPath := filepath.Join(dir, "eventcore.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"dlq":{"max_size":5}}`), 0o600))
	cfg, err = config.FromFile(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Int("dlq.max_size", 0))

	_, err = config.FromFile(filepath.Join(dir, "eventcore.toml"))
	assert.ErrorContains(t, err, "unsupported config file extension")

	_, err = config.FromFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestFromReaderUnknownFormat(t *testing.T) {
	_, err := config.FromReader(strings.NewReader("{}"), "toml")
	assert.ErrorContains(t, err, "unsupported config format")
}

func TestDefaultSettings(t *testing.T) {
	s := config.DefaultSettings()
	require.NoError(t, s.Validate())

	assert.Equal(t, 1000, s.Bus.HistoryLimit)
	assert.Equal(t, 1000, s.HotTier.Capacity)
	assert.Equal(t, 7, s.HotTier.RetentionDays)
	assert.Equal(t, config.DriverMemory, s.Store.Driver)

	p, err := s.RetryPolicy()
	require.NoError(t, err)
	assert.Equal(t, ecerrors.DefaultRetryPolicy, p)
}

func TestFromConfig(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
bus:
  history_limit: 10
  handler_timeout: 5s
retry:
  max_attempts: 4
  backoff: fixed
  initial_delay: 50ms
hot_tier:
  capacity: 200
dlq:
  max_size: 30
`))
	require.NoError(t, err)

	s := config.FromConfig(cfg)
	require.NoError(t, s.Validate())

	assert.Equal(t, 10, s.Bus.HistoryLimit)
	assert.Equal(t, 256, s.Bus.ObserverBuffer, "unset keys keep defaults")
	assert.Equal(t, 5*time.Second, s.Bus.HandlerTimeout)
	assert.Equal(t, 200, s.HotTier.Capacity)
	assert.Equal(t, 7, s.HotTier.RetentionDays)
	assert.Equal(t, 30, s.DLQ.MaxSize)

	p, err := s.RetryPolicy()
	require.NoError(t, err)
	assert.Equal(t, 4, p.MaxAttempts)
	assert.Equal(t, ecerrors.BackoffFixed, p.Backoff)
	assert.Equal(t, 50*time.Millisecond, p.InitialDelay)
}

func TestApplyEnv(t *testing.T) {
	s := config.DefaultSettings()
	err := s.ApplyEnv(map[string]string{
		"EVENTCORE_RETRY_MAX_ATTEMPTS":     "6",
		"EVENTCORE_RETRY_BACKOFF":          "linear",
		"EVENTCORE_RETRY_INITIAL_DELAY":    "1s",
		"EVENTCORE_HOTTIER_CAPACITY":       "5000",
		"EVENTCORE_BUS_HANDLER_TIMEOUT":    "0s",
		"EVENTCORE_STORE_DRIVER":           "sqlite",
		"EVENTCORE_STORE_DSN":              "events.db",
		"UNRELATED_RETRY_MAX_ATTEMPTS":     "99",
		"EVENTCORE_HOTTIER_RETENTION_DAYS": "14",
	})
	require.NoError(t, err)

	assert.Equal(t, 6, s.Retry.MaxAttempts)
	assert.Equal(t, "linear", s.Retry.Backoff)
	assert.Equal(t, time.Second, s.Retry.InitialDelay)
	assert.Equal(t, 10*time.Second, s.Retry.MaxDelay, "unset variables keep current values")
	assert.Equal(t, 5000, s.HotTier.Capacity)
	assert.Equal(t, 14, s.HotTier.RetentionDays)
	assert.Zero(t, s.Bus.HandlerTimeout)
	assert.Equal(t, config.DriverSQLite, s.Store.Driver)
	require.NoError(t, s.Validate())
}

func TestApplyEnvInvalid(t *testing.T) {
	s := config.DefaultSettings()
	err := s.ApplyEnv(map[string]string{"EVENTCORE_HOTTIER_CAPACITY": "lots"})
	assert.ErrorContains(t, err, "parse env")
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eventcore.yaml")
	require.NoError(t, os.WriteFile(path, []byte("dlq:\n  max_size: 3\nretry:\n  max_attempts: 2\n"), 0o600))
	t.Setenv("EVENTCORE_RETRY_MAX_ATTEMPTS", "9")

	s, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, s.DLQ.MaxSize)
	assert.Equal(t, 9, s.Retry.MaxAttempts, "environment wins over the file")

	t.Setenv("EVENTCORE_STORE_DRIVER", "postgres")
	_, err = config.Load("")
	assert.ErrorContains(t, err, `store.driver "postgres"`)
}

func TestValidate(t *testing.T) {
	s := config.DefaultSettings()
	s.Bus.HistoryLimit = 0
	s.Retry.Backoff = "quadratic"
	s.Retry.Jitter = 2
	s.HotTier.Capacity = -1
	s.Store.Driver = config.DriverSQLite

	err := s.Validate()
	require.Error(t, err)
	for _, want := range []string{
		"bus.history_limit",
		"retry.backoff",
		"retry.jitter",
		"hot_tier.capacity",
		"store.dsn is required",
	} {
		assert.ErrorContains(t, err, want)
	}

	_, err = s.RetryPolicy()
	assert.Error(t, err)
}
