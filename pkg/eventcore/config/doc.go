/*
Package config loads eventcore settings from YAML or JSON and the environment.

# Documents

Config wraps a decoded document and extracts typed values with defaults.
Keys may be dotted paths into nested maps:

	cfg, err := config.FromYAML([]byte(`
	retry:
	  max_attempts: 5
	  initial_delay: 250ms
	`))

	attempts := cfg.Int("retry.max_attempts", 3)             // 5
	delay := cfg.Duration("retry.initial_delay", time.Second) // 250ms

Duration accepts a time.ParseDuration string, a time.Duration, or a bare
number of milliseconds. Int accepts whole float64 values, which is how JSON
numbers decode.

File loaders expand ${VAR} references from the process environment before
parsing.

# Settings

Settings is the typed form used to build a bus, a hot-tier store, a
dead-letter queue, and an event store:

	s, err := config.Load("eventcore.yaml")

Load overlays the file onto DefaultSettings, then applies EVENTCORE_*
environment variables, then validates:

	EVENTCORE_BUS_HISTORY_LIMIT      EVENTCORE_RETRY_MAX_ATTEMPTS
	EVENTCORE_BUS_OBSERVER_BUFFER    EVENTCORE_RETRY_BACKOFF
	EVENTCORE_BUS_HANDLER_TIMEOUT    EVENTCORE_RETRY_INITIAL_DELAY
	EVENTCORE_HOTTIER_CAPACITY       EVENTCORE_RETRY_MAX_DELAY
	EVENTCORE_HOTTIER_RETENTION_DAYS EVENTCORE_RETRY_JITTER
	EVENTCORE_DLQ_MAX_SIZE           EVENTCORE_STORE_DRIVER
	EVENTCORE_STORE_DSN
*/
package config
