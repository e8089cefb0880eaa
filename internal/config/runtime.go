package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/roach88/autotag/internal/dispatch"
	"github.com/roach88/autotag/internal/engine"
	"github.com/roach88/autotag/internal/policy"
	"github.com/roach88/autotag/internal/store"
)

// EnvPrefix prefixes every environment override, e.g. AUTOTAG_DB_PATH.
const EnvPrefix = "AUTOTAG"

// Config keys.
const (
	KeyReconcileInterval    = "reconcile_interval"
	KeyRatioRefreshInterval = "ratio_refresh_interval"
	KeyPolicySyncInterval   = "policy_sync_interval"
	KeyStateChangeWindow    = "state_change_window"
	KeyDebounceWindow       = "debounce_window"
	KeyBulkDeleteGrace      = "bulk_delete_grace"
	KeyDispatcherWorkers    = "dispatcher_workers"
	KeyDBPath               = "db_path"
	KeyFlushDelay           = "flush_delay"
	KeyFlushMaxDelay        = "flush_max_delay"
	KeyLogLevel             = "log_level"
)

// Runtime holds the process-wide tunables.
type Runtime struct {
	ReconcileInterval    time.Duration
	RatioRefreshInterval time.Duration
	PolicySyncInterval   time.Duration
	StateChangeWindow    time.Duration
	DebounceWindow       time.Duration
	BulkDeleteGrace      time.Duration
	DispatcherWorkers    int

	// DBPath is the SQLite attribute store. Empty means no persistence.
	DBPath        string
	FlushDelay    time.Duration
	FlushMaxDelay time.Duration

	LogLevel string
}

// DefaultRuntime returns the built-in settings.
func DefaultRuntime() Runtime {
	return Runtime{
		ReconcileInterval:    engine.DefaultReconcileInterval,
		RatioRefreshInterval: policy.DefaultRefreshInterval,
		PolicySyncInterval:   policy.DefaultSyncInterval,
		StateChangeWindow:    engine.DefaultStateChangeWindow,
		DebounceWindow:       engine.DefaultDebounceWindow,
		BulkDeleteGrace:      policy.DefaultBulkDeleteGrace,
		DispatcherWorkers:    dispatch.DefaultWorkers,
		FlushDelay:           store.DefaultFlushDelay,
		FlushMaxDelay:        store.DefaultMaxFlushDelay,
		LogLevel:             "info",
	}
}

// LoadRuntime resolves settings from defaults, then the YAML file at path
// (skipped when path is empty), then AUTOTAG_* environment variables.
func LoadRuntime(path string) (Runtime, error) {
	def := DefaultRuntime()

	v := viper.New()
	v.SetDefault(KeyReconcileInterval, def.ReconcileInterval)
	v.SetDefault(KeyRatioRefreshInterval, def.RatioRefreshInterval)
	v.SetDefault(KeyPolicySyncInterval, def.PolicySyncInterval)
	v.SetDefault(KeyStateChangeWindow, def.StateChangeWindow)
	v.SetDefault(KeyDebounceWindow, def.DebounceWindow)
	v.SetDefault(KeyBulkDeleteGrace, def.BulkDeleteGrace)
	v.SetDefault(KeyDispatcherWorkers, def.DispatcherWorkers)
	v.SetDefault(KeyDBPath, def.DBPath)
	v.SetDefault(KeyFlushDelay, def.FlushDelay)
	v.SetDefault(KeyFlushMaxDelay, def.FlushMaxDelay)
	v.SetDefault(KeyLogLevel, def.LogLevel)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Runtime{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	r := Runtime{
		ReconcileInterval:    v.GetDuration(KeyReconcileInterval),
		RatioRefreshInterval: v.GetDuration(KeyRatioRefreshInterval),
		PolicySyncInterval:   v.GetDuration(KeyPolicySyncInterval),
		StateChangeWindow:    v.GetDuration(KeyStateChangeWindow),
		DebounceWindow:       v.GetDuration(KeyDebounceWindow),
		BulkDeleteGrace:      v.GetDuration(KeyBulkDeleteGrace),
		DispatcherWorkers:    v.GetInt(KeyDispatcherWorkers),
		DBPath:               v.GetString(KeyDBPath),
		FlushDelay:           v.GetDuration(KeyFlushDelay),
		FlushMaxDelay:        v.GetDuration(KeyFlushMaxDelay),
		LogLevel:             v.GetString(KeyLogLevel),
	}
	if err := r.Validate(); err != nil {
		return Runtime{}, err
	}
	return r, nil
}

// Validate reports every out-of-range setting.
func (r Runtime) Validate() error {
	var errs []error
	type setting struct {
		key string
		d   time.Duration
	}
	for _, st := range []setting{
		{KeyReconcileInterval, r.ReconcileInterval},
		{KeyRatioRefreshInterval, r.RatioRefreshInterval},
		{KeyPolicySyncInterval, r.PolicySyncInterval},
		{KeyFlushDelay, r.FlushDelay},
		{KeyFlushMaxDelay, r.FlushMaxDelay},
	} {
		if st.d <= 0 {
			errs = append(errs, fmt.Errorf("%s: must be positive, got %s", st.key, st.d))
		}
	}
	for _, st := range []setting{
		{KeyStateChangeWindow, r.StateChangeWindow},
		{KeyDebounceWindow, r.DebounceWindow},
		{KeyBulkDeleteGrace, r.BulkDeleteGrace},
	} {
		if st.d < 0 {
			errs = append(errs, fmt.Errorf("%s: must not be negative, got %s", st.key, st.d))
		}
	}
	if r.DispatcherWorkers < 1 {
		errs = append(errs, fmt.Errorf("%s: must be at least 1, got %d", KeyDispatcherWorkers, r.DispatcherWorkers))
	}
	if r.FlushMaxDelay > 0 && r.FlushDelay > r.FlushMaxDelay {
		errs = append(errs, fmt.Errorf("%s: %s exceeds %s %s", KeyFlushDelay, r.FlushDelay, KeyFlushMaxDelay, r.FlushMaxDelay))
	}
	if _, err := ParseLevel(r.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Level returns the configured slog level.
func (r Runtime) Level() slog.Level {
	l, err := ParseLevel(r.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return l
}

// ParseLevel maps debug, info, warn or error to a slog level.
func ParseLevel(name string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo, fmt.Errorf("%s: unknown level %q", KeyLogLevel, name)
	}
	return l, nil
}

// EngineOptions returns the reconciliation engine options for r.
func (r Runtime) EngineOptions() []engine.Option {
	return []engine.Option{
		engine.WithReconcileInterval(r.ReconcileInterval),
		engine.WithStateChangeWindow(r.StateChangeWindow),
		engine.WithDebounceWindow(r.DebounceWindow),
	}
}

// PolicyOptions returns the policy engine options for r.
func (r Runtime) PolicyOptions() []policy.Option {
	return []policy.Option{
		policy.WithRefreshInterval(r.RatioRefreshInterval),
		policy.WithSyncInterval(r.PolicySyncInterval),
		policy.WithBulkDeleteGrace(r.BulkDeleteGrace),
	}
}

// DispatchOptions returns the dispatcher options for r.
func (r Runtime) DispatchOptions() []dispatch.Option {
	return []dispatch.Option{dispatch.WithWorkers(r.DispatcherWorkers)}
}

// StoreOptions returns the attribute store options for r.
func (r Runtime) StoreOptions() []store.Option {
	return []store.Option{
		store.WithFlushDelay(r.FlushDelay),
		store.WithMaxFlushDelay(r.FlushMaxDelay),
	}
}
