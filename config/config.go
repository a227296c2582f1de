// Package config implements the runtime-reloadable configuration layer of
// spec §4.14: rate-limiter quotas, dispatcher tuning knobs, and timer
// engine selection are loaded through viper (bound to pflag command-line
// flags the way the teacher's own entrypoints do), and a fsnotify-backed
// watch lets quotas change without restarting the environment.
package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// LimitRule is one rate-limit entry expressed in config terms so it can be
// loaded from YAML/env/flags. limiter.Quota counts in-flight demands only;
// Interval has no counterpart there.
type LimitRule struct {
	MessageType string        `mapstructure:"message_type"`
	Count       int           `mapstructure:"count"`
	Interval    time.Duration `mapstructure:"interval"`
}

// Dispatcher holds the tunables of spec §4.9's dispatcher family that make
// sense to reconfigure without a rebuild.
type Dispatcher struct {
	Name              string        `mapstructure:"name"`
	Workers           int           `mapstructure:"workers"`
	MaxDemandsAtOnce  int           `mapstructure:"max_demands_at_once"`
	IdleBackoff       time.Duration `mapstructure:"idle_backoff"`
}

// Config is the full set of values an Environment bootstraps from.
type Config struct {
	TimerEngine string       `mapstructure:"timer_engine"`
	Limits      []LimitRule  `mapstructure:"limits"`
	Dispatchers []Dispatcher `mapstructure:"dispatchers"`
}

// Loader wraps a *viper.Viper bound to a pflag.FlagSet, re-parsing Config
// on every change and publishing it to subscribers.
type Loader struct {
	v *viper.Viper

	mu      sync.RWMutex
	current Config

	subMu sync.Mutex
	subs  []func(Config)
}

// New builds a Loader reading from file configPath (may be empty, in which
// case only flags/env apply) and registers the standard flag set on fs.
func New(configPath string, fs *pflag.FlagSet) (*Loader, error) {
	v := viper.New()
	v.SetEnvPrefix("coopkit")
	v.AutomaticEnv()

	fs.String("timer-engine", "heap", "timer engine to use: heap, wheel, or list")
	if err := v.BindPFlag("timer_engine", fs.Lookup("timer-engine")); err != nil {
		return nil, fmt.Errorf("config: bind timer-engine flag: %w", err)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", configPath, err)
		}
	}

	l := &Loader{v: v}
	if err := l.reload(); err != nil {
		return nil, err
	}

	if configPath != "" {
		v.OnConfigChange(func(_ any) {
			if err := l.reload(); err == nil {
				l.notify()
			}
		})
		v.WatchConfig()
	}
	return l, nil
}

func (l *Loader) reload() error {
	var c Config
	if err := l.v.Unmarshal(&c); err != nil {
		return fmt.Errorf("config: unmarshal: %w", err)
	}
	l.mu.Lock()
	l.current = c
	l.mu.Unlock()
	return nil
}

func (l *Loader) notify() {
	l.mu.RLock()
	c := l.current
	l.mu.RUnlock()

	l.subMu.Lock()
	subs := append([]func(Config){}, l.subs...)
	l.subMu.Unlock()
	for _, fn := range subs {
		fn(c)
	}
}

// Current returns the most recently loaded Config.
func (l *Loader) Current() Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers fn to run every time the underlying file changes and
// is successfully reloaded.
func (l *Loader) OnChange(fn func(Config)) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	l.subs = append(l.subs, fn)
}
