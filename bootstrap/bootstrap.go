// Package bootstrap wires the coopkit runtime together as an fx.App, the
// composition root's idiom the teacher itself builds its gRPC service
// with (cmd.NewApp / infra/client/di's fx.Module pattern): constructors
// declared with fx.Provide, lifecycle hooks appended with fx.Lifecycle so
// shutdown order follows construction order automatically.
package bootstrap

import (
	"context"
	"log/slog"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/fx"

	"github.com/coopkit/coopkit/config"
	"github.com/coopkit/coopkit/disp/onethread"
	"github.com/coopkit/coopkit/env"
	"github.com/coopkit/coopkit/timer"
	timerheap "github.com/coopkit/coopkit/timer/heap"
	timerlist "github.com/coopkit/coopkit/timer/list"
	timerwheel "github.com/coopkit/coopkit/timer/wheel"
)

// Params are the values a caller supplies that can't be constructed by fx
// on its own: the config file path and the flag set it should be bound to.
type Params struct {
	ConfigPath string
	Flags      *pflag.FlagSet
}

// New assembles an fx.App that provides a *config.Loader and a
// *env.Environment, and registers a shutdown hook that calls
// Environment.Stop on OnStop. initFn runs once the environment exists,
// the same role cmd.NewApp's fx.Invoke callbacks play in the teacher.
func New(p Params, initFn func(*env.Environment) error) *fx.App {
	if p.Flags == nil {
		p.Flags = pflag.NewFlagSet("coopkit", pflag.ContinueOnError)
	}

	return fx.New(
		fx.Provide(
			func() (*config.Loader, error) { return config.New(p.ConfigPath, p.Flags) },
			provideEnvironment,
		),
		fx.Invoke(func(lc fx.Lifecycle, e *env.Environment) error {
			if err := initFn(e); err != nil {
				return err
			}
			lc.Append(fx.Hook{
				OnStop: func(ctx context.Context) error {
					e.Stop()
					return nil
				},
			})
			return nil
		}),
	)
}

func provideEnvironment(loader *config.Loader) *env.Environment {
	cfg := loader.Current()
	return env.New(func(o *env.Options) {
		o.Logger = slog.Default()
		o.TimerEngine = timerEngine(cfg.TimerEngine)
		if d := firstDispatcher(cfg); d != nil {
			o.DefaultBinder = onethread.New(d.Name, d.IdleBackoff)
		}
	})
}

// timerEngine resolves the configured engine name to a concrete
// timer.Engine, defaulting to the exact container/heap implementation
// when the name is unrecognized.
func timerEngine(name string) timer.Engine {
	switch name {
	case "wheel":
		return timerwheel.New(10*time.Millisecond, 512)
	case "list":
		return timerlist.New(10 * time.Millisecond)
	default:
		return timerheap.New()
	}
}

func firstDispatcher(cfg config.Config) *config.Dispatcher {
	if len(cfg.Dispatchers) == 0 {
		return nil
	}
	return &cfg.Dispatchers[0]
}
