// Package bootstrap wires the control plane's components together
// from Config and runs them as a set of supervised goroutines,
// grounded on the teacher's common/app.go Launcher pattern — adapted
// here to carry a context.Context through Run so every component can
// be cancelled on shutdown, something the teacher's Launcher (whose
// App.Run takes only a *Launcher) has no way to express.
package bootstrap

import (
	"context"
	"fmt"
	"sync"

	"github.com/wavelens/gradient-sub000/common/console"
	"github.com/wavelens/gradient-sub000/internal/obs/log"
)

// App is a long-running component started by a Launcher. It should
// block until ctx is cancelled and return the reason, mirroring the
// Scheduler/Packer/http server Run(ctx) error shape every other
// package in this module already uses.
type App interface {
	Run(ctx context.Context) error
}

// AppFunc adapts a plain function to App.
type AppFunc func(ctx context.Context) error

func (f AppFunc) Run(ctx context.Context) error { return f(ctx) }

// LauncherOption configures a Launcher before Run.
type LauncherOption func(l *Launcher)

// WithLogger attaches the Logger a Launcher reports its own
// start/stop banner through.
func WithLogger(logger log.Logger) LauncherOption {
	return func(l *Launcher) { l.Logger = logger }
}

// RunApp registers a named component to start when Run is called.
func RunApp(name string, app App) LauncherOption {
	return func(l *Launcher) { l.apps[name] = app }
}

// Launcher starts every registered App in its own goroutine and waits
// for all of them to return, logging each component's start/stop the
// way the teacher's Launcher does.
type Launcher struct {
	Logger log.Logger
	apps   map[string]App
	wg     sync.WaitGroup
}

// NewLauncher builds a Launcher with no components registered.
func NewLauncher(opts ...LauncherOption) *Launcher {
	l := &Launcher{apps: make(map[string]App)}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Run starts every registered App and blocks until ctx is cancelled
// and every App has returned. Each App's error is logged, not
// propagated — one component failing should not prevent the others
// from shutting down cleanly when ctx is cancelled.
func (l *Launcher) Run(ctx context.Context) {
	fmt.Println(console.Title("gradient control plane"))
	l.Logger.Infof("starting %d component(s)", len(l.apps))

	l.wg.Add(len(l.apps))

	for name, app := range l.apps {
		go func(name string, app App) {
			defer l.wg.Done()

			l.Logger.Infof("component %q starting", name)

			if err := app.Run(ctx); err != nil && ctx.Err() == nil {
				l.Logger.Errorf("component %q exited: %v", name, err)
			}

			l.Logger.Infof("component %q stopped", name)
		}(name, app)
	}

	<-ctx.Done()
	l.wg.Wait()
	l.Logger.Info("launcher: all components stopped")
}
