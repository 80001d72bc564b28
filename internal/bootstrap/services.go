package bootstrap

import (
	"context"
	"fmt"
)

// Services registers every long-running component on a fresh
// Launcher, named the way the teacher's RunApp("ledger", ...) calls
// name each service in its own bootstrap/service.go.
func (d *Dependencies) Services() *Launcher {
	return NewLauncher(
		WithLogger(d.Logger),
		RunApp("evaluation-scheduler", AppFunc(d.Evaluation.Run)),
		RunApp("build-scheduler", AppFunc(d.Build.Run)),
		RunApp("cache-packer", AppFunc(d.CachePacker.Run)),
		RunApp("http-api", AppFunc(d.runHTTP)),
	)
}

// runHTTP starts the fiber router and blocks until ctx is cancelled,
// translating the fiber's address/error convention into the Run(ctx)
// error shape every other component in this module already uses.
func (d *Dependencies) runHTTP(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", d.Config.ServerBindIP, d.Config.ServerBindPort)

	errCh := make(chan error, 1)

	go func() { errCh <- d.HTTPRouter.Listen(addr) }()

	select {
	case <-ctx.Done():
		return d.HTTPRouter.ShutdownWithContext(context.Background())
	case err := <-errCh:
		return err
	}
}
