package shutdown

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"chatsync/pkg/logger"
)

// SetupSignalHandler returns a context canceled on SIGINT or SIGTERM.
// SIGQUIT dumps goroutine stacks to the log without stopping. The cancel
// func stops watching.
func SetupSignalHandler(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGQUIT)

	go func() {
		defer signal.Stop(sigc)
		defer signal.Stop(quit)
		for {
			select {
			case s := <-sigc:
				logger.Info("signal_received", "signal", s.String(), "msg", "shutdown requested")
				cancel()
				return
			case s := <-quit:
				buf := make([]byte, 1<<20)
				n := runtime.Stack(buf, true)
				logger.Info("goroutine_stack_dump", "signal", s.String(), "dump", string(buf[:n]))
			case <-ctx.Done():
				return
			}
		}
	}()
	return ctx, cancel
}
