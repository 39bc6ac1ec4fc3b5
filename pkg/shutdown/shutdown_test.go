package shutdown

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// signal.Notify starts a process-wide receiver that never exits.
var signalLoop = []goleak.Option{
	goleak.IgnoreTopFunction("os/signal.signal_recv"),
	goleak.IgnoreTopFunction("os/signal.loop"),
}

func TestSignalCancels(t *testing.T) {
	defer goleak.VerifyNone(t, signalLoop...)
	ctx, cancel := SetupSignalHandler(context.Background())
	defer cancel()

	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGTERM))
	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("context not canceled by SIGTERM")
	}
}

func TestCancelStopsWatcher(t *testing.T) {
	defer goleak.VerifyNone(t, signalLoop...)
	ctx, cancel := SetupSignalHandler(context.Background())
	cancel()
	<-ctx.Done()
}
