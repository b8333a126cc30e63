// Package signals cancels a shared context on POSIX shutdown signals so
// the server and agent entry points can drain cleanly.
package signals

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
)

var registered = make(chan struct{})

// SetupSignalContext returns a context that is cancelled on the first
// SIGINT or SIGTERM. A second signal terminates the process with exit
// code 1 so a stuck teardown cannot keep it alive. Calling this more
// than once per process panics.
func SetupSignalContext() context.Context {
	close(registered) // second call panics

	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-ch
		logrus.Infof("%s received, shutting down", sig)
		cancel()
		sig = <-ch
		logrus.Errorf("%s received during shutdown, exiting", sig)

		//revive:disable-next-line:deep-exit
		os.Exit(1)
	}()

	return ctx
}
