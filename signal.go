package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// errInterrupted is the cancel cause of a context stopped by a signal.
var errInterrupted = errors.New("interrupted")

// interruptExitCode is the status of a process killed by a second signal.
const interruptExitCode = 130

// exitFunc ends the process on a second signal.
var exitFunc = os.Exit

// shutdownContext returns a context canceled by the first SIGINT or SIGTERM,
// with a cause matching errInterrupted. A second signal exits at once.
func shutdownContext(parent context.Context, logger *slog.Logger) context.Context {
	ctx, cancel := context.WithCancelCause(parent)

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigs)
		watchSignals(ctx, parent, sigs, cancel, logger)
	}()

	return ctx
}

// interrupted reports whether ctx was stopped by a signal.
func interrupted(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), errInterrupted)
}

func watchSignals(
	ctx, parent context.Context, sigs <-chan os.Signal, cancel context.CancelCauseFunc, logger *slog.Logger,
) {
	select {
	case sig := <-sigs:
		logger.Info("stopping; copying tasks resume on the next run", slog.String("signal", sig.String()))
		cancel(fmt.Errorf("%w by %s", errInterrupted, sig))
	case <-ctx.Done():
		return
	}

	select {
	case sig := <-sigs:
		logger.Warn("second signal, exiting now", slog.String("signal", sig.String()))
		exitFunc(interruptExitCode)
	case <-parent.Done():
	}
}
