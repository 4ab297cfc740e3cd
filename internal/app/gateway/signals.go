package gateway

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/dataforeman/connectivity/pkg/log"
)

// NotifyContext is cancelled on SIGINT or SIGTERM. SIGHUP reopens the log
// file until the returned stop function runs.
func NotifyContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				if err := log.Reopen(); err != nil {
					log.WithComponent("gateway").Error().Err(err).Msg("reopen log")
					continue
				}
				log.WithComponent("gateway").Info().Msg("log reopened")
			}
		}
	}()

	return ctx, func() {
		signal.Stop(hup)
		stop()
	}
}
