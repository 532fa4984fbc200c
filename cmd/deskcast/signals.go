package main

import (
	"context"
	"os"
	"sync"

	"github.com/ChristophBellmann/chromecast-receiver/internal/domain"
)

// runWithSignals runs fn with a context that the first value on sigs
// cancels. sigs stays drained until fn returns, so a repeated interrupt
// during teardown is logged instead of killing the process with resources
// still held.
func runWithSignals(sigs <-chan os.Signal, log domain.Logger, fn func(context.Context) error) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			case sig := <-sigs:
				if ctx.Err() == nil {
					log.Info("stopping", "signal", sig.String())
					cancel()
					continue
				}
				log.Warn("already stopping", "signal", sig.String())
			}
		}
	}()

	err := fn(ctx)
	close(done)
	wg.Wait()
	return err
}
