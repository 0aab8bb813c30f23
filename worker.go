package testhost

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/ethereum-optimism/infra/op-testhost/metrics"
	"github.com/ethereum-optimism/infra/op-testhost/reporting"
	"github.com/ethereum-optimism/infra/op-testhost/testapp"
	"github.com/ethereum-optimism/infra/op-testhost/types"
	"github.com/ethereum/go-ethereum/log"
)

// worker is the unit of work of the action queue: one test application per call
type worker struct {
	log      log.Logger
	runID    string
	tracer   trace.Tracer
	arena    *testapp.Arena
	consumer *reporting.Consumer
	opts     testapp.RunOptions
}

// execute runs a module to completion and returns true if it failed
func (w *worker) execute(ctx context.Context, module types.TestModule) bool {
	handle := w.arena.NewHandle(module)
	ctx, span := w.tracer.Start(ctx, fmt.Sprintf("application %s", filepath.Base(module.Path)))
	defer span.End()

	var started bool
	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		for ev := range handle.Events() {
			if ev.Kind == testapp.KindRun {
				started = true
				w.arena.Activate(handle.ID())
				metrics.RecordApplicationStarted(w.runID)
			}
			w.consumer.Handle(ev)
		}
	}()

	start := time.Now()
	failed, err := handle.Run(ctx, w.opts)
	<-dispatched
	if err != nil {
		w.log.Error("Failed to run test application", "id", handle.ID(), "module", module.Path, "err", err)
		span.RecordError(err)
		failed = true
	}
	if started {
		metrics.RecordApplicationCompleted(w.runID, failed, time.Since(start))
	} else {
		metrics.RecordError("application_launch_failed")
	}
	return failed
}
