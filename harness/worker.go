package harness

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gagliardetto/solana-go"
	"github.com/rpcpool/migration-sim/metrics"
	"github.com/rpcpool/migration-sim/provision"
	"github.com/rpcpool/migration-sim/status"
	"k8s.io/klog/v2"
)

const DefaultWorkerBackoff = 200 * time.Millisecond

// WorkerStats is a worker's tally; Success+Errors is the number of completed iterations.
type WorkerStats struct {
	ID      int
	Success uint64
	Errors  uint64
}

func (s WorkerStats) Iterations() uint64 {
	return s.Success + s.Errors
}

// Worker submits one transfer per iteration until the cancellation signal is set.
// A failed submission is counted and followed by a fixed pause; the next iteration
// is the retry.
type Worker struct {
	id        int
	run       *RunContext
	pair      *provision.ResourcePair
	line      status.Line
	cancelled *Signal
	backoff   time.Duration

	stats WorkerStats
	done  chan struct{}
}

func NewWorker(id int, run *RunContext, pair *provision.ResourcePair, line status.Line, cancelled *Signal, backoff time.Duration) *Worker {
	return &Worker{
		id:        id,
		run:       run,
		pair:      pair,
		line:      line,
		cancelled: cancelled,
		backoff:   backoff,
		stats:     WorkerStats{ID: id},
		done:      make(chan struct{}),
	}
}

func (w *Worker) ID() int {
	return w.id
}

// Run loops until the cancellation signal is observed at the top of an iteration.
// An in-flight submission is always allowed to finish.
func (w *Worker) Run(ctx context.Context) error {
	defer close(w.done)
	label := strconv.Itoa(w.id)
	w.report()

	for !w.cancelled.IsSet() && ctx.Err() == nil {
		err := w.submit(ctx)
		if err == nil {
			w.stats.Success++
		} else {
			w.stats.Errors++
			klog.V(4).Infof("client #%02d: transfer failed: %v", w.id, err)
		}
		metrics.WorkerTransfers.WithLabelValues(label, metrics.StatusLabel(err)).Inc()
		w.report()

		if err != nil {
			pause(ctx, w.backoff)
		}
	}
	klog.V(2).Infof("client #%02d stopped: %d ok, %d failed", w.id, w.stats.Success, w.stats.Errors)
	return nil
}

func (w *Worker) submit(ctx context.Context) error {
	transfer, err := w.pair.Transfer(1)
	if err != nil {
		return err
	}
	_, err = w.run.Gateway.Submit(ctx, []solana.Instruction{transfer}, w.run.Payer, w.pair.Authority)
	return err
}

func (w *Worker) report() {
	w.line.SetMessage(fmt.Sprintf(
		"client #%02d | ✅ %s ❌ %s",
		w.id,
		humanize.Comma(int64(w.stats.Success)),
		humanize.Comma(int64(w.stats.Errors)),
	))
}

// Stats returns the final tally. It blocks until Run has returned.
func (w *Worker) Stats() WorkerStats {
	<-w.done
	return w.stats
}
