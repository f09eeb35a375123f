// Package slotwait blocks until the ledger crosses a slot or epoch boundary.
//
// It only polls; there is no subscription to slot notifications.
package slotwait

import (
	"context"
	"time"

	"k8s.io/klog/v2"
)

const (
	DefaultPollInterval   = 250 * time.Millisecond
	DefaultBoundaryMargin = 500 * time.Millisecond
)

// SlotSource reports the current slot of the ledger.
type SlotSource interface {
	Slot(ctx context.Context) (uint64, error)
}

type Waiter struct {
	source        SlotSource
	slotsPerEpoch uint64
	pollInterval  time.Duration
	margin        time.Duration
}

type Option func(*Waiter)

// WithPollInterval sets the pause between two slot queries.
func WithPollInterval(d time.Duration) Option {
	return func(w *Waiter) {
		w.pollInterval = d
	}
}

// WithBoundaryMargin sets how long to wait after the last slot of an epoch was seen.
// The epoch change is not visible in the slot counter right away, so this is a safety margin
// that depends on the target ledger.
func WithBoundaryMargin(d time.Duration) Option {
	return func(w *Waiter) {
		w.margin = d
	}
}

func New(source SlotSource, slotsPerEpoch uint64, opts ...Option) *Waiter {
	if slotsPerEpoch == 0 {
		panic("slotwait: slotsPerEpoch must be greater than zero")
	}
	w := &Waiter{
		source:        source,
		slotsPerEpoch: slotsPerEpoch,
		pollInterval:  DefaultPollInterval,
		margin:        DefaultBoundaryMargin,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// WaitForNextSlot blocks until the slot differs from the one observed at call time.
func (w *Waiter) WaitForNextSlot(ctx context.Context) (uint64, error) {
	start, err := w.currentSlot(ctx)
	if err != nil {
		return 0, err
	}
	slot := start
	for slot == start {
		if err := sleep(ctx, w.pollInterval); err != nil {
			return 0, err
		}
		slot, err = w.currentSlot(ctx)
		if err != nil {
			return 0, err
		}
	}
	return slot, nil
}

// WaitForNextEpoch blocks until the ledger crosses the next epoch boundary.
//
// It returns once the last slot of the current epoch has been observed (plus the
// boundary margin), or once a poll shows that the epoch already advanced because the
// last slot was skipped between two polls.
func (w *Waiter) WaitForNextEpoch(ctx context.Context) error {
	var startEpoch uint64
	first := true
	for {
		slot, err := w.currentSlot(ctx)
		if err != nil {
			return err
		}
		epoch := EpochForSlot(slot, w.slotsPerEpoch)
		if first {
			startEpoch = epoch
			first = false
			klog.V(2).Infof("waiting for end of epoch %d (slot %d, %d slots remaining)",
				epoch, slot, SlotsRemainingInEpoch(slot, w.slotsPerEpoch))
		}
		if err := sleep(ctx, w.pollInterval); err != nil {
			return err
		}
		if IsLastSlotOfEpoch(slot, w.slotsPerEpoch) || epoch > startEpoch {
			klog.V(2).Infof("epoch boundary reached at slot %d", slot)
			return sleep(ctx, w.margin)
		}
	}
}

// currentSlot polls until the source answers; query errors are retried at the poll interval.
func (w *Waiter) currentSlot(ctx context.Context) (uint64, error) {
	for {
		slot, err := w.source.Slot(ctx)
		if err == nil {
			return slot, nil
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		klog.V(3).Infof("failed to get slot, retrying: %v", err)
		if err := sleep(ctx, w.pollInterval); err != nil {
			return 0, err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
