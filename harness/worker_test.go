package harness

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/rpcpool/migration-sim/status"
	"github.com/stretchr/testify/require"
)

func TestWorkerCountsEveryIteration(t *testing.T) {
	ledger := newFakeLedger()
	var calls int
	ledger.failTransfer = func(slot uint64) error {
		calls++
		if calls%2 == 0 {
			return errors.New("would exceed max block cost")
		}
		return nil
	}
	run := &RunContext{Gateway: ledger, Payer: solana.NewWallet().PrivateKey, SlotsPerEpoch: 50}
	pair := testPair()
	sink := &recordingSink{}
	line := sink.NewLine(status.StyleElapsed).(*recordedLine)
	cancelled := new(Signal)
	w := NewWorker(7, run, pair, line, cancelled, time.Millisecond)
	require.Equal(t, 7, w.ID())

	go w.Run(context.Background())
	require.Eventually(t, func() bool {
		return len(ledger.transfersBy(pair.Authority.PublicKey())) >= 6
	}, 5*time.Second, time.Millisecond)
	cancelled.Set()
	stats := w.Stats()

	recs := ledger.transfersBy(pair.Authority.PublicKey())
	require.EqualValues(t, len(recs), stats.Iterations())
	require.Positive(t, stats.Success)
	require.Positive(t, stats.Errors)
	require.Equal(t, 7, stats.ID)

	_, msg := line.get()
	require.Contains(t, msg, "client #07")
}

func TestWorkerStopsOnCancelledSignal(t *testing.T) {
	ledger := newFakeLedger()
	run := &RunContext{Gateway: ledger, Payer: solana.NewWallet().PrivateKey, SlotsPerEpoch: 50}
	cancelled := new(Signal)
	cancelled.Set()
	line := &recordedLine{}
	w := NewWorker(1, run, testPair(), line, cancelled, time.Millisecond)

	require.NoError(t, w.Run(context.Background()))
	require.Zero(t, w.Stats().Iterations())
	_, msg := line.get()
	require.Equal(t, "client #01 | ✅ 0 ❌ 0", msg)
}
