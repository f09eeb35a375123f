// Package harness drives the migration run: workers submitting transfers, the
// monitor simulating them, and the controller that triggers and verifies the swap.
package harness

import (
	"context"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/rpcpool/migration-sim/gateway"
)

// Ledger is the subset of the gateway the harness calls.
type Ledger interface {
	Submit(ctx context.Context, instructions []solana.Instruction, payer solana.PrivateKey, signers ...solana.PrivateKey) (solana.Signature, error)
	Simulate(ctx context.Context, instructions []solana.Instruction, payer solana.PrivateKey, signers ...solana.PrivateKey) (*gateway.Simulation, error)
	Account(ctx context.Context, address solana.PublicKey) (*gateway.Account, error)
	Owner(ctx context.Context, address solana.PublicKey) (solana.PublicKey, error)
	Slot(ctx context.Context) (uint64, error)
	MinimumBalanceForRentExemption(ctx context.Context, size uint64) (uint64, error)
}

var _ Ledger = (*gateway.Client)(nil)

// RunContext is shared, read-only, by the controller, every worker and the monitor.
type RunContext struct {
	Gateway       Ledger
	Payer         solana.PrivateKey
	SlotsPerEpoch uint64
}

// pause sleeps for d; it returns early only if ctx is done.
func pause(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
