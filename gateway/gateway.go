// Package gateway wraps the ledger's JSON-RPC API: submit-and-confirm, simulate,
// account lookups and slot queries. Every other package reaches the ledger through it.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/rpcpool/migration-sim/metrics"
	"k8s.io/klog/v2"
)

var (
	// ErrAnchorExpired means the recent blockhash expired before the transaction was confirmed.
	ErrAnchorExpired = errors.New("blockhash expired before confirmation")
	// ErrAccountNotFound is returned by account lookups for accounts that do not exist.
	ErrAccountNotFound = errors.New("account not found")
)

const DefaultConfirmPollInterval = 100 * time.Millisecond

// TransactionError is a transaction the ledger executed (or preflighted) and rejected.
type TransactionError struct {
	Signature solana.Signature
	Err       any
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("transaction %s rejected: %v", e.Signature, e.Err)
}

// Simulation is the outcome of a dry run.
type Simulation struct {
	Err           any
	UnitsConsumed *uint64
	Logs          []string
}

// Failed returns true if the transaction would have failed.
func (s *Simulation) Failed() bool {
	return s.Err != nil
}

// Account is the subset of an account's state the harness looks at.
type Account struct {
	Owner      solana.PublicKey
	Lamports   uint64
	Executable bool
	Data       []byte
}

type Client struct {
	rpc          *rpc.Client
	commitment   rpc.CommitmentType
	confirmEvery time.Duration
}

type Option func(*Client)

func WithCommitment(commitment rpc.CommitmentType) Option {
	return func(c *Client) {
		c.commitment = commitment
	}
}

func WithConfirmPollInterval(d time.Duration) Option {
	return func(c *Client) {
		c.confirmEvery = d
	}
}

func New(rpcClient *rpc.Client, opts ...Option) *Client {
	c := &Client{
		rpc:          rpcClient,
		commitment:   rpc.CommitmentConfirmed,
		confirmEvery: DefaultConfirmPollInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func NewFromEndpoint(endpoint string, opts ...Option) *Client {
	return New(rpc.New(endpoint), opts...)
}

// RPC returns the underlying JSON-RPC client.
func (c *Client) RPC() *rpc.Client {
	return c.rpc
}

// Submit builds one transaction from the instructions, signs it with the payer and
// signers, sends it and blocks until the ledger confirms or rejects it.
func (c *Client) Submit(
	ctx context.Context,
	instructions []solana.Instruction,
	payer solana.PrivateKey,
	signers ...solana.PrivateKey,
) (sig solana.Signature, err error) {
	defer observe("submit", time.Now(), &err)

	anchor, err := c.rpc.GetLatestBlockhash(ctx, c.commitment)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to get latest blockhash: %w", err)
	}
	tx, err := buildTransaction(instructions, anchor.Value.Blockhash, payer, signers...)
	if err != nil {
		return solana.Signature{}, err
	}
	sig, err = c.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: c.commitment,
	})
	if err != nil {
		return tx.Signatures[0], &TransactionError{Signature: tx.Signatures[0], Err: err}
	}
	return sig, c.confirm(ctx, sig, anchor.Value.LastValidBlockHeight)
}

func (c *Client) confirm(ctx context.Context, sig solana.Signature, lastValidBlockHeight uint64) error {
	for {
		statuses, err := c.rpc.GetSignatureStatuses(ctx, false, sig)
		if err != nil {
			klog.V(5).Infof("signature status for %s: %v", sig, err)
		} else if len(statuses.Value) > 0 && statuses.Value[0] != nil {
			status := statuses.Value[0]
			if status.Err != nil {
				return &TransactionError{Signature: sig, Err: status.Err}
			}
			switch status.ConfirmationStatus {
			case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
				return nil
			}
		}

		height, err := c.rpc.GetBlockHeight(ctx, c.commitment)
		if err == nil && height > lastValidBlockHeight {
			return fmt.Errorf("%w: %s (block height %d > %d)", ErrAnchorExpired, sig, height, lastValidBlockHeight)
		}

		timer := time.NewTimer(c.confirmEvery)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Simulate builds and signs the same transaction as Submit would, and dry-runs it
// without changing ledger state.
func (c *Client) Simulate(
	ctx context.Context,
	instructions []solana.Instruction,
	payer solana.PrivateKey,
	signers ...solana.PrivateKey,
) (sim *Simulation, err error) {
	defer observe("simulate", time.Now(), &err)

	anchor, err := c.rpc.GetLatestBlockhash(ctx, c.commitment)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest blockhash: %w", err)
	}
	tx, err := buildTransaction(instructions, anchor.Value.Blockhash, payer, signers...)
	if err != nil {
		return nil, err
	}
	resp, err := c.rpc.SimulateTransactionWithOpts(ctx, tx, &rpc.SimulateTransactionOpts{
		SigVerify:  true,
		Commitment: c.commitment,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to simulate transaction: %w", err)
	}
	if resp.Value == nil {
		return nil, fmt.Errorf("empty simulation result")
	}
	return &Simulation{
		Err:           resp.Value.Err,
		UnitsConsumed: resp.Value.UnitsConsumed,
		Logs:          resp.Value.Logs,
	}, nil
}

// Account fetches the account's owner, balance and data.
func (c *Client) Account(ctx context.Context, address solana.PublicKey) (acc *Account, err error) {
	defer observe("account", time.Now(), &err)

	res, err := c.rpc.GetAccountInfoWithOpts(ctx, address, &rpc.GetAccountInfoOpts{
		Commitment: c.commitment,
	})
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, address)
		}
		return nil, fmt.Errorf("failed to get account %s: %w", address, err)
	}
	if res == nil || res.Value == nil {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, address)
	}
	acc = &Account{
		Owner:      res.Value.Owner,
		Lamports:   res.Value.Lamports,
		Executable: res.Value.Executable,
	}
	if res.Value.Data != nil {
		acc.Data = res.Value.Data.GetBinary()
	}
	return acc, nil
}

// Owner returns the program that owns the account.
func (c *Client) Owner(ctx context.Context, address solana.PublicKey) (solana.PublicKey, error) {
	acc, err := c.Account(ctx, address)
	if err != nil {
		return solana.PublicKey{}, err
	}
	return acc.Owner, nil
}

// Slot returns the current slot.
func (c *Client) Slot(ctx context.Context) (slot uint64, err error) {
	defer observe("slot", time.Now(), &err)
	return c.rpc.GetSlot(ctx, c.commitment)
}

func (c *Client) MinimumBalanceForRentExemption(ctx context.Context, size uint64) (lamports uint64, err error) {
	defer observe("rent", time.Now(), &err)
	return c.rpc.GetMinimumBalanceForRentExemption(ctx, size, c.commitment)
}

// Healthy returns true when the node reports itself healthy.
func (c *Client) Healthy(ctx context.Context) bool {
	health, err := c.rpc.GetHealth(ctx)
	return err == nil && health == "ok"
}

func buildTransaction(
	instructions []solana.Instruction,
	blockhash solana.Hash,
	payer solana.PrivateKey,
	signers ...solana.PrivateKey,
) (*solana.Transaction, error) {
	tx, err := solana.NewTransaction(instructions, blockhash, solana.TransactionPayer(payer.PublicKey()))
	if err != nil {
		return nil, fmt.Errorf("failed to build transaction: %w", err)
	}
	keys := make(map[solana.PublicKey]solana.PrivateKey, len(signers)+1)
	keys[payer.PublicKey()] = payer
	for _, signer := range signers {
		keys[signer.PublicKey()] = signer
	}
	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if priv, ok := keys[key]; ok {
			return &priv
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	return tx, nil
}

func observe(method string, startedAt time.Time, err *error) {
	metrics.GatewayLatencyHistogram.WithLabelValues(method).Observe(time.Since(startedAt).Seconds())
	metrics.GatewayCallsByMethod.WithLabelValues(method, metrics.StatusLabel(*err)).Inc()
}
