// Package provision creates the token mint and the two token accounts that
// workers move value between.
package provision

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

const (
	// MintSize is the length of a packed token mint.
	MintSize = 82
	// AccountSize is the length of a packed token account.
	AccountSize = 165

	InitialSupply = 1_000_000_000

	// DefaultConcurrency bounds how many provisioning transactions are in flight at once.
	DefaultConcurrency = 4
)

// ErrProvision wraps every provisioning failure.
var ErrProvision = errors.New("provisioning failed")

// Ledger is what the provisioner needs from the gateway.
type Ledger interface {
	Submit(ctx context.Context, instructions []solana.Instruction, payer solana.PrivateKey, signers ...solana.PrivateKey) (solana.Signature, error)
	MinimumBalanceForRentExemption(ctx context.Context, size uint64) (uint64, error)
}

// ResourcePair is a mint with two token accounts, both controlled by Authority.
type ResourcePair struct {
	ProgramID solana.PublicKey
	Mint      solana.PublicKey
	AccountA  solana.PublicKey
	AccountB  solana.PublicKey
	Authority solana.PrivateKey
}

// Transfer returns the instruction moving amount units from AccountA to AccountB.
func (p *ResourcePair) Transfer(amount uint64) (solana.Instruction, error) {
	ix, err := token.NewTransferInstruction(
		amount,
		p.AccountA,
		p.AccountB,
		p.Authority.PublicKey(),
		nil,
	).ValidateAndBuild()
	if err != nil {
		return nil, err
	}
	return rehome(ix, p.ProgramID)
}

type Provisioner struct {
	ledger    Ledger
	programID solana.PublicKey
}

// New returns a provisioner creating accounts owned by programID, which must implement
// the token instruction set.
func New(ledger Ledger, programID solana.PublicKey) *Provisioner {
	return &Provisioner{
		ledger:    ledger,
		programID: programID,
	}
}

// Provision creates and initializes a mint and two token accounts in a single transaction,
// and mints the initial supply into account A. A rejected transaction is returned as is;
// there is no retry.
func (p *Provisioner) Provision(ctx context.Context, payer solana.PrivateKey, authority solana.PrivateKey) (*ResourcePair, error) {
	mint := solana.NewWallet().PrivateKey
	accountA := solana.NewWallet().PrivateKey
	accountB := solana.NewWallet().PrivateKey

	mintRent, err := p.ledger.MinimumBalanceForRentExemption(ctx, MintSize)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get mint rent: %w", ErrProvision, err)
	}
	accountRent, err := p.ledger.MinimumBalanceForRentExemption(ctx, AccountSize)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get account rent: %w", ErrProvision, err)
	}

	pair := &ResourcePair{
		ProgramID: p.programID,
		Mint:      mint.PublicKey(),
		AccountA:  accountA.PublicKey(),
		AccountB:  accountB.PublicKey(),
		Authority: authority,
	}
	instructions, err := p.instructions(payer.PublicKey(), pair, mintRent, accountRent)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProvision, err)
	}

	sig, err := p.ledger.Submit(ctx, instructions, payer, accountA, accountB, mint, authority)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProvision, err)
	}
	klog.V(3).Infof("provisioned mint %s with accounts %s and %s (tx %s)", pair.Mint, pair.AccountA, pair.AccountB, sig)
	return pair, nil
}

// ProvisionMany provisions n independent pairs, each with its own fresh authority.
// The first failure cancels the remaining work and is returned.
func (p *Provisioner) ProvisionMany(ctx context.Context, payer solana.PrivateKey, n int, concurrency int) ([]*ResourcePair, error) {
	pairs := make([]*ResourcePair, n)
	wg, ctx := errgroup.WithContext(ctx)
	if concurrency > 0 {
		wg.SetLimit(concurrency)
	}
	for i := 0; i < n; i++ {
		i := i
		wg.Go(func() error {
			pair, err := p.Provision(ctx, payer, solana.NewWallet().PrivateKey)
			if err != nil {
				return fmt.Errorf("pair %d: %w", i, err)
			}
			pairs[i] = pair
			return nil
		})
	}
	if err := wg.Wait(); err != nil {
		return nil, err
	}
	return pairs, nil
}

func (p *Provisioner) instructions(payer solana.PublicKey, pair *ResourcePair, mintRent, accountRent uint64) ([]solana.Instruction, error) {
	authority := pair.Authority.PublicKey()
	builders := []interface {
		ValidateAndBuild() (*token.Instruction, error)
	}{
		token.NewInitializeMintInstructionBuilder().
			SetDecimals(0).
			SetMintAuthority(authority).
			SetMintAccount(pair.Mint).
			SetSysVarRentPubkeyAccount(solana.SysVarRentPubkey),
		token.NewInitializeAccountInstruction(pair.AccountA, pair.Mint, authority, solana.SysVarRentPubkey),
		token.NewInitializeAccountInstruction(pair.AccountB, pair.Mint, authority, solana.SysVarRentPubkey),
		token.NewMintToInstruction(InitialSupply, pair.Mint, pair.AccountA, authority, nil),
	}

	instructions := make([]solana.Instruction, 0, 3+len(builders))
	for _, create := range []struct {
		account solana.PublicKey
		rent    uint64
		space   uint64
	}{
		{pair.Mint, mintRent, MintSize},
		{pair.AccountA, accountRent, AccountSize},
		{pair.AccountB, accountRent, AccountSize},
	} {
		ix, err := system.NewCreateAccountInstruction(create.rent, create.space, p.programID, payer, create.account).ValidateAndBuild()
		if err != nil {
			return nil, fmt.Errorf("failed to build create-account for %s: %w", create.account, err)
		}
		instructions = append(instructions, ix)
	}
	for _, builder := range builders {
		ix, err := builder.ValidateAndBuild()
		if err != nil {
			return nil, fmt.Errorf("failed to build token instruction: %w", err)
		}
		rehomed, err := rehome(ix, p.programID)
		if err != nil {
			return nil, err
		}
		instructions = append(instructions, rehomed)
	}
	return instructions, nil
}

// rehome points a token instruction at programID instead of the token package's global program ID.
func rehome(ix solana.Instruction, programID solana.PublicKey) (solana.Instruction, error) {
	if ix.ProgramID().Equals(programID) {
		return ix, nil
	}
	data, err := ix.Data()
	if err != nil {
		return nil, fmt.Errorf("failed to encode instruction: %w", err)
	}
	return solana.NewInstruction(programID, ix.Accounts(), data), nil
}
