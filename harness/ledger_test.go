package harness

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/rpcpool/migration-sim/gateway"
	"github.com/rpcpool/migration-sim/programs/activator"
	"github.com/rpcpool/migration-sim/programs/stub"
	"github.com/rpcpool/migration-sim/status"
)

var (
	testProgramID     = solana.TokenProgramID
	testOriginalOwner = solana.MustPublicKeyFromBase58("BPFLoader2111111111111111111111111111111111")
	testNewOwner      = solana.MustPublicKeyFromBase58("BPFLoaderUpgradeab1e11111111111111111111111")
	testFeatureID     = solana.MustPublicKeyFromBase58("ptokFjwyJtrwCa9Kgo9xoDS59V4QccBGEaRFnRPnSdP")
)

const (
	unitsBefore = 4645
	unitsAfter  = 76
)

type transferRecord struct {
	authority solana.PublicKey
	slot      uint64
	migrated  bool
	err       error
	at        time.Time
}

// fakeLedger is an in-memory ledger whose slot advances with wall-clock time. Activating
// the feature switches the program owner at the first slot of the following epoch.
type fakeLedger struct {
	mu sync.Mutex

	startedAt     time.Time
	slotDuration  time.Duration
	slotsPerEpoch uint64
	latency       time.Duration

	programID solana.PublicKey
	owner     solana.PublicKey
	newOwner  solana.PublicKey
	// switchSlot is the first slot owned by newOwner; zero until activation.
	switchSlot uint64
	// neverSwitch keeps the original owner even after activation.
	neverSwitch bool

	provisionErr  error
	triggerErr    error
	failTransfer  func(slot uint64) error
	activations   int
	provisioned   int
	transfers     []transferRecord
	simulations   int
	stubAccounts  map[solana.PublicKey]*gateway.Account
	burned        []solana.PublicKey
	ownerReadings []solana.PublicKey
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		startedAt:     time.Now(),
		slotDuration:  2 * time.Millisecond,
		slotsPerEpoch: 50,
		latency:       time.Millisecond,
		programID:     testProgramID,
		owner:         testOriginalOwner,
		newOwner:      testNewOwner,
		stubAccounts:  make(map[solana.PublicKey]*gateway.Account),
	}
}

func (f *fakeLedger) currentSlot() uint64 {
	return uint64(time.Since(f.startedAt) / f.slotDuration)
}

// migratedAt must be called with f.mu held.
func (f *fakeLedger) migratedAt(slot uint64) bool {
	return !f.neverSwitch && f.switchSlot > 0 && slot >= f.switchSlot
}

func (f *fakeLedger) Submit(ctx context.Context, instructions []solana.Instruction, payer solana.PrivateKey, signers ...solana.PrivateKey) (solana.Signature, error) {
	time.Sleep(f.latency)
	f.mu.Lock()
	defer f.mu.Unlock()
	slot := f.currentSlot()

	first := instructions[0]
	switch {
	case first.ProgramID().Equals(activator.ProgramID):
		if f.triggerErr != nil {
			return solana.Signature{}, f.triggerErr
		}
		f.activations++
		epoch := slot / f.slotsPerEpoch
		f.switchSlot = (epoch + 1) * f.slotsPerEpoch
		return solana.Signature{}, nil

	case first.ProgramID().Equals(solana.SystemProgramID) && isSystemTransfer(first):
		data, _ := first.Data()
		to := first.Accounts()[1].PublicKey
		f.stubAccounts[to] = &gateway.Account{
			Owner:    solana.SystemProgramID,
			Lamports: binary.LittleEndian.Uint64(data[4:12]),
		}
		return solana.Signature{}, nil

	case first.ProgramID().Equals(solana.SystemProgramID):
		if f.provisionErr != nil {
			return solana.Signature{}, f.provisionErr
		}
		f.provisioned++
		return solana.Signature{}, nil

	case first.ProgramID().Equals(f.programID) && f.isStub():
		return solana.Signature{}, f.applyStub(first, payer)

	case first.ProgramID().Equals(f.programID):
		authority := first.Accounts()[2].PublicKey
		var err error
		if f.failTransfer != nil {
			err = f.failTransfer(slot)
		}
		f.transfers = append(f.transfers, transferRecord{
			authority: authority,
			slot:      slot,
			migrated:  f.migratedAt(slot),
			err:       err,
			at:        time.Now(),
		})
		return solana.Signature{}, err
	}
	return solana.Signature{}, errors.New("unexpected instruction")
}

func (f *fakeLedger) isStub() bool {
	return !f.programID.Equals(testProgramID)
}

func (f *fakeLedger) applyStub(ix solana.Instruction, payer solana.PrivateKey) error {
	if !f.migratedAt(f.currentSlot()) {
		return errors.New("stub program not deployed yet")
	}
	data, err := ix.Data()
	if err != nil {
		return err
	}
	kind, payload, err := stub.Decode(data)
	if err != nil {
		return err
	}
	target := ix.Accounts()[0].PublicKey
	switch kind {
	case stub.KindWrite:
		f.stubAccounts[target] = &gateway.Account{
			Owner:    f.programID,
			Lamports: 1_000_000,
			Data:     append([]byte(nil), payload...),
		}
	case stub.KindBurn:
		// The stub burns with a system transfer, which only spends from system-owned
		// accounts without data.
		acc, ok := f.stubAccounts[target]
		switch {
		case !ok:
			return errors.New("Transfer: `from` account not found")
		case !acc.Owner.Equals(solana.SystemProgramID):
			return errors.New("instruction spent from the balance of an account it does not own")
		case len(acc.Data) > 0:
			return errors.New("Transfer: `from` must not carry data")
		}
		delete(f.stubAccounts, target)
		f.burned = append(f.burned, target)
	}
	return nil
}

// isSystemTransfer matches the system program's Transfer instruction (index 2).
func isSystemTransfer(ix solana.Instruction) bool {
	data, err := ix.Data()
	return err == nil && len(data) == 12 && binary.LittleEndian.Uint32(data) == 2
}

func (f *fakeLedger) Simulate(ctx context.Context, instructions []solana.Instruction, payer solana.PrivateKey, signers ...solana.PrivateKey) (*gateway.Simulation, error) {
	time.Sleep(f.latency)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.simulations++
	units := uint64(unitsBefore)
	if f.migratedAt(f.currentSlot()) {
		units = unitsAfter
	}
	return &gateway.Simulation{UnitsConsumed: &units}, nil
}

func (f *fakeLedger) Account(ctx context.Context, address solana.PublicKey) (*gateway.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if address.Equals(f.programID) {
		owner := f.owner
		if f.migratedAt(f.currentSlot()) {
			owner = f.newOwner
		}
		f.ownerReadings = append(f.ownerReadings, owner)
		return &gateway.Account{Owner: owner, Executable: true}, nil
	}
	if acc, ok := f.stubAccounts[address]; ok {
		return acc, nil
	}
	return nil, gateway.ErrAccountNotFound
}

func (f *fakeLedger) Owner(ctx context.Context, address solana.PublicKey) (solana.PublicKey, error) {
	acc, err := f.Account(ctx, address)
	if err != nil {
		return solana.PublicKey{}, err
	}
	return acc.Owner, nil
}

func (f *fakeLedger) Slot(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.currentSlot(), nil
}

func (f *fakeLedger) MinimumBalanceForRentExemption(ctx context.Context, size uint64) (uint64, error) {
	return (128 + size) * 6960, nil
}

func (f *fakeLedger) transfersBy(authority solana.PublicKey) []transferRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []transferRecord
	for _, rec := range f.transfers {
		if rec.authority.Equals(authority) {
			out = append(out, rec)
		}
	}
	return out
}

func (f *fakeLedger) transfersAll() []transferRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transferRecord(nil), f.transfers...)
}

func (f *fakeLedger) counts() (activations, provisioned, transfers, simulations int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activations, f.provisioned, len(f.transfers), f.simulations
}

func (f *fakeLedger) readings() []solana.PublicKey {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]solana.PublicKey(nil), f.ownerReadings...)
}

// recordingSink keeps every line so tests can read what was displayed.
type recordingSink struct {
	mu    sync.Mutex
	lines []*recordedLine
}

type recordedLine struct {
	mu      sync.Mutex
	style   status.Style
	prefix  string
	message string
}

func (l *recordedLine) SetMessage(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.message = msg
}

func (l *recordedLine) SetPrefix(prefix string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prefix = prefix
}

func (l *recordedLine) get() (string, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.prefix, l.message
}

func (s *recordingSink) NewLine(style status.Style) status.Line {
	s.mu.Lock()
	defer s.mu.Unlock()
	line := &recordedLine{style: style}
	s.lines = append(s.lines, line)
	return line
}

func (s *recordingSink) Close() {}

func (s *recordingSink) spinner() *recordedLine {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, line := range s.lines {
		if line.style == status.StyleSpinner {
			return line
		}
	}
	return nil
}
