package harness

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/rpcpool/migration-sim/gateway"
	"github.com/rpcpool/migration-sim/metrics"
	"github.com/rpcpool/migration-sim/programs/activator"
	"github.com/rpcpool/migration-sim/programs/stub"
	"github.com/rpcpool/migration-sim/provision"
	"github.com/rpcpool/migration-sim/slotwait"
	"github.com/rpcpool/migration-sim/status"
	"github.com/rpcpool/migration-sim/telemetry"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

const (
	DefaultWorkers          = 25
	DefaultArmDelay         = 10 * time.Second
	DefaultIdlePollInterval = 5 * time.Second
)

// StartingState says what the controller assumes about the program before the run.
type StartingState string

const (
	// StartFresh requires the program to still be owned by its original loader.
	StartFresh StartingState = "fresh"
	// StartDetect accepts either owner; an already migrated program skips the trigger.
	StartDetect StartingState = "detect"
)

// MigrationTarget names the feature to activate and the staged buffer backing it.
type MigrationTarget struct {
	FeatureID     solana.PublicKey
	BufferAddress solana.PublicKey
	ElfName       string
}

type Config struct {
	Workers              int
	ArmDelay             time.Duration
	WorkerBackoff        time.Duration
	MonitorInterval      time.Duration
	IdlePollInterval     time.Duration
	ProvisionConcurrency int
	StartingState        StartingState

	Target        MigrationTarget
	ProgramID     solana.PublicKey
	OriginalOwner solana.PublicKey
	NewOwner      solana.PublicKey

	SlotPollInterval time.Duration
	BoundaryMargin   time.Duration

	// ValidateStub exercises the stub program's write and burn instructions after the
	// migration. Only meaningful when the staged artifact is the stub.
	ValidateStub bool
}

func (c *Config) Validate() error {
	var errs []error
	if c.Workers < 0 {
		errs = append(errs, fmt.Errorf("workers must not be negative, got %d", c.Workers))
	}
	if c.ValidateStub && c.Workers > 0 {
		errs = append(errs, fmt.Errorf("stub validation runs cannot have token transfer workers (got %d)", c.Workers))
	}
	switch c.StartingState {
	case StartFresh, StartDetect:
	default:
		errs = append(errs, fmt.Errorf("unknown starting state %q", c.StartingState))
	}
	if c.Target.FeatureID.IsZero() {
		errs = append(errs, errors.New("target feature id must be set"))
	}
	if c.ProgramID.IsZero() {
		errs = append(errs, errors.New("program id must be set"))
	}
	if c.OriginalOwner.Equals(c.NewOwner) {
		errs = append(errs, fmt.Errorf("original and new owner must differ, both are %s", c.NewOwner))
	}
	return errors.Join(errs...)
}

// Controller runs the whole migration sequence.
type Controller struct {
	cfg       Config
	run       *RunContext
	sink      status.Sink
	waiter    *slotwait.Waiter
	cancelled *Signal
	migrated  Signal

	workers []*Worker
	monitor *Monitor
	tasks   errgroup.Group
}

// NewController validates the config. The cancellation signal is owned by the caller,
// who raises it on interrupt.
func NewController(cfg Config, run *RunContext, sink status.Sink, cancelled *Signal) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if run.SlotsPerEpoch == 0 {
		return nil, errors.New("slots per epoch must be greater than zero")
	}
	var waitOpts []slotwait.Option
	if cfg.SlotPollInterval > 0 {
		waitOpts = append(waitOpts, slotwait.WithPollInterval(cfg.SlotPollInterval))
	}
	if cfg.BoundaryMargin > 0 {
		waitOpts = append(waitOpts, slotwait.WithBoundaryMargin(cfg.BoundaryMargin))
	}
	if cfg.IdlePollInterval <= 0 {
		cfg.IdlePollInterval = DefaultIdlePollInterval
	}
	return &Controller{
		cfg:       cfg,
		run:       run,
		sink:      sink,
		waiter:    slotwait.New(run.Gateway, run.SlotsPerEpoch, waitOpts...),
		cancelled: cancelled,
	}, nil
}

// Migrated reports whether the controller confirmed the new owner.
func (c *Controller) Migrated() bool {
	return c.migrated.IsSet()
}

func (c *Controller) Workers() []*Worker {
	return c.workers
}

func (c *Controller) Monitor() *Monitor {
	return c.monitor
}

// Run provisions, starts the workers and the monitor, triggers the migration, verifies
// it, and then idles until the cancellation signal is set. Errors are fatal for the run.
// Workers and the monitor keep running after Run returns until they observe the
// cancellation signal; Wait blocks until they have.
func (c *Controller) Run(ctx context.Context) error {
	ctx, span := telemetry.StartSpan(ctx, "migration.run")
	defer span.End()

	var pairs []*provision.ResourcePair
	err := telemetry.TracePhase(ctx, "provision", nil, func(ctx context.Context) (err error) {
		klog.Infof("Provisioning %d token account pairs", c.cfg.Workers+1)
		pairs, err = provision.New(c.run.Gateway, c.cfg.ProgramID).
			ProvisionMany(ctx, c.run.Payer, c.cfg.Workers+1, c.cfg.ProvisionConcurrency)
		return err
	})
	if err != nil {
		telemetry.RecordError(span, err, "provisioning failed")
		return err
	}

	var alreadyMigrated bool
	err = telemetry.TracePhase(ctx, "check-owner", nil, func(ctx context.Context) (err error) {
		alreadyMigrated, err = c.checkStartingState(ctx)
		return err
	})
	if err != nil {
		telemetry.RecordError(span, err, "starting state check failed")
		return err
	}

	c.spawn(ctx, pairs)

	if alreadyMigrated {
		klog.Infof("Program %s is already owned by %s; sending transactions", c.cfg.ProgramID, c.cfg.NewOwner)
		c.setMigrated()
	} else {
		if err := c.migrate(ctx); err != nil {
			telemetry.RecordError(span, err, "migration failed")
			return err
		}
	}

	for !c.cancelled.IsSet() && ctx.Err() == nil {
		pause(ctx, c.cfg.IdlePollInterval)
	}
	klog.V(2).Info("controller observed cancellation")
	return nil
}

func (c *Controller) migrate(ctx context.Context) error {
	klog.Infof("Activating feature %s in %s; CTRL+C to abort", c.cfg.Target.FeatureID, c.cfg.ArmDelay)
	if !c.hold(ctx, c.cfg.ArmDelay) {
		klog.Info("Cancelled before the migration was triggered")
		return nil
	}

	details := map[string]string{"feature": c.cfg.Target.FeatureID.String()}
	err := telemetry.TracePhase(ctx, "trigger", details, func(ctx context.Context) error {
		sig, err := c.run.Gateway.Submit(ctx,
			[]solana.Instruction{activator.ActivateFeature(c.cfg.Target.FeatureID)},
			c.run.Payer,
		)
		if err != nil {
			return fmt.Errorf("%w: feature %s: %w", ErrTrigger, c.cfg.Target.FeatureID, err)
		}
		klog.Infof("Feature %s activation sent (tx %s)", c.cfg.Target.FeatureID, sig)
		return nil
	})
	if err != nil {
		return err
	}

	err = telemetry.TracePhase(ctx, "wait-epoch", nil, c.waiter.WaitForNextEpoch)
	if err != nil {
		return fmt.Errorf("failed waiting for the epoch boundary: %w", err)
	}

	err = telemetry.TracePhase(ctx, "verify-owner", nil, func(ctx context.Context) error {
		return c.assertOwner(ctx, "after migration", c.cfg.NewOwner)
	})
	if err != nil {
		return err
	}
	c.setMigrated()
	klog.Infof("Program %s is now owned by %s", c.cfg.ProgramID, c.cfg.NewOwner)

	if c.cfg.ValidateStub {
		err = telemetry.TracePhase(ctx, "validate-stub", nil, c.validateStub)
		if err != nil {
			return err
		}
		klog.Info("Stub program write and burn succeeded")
	}
	return nil
}

// checkStartingState returns true if the program was already migrated before the run.
func (c *Controller) checkStartingState(ctx context.Context) (bool, error) {
	owner, err := c.run.Gateway.Owner(ctx, c.cfg.ProgramID)
	if err != nil {
		return false, fmt.Errorf("failed to get owner of %s: %w", c.cfg.ProgramID, err)
	}
	klog.Infof("Program: %s", c.cfg.ProgramID)
	klog.Infof("Owner: %s", owner)

	if c.cfg.StartingState == StartDetect && owner.Equals(c.cfg.NewOwner) {
		return true, nil
	}
	if !owner.Equals(c.cfg.OriginalOwner) {
		return false, &OwnerMismatchError{
			Account:  c.cfg.ProgramID,
			Expected: c.cfg.OriginalOwner,
			Observed: owner,
			Phase:    "before migration",
		}
	}
	return false, nil
}

func (c *Controller) assertOwner(ctx context.Context, phase string, expected solana.PublicKey) error {
	owner, err := c.run.Gateway.Owner(ctx, c.cfg.ProgramID)
	if err != nil {
		return fmt.Errorf("%s: failed to get owner of %s: %w", phase, c.cfg.ProgramID, err)
	}
	if !owner.Equals(expected) {
		return &OwnerMismatchError{
			Account:  c.cfg.ProgramID,
			Expected: expected,
			Observed: owner,
			Phase:    phase,
		}
	}
	return nil
}

func (c *Controller) setMigrated() {
	if c.migrated.Set() {
		metrics.Migrated.Set(1)
	}
}

func (c *Controller) spawn(ctx context.Context, pairs []*provision.ResourcePair) {
	for i := 0; i < c.cfg.Workers; i++ {
		worker := NewWorker(i+1, c.run, pairs[i], c.sink.NewLine(status.StyleElapsed), c.cancelled, c.cfg.WorkerBackoff)
		c.workers = append(c.workers, worker)
		c.tasks.Go(func() error {
			return worker.Run(ctx)
		})
	}
	c.monitor = NewMonitor(c.run, pairs[c.cfg.Workers], c.sink.NewLine(status.StyleSpinner), c.cancelled, &c.migrated, c.cfg.MonitorInterval)
	c.tasks.Go(func() error {
		return c.monitor.Run(ctx)
	})
	klog.V(2).Infof("started %d workers and the monitor", c.cfg.Workers)
}

// hold waits for d, giving up early if the cancellation signal is set.
// It returns false if it gave up.
func (c *Controller) hold(ctx context.Context, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		if c.cancelled.IsSet() || ctx.Err() != nil {
			return false
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return true
		}
		pause(ctx, min(remaining, 100*time.Millisecond))
	}
}

// validateStub writes a record through the migrated stub program and checks it landed.
// The burn then runs on a second, system-owned account: the stub moves lamports with a
// system transfer, which rejects a source that carries data or is owned by a program.
func (c *Controller) validateStub(ctx context.Context) error {
	target := solana.NewWallet().PrivateKey
	record := []byte("migration-sim stub record")

	write, err := stub.Write(c.cfg.ProgramID, target.PublicKey(), c.run.Payer.PublicKey(), record)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStubValidation, err)
	}
	if _, err := c.run.Gateway.Submit(ctx, []solana.Instruction{write}, c.run.Payer, target); err != nil {
		return fmt.Errorf("%w: write: %w", ErrStubValidation, err)
	}

	acc, err := c.run.Gateway.Account(ctx, target.PublicKey())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStubValidation, err)
	}
	if !acc.Owner.Equals(c.cfg.ProgramID) {
		return fmt.Errorf("%w: %w", ErrStubValidation, &OwnerMismatchError{
			Account:  target.PublicKey(),
			Expected: c.cfg.ProgramID,
			Observed: acc.Owner,
			Phase:    "stub write",
		})
	}
	if !bytes.Equal(acc.Data, record) {
		return fmt.Errorf("%w: written data mismatch: expected %q, got %q", ErrStubValidation, record, acc.Data)
	}

	return c.burnStub(ctx)
}

// burnStub funds a fresh system account and burns it through the stub program.
func (c *Controller) burnStub(ctx context.Context) error {
	victim := solana.NewWallet().PrivateKey

	lamports, err := c.run.Gateway.MinimumBalanceForRentExemption(ctx, 0)
	if err != nil {
		return fmt.Errorf("%w: failed to get rent: %w", ErrStubValidation, err)
	}
	fund, err := system.NewTransferInstruction(lamports, c.run.Payer.PublicKey(), victim.PublicKey()).ValidateAndBuild()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStubValidation, err)
	}
	if _, err := c.run.Gateway.Submit(ctx, []solana.Instruction{fund}, c.run.Payer); err != nil {
		return fmt.Errorf("%w: fund burn target: %w", ErrStubValidation, err)
	}

	if _, err := c.run.Gateway.Submit(ctx, []solana.Instruction{stub.Burn(c.cfg.ProgramID, victim.PublicKey())}, c.run.Payer, victim); err != nil {
		return fmt.Errorf("%w: burn: %w", ErrStubValidation, err)
	}
	acc, err := c.run.Gateway.Account(ctx, victim.PublicKey())
	switch {
	case errors.Is(err, gateway.ErrAccountNotFound):
		return nil
	case err != nil:
		return fmt.Errorf("%w: %w", ErrStubValidation, err)
	case acc.Lamports != 0:
		return fmt.Errorf("%w: burned account still holds %d lamports", ErrStubValidation, acc.Lamports)
	}
	return nil
}

// Wait blocks until every worker and the monitor returned.
func (c *Controller) Wait() error {
	return c.tasks.Wait()
}
