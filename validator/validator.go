// Package validator launches a local solana-test-validator with the migration staged:
// the feature deactivated and pre-created, the replacement program preloaded in a
// buffer account, and the activator program deployed.
package validator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/rpcpool/migration-sim/artifact"
	"github.com/rpcpool/migration-sim/programs/activator"
	"k8s.io/klog/v2"
)

const (
	DefaultBinary         = "solana-test-validator"
	DefaultRPCPort        = 8899
	DefaultStartupTimeout = 2 * time.Minute

	healthPollInterval = 500 * time.Millisecond
	stopTimeout        = 10 * time.Second
)

// Target is one migration to stage in genesis.
type Target struct {
	FeatureID     solana.PublicKey
	BufferAddress solana.PublicKey
	ElfName       string
}

type Config struct {
	Binary        string
	LedgerDir     string
	RPCPort       int
	SlotsPerEpoch uint64
	Targets       []Target
	// Mint is funded in genesis; it pays for every transaction of the run.
	Mint           solana.PublicKey
	Artifacts      *artifact.Loader
	StartupTimeout time.Duration
	// Output receives the validator's stdout and stderr. Nil discards them.
	Output io.Writer
}

func (c *Config) Validate() error {
	var errs []error
	if c.LedgerDir == "" {
		errs = append(errs, errors.New("ledger directory must be set"))
	}
	if c.SlotsPerEpoch == 0 {
		errs = append(errs, errors.New("slots per epoch must be greater than zero"))
	}
	if c.Mint.IsZero() {
		errs = append(errs, errors.New("mint must be set"))
	}
	if c.Artifacts == nil {
		errs = append(errs, errors.New("artifact loader must be set"))
	}
	return errors.Join(errs...)
}

// Validator is a running solana-test-validator process.
type Validator struct {
	cmd      *exec.Cmd
	endpoint string
	reused   bool
	staging  string
	exited   chan struct{}
	exitErr  error
}

// Endpoint is the JSON-RPC URL of the validator.
func (v *Validator) Endpoint() string {
	return v.endpoint
}

// Reused reports whether an existing ledger was opened instead of a new genesis.
// Staged accounts are only created with a new genesis.
func (v *Validator) Reused() bool {
	return v.reused
}

// LedgerExists reports whether dir already holds a ledger.
func LedgerExists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, "genesis.bin"))
	return err == nil
}

// Start launches the validator and blocks until it reports healthy.
func Start(ctx context.Context, cfg Config) (*Validator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid validator config: %w", err)
	}
	if cfg.Binary == "" {
		cfg.Binary = DefaultBinary
	}
	if cfg.RPCPort == 0 {
		cfg.RPCPort = DefaultRPCPort
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = DefaultStartupTimeout
	}
	binary, err := exec.LookPath(cfg.Binary)
	if err != nil {
		return nil, fmt.Errorf("validator binary %q not found: %w", cfg.Binary, err)
	}

	v := &Validator{
		endpoint: fmt.Sprintf("http://127.0.0.1:%d", cfg.RPCPort),
		reused:   LedgerExists(cfg.LedgerDir),
		exited:   make(chan struct{}),
	}

	args := []string{
		"--ledger", cfg.LedgerDir,
		"--rpc-port", strconv.Itoa(cfg.RPCPort),
		"--quiet",
	}
	if v.reused {
		klog.Infof("Reusing ledger at %s", cfg.LedgerDir)
	} else {
		v.staging, err = os.MkdirTemp("", "migration-sim-accounts-")
		if err != nil {
			return nil, fmt.Errorf("failed to create staging directory: %w", err)
		}
		genesisArgs, err := genesisArgs(cfg, v.staging)
		if err != nil {
			os.RemoveAll(v.staging)
			return nil, err
		}
		args = append(args, genesisArgs...)
	}

	klog.V(2).Infof("starting %s %v", binary, args)
	v.cmd = exec.Command(binary, args...)
	output := cfg.Output
	if output == nil {
		output = io.Discard
	}
	v.cmd.Stdout = output
	v.cmd.Stderr = output
	if err := v.cmd.Start(); err != nil {
		v.cleanup()
		return nil, fmt.Errorf("failed to start %s: %w", binary, err)
	}
	go func() {
		v.exitErr = v.cmd.Wait()
		close(v.exited)
	}()

	if err := v.waitHealthy(ctx, cfg.StartupTimeout); err != nil {
		v.Stop()
		return nil, err
	}
	klog.Infof("Validator is up at %s (pid %d)", v.endpoint, v.cmd.Process.Pid)
	return v, nil
}

// genesisArgs stages every target's accounts as JSON files in dir and returns the
// flags creating them, along with the epoch schedule, the deactivated features, the
// activator program, and the funded mint.
func genesisArgs(cfg Config, dir string) ([]string, error) {
	args := []string{
		"--slots-per-epoch", strconv.FormatUint(cfg.SlotsPerEpoch, 10),
		"--mint", cfg.Mint.String(),
	}
	for _, target := range cfg.Targets {
		elf, err := cfg.Artifacts.Load(target.ElfName)
		if err != nil {
			return nil, err
		}
		buffer, err := Buffer(target.BufferAddress, elf)
		if err != nil {
			return nil, fmt.Errorf("failed to build buffer for %s: %w", target.ElfName, err)
		}
		staged := []struct {
			address solana.PublicKey
			file    *AccountFile
		}{
			{target.FeatureID, StagedFeature(target.FeatureID)},
			{target.BufferAddress, buffer},
		}
		for _, acc := range staged {
			path := filepath.Join(dir, acc.address.String()+".json")
			if err := acc.file.Save(path); err != nil {
				return nil, err
			}
			if err := CheckAccountFile(path, acc.address); err != nil {
				return nil, err
			}
			args = append(args, "--account", acc.address.String(), path)
		}
		args = append(args, "--deactivate-feature", target.FeatureID.String())
	}

	activatorPath, err := cfg.Artifacts.Path(activator.ProgramName)
	if err != nil {
		return nil, err
	}
	// Nobody upgrades the activator; its authority is thrown away.
	authority := solana.NewWallet().PublicKey()
	args = append(args, "--upgradeable-program", activator.ProgramID.String(), activatorPath, authority.String())
	return args, nil
}

func (v *Validator) waitHealthy(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client := rpc.New(v.endpoint)
	defer client.Close()

	ticker := time.NewTicker(healthPollInterval)
	defer ticker.Stop()
	for {
		health, err := client.GetHealth(ctx)
		if err == nil && health == rpc.HealthOk {
			return nil
		}
		klog.V(4).Infof("validator not healthy yet: %q %v", health, err)
		select {
		case <-v.exited:
			return fmt.Errorf("validator exited during startup: %v", v.exitErr)
		case <-ctx.Done():
			return fmt.Errorf("validator did not become healthy within %s: %w", timeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Stop interrupts the validator and waits for it to exit, killing it if it does not.
func (v *Validator) Stop() error {
	defer v.cleanup()
	if v.cmd == nil || v.cmd.Process == nil {
		return nil
	}
	select {
	case <-v.exited:
		return nil
	default:
	}
	if err := v.cmd.Process.Signal(os.Interrupt); err != nil {
		klog.Warningf("failed to interrupt validator: %v", err)
	}
	select {
	case <-v.exited:
		return nil
	case <-time.After(stopTimeout):
		klog.Warningf("validator did not exit within %s; killing it", stopTimeout)
		if err := v.cmd.Process.Kill(); err != nil {
			return fmt.Errorf("failed to kill validator: %w", err)
		}
		<-v.exited
		return nil
	}
}

func (v *Validator) cleanup() {
	if v.staging != "" {
		os.RemoveAll(v.staging)
		v.staging = ""
	}
}
