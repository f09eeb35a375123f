package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/rpcpool/migration-sim/harness"
	"github.com/rpcpool/migration-sim/provision"
	"github.com/rpcpool/migration-sim/validator"
)

const (
	DefaultFeatureID     = "ptokFjwyJtrwCa9Kgo9xoDS59V4QccBGEaRFnRPnSdP"
	DefaultBufferAddress = "ptokNfvuU7terQ2r2452RzVXB3o4GT33yPWo1fUkkZ2"
	DefaultElfName       = "p_token"
	DefaultElfDirectory  = "./target/elfs"
	DefaultLedgerDir     = "test-ledger"
	DefaultSlotsPerEpoch = 50
	DefaultKeypairPath   = "~/.config/solana/id.json"
)

// Config is the on-disk configuration of a run. Every field can also be set by a flag;
// flags win over the file.
type Config struct {
	originalFilepath string

	// RPC attaches to a running validator instead of launching one.
	RPC     string `json:"rpc" yaml:"rpc"`
	Keypair string `json:"keypair" yaml:"keypair"`
	// Commitment is the level the harness reads and confirms at.
	Commitment string `json:"commitment" yaml:"commitment"`

	Validator struct {
		Binary         string `json:"binary" yaml:"binary"`
		Ledger         string `json:"ledger" yaml:"ledger"`
		RPCPort        int    `json:"rpc_port" yaml:"rpc_port"`
		SlotsPerEpoch  uint64 `json:"slots_per_epoch" yaml:"slots_per_epoch"`
		StartupTimeout string `json:"startup_timeout" yaml:"startup_timeout"`
		Log            string `json:"log" yaml:"log"`
	} `json:"validator" yaml:"validator"`

	ElfDirectories []string `json:"elf_dirs" yaml:"elf_dirs"`

	Target struct {
		FeatureID     string `json:"feature_id" yaml:"feature_id"`
		BufferAddress string `json:"buffer_address" yaml:"buffer_address"`
		ElfName       string `json:"elf_name" yaml:"elf_name"`
	} `json:"target" yaml:"target"`

	Program struct {
		ID            string `json:"id" yaml:"id"`
		OriginalOwner string `json:"original_owner" yaml:"original_owner"`
		NewOwner      string `json:"new_owner" yaml:"new_owner"`
	} `json:"program" yaml:"program"`

	Run struct {
		Workers              int    `json:"workers" yaml:"workers"`
		ArmDelay             string `json:"arm_delay" yaml:"arm_delay"`
		WorkerBackoff        string `json:"worker_backoff" yaml:"worker_backoff"`
		MonitorInterval      string `json:"monitor_interval" yaml:"monitor_interval"`
		IdlePollInterval     string `json:"idle_poll" yaml:"idle_poll"`
		ProvisionConcurrency int    `json:"provision_concurrency" yaml:"provision_concurrency"`
		// StartingState is fresh or detect; empty picks detect for an existing ledger
		// or an attached validator.
		StartingState    string `json:"starting_state" yaml:"starting_state"`
		SlotPollInterval string `json:"slot_poll" yaml:"slot_poll"`
		BoundaryMargin   string `json:"boundary_margin" yaml:"boundary_margin"`
		ValidateStub     bool   `json:"validate_stub" yaml:"validate_stub"`
	} `json:"run" yaml:"run"`

	MetricsListen string `json:"metrics_listen" yaml:"metrics_listen"`
	OtelEndpoint  string `json:"otel_endpoint" yaml:"otel_endpoint"`
}

func defaultConfig() *Config {
	var c Config
	c.Keypair = DefaultKeypairPath
	c.Commitment = string(rpc.CommitmentConfirmed)
	c.Validator.Binary = validator.DefaultBinary
	c.Validator.Ledger = DefaultLedgerDir
	c.Validator.RPCPort = validator.DefaultRPCPort
	c.Validator.SlotsPerEpoch = DefaultSlotsPerEpoch
	c.Validator.StartupTimeout = validator.DefaultStartupTimeout.String()
	c.ElfDirectories = []string{DefaultElfDirectory}
	c.Target.FeatureID = DefaultFeatureID
	c.Target.BufferAddress = DefaultBufferAddress
	c.Target.ElfName = DefaultElfName
	c.Program.ID = solana.TokenProgramID.String()
	c.Program.OriginalOwner = solana.BPFLoaderProgramID.String()
	c.Program.NewOwner = solana.BPFLoaderUpgradeableProgramID.String()
	c.Run.Workers = harness.DefaultWorkers
	c.Run.ArmDelay = harness.DefaultArmDelay.String()
	c.Run.WorkerBackoff = harness.DefaultWorkerBackoff.String()
	c.Run.MonitorInterval = "0s"
	c.Run.IdlePollInterval = harness.DefaultIdlePollInterval.String()
	c.Run.ProvisionConcurrency = provision.DefaultConcurrency
	c.Run.SlotPollInterval = "250ms"
	c.Run.BoundaryMargin = "500ms"
	return &c
}

// loadConfig overlays the file at configFilepath on top of the defaults.
func loadConfig(configFilepath string) (*Config, error) {
	config := defaultConfig()
	if isJSONFile(configFilepath) {
		if err := loadFromJSON(configFilepath, config); err != nil {
			return nil, err
		}
	} else if isYAMLFile(configFilepath) {
		if err := loadFromYAML(configFilepath, config); err != nil {
			return nil, err
		}
	} else {
		return nil, fmt.Errorf("config file %q must be JSON or YAML", configFilepath)
	}
	config.originalFilepath = configFilepath
	return config, nil
}

func (c *Config) ConfigFilepath() string {
	return c.originalFilepath
}

// IsAttached returns true if the run uses an already running validator.
func (c *Config) IsAttached() bool {
	return c.RPC != ""
}

// Validate checks the config for errors.
func (c *Config) Validate() error {
	var errs []error
	check := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	for _, key := range []struct{ name, value string }{
		{"target.feature_id", c.Target.FeatureID},
		{"target.buffer_address", c.Target.BufferAddress},
		{"program.id", c.Program.ID},
		{"program.original_owner", c.Program.OriginalOwner},
		{"program.new_owner", c.Program.NewOwner},
	} {
		_, err := parsePublicKey(key.name, key.value)
		check(err)
	}
	for _, d := range []struct{ name, value string }{
		{"validator.startup_timeout", c.Validator.StartupTimeout},
		{"run.arm_delay", c.Run.ArmDelay},
		{"run.worker_backoff", c.Run.WorkerBackoff},
		{"run.monitor_interval", c.Run.MonitorInterval},
		{"run.idle_poll", c.Run.IdlePollInterval},
		{"run.slot_poll", c.Run.SlotPollInterval},
		{"run.boundary_margin", c.Run.BoundaryMargin},
	} {
		_, err := parseDuration(d.name, d.value)
		check(err)
	}
	_, err := parseCommitment("commitment", c.Commitment)
	check(err)
	if c.Target.ElfName == "" {
		check(errors.New("target.elf_name must be set"))
	}
	if c.Validator.SlotsPerEpoch == 0 {
		check(errors.New("validator.slots_per_epoch must be greater than zero"))
	}
	if c.Run.Workers < 0 {
		check(fmt.Errorf("run.workers must not be negative, got %d", c.Run.Workers))
	}
	if c.Run.ProvisionConcurrency <= 0 {
		check(fmt.Errorf("run.provision_concurrency must be positive, got %d", c.Run.ProvisionConcurrency))
	}
	switch harness.StartingState(c.Run.StartingState) {
	case "", harness.StartFresh, harness.StartDetect:
	default:
		check(fmt.Errorf("run.starting_state must be %q or %q, got %q", harness.StartFresh, harness.StartDetect, c.Run.StartingState))
	}
	if c.Run.ValidateStub && c.Run.Workers > 0 {
		check(fmt.Errorf("run.validate_stub needs run.workers set to 0, got %d", c.Run.Workers))
	}
	if !c.IsAttached() {
		if c.Validator.Ledger == "" {
			check(errors.New("validator.ledger must be set"))
		}
		if len(c.ElfDirectories) == 0 {
			check(errors.New("elf_dirs must not be empty"))
		}
	}
	return errors.Join(errs...)
}

// HarnessConfig converts the config for the controller. reusedLedger selects the
// starting state when none is configured.
func (c *Config) HarnessConfig(reusedLedger bool) (harness.Config, error) {
	var (
		cfg  harness.Config
		errs []error
	)
	key := func(name, value string) solana.PublicKey {
		pk, err := parsePublicKey(name, value)
		if err != nil {
			errs = append(errs, err)
		}
		return pk
	}
	duration := func(name, value string) time.Duration {
		d, err := parseDuration(name, value)
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}

	cfg.Workers = c.Run.Workers
	cfg.ArmDelay = duration("run.arm_delay", c.Run.ArmDelay)
	cfg.WorkerBackoff = duration("run.worker_backoff", c.Run.WorkerBackoff)
	cfg.MonitorInterval = duration("run.monitor_interval", c.Run.MonitorInterval)
	cfg.IdlePollInterval = duration("run.idle_poll", c.Run.IdlePollInterval)
	cfg.SlotPollInterval = duration("run.slot_poll", c.Run.SlotPollInterval)
	cfg.BoundaryMargin = duration("run.boundary_margin", c.Run.BoundaryMargin)
	cfg.ProvisionConcurrency = c.Run.ProvisionConcurrency
	cfg.ValidateStub = c.Run.ValidateStub

	cfg.StartingState = harness.StartingState(c.Run.StartingState)
	if cfg.StartingState == "" {
		cfg.StartingState = harness.StartFresh
		if reusedLedger || c.IsAttached() {
			cfg.StartingState = harness.StartDetect
		}
	}

	cfg.Target = harness.MigrationTarget{
		FeatureID:     key("target.feature_id", c.Target.FeatureID),
		BufferAddress: key("target.buffer_address", c.Target.BufferAddress),
		ElfName:       c.Target.ElfName,
	}
	cfg.ProgramID = key("program.id", c.Program.ID)
	cfg.OriginalOwner = key("program.original_owner", c.Program.OriginalOwner)
	cfg.NewOwner = key("program.new_owner", c.Program.NewOwner)

	if err := errors.Join(errs...); err != nil {
		return harness.Config{}, err
	}
	return cfg, cfg.Validate()
}

func parsePublicKey(name, value string) (solana.PublicKey, error) {
	pk, err := solana.PublicKeyFromBase58(value)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%s: invalid public key %q: %w", name, value, err)
	}
	return pk, nil
}

func parseCommitment(name, value string) (rpc.CommitmentType, error) {
	switch commitment := rpc.CommitmentType(value); commitment {
	case rpc.CommitmentProcessed, rpc.CommitmentConfirmed, rpc.CommitmentFinalized:
		return commitment, nil
	}
	return "", fmt.Errorf("%s: must be %q, %q or %q, got %q", name,
		rpc.CommitmentProcessed, rpc.CommitmentConfirmed, rpc.CommitmentFinalized, value)
}

func parseDuration(name, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: must not be negative, got %s", name, d)
	}
	return d, nil
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
