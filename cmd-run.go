package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/google/uuid"
	"github.com/rpcpool/migration-sim/artifact"
	"github.com/rpcpool/migration-sim/gateway"
	"github.com/rpcpool/migration-sim/harness"
	"github.com/rpcpool/migration-sim/metrics"
	"github.com/rpcpool/migration-sim/programs/activator"
	"github.com/rpcpool/migration-sim/status"
	"github.com/rpcpool/migration-sim/telemetry"
	"github.com/rpcpool/migration-sim/validator"
	"github.com/urfave/cli/v2"
	"k8s.io/klog/v2"
)

func newCmd_Run(cancelled *harness.Signal) *cli.Command {
	var noProgress bool
	return &cli.Command{
		Name:        "run",
		Usage:       "Run the migration under load.",
		Description: "Start (or attach to) a test validator, provision token accounts, start the transfer clients and the compute unit monitor, activate the migration feature and verify the program owner after the epoch boundary. Runs until interrupted.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Optional YAML or JSON config file; flags override its values",
				EnvVars: envVar("config"),
			},
			&cli.StringFlag{
				Name:  "rpc",
				Usage: "Attach to the validator at this JSON-RPC endpoint instead of launching one",
			},
			&cli.StringFlag{
				Name:  "commitment",
				Usage: "Commitment for reads and confirmations: processed, confirmed or finalized",
				Value: string(rpc.CommitmentConfirmed),
			},
			&cli.StringFlag{
				Name:    "keypair",
				Usage:   "Payer keypair file; funded in genesis when the validator is launched",
				Value:   DefaultKeypairPath,
				EnvVars: envVar("keypair"),
			},
			&cli.StringFlag{
				Name:  "ledger",
				Usage: "Validator ledger directory; an existing ledger is reused",
				Value: DefaultLedgerDir,
			},
			&cli.IntFlag{
				Name:  "rpc-port",
				Usage: "JSON-RPC port of the launched validator",
				Value: validator.DefaultRPCPort,
			},
			&cli.Uint64Flag{
				Name:  "slots-per-epoch",
				Usage: "Epoch length of the launched validator",
				Value: DefaultSlotsPerEpoch,
			},
			&cli.StringFlag{
				Name:  "validator-binary",
				Usage: "solana-test-validator executable",
				Value: validator.DefaultBinary,
			},
			&cli.StringFlag{
				Name:  "validator-log",
				Usage: "Write the validator's output to this file",
			},
			&cli.StringSliceFlag{
				Name:  "elf-dir",
				Usage: "Directory searched for program ELF files (<name>.so); repeatable",
				Value: cli.NewStringSlice(DefaultElfDirectory),
			},
			&cli.StringFlag{
				Name:  "feature-id",
				Usage: "Feature gate that triggers the migration",
				Value: DefaultFeatureID,
			},
			&cli.StringFlag{
				Name:  "buffer-address",
				Usage: "Buffer account holding the replacement program",
				Value: DefaultBufferAddress,
			},
			&cli.StringFlag{
				Name:  "elf-name",
				Usage: "Replacement program ELF name, without .so",
				Value: DefaultElfName,
			},
			&cli.StringFlag{
				Name:  "program-id",
				Usage: "Program being migrated",
				Value: solana.TokenProgramID.String(),
			},
			&cli.IntFlag{
				Name:    "workers",
				Usage:   "Number of transfer clients",
				Value:   harness.DefaultWorkers,
				EnvVars: envVar("workers"),
			},
			&cli.DurationFlag{
				Name:  "arm-delay",
				Usage: "Time between starting the clients and activating the feature",
				Value: harness.DefaultArmDelay,
			},
			&cli.DurationFlag{
				Name:  "worker-backoff",
				Usage: "Pause after a failed transfer",
				Value: harness.DefaultWorkerBackoff,
			},
			&cli.DurationFlag{
				Name:  "monitor-interval",
				Usage: "Pause between compute unit simulations",
			},
			&cli.DurationFlag{
				Name:  "boundary-margin",
				Usage: "Extra wait after the last slot of the epoch before checking the owner",
				Value: 500 * time.Millisecond,
			},
			&cli.StringFlag{
				Name:  "starting-state",
				Usage: "fresh or detect; defaults to detect for a reused ledger or an attached validator",
			},
			&cli.BoolFlag{
				Name:  "validate-stub",
				Usage: "Exercise the stub program's write and burn after the migration (needs --workers=0)",
			},
			&cli.BoolFlag{
				Name:        "no-progress",
				Usage:       "Log the status lines instead of drawing progress bars",
				Destination: &noProgress,
			},
			&cli.StringFlag{
				Name:    "metrics-listen",
				Usage:   "Serve Prometheus metrics on this address",
				EnvVars: envVar("metrics_listen"),
			},
			&cli.StringFlag{
				Name:    "otel-endpoint",
				Usage:   "OTLP gRPC endpoint for traces, or \"stdout\"",
				EnvVars: envVar("otel_endpoint"),
			},
		},
		Action: func(c *cli.Context) error {
			cfg := defaultConfig()
			if path := c.String("config"); path != "" {
				loaded, err := loadConfig(path)
				if err != nil {
					return cli.Exit(fmt.Sprintf("failed to load config file %q: %s", path, err.Error()), 1)
				}
				cfg = loaded
			}
			applyFlags(c, cfg)
			if err := cfg.Validate(); err != nil {
				return cli.Exit(fmt.Sprintf("error validating config: %s", err.Error()), 1)
			}
			return runMigration(c.Context, cfg, cancelled, noProgress)
		},
	}
}

// applyFlags copies every flag set on the command line into cfg.
func applyFlags(c *cli.Context, cfg *Config) {
	setString := func(flag string, dst *string) {
		if c.IsSet(flag) {
			*dst = c.String(flag)
		}
	}
	setDuration := func(flag string, dst *string) {
		if c.IsSet(flag) {
			*dst = c.Duration(flag).String()
		}
	}
	setString("rpc", &cfg.RPC)
	setString("keypair", &cfg.Keypair)
	setString("commitment", &cfg.Commitment)
	setString("ledger", &cfg.Validator.Ledger)
	setString("validator-binary", &cfg.Validator.Binary)
	setString("validator-log", &cfg.Validator.Log)
	setString("feature-id", &cfg.Target.FeatureID)
	setString("buffer-address", &cfg.Target.BufferAddress)
	setString("elf-name", &cfg.Target.ElfName)
	setString("program-id", &cfg.Program.ID)
	setString("starting-state", &cfg.Run.StartingState)
	setString("metrics-listen", &cfg.MetricsListen)
	setString("otel-endpoint", &cfg.OtelEndpoint)
	setDuration("arm-delay", &cfg.Run.ArmDelay)
	setDuration("worker-backoff", &cfg.Run.WorkerBackoff)
	setDuration("monitor-interval", &cfg.Run.MonitorInterval)
	setDuration("boundary-margin", &cfg.Run.BoundaryMargin)
	if c.IsSet("rpc-port") {
		cfg.Validator.RPCPort = c.Int("rpc-port")
	}
	if c.IsSet("slots-per-epoch") {
		cfg.Validator.SlotsPerEpoch = c.Uint64("slots-per-epoch")
	}
	if c.IsSet("elf-dir") {
		cfg.ElfDirectories = c.StringSlice("elf-dir")
	}
	if c.IsSet("workers") {
		cfg.Run.Workers = c.Int("workers")
	}
	if c.IsSet("validate-stub") {
		cfg.Run.ValidateStub = c.Bool("validate-stub")
	}
}

func runMigration(ctx context.Context, cfg *Config, cancelled *harness.Signal, noProgress bool) error {
	runID := uuid.NewString()
	klog.Infof("Run %s", runID)
	if path := cfg.ConfigFilepath(); path != "" {
		klog.Infof("Config loaded from %s", path)
	}

	shutdownTelemetry, err := telemetry.InitTelemetry(ctx, "migration-sim", cfg.OtelEndpoint, runID)
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to initialize telemetry: %s", err.Error()), 1)
	}
	defer shutdownTelemetry()

	metrics.Version.WithLabelValues(GitTag, GitCommit, runID).Set(1)
	if cfg.MetricsListen != "" {
		srv := metrics.ListenAndServe(cfg.MetricsListen)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	keypairPath, err := expandHome(cfg.Keypair)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	payer, err := solana.PrivateKeyFromSolanaKeygenFile(keypairPath)
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to read payer keypair %q (create one with solana-keygen new): %s", keypairPath, err.Error()), 1)
	}

	fmt.Println("p-token migration simulator")
	fmt.Println("---------------------------")

	endpoint := cfg.RPC
	slotsPerEpoch := cfg.Validator.SlotsPerEpoch
	reused := cfg.IsAttached()
	if !cfg.IsAttached() {
		fmt.Println("\n⚙️  Starting test validator")
		v, err := startValidator(ctx, cfg, payer.PublicKey())
		if err != nil {
			return cli.Exit(err.Error(), 1)
		}
		defer func() {
			fmt.Println("\n🟨 Shutting down validator...")
			if err := v.Stop(); err != nil {
				klog.Errorf("failed to stop validator: %v", err)
			}
		}()
		endpoint = v.Endpoint()
		reused = v.Reused()
		if reused {
			fmt.Printf("  + 🗂️ Existing ledger found: %s\n", cfg.Validator.Ledger)
		}
		fmt.Println("...done ✅")
	}

	hcfg, err := cfg.HarnessConfig(reused)
	if err != nil {
		return cli.Exit(fmt.Sprintf("error validating config: %s", err.Error()), 1)
	}
	commitment, err := parseCommitment("commitment", cfg.Commitment)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	gw := gateway.NewFromEndpoint(endpoint, gateway.WithCommitment(commitment))
	if cfg.IsAttached() {
		slotsPerEpoch, err = inspectAttached(ctx, gw, endpoint, hcfg.Target)
		if err != nil {
			return cli.Exit(err.Error(), 1)
		}
	}

	var sink status.Sink
	if noProgress {
		sink = status.NewLogSink(5 * time.Second)
	} else {
		sink = status.NewProgress(os.Stdout)
	}

	controller, err := harness.NewController(hcfg, &harness.RunContext{
		Gateway:       gw,
		Payer:         payer,
		SlotsPerEpoch: slotsPerEpoch,
	}, sink, cancelled)
	if err != nil {
		sink.Close()
		return cli.Exit(err.Error(), 1)
	}

	fmt.Printf("\n🔍 Check %s program ownership, %s clients\n\n", hcfg.ProgramID, humanize.Comma(int64(hcfg.Workers)))
	runErr := controller.Run(ctx)
	if runErr != nil {
		// Stop the clients that are already running before reporting.
		cancelled.Set()
	}
	if err := controller.Wait(); err != nil {
		klog.Errorf("client error: %v", err)
	}
	sink.Close()
	printSummary(os.Stdout, controller)
	return runErr
}

func startValidator(ctx context.Context, cfg *Config, mint solana.PublicKey) (*validator.Validator, error) {
	hcfg, err := cfg.HarnessConfig(false)
	if err != nil {
		return nil, err
	}
	startupTimeout, err := parseDuration("validator.startup_timeout", cfg.Validator.StartupTimeout)
	if err != nil {
		return nil, err
	}
	var output io.Writer
	if cfg.Validator.Log != "" {
		file, err := os.Create(cfg.Validator.Log)
		if err != nil {
			return nil, fmt.Errorf("failed to create validator log: %w", err)
		}
		// The process holds its own descriptor.
		defer file.Close()
		output = file
	}
	return validator.Start(ctx, validator.Config{
		Binary:        cfg.Validator.Binary,
		LedgerDir:     cfg.Validator.Ledger,
		RPCPort:       cfg.Validator.RPCPort,
		SlotsPerEpoch: cfg.Validator.SlotsPerEpoch,
		Targets: []validator.Target{{
			FeatureID:     hcfg.Target.FeatureID,
			BufferAddress: hcfg.Target.BufferAddress,
			ElfName:       hcfg.Target.ElfName,
		}},
		Mint:           mint,
		Artifacts:      artifact.NewLoader(cfg.ElfDirectories...),
		StartupTimeout: startupTimeout,
		Output:         output,
	})
}

// inspectAttached reads the epoch length of an attached validator and logs the state
// of the staged feature and buffer accounts.
func inspectAttached(ctx context.Context, gw *gateway.Client, endpoint string, target harness.MigrationTarget) (uint64, error) {
	if !gw.Healthy(ctx) {
		return 0, fmt.Errorf("validator at %s is not healthy", endpoint)
	}
	schedule, err := gw.RPC().GetEpochSchedule(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get epoch schedule: %w", err)
	}
	if schedule.Warmup {
		klog.Warningf("validator has epoch warmup enabled; early epochs are shorter than %d slots", schedule.SlotsPerEpoch)
	}

	feature, err := gw.Account(ctx, target.FeatureID)
	switch {
	case errors.Is(err, gateway.ErrAccountNotFound):
		klog.Warningf("feature account %s does not exist; the activation will fail", target.FeatureID)
	case err != nil:
		return 0, fmt.Errorf("failed to get feature account: %w", err)
	default:
		state, err := featureState(feature)
		if err != nil {
			klog.Warningf("feature account %s: %v", target.FeatureID, err)
		} else {
			klog.Infof("Feature %s %s", target.FeatureID, state)
		}
	}

	buffer, err := gw.Account(ctx, target.BufferAddress)
	switch {
	case errors.Is(err, gateway.ErrAccountNotFound):
		klog.Infof("Buffer %s does not exist (already consumed by the migration?)", target.BufferAddress)
	case err != nil:
		return 0, fmt.Errorf("failed to get buffer account: %w", err)
	default:
		_, elf, err := validator.DecodeBuffer(buffer.Data)
		if err != nil {
			klog.Warningf("buffer %s: %v", target.BufferAddress, err)
		} else {
			klog.Infof("Buffer %s holds a %s program", target.BufferAddress, humanize.Bytes(uint64(len(elf))))
		}
	}
	return schedule.SlotsPerEpoch, nil
}

// featureState describes a feature account by its owner and activation slot.
func featureState(feature *gateway.Account) (string, error) {
	switch {
	case feature.Owner.Equals(activator.ProgramID):
		return "is staged", nil
	case feature.Owner.Equals(activator.FeatureGateProgramID):
		activatedAt, err := validator.DecodeFeature(feature.Data)
		if err != nil {
			return "", err
		}
		if activatedAt == nil {
			return "is pending activation", nil
		}
		return fmt.Sprintf("was activated at slot %d", *activatedAt), nil
	default:
		return "", fmt.Errorf("unexpected owner %s", feature.Owner)
	}
}

func printSummary(w io.Writer, controller *harness.Controller) {
	var ok, failed uint64
	for _, worker := range controller.Workers() {
		stats := worker.Stats()
		ok += stats.Success
		failed += stats.Errors
	}
	fmt.Fprintf(w, "\nTransfers: ✅ %s ❌ %s\n", humanize.Comma(int64(ok)), humanize.Comma(int64(failed)))
	if monitor := controller.Monitor(); monitor != nil {
		if stats := monitor.Stats(); stats.HasUnits {
			fmt.Fprintf(w, "Last transfer CUs: %d\n", stats.UnitsConsumed)
		}
	}
	if controller.Migrated() {
		fmt.Fprintln(w, "Migration: done ✅")
	} else {
		fmt.Fprintln(w, "Migration: not completed")
	}
}
