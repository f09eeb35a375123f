package harness

import (
	"context"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/rpcpool/migration-sim/gateway"
	"github.com/rpcpool/migration-sim/metrics"
	"github.com/rpcpool/migration-sim/provision"
	"github.com/rpcpool/migration-sim/status"
	"k8s.io/klog/v2"
)

const (
	PrefixPending  = "[   🔴   ]"
	PrefixMigrated = "[   🟢   ]"
)

// MonitorStats is what the monitor displayed last.
type MonitorStats struct {
	UnitsConsumed uint64
	HasUnits      bool
	ShownMigrated bool
	Iterations    uint64
	// Shown counts the simulations whose units were displayed. Failed simulations
	// are not counted.
	Shown uint64
}

// Monitor simulates the workers' transfer on its own pair, shows the compute units it
// consumes, and switches its indicator once the migration signal is set. It never
// submits anything.
type Monitor struct {
	run       *RunContext
	pair      *provision.ResourcePair
	line      status.Line
	cancelled *Signal
	migrated  *Signal
	interval  time.Duration

	stats MonitorStats
	done  chan struct{}
}

func NewMonitor(run *RunContext, pair *provision.ResourcePair, line status.Line, cancelled, migrated *Signal, interval time.Duration) *Monitor {
	return &Monitor{
		run:       run,
		pair:      pair,
		line:      line,
		cancelled: cancelled,
		migrated:  migrated,
		interval:  interval,
		done:      make(chan struct{}),
	}
}

func (m *Monitor) Run(ctx context.Context) error {
	defer close(m.done)
	m.line.SetPrefix(PrefixPending)
	m.line.SetMessage("transfer CUs: -")

	for !m.cancelled.IsSet() && ctx.Err() == nil {
		m.stats.Iterations++
		sim, err := m.simulate(ctx)
		switch {
		case err != nil:
			klog.V(4).Infof("monitor: simulation failed: %v", err)
		case sim.Failed():
			klog.V(4).Infof("monitor: simulated transfer failed: %v", sim.Err)
		default:
			if sim.UnitsConsumed != nil {
				m.stats.UnitsConsumed = *sim.UnitsConsumed
				m.stats.HasUnits = true
				m.stats.Shown++
				metrics.MonitorSimulations.Inc()
				m.line.SetMessage(fmt.Sprintf("transfer CUs: %d", *sim.UnitsConsumed))
				metrics.MonitorUnitsConsumed.Set(float64(*sim.UnitsConsumed))
			}
			if m.migrated.IsSet() && !m.stats.ShownMigrated {
				m.stats.ShownMigrated = true
				m.line.SetPrefix(PrefixMigrated)
			}
		}
		pause(ctx, m.interval)
	}
	return nil
}

func (m *Monitor) simulate(ctx context.Context) (*gateway.Simulation, error) {
	transfer, err := m.pair.Transfer(1)
	if err != nil {
		return nil, err
	}
	return m.run.Gateway.Simulate(ctx, []solana.Instruction{transfer}, m.run.Payer, m.pair.Authority)
}

// Stats returns what the monitor displayed last. It blocks until Run has returned.
func (m *Monitor) Stats() MonitorStats {
	<-m.done
	return m.stats
}
