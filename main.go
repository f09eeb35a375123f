package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/rpcpool/migration-sim/harness"
	"github.com/urfave/cli/v2"
	"k8s.io/klog/v2"
)

func main() {
	defer klog.Flush()

	// The first interrupt asks the run to wind down; in-flight RPC calls are left to
	// finish, so the context handed to commands is never cancelled by it.
	cancelled := new(harness.Signal)
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGTERM, syscall.SIGINT)
	go handleInterrupts(interrupt, cancelled, os.Exit)

	app := &cli.App{
		Name:        "migration-sim",
		Version:     GitTag,
		Usage:       "Swap the SPL Token program for p-token on a test validator while it is under load.",
		Description: "Launches a solana-test-validator with the p-token migration staged, keeps it busy with token transfers, activates the migration feature and checks that the program changed loaders at the epoch boundary without interrupting the transfers.",
		Flags:       NewKlogFlagSet(),
		Commands: []*cli.Command{
			newCmd_Run(cancelled),
			newCmd_Version(),
		},
	}

	sort.Sort(cli.FlagsByName(app.Flags))
	sort.Sort(cli.CommandsByName(app.Commands))

	if err := app.RunContext(context.Background(), os.Args); err != nil {
		klog.Fatal(err)
	}
}

// handleInterrupts sets cancelled on the first interrupt and calls exit on the second,
// without waiting for anything still in flight.
func handleInterrupts(interrupt <-chan os.Signal, cancelled *harness.Signal, exit func(int)) {
	<-interrupt
	fmt.Println()
	klog.Info("received interrupt signal; stopping (interrupt again to abort)")
	cancelled.Set()

	<-interrupt
	fmt.Println("\n\n🟥 Simulation aborted.")
	klog.Flush()
	exit(1)
}
