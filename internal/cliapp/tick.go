package cliapp

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/rvscript/scripthost/host"
	"github.com/rvscript/scripthost/hostconfig"
)

var tickCount int

func newTickCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tick <config.toml>",
		Short: "Boot every configured instance, then run a fixed number of tick passes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := hostconfig.Load(args[0])
			if err != nil {
				return err
			}
			h, err := bootHost(cfg, baseLogger())
			if err != nil {
				return err
			}

			// A long tick run is interrupted the same way a real game loop
			// would be stopped: SIGINT cancels the context passed to runTicks,
			// which checks it between passes rather than mid-tick.
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()
			runTicks(ctx, h, tickCount, cmd.OutOrStdout())
			return nil
		},
	}
	cmd.Flags().IntVar(&tickCount, "count", 1, "number of tick passes to run")
	return cmd
}

// runTicks drives count tick passes (or fewer, if ctx is cancelled first),
// printing each pass's per-instance overrun/crash counters to out. Split out
// from newTickCmd's RunE so the SIGINT-passthrough behavior is directly
// testable without going through cobra's command execution.
func runTicks(ctx context.Context, h *host.Host, count int, out io.Writer) {
	for i := 0; i < count; i++ {
		if ctx.Err() != nil {
			fmt.Fprintf(out, "tick: stopping early after %d/%d passes (%v)\n", i, count, ctx.Err())
			return
		}
		stats := h.Tick(ctx)
		for _, s := range stats {
			fmt.Fprintf(out, "tick %d: %-20s overruns=%d crashed=%v\n",
				i, s.Name, s.BudgetOverruns, s.Crashed)
		}
	}
}
