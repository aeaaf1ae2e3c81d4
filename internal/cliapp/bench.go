package cliapp

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/rvscript/scripthost/binarystore"
	"github.com/rvscript/scripthost/dyncall"
	"github.com/rvscript/scripthost/script"
)

var (
	benchAddr   string
	benchRounds int
)

func newBenchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bench <binary> <symbol>",
		Short: "Run VMBench against a single function in a raw guest binary",
		Long: `bench times the --addr'd function's per-call cost (spec.md §4.8).

Symbol addresses aren't parsed from an ELF section (rvcore's decode loop
doesn't own ELF parsing; see rvcore's package doc) — pass the function's
byte offset explicitly via --addr.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, symbol := args[0], args[1]
			addr, err := strconv.ParseUint(benchAddr, 0, 64)
			if err != nil {
				return fmt.Errorf("scriptctl: --addr %q: %w", benchAddr, err)
			}
			code, err := os.ReadFile(path)
			if err != nil {
				return err
			}

			store := binarystore.New(machineFactory)
			bin, err := store.Insert("bench", code, map[string]uint64{symbol: addr})
			if err != nil {
				return err
			}
			inst, err := script.New(context.Background(), script.Options{
				Binary:   bin,
				Name:     "bench",
				Registry: dyncall.NewRegistry(),
			})
			if err != nil {
				return err
			}

			result, err := inst.VMBench(context.Background(), addr, benchRounds)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: lowest=%dns median=%dns highest=%dns\n",
				symbol, result.LowestNs, result.MedianNs, result.HighestNs)
			return nil
		},
	}
	cmd.Flags().StringVar(&benchAddr, "addr", "0", "byte offset of the function to benchmark")
	cmd.Flags().IntVar(&benchRounds, "rounds", 10, "number of outer measurement rounds")
	return cmd
}
