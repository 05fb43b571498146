// Command fleetwire-trace views and analyzes protocol trace files written
// by fleetwire-manager --trace-file.
//
// Usage:
//
//	fleetwire-trace view [flags] <trace>
//	fleetwire-trace stats [flags] <trace>
//	fleetwire-trace export --format jsonl|csv [flags] <trace>
//	fleetwire-trace filter -o <out> [flags] <trace>
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fleetwire/fleetwire/cmd/fleetwire-trace/commands"
	"github.com/fleetwire/fleetwire/pkg/log"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts commands.FilterOptions

	root := &cobra.Command{
		Use:           "fleetwire-trace",
		Short:         "Inspect fleetwire protocol trace files",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.ConnID, "conn-id", "", "only events of this connection")
	pf.StringVar(&opts.HostID, "host", "", "only events of this host")
	pf.StringVar(&opts.DataCenter, "data-center", "", "only events of this data center")
	pf.StringVar(&opts.TimeStart, "since", "", "only events at or after this RFC3339 time")
	pf.StringVar(&opts.TimeEnd, "until", "", "only events before this RFC3339 time")
	pf.StringVar(&opts.Layer, "layer", "", "only this layer (transport, dispatch)")
	pf.StringVar(&opts.Direction, "direction", "", "only this direction (in, out)")
	pf.StringVar(&opts.Category, "category", "", "only this category (message, control, state, error)")

	// withFilter builds the filter before running fn on the trace path.
	withFilter := func(fn func(cmd *cobra.Command, path string, filter log.Filter) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			filter, err := opts.Build()
			if err != nil {
				return err
			}
			return fn(cmd, args[0], filter)
		}
	}

	root.AddCommand(&cobra.Command{
		Use:   "view <trace>",
		Short: "Print events in human-readable form",
		Args:  cobra.ExactArgs(1),
		RunE: withFilter(func(cmd *cobra.Command, path string, filter log.Filter) error {
			return commands.RunView(path, filter, cmd.OutOrStdout())
		}),
	})

	root.AddCommand(&cobra.Command{
		Use:   "stats <trace>",
		Short: "Summarize events, connections and per-host dispatch traffic",
		Args:  cobra.ExactArgs(1),
		RunE: withFilter(func(cmd *cobra.Command, path string, filter log.Filter) error {
			return commands.RunStats(path, filter, cmd.OutOrStdout())
		}),
	})

	var format string
	export := &cobra.Command{
		Use:   "export <trace>",
		Short: "Export events as JSON lines or CSV",
		Args:  cobra.ExactArgs(1),
		RunE: withFilter(func(cmd *cobra.Command, path string, filter log.Filter) error {
			return commands.RunExport(path, format, filter, cmd.OutOrStdout())
		}),
	}
	export.Flags().StringVar(&format, "format", "jsonl", "output format (jsonl, csv)")
	root.AddCommand(export)

	var output string
	filterCmd := &cobra.Command{
		Use:   "filter <trace>",
		Short: "Write matching events to a new trace file",
		Args:  cobra.ExactArgs(1),
		RunE: withFilter(func(cmd *cobra.Command, path string, filter log.Filter) error {
			n, err := commands.RunFilter(path, output, filter)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Filtered %d events to %s\n", n, output)
			return nil
		}),
	}
	filterCmd.Flags().StringVarP(&output, "output", "o", "", "output trace file")
	_ = filterCmd.MarkFlagRequired("output")
	root.AddCommand(filterCmd)

	return root
}
