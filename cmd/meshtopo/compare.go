package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/aminovpavel/meshtopo/internal/diff"
)

var compareFlags struct {
	samples int
	tables  []string
	strict  bool
}

var compareCmd = &cobra.Command{
	Use:   "compare <first.db> <second.db>",
	Short: "Compare hop facts, link aggregates and node names of two databases",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		summary, err := diff.CompareSQLite(cmd.Context(), args[0], args[1], diff.Options{
			SampleLimit: compareFlags.samples,
			Tables:      compareFlags.tables,
		})
		if err != nil {
			return fmt.Errorf("compare: %w", err)
		}

		out := cmd.OutOrStdout()
		for i, td := range summary.Tables {
			if i > 0 {
				fmt.Fprintln(out)
			}
			printTableDiff(out, td)
		}
		if compareFlags.strict && !summary.Identical() {
			return errors.New("compare: databases differ")
		}
		return nil
	},
}

func init() {
	fl := compareCmd.Flags()
	fl.IntVar(&compareFlags.samples, "samples", 5, "sample differences to print per table and side")
	fl.StringSliceVar(&compareFlags.tables, "table", nil, "restrict to these tables (traceroute_hops, link_aggregates, node_info)")
	fl.BoolVar(&compareFlags.strict, "strict", false, "exit non-zero when any table differs")
}

func printTableDiff(w io.Writer, td diff.TableDiff) {
	fmt.Fprintf(w, "=== %s (%s vs %s rows) ===\n", td.Table, humanize.Comma(int64(td.RowsA)), humanize.Comma(int64(td.RowsB)))
	fmt.Fprintf(w, "Only in first: %s rows\n", humanize.Comma(int64(td.OnlyA)))
	for _, s := range td.SampleOnlyA {
		fmt.Fprintf(w, "    %s\n", s)
	}
	fmt.Fprintf(w, "Only in second: %s rows\n", humanize.Comma(int64(td.OnlyB)))
	for _, s := range td.SampleOnlyB {
		fmt.Fprintf(w, "    %s\n", s)
	}
}
