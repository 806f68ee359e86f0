package main

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/aminovpavel/meshtopo/internal/app"
	"github.com/aminovpavel/meshtopo/internal/linkstore"
)

var refreshTop int

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Rebuild the longest-links aggregate once and print a summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		svc, err := app.BuildServices(ctx, cfg, logger, nil)
		if err != nil {
			return err
		}
		defer svc.Close()

		started := time.Now()
		ran, err := svc.Scheduler.RefreshNow(ctx)
		if err != nil {
			return fmt.Errorf("refresh: %w", err)
		}
		if !ran {
			return errors.New("refresh: a rebuild is already running")
		}

		counts, err := svc.DB.Counts(ctx)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "rebuilt %s link aggregates from %s traceroute hops in %s\n",
			humanize.Comma(counts.Aggregates), humanize.Comma(counts.Hops), time.Since(started).Round(time.Millisecond))
		fmt.Fprintf(out, "database holds %s packets, %s positions, %s named nodes\n",
			humanize.Comma(counts.Packets), humanize.Comma(counts.Positions), humanize.Comma(counts.Nodes))

		if refreshTop <= 0 {
			return nil
		}
		links, err := svc.Links.Rank(ctx, linkstore.Query{MaxResults: refreshTop, Order: linkstore.OrderByDistance})
		if err != nil {
			return err
		}
		printLinks(out, links, time.Now())
		return nil
	},
}

func init() {
	refreshCmd.Flags().IntVar(&refreshTop, "top", 10, "print the N longest links after the rebuild (0 disables)")
}

func printLinks(w io.Writer, links []linkstore.RankedLink, now time.Time) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FROM\tTO\tDISTANCE\tSNR\tSEEN\tLAST")
	for _, l := range links {
		distance := "?"
		if l.DistanceKm != nil {
			distance = humanize.FormatFloat("#,###.#", *l.DistanceKm) + " km"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.1f dB\t%s\t%s\n",
			l.FromName, l.ToName, distance, l.AvgSNR,
			humanize.Comma(int64(l.ObservationCount)),
			humanize.RelTime(l.LastSeen, now, "ago", "from now"))
	}
	_ = tw.Flush()
}
