package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/aminovpavel/meshtopo/internal/mesh"
	"github.com/aminovpavel/meshtopo/internal/observability"
	"github.com/aminovpavel/meshtopo/internal/route"
)

var decodeRouteFlags struct {
	from string
	to   string
}

var decodeRouteCmd = &cobra.Command{
	Use:   "decode-route <hex payload>",
	Short: "Decode a RouteDiscovery payload and print its hops",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw := strings.TrimPrefix(strings.ReplaceAll(args[0], " ", ""), "0x")
		payload, err := hex.DecodeString(raw)
		if err != nil {
			return fmt.Errorf("decode-route: payload is not hex: %w", err)
		}
		from, err := optionalNode(decodeRouteFlags.from)
		if err != nil {
			return fmt.Errorf("decode-route: --from: %w", err)
		}
		to, err := optionalNode(decodeRouteFlags.to)
		if err != nil {
			return fmt.Errorf("decode-route: --to: %w", err)
		}

		parsed := route.NewDecoder(route.WithLogger(observability.Component(logger, "route"))).Decode(payload)
		printRoute(cmd.OutOrStdout(), route.Envelope{From: from, To: to}, parsed)
		return nil
	},
}

func init() {
	decodeRouteCmd.Flags().StringVar(&decodeRouteFlags.from, "from", "", "originating node (!hex, 0xhex or decimal)")
	decodeRouteCmd.Flags().StringVar(&decodeRouteFlags.to, "to", "", "destination node")
}

func optionalNode(v string) (mesh.NodeID, error) {
	if v == "" {
		return 0, nil
	}
	return mesh.ParseNodeID(v)
}

func printRoute(w io.Writer, env route.Envelope, parsed route.ParsedRoute) {
	if parsed.Empty() {
		fmt.Fprintln(w, "no route data")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DIRECTION\tHOP\tFROM\tTO\tSNR")
	for _, p := range route.Build(env, parsed) {
		for _, h := range p.Hops {
			snr := "-"
			if h.SNR != nil {
				snr = fmt.Sprintf("%.2f dB", *h.SNR)
			}
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", p.Direction, h.Index, h.From, h.To, snr)
		}
	}
	_ = tw.Flush()
}
