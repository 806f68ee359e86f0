package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aminovpavel/meshtopo/internal/app"
	"github.com/aminovpavel/meshtopo/internal/decode"
	"github.com/aminovpavel/meshtopo/internal/mqtt"
	"github.com/aminovpavel/meshtopo/internal/route"
)

var smokeIdle time.Duration

var smokeCmd = &cobra.Command{
	Use:   "smoke",
	Short: "Connect to the broker and print decoded packets without storing them",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		mqttCfg := app.BuildMQTTConfig(cfg)
		mqttCfg.ClientID = fmt.Sprintf("meshtopo-smoke-%d", time.Now().UnixNano())
		client, err := mqtt.NewClient(mqttCfg, mqtt.WithLogger(logger))
		if err != nil {
			return fmt.Errorf("create client: %w", err)
		}
		if err := client.Start(ctx); err != nil {
			return fmt.Errorf("start client: %w", err)
		}
		defer client.Stop()

		decoder := decode.NewMeshtasticDecoder(decode.MeshtasticConfig{}, nil)
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "connected to %s:%d, awaiting %s\n", mqttCfg.BrokerHost, mqttCfg.BrokerPort, mqttCfg.SubscriptionTopic())

		if smokeIdle <= 0 {
			smokeIdle = 30 * time.Second
		}
		ticker := time.NewTicker(smokeIdle)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case msg, ok := <-client.Messages():
				if !ok {
					return nil
				}
				pkt, err := decoder.Decode(ctx, msg)
				if err != nil {
					fmt.Fprintf(out, "ERR topic=%s size=%d: %v\n", msg.Topic, len(msg.Payload), err)
					continue
				}
				fmt.Fprintf(out, "%s %s -> %s via %s port=%s encrypted=%t\n",
					pkt.ReceivedAt.Format(time.TimeOnly), pkt.From, pkt.To, pkt.GatewayID, pkt.PortNum, pkt.Encrypted)
				if pkt.Route != nil {
					printRoute(out, route.Envelope{From: pkt.From, To: pkt.To}, *pkt.Route)
				}
			case err := <-client.Errors():
				fmt.Fprintf(out, "ERR %v\n", err)
			case <-ticker.C:
				fmt.Fprintln(out, "still connected, no messages in the last interval")
			}
		}
	},
}

func init() {
	smokeCmd.Flags().DurationVar(&smokeIdle, "idle-report", 30*time.Second, "interval of the idle heartbeat line")
}
