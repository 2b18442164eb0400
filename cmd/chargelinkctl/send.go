package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/evcharge/chargelink/internal/command"
	"github.com/evcharge/chargelink/internal/config"
	"github.com/evcharge/chargelink/internal/notify"
	"github.com/evcharge/chargelink/pkg/deviceid"
)

var sendTimeout time.Duration

func init() {
	sendCmd.Flags().DurationVarP(&sendTimeout, "timeout", "t", 0, "reply timeout (default: mqtt.command_timeout)")
	sosCmd.Flags().DurationVarP(&sendTimeout, "timeout", "t", 0, "reply timeout (default: mqtt.command_timeout)")
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(sosCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <imei> <key> [value]",
	Short: "Send a key/value command to a device and wait for its reply",
	Long: "Publish {\"imei\", \"pid\", key: value} on the device request topic and wait for the ack.\n" +
		"The value is parsed as JSON when possible, otherwise sent as a string.",
	Args: cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := command.Command{Key: args[1], Value: 1}
		if len(args) == 3 {
			c.Value = parseValue(args[2])
		}
		return runCommand(cmd, args[0], c)
	},
}

var sosCmd = &cobra.Command{
	Use:       "sos <imei> on|off",
	Short:     "Switch the emergency cutoff of a device",
	Args:      cobra.ExactArgs(2),
	ValidArgs: []string{"on", "off"},
	RunE: func(cmd *cobra.Command, args []string) error {
		switch args[1] {
		case "on":
			return runCommand(cmd, args[0], command.SOS(true))
		case "off":
			return runCommand(cmd, args[0], command.SOS(false))
		default:
			return fmt.Errorf("expected on or off, got %q", args[1])
		}
	},
}

// parseValue keeps numbers, booleans and objects typed.
func parseValue(s string) interface{} {
	var v interface{}
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return s
}

func runCommand(cmd *cobra.Command, imei string, c command.Command) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if deviceid.Normalize(imei) == "" {
		return command.ErrInvalidDevice
	}

	ctx, stop := signal.NotifyContext(cmdContext(cmd), os.Interrupt)
	defer stop()

	ch := command.NewChannel(channelOptions(cfg))
	ch.OnStatus(func(st notify.Status) {
		if st.Kind == notify.KindReconnecting {
			fmt.Fprintf(os.Stderr, "broker unreachable, retrying in %s\n", st.Delay)
		}
	})
	defer ch.Disconnect()

	connectCtx, cancel := context.WithTimeout(ctx, cfg.MQTT.ConnectTimeout)
	err = ch.Connect(connectCtx, imei)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}

	request, reply := ch.Topics()
	fmt.Fprintf(os.Stderr, "-> %s (replies on %s)\n", request, reply)

	res, err := ch.Do(ctx, c)
	if err != nil && res.CorrelationID == "" {
		return err
	}

	out, _ := json.MarshalIndent(res, "", "  ")
	fmt.Println(string(out))

	switch res.Outcome {
	case command.OutcomeSuccess:
		return nil
	default:
		return fmt.Errorf("command %s: %v", res.Outcome, res.Err)
	}
}

func channelOptions(cfg *config.Config) command.Options {
	timeout := cfg.MQTT.CommandTimeout
	if sendTimeout > 0 {
		timeout = sendTimeout
	}
	return command.Options{
		Broker: command.NewPahoBroker(command.PahoConfig{
			Broker:         cfg.MQTT.Broker,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			TLS:            cfg.MQTT.TLS,
			ConnectTimeout: cfg.MQTT.ConnectTimeout,
			KeepAlive:      cfg.MQTT.KeepAlive,
		}),
		Topics: deviceid.Topics{
			RequestPrefix: cfg.MQTT.RequestPrefix,
			ReplyPrefix:   cfg.MQTT.ReplyPrefix,
		},
		PlatformID:        cfg.MQTT.PlatformID,
		QoS:               cfg.MQTT.QoS,
		CommandTimeout:    timeout,
		ReconnectBase:     cfg.MQTT.ReconnectBase,
		ReconnectMax:      cfg.MQTT.ReconnectMax,
		StrictCorrelation: cfg.MQTT.StrictCorrelation,
	}
}
