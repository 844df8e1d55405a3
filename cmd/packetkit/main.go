// Command packetkit sends packets to tools and runs the tool-side receiver.
//
//	packetkit dispatch < packets.jsonl
//	packetkit receive
//	packetkit config -o yaml
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/vinayprograms/packetkit/config"
	"github.com/vinayprograms/packetkit/logging"
	"github.com/vinayprograms/packetkit/telemetry"
)

var (
	cfgFile  string
	logLevel string

	cfg    *config.Config
	logger *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:           "packetkit",
	Short:         "Deliver agent-to-tool packets over JetStream and JSON-RPC",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return err
		}
		if err := config.LoadFromEnv(cfg); err != nil {
			return err
		}
		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		logger = logging.New()
		logger.SetOutput(os.Stderr)
		logger.SetLevel(logging.ParseLevel(cfg.Logging.Level))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./packetkit.toml, then ~/.config/packetkit/packetkit.toml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level")

	rootCmd.AddCommand(dispatchCmd, receiveCmd, configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// initTelemetry starts the trace exporter described by [telemetry].
func initTelemetry(ctx context.Context, service string) (*telemetry.Provider, error) {
	name := cfg.Telemetry.ServiceName
	if name == "" {
		name = "packetkit"
	}
	return telemetry.InitProvider(ctx, telemetry.ProviderConfig{
		ServiceName: name + "-" + service,
		Endpoint:    cfg.Telemetry.Endpoint,
		Protocol:    cfg.Telemetry.Protocol,
		Insecure:    cfg.Telemetry.Insecure,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
}

// connectNATS opens the connection shared by the stream and NATS RPC.
func connectNATS() (*nats.Conn, error) {
	sc := cfg.JetStreamConfig()
	opts := []nats.Option{
		nats.ReconnectWait(sc.ReconnectWait),
		nats.MaxReconnects(sc.MaxReconnects),
		nats.Timeout(sc.ConnectTimeout),
		nats.Name(sc.Name),
	}
	if sc.Token != "" {
		opts = append(opts, nats.Token(sc.Token))
	}
	conn, err := nats.Connect(sc.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", sc.URL, err)
	}
	return conn, nil
}
