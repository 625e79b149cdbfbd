package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/smazurov/blindspot/internal/bridge"
	"github.com/smazurov/blindspot/internal/bus"
	"github.com/smazurov/blindspot/internal/config"
	"github.com/smazurov/blindspot/internal/logging"
)

// publishOptions are read from the config file and environment, then
// overridden by flags.
type publishOptions struct {
	Config  string
	Driver  string        `toml:"bus.driver" env:"BUS_DRIVER"`
	Broker  string        `toml:"bus.broker" env:"BUS_BROKER"`
	Topic   string        `toml:"topics.commands" env:"TOPICS_COMMANDS"`
	Payload string
	Raw     bool
	Timeout time.Duration `toml:"bus.connect_timeout" env:"BUS_CONNECT_TIMEOUT"`
}

// CreatePublishCmd creates the publish command.
func CreatePublishCmd() *cobra.Command {
	defaults := bus.DefaultConfig()
	opts := &publishOptions{}

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish one message to the bus",
		Long: `Connects to the configured broker, publishes a single message and exits. ` +
			`Defaults to the commands topic, so this is the CLI equivalent of POST /api/command.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.LoadConfig(opts, cmd); err != nil {
				return err
			}
			logging.Initialize(config.LoadLoggingConfig(opts.Config))

			return runPublish(cmd, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.Config, "config", "c", "config.toml", "Path to configuration file")
	cmd.Flags().StringVar(&opts.Driver, "driver", defaults.Driver, "Bus driver (mqtt, nats)")
	cmd.Flags().StringVar(&opts.Broker, "broker", defaults.Broker, "Broker URL")
	cmd.Flags().StringVarP(&opts.Topic, "topic", "t", bridge.DefaultTopics().Commands, "Topic to publish to")
	cmd.Flags().StringVarP(&opts.Payload, "payload", "m", "", "Message payload")
	cmd.Flags().BoolVar(&opts.Raw, "raw", false, "Publish the payload without JSON validation")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", defaults.ConnectTimeout, "Time to wait for the broker")
	_ = cmd.MarkFlagRequired("payload")

	return cmd
}

func runPublish(cmd *cobra.Command, opts *publishOptions) error {
	if !opts.Raw && !json.Valid([]byte(opts.Payload)) {
		return errors.New("payload is not valid JSON (use --raw to send it anyway)")
	}

	logger := logging.GetLogger("cli")

	client, err := bus.New(bus.Config{
		Driver:         opts.Driver,
		Broker:         opts.Broker,
		ClientIDPrefix: "blindspot-cli",
		ConnectTimeout: opts.Timeout,
	}, logger)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
	defer cancel()

	if err := client.Start(ctx); err != nil {
		return fmt.Errorf("failed to start bus client: %w", err)
	}
	if err := waitConnected(ctx, client); err != nil {
		return fmt.Errorf("broker %s unreachable: %w", opts.Broker, err)
	}

	if err := client.Publish(opts.Topic, []byte(opts.Payload)); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", opts.Topic, err)
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "published %d bytes to %s\n", len(opts.Payload), opts.Topic)
	return nil
}

func waitConnected(ctx context.Context, client bus.Client) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for !client.IsConnected() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
