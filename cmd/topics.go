package cmd

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/smazurov/blindspot/internal/bridge"
	"github.com/smazurov/blindspot/internal/config"
)

type topicsOptions struct {
	Config       string
	Distance     string `toml:"topics.distance" env:"TOPICS_DISTANCE"`
	LEDStatus    string `toml:"topics.led_status" env:"TOPICS_LED_STATUS"`
	SensorStatus string `toml:"topics.sensor_status" env:"TOPICS_SENSOR_STATUS"`
	CameraStatus string `toml:"topics.camera_status" env:"TOPICS_CAMERA_STATUS"`
	Commands     string `toml:"topics.commands" env:"TOPICS_COMMANDS"`
	JSON         bool
}

type topicRow struct {
	Topic     string `json:"topic"`
	Direction string `json:"direction"`
	Field     string `json:"field,omitempty"`
	Event     string `json:"event,omitempty"`
}

// CreateTopicsCmd creates the topics command.
func CreateTopicsCmd() *cobra.Command {
	defaults := bridge.DefaultTopics()
	opts := &topicsOptions{
		Distance:     defaults.Distance,
		LEDStatus:    defaults.LEDStatus,
		SensorStatus: defaults.SensorStatus,
		CameraStatus: defaults.CameraStatus,
		Commands:     defaults.Commands,
	}

	cmd := &cobra.Command{
		Use:   "topics",
		Short: "Show the topic bindings",
		Long:  `Prints every bus topic the bridge subscribes to, the state field it updates and the event clients receive.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.LoadConfig(opts, cmd); err != nil {
				return err
			}

			bindings, err := bridge.NewBindings(bridge.Topics{
				Distance:     opts.Distance,
				LEDStatus:    opts.LEDStatus,
				SensorStatus: opts.SensorStatus,
				CameraStatus: opts.CameraStatus,
				Commands:     opts.Commands,
			})
			if err != nil {
				return err
			}

			rows := make([]topicRow, 0, len(bindings.Inbound())+1)
			for _, b := range bindings.Inbound() {
				rows = append(rows, topicRow{Topic: b.Topic, Direction: "in", Field: b.Field.String(), Event: b.Event})
			}
			rows = append(rows, topicRow{Topic: bindings.CommandsTopic(), Direction: "out"})

			if opts.JSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(rows)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "TOPIC\tDIRECTION\tFIELD\tEVENT")
			for _, r := range rows {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Topic, r.Direction, r.Field, r.Event)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&opts.Config, "config", "c", "config.toml", "Path to configuration file")
	cmd.Flags().BoolVar(&opts.JSON, "json", false, "Print as JSON")

	return cmd
}
