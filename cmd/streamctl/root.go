package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/drblury/protostream"
)

var version = "dev"

// app carries the settings shared by every subcommand.
type app struct {
	v *viper.Viper
}

func newRootCmd() *cobra.Command {
	root, _ := newRootCmdWithApp()
	return root
}

func newRootCmdWithApp() (*cobra.Command, *app) {
	a := &app{v: viper.New()}
	a.v.SetEnvPrefix("STREAMCTL")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()

	root := &cobra.Command{
		Use:   "streamctl",
		Short: "Serve and call protostream countdown streams",
		Long: `streamctl hosts a demo countdown stream on a protostream bus transport and
calls it from another process.

Settings come from flags, STREAMCTL_* environment variables, and an optional
YAML config file in the protostream Config format.

Examples:
  # Host the countdown on NATS
  streamctl serve --transport nats --nats-url nats://localhost:4222

  # Call it from another terminal
  STREAMCTL_TRANSPORT=nats streamctl call --from 5`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringP("config", "c", "", "protostream YAML config file")
	flags.String("transport", "", "bus transport (channel, kafka, rabbitmq, nats, http, aws)")
	flags.String("topic-prefix", "", "prefix of generated bus topics")
	flags.StringSlice("kafka-brokers", nil, "Kafka brokers")
	flags.String("nats-url", "", "NATS server URL")
	flags.String("rabbitmq-url", "", "RabbitMQ AMQP URL")
	flags.Int("metrics-port", 0, "expose Prometheus metrics on this port")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.Duration("interval", 0, "pause between countdown ticks")
	_ = a.v.BindPFlags(flags)

	root.AddCommand(a.serveCmd(), a.callCmd(), a.registrationsCmd())
	return root, a
}

// config loads the config file, if any, and applies flag and environment
// overrides on top of it.
func (a *app) config() (*protostream.Config, error) {
	cfg := &protostream.Config{}
	if path := a.v.GetString("config"); path != "" {
		loaded, err := protostream.LoadConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if a.v.IsSet("transport") {
		cfg.StreamTransport = a.v.GetString("transport")
	}
	if a.v.IsSet("topic-prefix") {
		cfg.TopicPrefix = a.v.GetString("topic-prefix")
	}
	if a.v.IsSet("kafka-brokers") {
		cfg.KafkaBrokers = a.v.GetStringSlice("kafka-brokers")
	}
	if a.v.IsSet("nats-url") {
		cfg.NATSURL = a.v.GetString("nats-url")
	}
	if a.v.IsSet("rabbitmq-url") {
		cfg.RabbitMQURL = a.v.GetString("rabbitmq-url")
	}
	if port := a.v.GetInt("metrics-port"); port > 0 {
		cfg.MetricsEnabled = true
		cfg.MetricsPort = port
	}
	if err := protostream.ValidateConfig(cfg); err != nil {
		return nil, protostream.ConfigValidationError{Err: err}
	}
	return cfg, nil
}

func (a *app) logger(w io.Writer) (protostream.ServiceLogger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(a.v.GetString("log-level"))); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return protostream.NewSlogServiceLogger(slog.New(handler)), nil
}

func (a *app) interval() time.Duration {
	return a.v.GetDuration("interval")
}
