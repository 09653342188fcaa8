package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/drblury/protostream"
)

func (a *app) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Host the countdown stream on the bus until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			svc, err := a.service(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer svc.Close()

			if err := protostream.ServeBus[CountdownRequest, Tick](svc, countdownTopic); err != nil {
				return err
			}
			svc.Logger.Info("Serving countdown", protostream.LogFields{
				"topic":     svc.Topic(countdownTopic),
				"transport": svc.Capabilities().Name,
			})
			return svc.Start(ctx)
		},
	}
}

func (a *app) callCmd() *cobra.Command {
	var from int
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "call",
		Short: "Call the remote countdown stream and print each tick as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			svc, err := a.service(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer svc.Close()

			// The channel transport only reaches this process, so the
			// countdown is hosted next to the caller.
			if svc.Capabilities().Name == "channel" {
				if err := serveLocally(ctx, svc); err != nil {
					return err
				}
			}

			scope, err := openScope(svc)
			if err != nil {
				return err
			}
			defer scope.Close()

			client, err := protostream.ResolveKeyed[CountdownRequest, Tick](scope, remoteKey)
			if err != nil {
				return err
			}
			printer, err := protostream.NewConsumer(scope, printItem[Tick](cmd.OutOrStdout()), nil)
			if err != nil {
				return err
			}
			return protostream.Consume(ctx, client.ExecuteRequest(ctx, CountdownRequest{From: from}), printer)
		},
	}
	cmd.Flags().IntVar(&from, "from", 3, "number to count down from")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up after this long")
	return cmd
}

func (a *app) registrationsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "registrations",
		Short: "Print the registration table of the demo service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := a.service(cmd.Context(), io.Discard)
			if err != nil {
				return err
			}
			defer svc.Close()
			return printRegistrations(cmd.OutOrStdout(), svc.Registrations())
		},
	}
}

func (a *app) service(ctx context.Context, logOut io.Writer) (*protostream.Service, error) {
	cfg, err := a.config()
	if err != nil {
		return nil, err
	}
	logger, err := a.logger(logOut)
	if err != nil {
		return nil, err
	}
	return newDemoService(ctx, cfg, logger, a.interval())
}

func serveLocally(ctx context.Context, svc *protostream.Service) error {
	if err := protostream.ServeBus[CountdownRequest, Tick](svc, countdownTopic); err != nil {
		return err
	}
	errCh := make(chan error, 1)
	go func() { errCh <- svc.Start(ctx) }()
	select {
	case <-svc.Running():
		return nil
	case err := <-errCh:
		return fmt.Errorf("start local host: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func openScope(svc *protostream.Service) (*protostream.Scope, error) {
	provider, err := svc.Build()
	if err != nil {
		return nil, err
	}
	return provider.NewScope(), nil
}

// printItem writes every consumed item to w as one JSON line.
func printItem[T any](w io.Writer) protostream.ConsumerFunc[T] {
	return func(_ context.Context, item T, _ *protostream.Scope) error {
		raw, err := protostream.Marshal(item)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(raw))
		return err
	}
}

func printRegistrations(w io.Writer, regs []protostream.Registration) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "REQUEST\tITEM\tKEY\tKIND\tIMPLEMENTATION")
	for _, r := range regs {
		key := "-"
		if r.Keyed {
			key = fmt.Sprint(r.Key)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.RequestType, r.ItemType, key, r.Kind, r.ImplementationType)
	}
	return tw.Flush()
}
