package main

import (
	"context"
	"iter"
	"time"

	"github.com/drblury/protostream"
)

// CountdownRequest asks for a countdown from From to 1.
type CountdownRequest struct {
	From int `json:"from"`
}

// Tick is one step of a countdown.
type Tick struct {
	Remaining int       `json:"remaining"`
	At        time.Time `json:"at"`
}

const (
	countdownTopic = "countdown"
	remoteKey      = "remote"
)

type countdown struct {
	interval time.Duration
}

func (c *countdown) ExecuteRequest(ctx context.Context, req CountdownRequest) iter.Seq2[Tick, error] {
	return func(yield func(Tick, error) bool) {
		if req.From < 0 {
			yield(Tick{}, protostream.ErrInvalidArgument)
			return
		}
		for n := req.From; n > 0; n-- {
			if n != req.From && c.interval > 0 {
				timer := time.NewTimer(c.interval)
				select {
				case <-ctx.Done():
					timer.Stop()
					yield(Tick{}, ctx.Err())
					return
				case <-timer.C:
				}
			}
			if err := ctx.Err(); err != nil {
				yield(Tick{}, err)
				return
			}
			if !yield(Tick{Remaining: n, At: time.Now().UTC()}, nil) {
				return
			}
		}
	}
}

// newDemoService registers the countdown handler and a keyed bus client in
// front of it. Hosting the handler on the bus is left to the caller.
func newDemoService(ctx context.Context, cfg *protostream.Config, logger protostream.ServiceLogger, interval time.Duration) (*protostream.Service, error) {
	svc, err := protostream.NewService(cfg, logger, ctx, protostream.ServiceDependencies{})
	if err != nil {
		return nil, err
	}
	err = protostream.RegisterHandlerFactory(svc, func(*protostream.Scope) (*countdown, error) {
		return &countdown{interval: interval}, nil
	}, protostream.WithLifetime(protostream.Singleton))
	if err == nil {
		err = protostream.RegisterClient[CountdownRequest, Tick](svc, protostream.Bus(countdownTopic), nil, protostream.WithKey(remoteKey))
	}
	if err != nil {
		_ = svc.Close()
		return nil, err
	}
	return svc, nil
}
