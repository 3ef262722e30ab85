package pickupfeed

import (
	"context"
	"encoding/json"

	"github.com/wb-go/wbf/zlog"

	"memberevents/internal/pubsub"
)

// Reader consumes pickup updates from the broker and delivers them to the
// local hub.
type Reader struct {
	broker *Broker
	hub    *pubsub.Hub
	done   chan struct{}
	cancel context.CancelFunc
}

func NewReader(broker *Broker, hub *pubsub.Hub) *Reader {
	return &Reader{
		broker: broker,
		hub:    hub,
		done:   make(chan struct{}),
	}
}

func (r *Reader) Start(ctx context.Context) {
	cctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	zlog.Logger.Info().Msg("pickup feed reader started")

	go func() {
		defer close(r.done)

		handler := func(body []byte) error {
			var u pubsub.Update
			if err := json.Unmarshal(body, &u); err != nil {
				zlog.Logger.Error().
					Err(err).
					Msgf("failed to unmarshal pickup update: %s", string(body))
				return err
			}

			zlog.Logger.Debug().
				Int64("registration_id", u.RegistrationID).
				Str("pickup_code", u.PickupCode).
				Msg("pickup update received")

			r.hub.Publish(u)
			return nil
		}

		if err := r.broker.Consume(handler); err != nil {
			zlog.Logger.Error().Err(err).Msg("failed to start consuming pickup updates")
			return
		}

		<-cctx.Done()
		zlog.Logger.Info().Msg("pickup feed reader stopped by context")
	}()
}

func (r *Reader) Stop() {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
}
