package outbox

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"execution-core/internal/events"
)

// RelayStats counts deliveries across all sinks.
type RelayStats struct {
	Received  uint64 `json:"received"`
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
}

// drainIdle ends a shutdown drain once the stream has been quiet this long.
const drainIdle = 50 * time.Millisecond

// Relay subscribes to every topic on the bus and hands each envelope to
// every sink in turn.
type Relay struct {
	bus     *events.Bus
	sinks   []Sink
	buffer  int
	timeout time.Duration
	drain   time.Duration
	log     zerolog.Logger

	received  atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
}

func NewRelay(bus *events.Bus, log zerolog.Logger, sinks ...Sink) *Relay {
	return &Relay{bus: bus, sinks: sinks, buffer: 256, timeout: 5 * time.Second, drain: 5 * time.Second, log: log}
}

// Start subscribes before returning, so no event published afterwards is
// missed, and relays until ctx is cancelled. The returned channel closes once
// the sinks are closed.
func (r *Relay) Start(ctx context.Context) <-chan struct{} {
	stream, unsub := r.bus.SubscribeAll(events.All, r.buffer)
	done := make(chan struct{})

	names := make([]string, len(r.sinks))
	for i, s := range r.sinks {
		names[i] = s.Name()
	}
	r.log.Info().Strs("sinks", names).Msg("event relay started")

	go func() {
		defer close(done)
		defer r.closeSinks()
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				r.drainQueued(stream)
				return
			case env, ok := <-stream:
				if !ok {
					return
				}
				r.dispatch(ctx, env)
			}
		}
	}()
	return done
}

func (r *Relay) dispatch(ctx context.Context, env events.Envelope) {
	r.received.Add(1)
	for _, s := range r.sinks {
		dctx, cancel := context.WithTimeout(ctx, r.timeout)
		err := s.Deliver(dctx, env)
		cancel()
		if err != nil {
			r.failed.Add(1)
			r.log.Error().Err(err).Str("sink", s.Name()).Str("type", string(env.Type)).Str("event_id", env.ID).Msg("event delivery failed")
			continue
		}
		r.delivered.Add(1)
	}
}

func (r *Relay) drainQueued(stream <-chan events.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), r.drain)
	defer cancel()
	idle := time.NewTimer(drainIdle)
	defer idle.Stop()

	drained := 0
	for {
		select {
		case <-ctx.Done():
			r.log.Warn().Int("drained", drained).Dur("timeout", r.drain).Msg("event drain timed out")
			return
		case <-idle.C:
			if drained > 0 {
				r.log.Info().Int("drained", drained).Msg("event relay drained")
			}
			return
		case env, ok := <-stream:
			if !ok {
				return
			}
			r.dispatch(ctx, env)
			drained++
			idle.Reset(drainIdle)
		}
	}
}

func (r *Relay) closeSinks() {
	for _, s := range r.sinks {
		if err := s.Close(); err != nil {
			r.log.Warn().Err(err).Str("sink", s.Name()).Msg("closing sink")
		}
	}
}

// Stats returns delivery counters.
func (r *Relay) Stats() RelayStats {
	return RelayStats{
		Received:  r.received.Load(),
		Delivered: r.delivered.Load(),
		Failed:    r.failed.Load(),
	}
}
