package hyperliquid

import (
	"context"
	"encoding/json"
	"sync"

	"funding_keeper/internal/core"
	apperrors "funding_keeper/pkg/errors"
	wsclient "funding_keeper/pkg/websocket"
)

// eventSink serializes emits against the close that happens when the
// subscription context ends. The websocket read loop may still be
// delivering a frame at that point.
type eventSink struct {
	mu     sync.Mutex
	ch     chan core.VenueEvent
	closed bool
}

func newEventSink() *eventSink {
	return &eventSink{ch: make(chan core.VenueEvent, eventBuffer)}
}

// emit publishes without blocking; a full buffer drops the event.
// Consumers refresh from REST on their own cadence, so a dropped
// event only delays them.
func (s *eventSink) emit(ev core.VenueEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

func (s *eventSink) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// SubscribeEvents opens the venue's order update stream. Fills also
// produce a positions nudge so consumers re-read account state. The
// returned channel closes when ctx is cancelled.
func (a *Adapter) SubscribeEvents(ctx context.Context) (<-chan core.VenueEvent, error) {
	user, err := a.requireUser("subscribe_events")
	if err != nil {
		return nil, err
	}

	a.streamMu.Lock()
	defer a.streamMu.Unlock()
	if a.stream != nil {
		return nil, apperrors.NewVenueError(string(a.Name()), apperrors.KindValidation,
			"subscribe_events", "event stream already running", nil)
	}

	sink := newEventSink()
	ws := wsclient.NewClient(string(a.Name()), a.cfg.WSURL, a.streamHandler(sink), a.Logger())
	ws.SetOnConnected(func() {
		sub := wsSubscribe{
			Method:       "subscribe",
			Subscription: wsSubscription{Type: "orderUpdates", User: user},
		}
		if err := ws.Send(sub); err != nil {
			a.Logger().Warn("order stream subscribe failed", "error", err)
		}
	})
	a.stream = ws
	ws.Start()

	go func() {
		<-ctx.Done()
		a.streamMu.Lock()
		if a.stream == ws {
			a.stream = nil
		}
		a.streamMu.Unlock()
		ws.Stop()
		sink.close()
	}()
	return sink.ch, nil
}

// streamHandler parses stream frames. The venue multiplexes
// subscription acks and pongs onto the same socket; only orderUpdates
// matter here.
func (a *Adapter) streamHandler(sink *eventSink) wsclient.MessageHandler {
	return func(message []byte) {
		var env wsEnvelope
		if err := json.Unmarshal(message, &env); err != nil {
			a.Logger().Warn("unparseable stream frame", "error", err)
			return
		}
		switch env.Channel {
		case "orderUpdates":
			a.handleOrderUpdates(sink, env.Data)
		case "subscriptionResponse", "pong":
		case "error":
			a.Logger().Warn("stream error frame", "data", string(env.Data))
		}
	}
}

func (a *Adapter) handleOrderUpdates(sink *eventSink, data json.RawMessage) {
	var updates []wsOrderEvent
	if err := json.Unmarshal(data, &updates); err != nil {
		a.Logger().Warn("unparseable order updates", "error", err)
		return
	}
	sawFill := false
	for _, upd := range updates {
		order := a.mapOrder(upd.Order, upd.Status)
		if order.FilledSize.IsPositive() {
			sawFill = true
		}
		if !sink.emit(core.OrderUpdate{Venue: a.Name(), Order: order}) {
			a.Logger().Warn("event buffer full, dropping order update", "orderId", order.OrderID)
		}
	}
	if sawFill {
		sink.emit(core.PositionsUpdate{Venue: a.Name()})
	}
}
