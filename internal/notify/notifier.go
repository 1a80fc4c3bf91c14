// Package notify fans operator alerts about pair orders out to chat
// channels. Each channel is a Sender; the Notifier filters by event type.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/pairbot/internal/domain"
)

// Sender delivers one notification to a single channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Event types understood by the Notifier filter.
const (
	EventPairFinished = "pair_finished"
	EventError        = "error"
)

// Notifier dispatches notifications to every Sender whose event type is
// allowed. An empty allow-list lets everything through.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier for senders filtered by events.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether at least one sender is configured.
func (n *Notifier) Enabled() bool {
	return len(n.senders) > 0
}

// Notify sends title and message when event passes the filter.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// PairFinished reports a finished pair order.
func (n *Notifier) PairFinished(ctx context.Context, snap domain.PairOrderSnapshot) error {
	title, message := PairFinishedMessage(snap)
	return n.Notify(ctx, EventPairFinished, title, message)
}

// dispatch tries every sender; one failure does not stop the rest.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	return errors.Join(errs...)
}

// PairFinishedMessage renders the alert for a finished pair order.
func PairFinishedMessage(snap domain.PairOrderSnapshot) (title, message string) {
	r := snap.Request
	title = fmt.Sprintf("Pair %s %s/%s finished: %s", r.Direction, r.Leg1.ID, r.Leg2.ID, snap.FinishReason)

	var b strings.Builder
	fmt.Fprintf(&b, "id: %s\n", snap.ID)
	fmt.Fprintf(&b, "target spread: %s x %d\n", r.TargetSpread.String(), r.Quantity)
	fmt.Fprintf(&b, "net exposure: %d\n", snap.NetExposure)
	fmt.Fprintf(&b, "pnl: %s\n", snap.PnL.StringFixed(2))
	fmt.Fprintf(&b, "unwind iterations: %d", snap.UnwindIterations)
	if n := len(snap.UnwindLegs()); n > 0 {
		fmt.Fprintf(&b, "\nunwind orders: %d", n)
	}
	return title, b.String()
}
