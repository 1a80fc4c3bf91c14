package pairtrade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/pairbot/internal/domain"
	"github.com/alanyoungcy/pairbot/internal/metrics"
)

const (
	// EventsChannel is the pub/sub channel lifecycle events are published on.
	EventsChannel = "pairs"
	// EventsStream is the durable stream lifecycle events are appended to.
	EventsStream = "stream:pairs"
)

// Config tunes the orchestrator. Zero values fall back to defaults.
type Config struct {
	UnwindInterval time.Duration // pacing between unwind iterations
	CancelTimeout  time.Duration // how long to await a cancel confirmation
	SubmitTimeout  time.Duration // deadline for a single gateway submit
	HookTimeout    time.Duration // deadline for all finish hooks of one pair order
	PendingTTL     time.Duration // how long callbacks for unbound keys are kept
}

func (c Config) withDefaults() Config {
	if c.UnwindInterval <= 0 {
		c.UnwindInterval = time.Second
	}
	if c.CancelTimeout <= 0 {
		c.CancelTimeout = 5 * time.Second
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = 5 * time.Second
	}
	if c.HookTimeout <= 0 {
		c.HookTimeout = 10 * time.Second
	}
	if c.PendingTTL <= 0 {
		c.PendingTTL = time.Minute
	}
	return c
}

// FinishHook is called once per pair order after it moved to the finished set.
type FinishHook func(ctx context.Context, snap domain.PairOrderSnapshot)

// pendingEvent is a gateway callback that arrived before its key was bound
// to a pair order.
type pendingEvent struct {
	at     time.Time
	apply  func(po *PairOrder) error
	reject bool
}

// Orchestrator owns the running and finished pair orders. It arms a trigger
// per pair order, routes gateway callbacks to the owning pair order and runs
// one supervisor goroutine per pair order that waits for completion or drives
// the unwind policy after the tolerance window.
type Orchestrator struct {
	cfg     Config
	book    *QuoteBook
	gateway domain.ExecutionGateway
	policy  *UnwindPolicy
	bus     domain.SignalBus
	metrics *metrics.Recorder
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	running  []*PairOrder
	finished []*PairOrder
	triggers map[string]*Trigger
	owners   map[string]*PairOrder // leg key -> pair order
	pending  map[string][]pendingEvent
	hooks    []FinishHook

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewOrchestrator creates an Orchestrator that reads quotes from book and
// trades through gateway. The caller must attach the orchestrator as the
// gateway's ExecutionListener.
func NewOrchestrator(cfg Config, book *QuoteBook, gateway domain.ExecutionGateway, logger *slog.Logger) *Orchestrator {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:      cfg,
		book:     book,
		gateway:  gateway,
		logger:   logger.With(slog.String("component", "orchestrator")),
		now:      func() time.Time { return time.Now().UTC() },
		triggers: make(map[string]*Trigger),
		owners:   make(map[string]*PairOrder),
		pending:  make(map[string][]pendingEvent),
		ctx:      ctx,
		cancel:   cancel,
	}
	o.policy = &UnwindPolicy{
		gateway:       gateway,
		quotes:        book,
		bind:          o.bind,
		cancelTimeout: cfg.CancelTimeout,
		submitTimeout: cfg.SubmitTimeout,
		now:           o.now,
		logger:        logger.With(slog.String("component", "unwind")),
	}
	return o
}

// SetSignalBus enables publishing lifecycle events.
func (o *Orchestrator) SetSignalBus(bus domain.SignalBus) {
	o.bus = bus
}

// SetMetrics enables Prometheus instrumentation.
func (o *Orchestrator) SetMetrics(m *metrics.Recorder) {
	o.metrics = m
	o.policy.metrics = m
}

// OnFinish registers a hook run after every pair order finishes.
func (o *Orchestrator) OnFinish(h FinishHook) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.hooks = append(o.hooks, h)
}

// Run prunes stale buffered callbacks until ctx is cancelled, then stops
// every supervisor and waits for them to exit.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.PendingTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			o.Close()
			return nil
		case <-ticker.C:
			if n := o.prunePending(o.now()); n > 0 {
				o.logger.Warn("dropped callbacks for unknown leg keys", slog.Int("count", n))
			}
		}
	}
}

// Close disarms every armed trigger, stops all supervisors and waits for
// them. Pair orders still running stay in the running set.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	triggers := make([]*Trigger, 0, len(o.triggers))
	for _, t := range o.triggers {
		triggers = append(triggers, t)
	}
	o.mu.Unlock()
	for _, t := range triggers {
		t.Disarm()
	}
	o.cancel()
	o.wg.Wait()
}

// SubmitPairTrade creates a pair order, arms its trigger and blocks until the
// trigger fires. If ctx is done first the pair order is abandoned and ctx's
// error returned.
func (o *Orchestrator) SubmitPairTrade(ctx context.Context, req domain.PairRequest) (*PairOrder, error) {
	po, err := o.Arm(req)
	if err != nil {
		return nil, err
	}

	select {
	case <-po.Initialized():
		return po, nil
	case <-po.Done():
		return nil, fmt.Errorf("pairtrade: %s finished before initialization: %w", po.ID(), domain.ErrAlreadyFinished)
	case <-o.ctx.Done():
		return nil, domain.ErrContextDone
	case <-ctx.Done():
	}

	if err := o.Abandon(po.ID()); err != nil {
		// Lost the race against the trigger: the legs are out.
		select {
		case <-po.Initialized():
			return po, nil
		case <-po.Done():
		}
	}
	return nil, ctx.Err()
}

// Arm creates a pair order and subscribes its trigger without waiting for it
// to fire.
func (o *Orchestrator) Arm(req domain.PairRequest) (*PairOrder, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	select {
	case <-o.ctx.Done():
		return nil, domain.ErrContextDone
	default:
	}

	id := uuid.New().String()
	po := newPairOrder(id, req, o.now(), o.book)
	t := newTrigger(po, o.book, o.gateway, o.cfg.SubmitTimeout, o.now,
		func() {
			o.book.Unsubscribe(req.Leg1.ID, id)
			o.book.Unsubscribe(req.Leg2.ID, id)
		},
		o.onFired,
		o.logger,
	)

	o.mu.Lock()
	o.running = append(o.running, po)
	o.triggers[id] = t
	o.mu.Unlock()

	o.metrics.PairArmed()
	o.logger.Info("pair order armed",
		slog.String("pair_id", id),
		slog.String("leg1", req.Leg1.ID),
		slog.String("leg2", req.Leg2.ID),
		slog.String("target_spread", req.TargetSpread.String()),
		slog.String("direction", string(req.Direction)),
		slog.Int64("qty", req.Quantity),
		slog.Duration("tolerance", req.Tolerance),
	)
	o.publish(po, "pair_armed")

	o.wg.Add(1)
	go o.supervise(po)

	o.book.Subscribe(req.Leg1.ID, id, t.OnQuote)
	o.book.Subscribe(req.Leg2.ID, id, t.OnQuote)
	// quotes may already be cached
	t.evaluate()
	return po, nil
}

// Abandon disarms an armed pair order and finishes it. Pair orders whose
// trigger already fired cannot be abandoned.
func (o *Orchestrator) Abandon(id string) error {
	o.mu.Lock()
	t, ok := o.triggers[id]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("pairtrade: abandon %s: %w", id, domain.ErrNotFound)
	}
	if !t.Disarm() {
		return fmt.Errorf("pairtrade: abandon %s after trigger fired: %w", id, domain.ErrIllegalTransition)
	}
	o.finish(t.po, domain.FinishAbandoned)
	return nil
}

// ListRunning returns the pair orders in the running set.
func (o *Orchestrator) ListRunning() []*PairOrder {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*PairOrder, len(o.running))
	copy(out, o.running)
	return out
}

// ListFinished returns the pair orders in the finished set, oldest first.
func (o *Orchestrator) ListFinished() []*PairOrder {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*PairOrder, len(o.finished))
	copy(out, o.finished)
	return out
}

// Get looks a pair order up in either set.
func (o *Orchestrator) Get(id string) (*PairOrder, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, set := range [][]*PairOrder{o.running, o.finished} {
		for _, po := range set {
			if po.ID() == id {
				return po, nil
			}
		}
	}
	return nil, fmt.Errorf("pairtrade: pair order %s: %w", id, domain.ErrNotFound)
}

func (o *Orchestrator) onFired(po *PairOrder, legs [2]domain.Leg) {
	for _, leg := range legs {
		if leg.Status == domain.LegStatusRejected {
			o.metrics.LegRejected()
			continue
		}
		o.metrics.LegSubmitted(string(domain.LegOriginPrimary), string(leg.Side))
		o.bind(leg.Key, po)
	}
	o.mu.Lock()
	delete(o.triggers, po.ID())
	o.mu.Unlock()

	o.logger.Info("pair order initialized",
		slog.String("pair_id", po.ID()),
		slog.String("leg1_key", legs[0].Key),
		slog.String("leg2_key", legs[1].Key),
	)
	o.publish(po, "pair_initialized")
}

// bind routes callbacks for key to po and replays any that arrived early.
func (o *Orchestrator) bind(key string, po *PairOrder) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.owners[key] = po
	early := o.pending[key]
	delete(o.pending, key)
	for _, ev := range early {
		if err := ev.apply(po); err != nil && !errors.Is(err, domain.ErrAlreadyFinished) {
			o.logger.Warn("replay buffered callback failed",
				slog.String("pair_id", po.ID()),
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
		if ev.reject {
			o.metrics.LegRejected()
		}
	}
}

// route applies a callback to the owner of key or buffers it until the key
// is bound.
func (o *Orchestrator) route(key string, reject bool, apply func(po *PairOrder) error) {
	o.mu.Lock()
	po, ok := o.owners[key]
	if !ok {
		o.pending[key] = append(o.pending[key], pendingEvent{at: o.now(), apply: apply, reject: reject})
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	if reject {
		o.metrics.LegRejected()
	}
	if err := apply(po); err != nil {
		if errors.Is(err, domain.ErrAlreadyFinished) {
			o.logger.Debug("callback for finished pair order ignored",
				slog.String("pair_id", po.ID()), slog.String("key", key))
			return
		}
		o.logger.Warn("apply callback failed",
			slog.String("pair_id", po.ID()),
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}

func (o *Orchestrator) prunePending(now time.Time) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	dropped := 0
	for key, evs := range o.pending {
		kept := evs[:0]
		for _, ev := range evs {
			if now.Sub(ev.at) < o.cfg.PendingTTL {
				kept = append(kept, ev)
			} else {
				dropped++
			}
		}
		if len(kept) == 0 {
			delete(o.pending, key)
		} else {
			o.pending[key] = kept
		}
	}
	return dropped
}

// OnFill implements domain.ExecutionListener.
func (o *Orchestrator) OnFill(ev domain.FillEvent) {
	o.route(ev.Key, false, func(po *PairOrder) error {
		changed, err := po.applyFill(ev)
		if changed {
			o.logger.Debug("leg fill",
				slog.String("pair_id", po.ID()),
				slog.String("key", ev.Key),
				slog.Int64("delta", ev.Delta),
				slog.Int64("cumulative", ev.Cumulative),
			)
		}
		return err
	})
}

// OnCancelConfirmed implements domain.ExecutionListener.
func (o *Orchestrator) OnCancelConfirmed(key string) {
	o.route(key, false, func(po *PairOrder) error {
		return po.applyCancel(key)
	})
}

// OnReject implements domain.ExecutionListener.
func (o *Orchestrator) OnReject(key, reason string) {
	o.route(key, true, func(po *PairOrder) error {
		o.logger.Warn("leg rejected",
			slog.String("pair_id", po.ID()),
			slog.String("key", key),
			slog.String("reason", reason),
		)
		return po.applyReject(key, reason)
	})
}

// supervise waits for a pair order to initialize, then either for all legs
// to fill or for the tolerance window to expire, after which it drives the
// unwind policy until the pair order finishes.
func (o *Orchestrator) supervise(po *PairOrder) {
	defer o.wg.Done()

	select {
	case <-po.Initialized():
	case <-po.Done():
		return
	case <-o.ctx.Done():
		return
	}

	if err := po.advance(domain.PairStateRunning); err != nil {
		o.logger.Error("advance to running", slog.String("error", err.Error()))
		return
	}

	exp, _ := po.ExpireTime()
	timer := time.NewTimer(exp.Sub(o.now()))
	defer timer.Stop()

	select {
	case <-po.AllFilled():
		o.finish(po, domain.FinishAllFilled)
		return
	case <-po.Done():
		return
	case <-o.ctx.Done():
		return
	case <-timer.C:
	}

	// a fill may have completed the pair right at the deadline
	select {
	case <-po.AllFilled():
		o.finish(po, domain.FinishAllFilled)
		return
	default:
	}

	if err := po.advance(domain.PairStateUnwinding); err != nil {
		o.logger.Error("advance to unwinding", slog.String("error", err.Error()))
		return
	}
	o.logger.Info("tolerance expired, unwinding",
		slog.String("pair_id", po.ID()),
		slog.Int64("net", po.NetExposure()),
	)
	o.publish(po, "pair_unwinding")
	o.unwind(po)
}

func (o *Orchestrator) unwind(po *PairOrder) {
	for {
		select {
		case <-po.AllFilled():
			o.finish(po, domain.FinishAllFilled)
			return
		case <-po.Done():
			return
		case <-o.ctx.Done():
			return
		default:
		}

		done, reason, err := o.step(po)
		if err != nil {
			o.metrics.UnwindError()
			o.logger.Error("unwind iteration failed",
				slog.String("pair_id", po.ID()),
				slog.String("error", err.Error()),
			)
		}
		if done {
			o.finish(po, reason)
			return
		}

		select {
		case <-po.AllFilled():
			o.finish(po, domain.FinishAllFilled)
			return
		case <-po.Done():
			return
		case <-o.ctx.Done():
			return
		case <-time.After(o.cfg.UnwindInterval):
		}
	}
}

// step runs one unwind iteration and turns a panic into an error so a bad
// iteration does not take the process down.
func (o *Orchestrator) step(po *PairOrder) (done bool, reason domain.FinishReason, err error) {
	defer func() {
		if r := recover(); r != nil {
			done, reason = false, ""
			err = fmt.Errorf("pairtrade: unwind %s panicked: %v", po.ID(), r)
		}
	}()
	return o.policy.Step(o.ctx, po)
}

// finish moves po from running to finished exactly once, then publishes the
// event and runs the finish hooks.
func (o *Orchestrator) finish(po *PairOrder, reason domain.FinishReason) {
	if !po.finish(o.now(), reason) {
		return
	}

	o.mu.Lock()
	for i, r := range o.running {
		if r == po {
			o.running = append(o.running[:i], o.running[i+1:]...)
			break
		}
	}
	o.finished = append(o.finished, po)
	delete(o.triggers, po.ID())
	for key, owner := range o.owners {
		if owner == po {
			delete(o.owners, key)
		}
	}
	hooks := make([]FinishHook, len(o.hooks))
	copy(hooks, o.hooks)
	o.mu.Unlock()

	snap := po.Snapshot()
	o.metrics.PairFinished(string(reason))
	o.metrics.ClearPair(po.ID())
	o.logger.Info("pair order finished",
		slog.String("pair_id", po.ID()),
		slog.String("reason", string(reason)),
		slog.Int64("net", snap.NetExposure),
		slog.String("pnl", snap.PnL.String()),
		slog.Int("unwind_iterations", snap.UnwindIterations),
		slog.Int("legs", len(snap.Legs)),
	)
	o.publish(po, "pair_finished")

	if len(hooks) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.HookTimeout)
	defer cancel()
	for _, h := range hooks {
		h(ctx, snap)
	}
}

func (o *Orchestrator) publish(po *PairOrder, event string) {
	if o.bus == nil {
		return
	}
	snap := po.Snapshot()
	payload, err := json.Marshal(domain.PairEvent{
		Event:       event,
		PairID:      snap.ID,
		State:       snap.State,
		Leg1:        snap.Request.Leg1.ID,
		Leg2:        snap.Request.Leg2.ID,
		Direction:   snap.Request.Direction,
		NetExposure: snap.NetExposure,
		PnL:         snap.PnL.String(),
		Reason:      string(snap.FinishReason),
		Timestamp:   o.now(),
	})
	if err != nil {
		o.logger.Error("marshal pair event", slog.String("error", err.Error()))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.SubmitTimeout)
	defer cancel()
	if err := o.bus.Publish(ctx, EventsChannel, payload); err != nil {
		o.logger.Warn("publish pair event failed", slog.String("event", event), slog.String("error", err.Error()))
	}
	if err := o.bus.StreamAppend(ctx, EventsStream, payload); err != nil {
		o.logger.Warn("append pair event failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}

var _ domain.ExecutionListener = (*Orchestrator)(nil)
