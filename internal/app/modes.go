package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/pairbot/internal/config"
	"github.com/alanyoungcy/pairbot/internal/domain"
	"github.com/alanyoungcy/pairbot/internal/feed"
	"github.com/alanyoungcy/pairbot/internal/gateway"
	"github.com/alanyoungcy/pairbot/internal/gateway/paper"
	"github.com/alanyoungcy/pairbot/internal/pairtrade"
	"github.com/alanyoungcy/pairbot/internal/server"
	"github.com/alanyoungcy/pairbot/internal/server/handler"
	"github.com/alanyoungcy/pairbot/internal/server/ws"
	"github.com/alanyoungcy/pairbot/internal/service"
)

const shutdownTimeout = 5 * time.Second

// engine is the in-process trading core of trade mode.
type engine struct {
	book   *pairtrade.QuoteBook
	venue  *paper.Gateway
	orch   *pairtrade.Orchestrator
	quotes *service.QuoteService
}

// buildEngine assembles book, paper venue, per-instrument serialization and
// the orchestrator, and registers the finish hooks.
func (a *App) buildEngine(deps *Dependencies) *engine {
	book := pairtrade.NewQuoteBook()
	venue := paper.New(paper.Config{MaxFillPerQuote: a.cfg.Gateway.PaperMaxFill}, book, a.logger)
	serial := gateway.NewSerialized(venue, deps.LockManager, a.cfg.Gateway.LockTTL.Duration, a.logger)

	orch := pairtrade.NewOrchestrator(pairtrade.Config{
		UnwindInterval: a.cfg.Unwind.Interval.Duration,
		CancelTimeout:  a.cfg.Unwind.CancelTimeout.Duration,
		SubmitTimeout:  a.cfg.Unwind.SubmitTimeout.Duration,
		HookTimeout:    a.cfg.Unwind.HookTimeout.Duration,
	}, book, serial, a.logger)
	if deps.SignalBus != nil {
		orch.SetSignalBus(deps.SignalBus)
	}
	orch.SetMetrics(deps.Metrics)
	venue.Attach(serial.Listener(orch))

	// The book sees a quote before the venue so triggers fire on fresh
	// prices and their legs match against them immediately.
	quotes := service.NewQuoteService(book, a.logger, book, venue)
	a.wireQuoteService(quotes, deps)

	a.registerFinishHooks(orch, deps)

	return &engine{book: book, venue: venue, orch: orch, quotes: quotes}
}

func (a *App) wireQuoteService(quotes *service.QuoteService, deps *Dependencies) {
	if deps.QuoteMirror != nil {
		quotes.SetMirror(deps.QuoteMirror)
	}
	if deps.SignalBus != nil {
		quotes.SetSignalBus(deps.SignalBus)
	}
	quotes.SetMetrics(deps.Metrics)
}

// registerFinishHooks records every finished pair order in Postgres, archives
// it to S3 and notifies. Failures are logged; a pair order that finished in
// memory stays finished.
func (a *App) registerFinishHooks(orch *pairtrade.Orchestrator, deps *Dependencies) {
	if store := deps.PairStore; store != nil {
		orch.OnFinish(func(ctx context.Context, snap domain.PairOrderSnapshot) {
			if err := store.Save(ctx, snap); err != nil {
				a.logger.ErrorContext(ctx, "persist pair order failed",
					slog.String("pair_id", snap.ID),
					slog.String("error", err.Error()),
				)
			}
		})
	}
	if archiver := deps.Archiver; archiver != nil {
		orch.OnFinish(func(ctx context.Context, snap domain.PairOrderSnapshot) {
			if err := archiver.Archive(ctx, snap); err != nil {
				a.logger.ErrorContext(ctx, "archive pair order failed",
					slog.String("pair_id", snap.ID),
					slog.String("path", archiver.Path(snap)),
					slog.String("error", err.Error()),
				)
			}
		})
	}
	if n := deps.Notifier; n != nil && n.Enabled() {
		orch.OnFinish(func(ctx context.Context, snap domain.PairOrderSnapshot) {
			_ = n.PairFinished(ctx, snap)
		})
	}
}

// TradeMode runs the quote feed, the paper venue, the orchestrator and the
// HTTP API. Pair orders listed in config are armed before the feed starts.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting trade mode",
		slog.Int("instruments", len(a.cfg.Instruments)),
		slog.Int("startup_pairs", len(a.cfg.Pairs)),
	)

	eng := a.buildEngine(deps)
	if err := a.armStartupPairs(ctx, eng.orch); err != nil {
		eng.orch.Close()
		return fmt.Errorf("trade mode: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return eng.venue.Run(ctx)
	})
	g.Go(func() error {
		return eng.orch.Run(ctx)
	})

	a.startFeed(ctx, g, eng.quotes)

	if a.cfg.Server.Enabled {
		handlers := a.baseHandlers(deps, eng.quotes, true, func() int { return len(eng.orch.ListRunning()) })
		handlers.Pairs = handler.NewPairHandler(
			eng.orch,
			a.resolveInstrument,
			deps.PairStore,
			a.cfg.Server.SubmitTimeout.Duration,
			a.logger,
		)
		a.startHTTPServer(ctx, g, deps, handlers)
	}

	return g.Wait()
}

// MonitorMode mirrors and republishes quotes without trading.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	if a.cfg.Feed.URL == "" && !a.cfg.Server.Enabled {
		return errors.New("monitor mode: nothing to run, set feed.url or enable the server")
	}

	book := pairtrade.NewQuoteBook()
	quotes := service.NewQuoteService(book, a.logger, book)
	a.wireQuoteService(quotes, deps)

	g, ctx := errgroup.WithContext(ctx)
	a.startFeed(ctx, g, quotes)

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, a.baseHandlers(deps, quotes, false, func() int { return 0 }))
	}

	return g.Wait()
}

// armStartupPairs arms every [[pairs]] entry from config.
func (a *App) armStartupPairs(ctx context.Context, orch *pairtrade.Orchestrator) error {
	for i, pc := range a.cfg.Pairs {
		req, err := pairRequest(a.cfg, pc)
		if err != nil {
			return fmt.Errorf("pairs[%d]: %w", i, err)
		}
		po, err := orch.Arm(req)
		if err != nil {
			return fmt.Errorf("pairs[%d]: arm: %w", i, err)
		}
		a.logger.InfoContext(ctx, "startup pair armed",
			slog.String("pair_id", po.ID()),
			slog.String("leg1", req.Leg1.ID),
			slog.String("leg2", req.Leg2.ID),
			slog.String("target_spread", req.TargetSpread.String()),
			slog.String("direction", string(req.Direction)),
		)
	}
	return nil
}

// pairRequest resolves a configured pair against the instrument table.
func pairRequest(cfg *config.Config, pc config.PairConfig) (domain.PairRequest, error) {
	leg1, ok := cfg.Instrument(pc.Leg1)
	if !ok {
		return domain.PairRequest{}, fmt.Errorf("unknown instrument %q", pc.Leg1)
	}
	leg2, ok := cfg.Instrument(pc.Leg2)
	if !ok {
		return domain.PairRequest{}, fmt.Errorf("unknown instrument %q", pc.Leg2)
	}
	spread, err := decimal.NewFromString(pc.TargetSpread)
	if err != nil {
		return domain.PairRequest{}, fmt.Errorf("target_spread %q: %w", pc.TargetSpread, err)
	}
	req := domain.PairRequest{
		Leg1:         domain.Instrument{ID: leg1.ID, Multiplier: leg1.Multiplier},
		Leg2:         domain.Instrument{ID: leg2.ID, Multiplier: leg2.Multiplier},
		TargetSpread: spread,
		Direction:    domain.OrderSide(strings.ToUpper(pc.Direction)),
		Quantity:     pc.Quantity,
		Tolerance:    pc.Tolerance.Duration,
	}
	return req, req.Validate()
}

func (a *App) resolveInstrument(id string) (domain.Instrument, bool) {
	in, ok := a.cfg.Instrument(id)
	if !ok {
		return domain.Instrument{}, false
	}
	return domain.Instrument{ID: in.ID, Multiplier: in.Multiplier}, true
}

func (a *App) instrumentIDs() []string {
	ids := make([]string, 0, len(a.cfg.Instruments))
	for _, in := range a.cfg.Instruments {
		ids = append(ids, in.ID)
	}
	return ids
}

// startFeed streams quotes from the configured websocket feed into quotes.
func (a *App) startFeed(ctx context.Context, g *errgroup.Group, quotes *service.QuoteService) {
	if a.cfg.Feed.URL == "" {
		a.logger.InfoContext(ctx, "feed.url not set, quotes arrive only through POST /api/quotes")
		return
	}
	wsFeed := feed.NewWSFeed(
		a.cfg.Feed.URL,
		a.instrumentIDs(),
		a.cfg.Feed.ReconnectDelay.Duration,
		quotes.Handle,
		a.logger,
	)
	g.Go(func() error {
		return wsFeed.Run(ctx)
	})
}

// baseHandlers builds the handlers both modes serve.
func (a *App) baseHandlers(deps *Dependencies, quotes *service.QuoteService, ingest bool, running func() int) server.Handlers {
	h := server.Handlers{
		Health: handler.NewHealthHandler(a.cfg.Mode, running),
		Quotes: handler.NewQuoteHandler(quotes, ingest, a.logger),
	}
	if deps.SignalBus != nil {
		h.Events = handler.NewEventHandler(deps.SignalBus, pairtrade.EventsStream, a.logger)
		h.Hub = ws.NewHub(deps.SignalBus, []string{pairtrade.EventsChannel, service.QuotesChannel}, a.logger)
	}
	if deps.Metrics != nil && a.cfg.Metrics.Enabled {
		h.Metrics = promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{Registry: deps.Registry})
	}
	return h
}

// startHTTPServer serves the API until ctx is done, then drains in-flight
// requests for up to shutdownTimeout.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, handlers server.Handlers) {
	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		MetricsPath: a.cfg.Metrics.Path,
	}, handlers, a.logger)

	if hub := handlers.Hub; hub != nil {
		g.Go(func() error {
			if err := hub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		a.logger.InfoContext(ctx, "HTTP server listening",
			slog.Int("port", a.cfg.Server.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", a.cfg.Server.Port)),
			slog.Bool("auth", a.cfg.Server.APIKey != ""),
			slog.Bool("events", deps.SignalBus != nil),
		)
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
}
