package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/nats-io/nats.go"

	"github.com/mtzanidakis/parley/internal/agent"
	"github.com/mtzanidakis/parley/internal/calendar"
	"github.com/mtzanidakis/parley/internal/config"
	"github.com/mtzanidakis/parley/internal/followup"
	"github.com/mtzanidakis/parley/internal/metrics"
	"github.com/mtzanidakis/parley/internal/natsbus"
	"github.com/mtzanidakis/parley/internal/negotiation"
	"github.com/mtzanidakis/parley/internal/registry"
	"github.com/mtzanidakis/parley/internal/scheduler"
	"github.com/mtzanidakis/parley/internal/store"
	"github.com/mtzanidakis/parley/internal/transport"
	"github.com/mtzanidakis/parley/internal/web"
	"github.com/mtzanidakis/parley/internal/workflow"
)

func runGateway() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("starting parley gateway", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	slog.Info("store initialized", "path", cfg.Store.Path)

	bus, err := natsbus.New(cfg.NATS)
	if err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	defer bus.Close()
	slog.Info("nats started", "port", cfg.NATS.Port)

	client, err := natsbus.NewClient(bus)
	if err != nil {
		return fmt.Errorf("nats client: %w", err)
	}
	defer client.Close()

	// The registry is fixed from here on; peer changes need a restart.
	reg, err := registry.FromConfig(cfg.Peers)
	if err != nil {
		return fmt.Errorf("build agent registry: %w", err)
	}
	if err := reg.Sync(db); err != nil {
		return fmt.Errorf("sync agent registry: %w", err)
	}

	m := metrics.New()
	tr := transport.NewNATS(client)

	subs, err := servePeers(ctx, tr, cfg.Peers)
	if err != nil {
		return err
	}
	defer unsubscribe(subs)

	hostID := cfg.Negotiation.HostID
	composer, err := followup.NewTemplateComposer("", "")
	if err != nil {
		return fmt.Errorf("init composer: %w", err)
	}
	fu, err := followup.New(calendar.New(), reg, composer, db,
		workflow.WithParallelism(cfg.Workflow.Parallelism),
		workflow.WithEvents(client),
		workflow.WithMetrics(m),
	)
	if err != nil {
		return fmt.Errorf("init follow-up workflow: %w", err)
	}

	orch := negotiation.New(negotiationConfig(cfg.Negotiation), reg, tr,
		negotiation.WithEvents(client),
		negotiation.WithMetrics(m),
		negotiation.WithRecorder(recordHistory(db, hostID)),
		negotiation.WithRecorder(fu.Recorder(hostID)),
	)

	host := agent.NewHost(hostID, orch)
	hostSub, err := tr.Serve(ctx, hostID, host)
	if err != nil {
		return fmt.Errorf("serve host %s: %w", hostID, err)
	}
	subs = append(subs, hostSub)
	slog.Info("agents serving", "host", hostID, "peers", len(cfg.Peers))

	sched := scheduler.New(db, orch, client, cfg.Scheduler)
	go sched.Start(ctx)

	if cfg.Web.Enabled {
		srv := web.NewServer(db, client, orch, sched, reg, m, cfg.Web, version)
		srv.TrackSessions(host)
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
			}
		}()
		slog.Info("web server started", "port", cfg.Web.Port)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigCh {
		if sig != syscall.SIGHUP {
			slog.Info("shutting down", "signal", sig)
			break
		}
		cfg = reload(cfg, orch, sched)
	}
	signal.Stop(sigCh)
	cancel()

	fu.Wait()
	return nil
}

// reload applies the reloadable parts of a changed config file and returns
// the config now in effect.
func reload(current *config.Config, orch *negotiation.Orchestrator, sched *scheduler.Scheduler) *config.Config {
	next, err := config.Load()
	if err != nil {
		slog.Error("reload config failed, keeping current", "error", err)
		return current
	}
	d := config.Diff(current, next)
	if len(d.NonReloadable) > 0 {
		slog.Warn("config changes need a restart", "fields", d.NonReloadable)
	}
	if d.NegotiationChanged {
		orch.UpdateConfig(negotiationConfig(d.NewNegotiation))
		slog.Info("negotiation defaults reloaded",
			"round_timeout", d.NewNegotiation.RoundTimeout,
			"max_rounds", d.NewNegotiation.MaxRounds)
	}
	if d.SchedulerChanged {
		sched.UpdateConfig(d.NewScheduler)
	}
	if !d.HasChanges() {
		slog.Info("config reloaded, nothing to apply")
	}

	// Only what was applied is in effect.
	applied := *current
	if d.NegotiationChanged {
		applied.Negotiation = d.NewNegotiation
	}
	applied.Scheduler = next.Scheduler
	return &applied
}

func negotiationConfig(c config.NegotiationConfig) negotiation.Config {
	return negotiation.Config{
		HostID:       c.HostID,
		RoundTimeout: c.RoundTimeout,
		MaxRounds:    c.MaxRounds,
		Retry: transport.RetryPolicy{
			Attempts: c.SendRetries,
			Backoff:  c.RetryBackoff,
		},
	}
}

// servePeers subscribes a calendar-backed peer agent for every configured
// peer, in id order.
func servePeers(ctx context.Context, tr *transport.NATS, peers map[string]config.PeerConfig) ([]*nats.Subscription, error) {
	ids := make([]string, 0, len(peers))
	for id := range peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	subs := make([]*nats.Subscription, 0, len(ids))
	for _, id := range ids {
		cal := calendar.FromConfig(peers[id].Busy)
		sub, err := tr.Serve(ctx, id, agent.NewPeer(id, cal, cal))
		if err != nil {
			unsubscribe(subs)
			return nil, fmt.Errorf("serve peer %s: %w", id, err)
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func unsubscribe(subs []*nats.Subscription) {
	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
}

// recordHistory stores every finished negotiation.
func recordHistory(db *store.Store, hostID string) negotiation.Recorder {
	return func(_ context.Context, _ negotiation.Request, res *negotiation.Result) {
		n, err := historyRecord(hostID, res)
		if err == nil {
			err = db.SaveNegotiation(n)
		}
		if err != nil {
			slog.Error("record negotiation failed", "conversation", res.ConversationID, "error", err)
		}
	}
}

func historyRecord(hostID string, res *negotiation.Result) (*store.Negotiation, error) {
	n := &store.Negotiation{
		ID:           res.ConversationID,
		Host:         hostID,
		Participants: res.Participants,
		InitialStart: res.InitialSlot.Start,
		InitialEnd:   res.InitialSlot.End,
		State:        string(res.State),
		Reason:       string(res.Reason),
		Rounds:       res.RoundsUsed,
		StartedAt:    res.StartedAt,
		FinishedAt:   res.FinishedAt,
	}
	if res.Slot != nil {
		start, end := res.Slot.Start, res.Slot.End
		n.SlotStart, n.SlotEnd = &start, &end
	}
	if len(res.LastResponses) > 0 {
		raw, err := json.Marshal(res.LastResponses)
		if err != nil {
			return nil, fmt.Errorf("encode responses: %w", err)
		}
		n.Responses = raw
	}
	return n, nil
}
