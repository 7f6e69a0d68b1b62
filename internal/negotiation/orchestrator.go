// Package negotiation runs meeting negotiations between a host and a set of
// registered peers.
package negotiation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/parley/internal/metrics"
	"github.com/mtzanidakis/parley/internal/natsbus"
	"github.com/mtzanidakis/parley/internal/protocol"
	"github.com/mtzanidakis/parley/internal/registry"
	"github.com/mtzanidakis/parley/internal/transport"
)

// Config holds the host identity and the defaults for requests that leave
// timeout or rounds unset.
type Config struct {
	HostID       string
	RoundTimeout time.Duration
	MaxRounds    int
	Retry        transport.RetryPolicy
}

type Request struct {
	Participants []string
	Slot         protocol.TimeSlot
	RoundTimeout time.Duration
	MaxRounds    int
}

type Result struct {
	ConversationID string                       `json:"conversation_id"`
	State          State                        `json:"state"`
	Slot           *protocol.TimeSlot           `json:"slot,omitempty"`
	RoundsUsed     int                          `json:"rounds_used"`
	LastResponses  map[string]protocol.Decision `json:"last_responses,omitempty"`
	Reason         Reason                       `json:"reason,omitempty"`
	Participants   []string                     `json:"participants"`
	InitialSlot    protocol.TimeSlot            `json:"initial_slot"`
	StartedAt      time.Time                    `json:"started_at"`
	FinishedAt     time.Time                    `json:"finished_at"`
}

// Failure is returned with the result of a negotiation that ended failed.
type Failure struct {
	ConversationID string
	Reason         Reason
	RoundsUsed     int
	LastResponses  map[string]protocol.Decision
	Err            error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("negotiation %s failed: %s: %v", f.ConversationID, f.Reason, f.Err)
	}
	return fmt.Sprintf("negotiation %s failed: %s", f.ConversationID, f.Reason)
}

func (f *Failure) Unwrap() error { return f.Err }

// EventPublisher receives lifecycle events. *natsbus.Client implements it.
type EventPublisher interface {
	PublishEvent(topic, eventType string, data map[string]any) error
}

// Recorder is called once per finished negotiation, including cancelled ones.
type Recorder func(ctx context.Context, req Request, res *Result)

type Option func(*Orchestrator)

func WithEvents(p EventPublisher) Option {
	return func(o *Orchestrator) { o.events = p }
}

func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorders = append(o.recorders, r) }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

func WithIDGenerator(fn func() string) Option {
	return func(o *Orchestrator) { o.newID = fn }
}

type Orchestrator struct {
	mu  sync.RWMutex
	cfg Config

	registry  *registry.Registry
	transport transport.Transport
	events    EventPublisher
	recorders []Recorder
	metrics   *metrics.Metrics
	logger    *slog.Logger
	newID     func() string
}

func New(cfg Config, reg *registry.Registry, t transport.Transport, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:       cfg,
		registry:  reg,
		transport: t,
		logger:    slog.Default(),
		newID:     newConversationID,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "negotiation")
	return o
}

func newConversationID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// UpdateConfig replaces the defaults used by negotiations started after the
// call. The host id is kept.
func (o *Orchestrator) UpdateConfig(cfg Config) {
	o.mu.Lock()
	defer o.mu.Unlock()
	cfg.HostID = o.cfg.HostID
	o.cfg = cfg
}

func (o *Orchestrator) config() Config {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.cfg
}

func (o *Orchestrator) HostID() string {
	return o.config().HostID
}

// Negotiate runs rounds until the participants agree, the resolver fails the
// negotiation, the round limit is reached or ctx is cancelled. Invalid
// requests are rejected with a nil result. Once a negotiation has started the
// result is always returned; a failed result comes with a *Failure.
func (o *Orchestrator) Negotiate(ctx context.Context, req Request) (*Result, error) {
	cfg := o.config()
	if req.RoundTimeout == 0 {
		req.RoundTimeout = cfg.RoundTimeout
	}
	if req.MaxRounds == 0 {
		req.MaxRounds = cfg.MaxRounds
	}
	if err := o.validate(cfg, req); err != nil {
		return nil, err
	}

	conv := newConversation(o.newID(), req.Participants, req.Slot)
	res := &Result{
		ConversationID: conv.ID,
		Participants:   conv.Participants,
		InitialSlot:    req.Slot,
		StartedAt:      time.Now().UTC(),
	}
	log := o.logger.With("conversation", conv.ID)
	log.Info("negotiation started", "participants", conv.Participants, "slot", req.Slot.String(),
		"round_timeout", req.RoundTimeout, "max_rounds", req.MaxRounds)
	o.publish(conv.ID, "negotiation_started", map[string]any{
		"participants": conv.Participants,
		"slot":         req.Slot,
		"max_rounds":   req.MaxRounds,
	})

	for {
		roundCtx, cancel := context.WithTimeout(ctx, req.RoundTimeout)
		conv.Deadline, _ = roundCtx.Deadline()
		responses := o.runRound(roundCtx, cfg, conv)
		cancel()

		if err := ctx.Err(); err != nil {
			// Partial responses of an interrupted round are discarded.
			conv.Responses = map[string]protocol.Decision{}
			conv.finish(StateFailed, ReasonCancelled)
			log.Warn("negotiation cancelled", "round", conv.RoundsUsed(), "error", err)
			return o.complete(ctx, req, conv, res, err)
		}

		for id, d := range responses {
			conv.record(id, d)
			o.metrics.PeerResponse(string(d.Kind))
		}

		outcome := Resolve(conv.Proposal, conv.Responses)
		log.Info("round completed", "round", conv.RoundsUsed(), "proposal", conv.Proposal.String(), "verdict", outcome.Verdict.String())
		o.publish(conv.ID, "round_completed", map[string]any{
			"round":     conv.RoundsUsed(),
			"proposal":  conv.Proposal,
			"responses": decisionLabels(conv.Responses),
			"verdict":   outcome.Verdict.String(),
		})

		switch outcome.Verdict {
		case VerdictConfirmed:
			conv.Proposal = outcome.Slot
			conv.finish(StateConfirmed, ReasonNone)
			o.broadcast(ctx, cfg, conv)
			return o.complete(ctx, req, conv, res, nil)
		case VerdictRetry:
			if conv.RoundsUsed() >= req.MaxRounds {
				conv.finish(StateFailed, ReasonMaxRounds)
				return o.complete(ctx, req, conv, res, nil)
			}
			conv.advance(outcome.Slot)
		default:
			conv.finish(StateFailed, outcome.Reason)
			return o.complete(ctx, req, conv, res, nil)
		}
	}
}

func (o *Orchestrator) validate(cfg Config, req Request) error {
	if len(req.Participants) == 0 {
		return errors.New("negotiate: no participants")
	}
	if !req.Slot.Valid() {
		return fmt.Errorf("negotiate: invalid slot %s", req.Slot)
	}
	if req.RoundTimeout <= 0 {
		return errors.New("negotiate: round timeout must be positive")
	}
	if req.MaxRounds <= 0 {
		return errors.New("negotiate: max rounds must be positive")
	}
	for _, id := range req.Participants {
		if id == cfg.HostID {
			return fmt.Errorf("negotiate: host %s cannot be a participant", id)
		}
	}
	if _, err := o.registry.Resolve(req.Participants); err != nil {
		return fmt.Errorf("negotiate: %w", err)
	}
	return nil
}

// runRound asks every participant in parallel and waits until all have
// answered or ctx is done. Participants that did not answer in time are
// recorded as silent.
func (o *Orchestrator) runRound(ctx context.Context, cfg Config, conv *Conversation) map[string]protocol.Decision {
	type reply struct {
		agent    string
		decision protocol.Decision
	}
	replies := make(chan reply, len(conv.Participants))
	for _, id := range conv.Participants {
		go func(id string) {
			replies <- reply{id, o.ask(ctx, cfg, conv.ID, id, conv.Proposal)}
		}(id)
	}

	responses := make(map[string]protocol.Decision, len(conv.Participants))
collect:
	for range conv.Participants {
		select {
		case r := <-replies:
			responses[r.agent] = r.decision
		case <-ctx.Done():
			break collect
		}
	}
	for _, id := range conv.Participants {
		if _, ok := responses[id]; !ok {
			responses[id] = protocol.NoResponse()
		}
	}
	return responses
}

// ask sends check_availability to one participant. Error responses count as
// a rejection; anything that prevents a valid answer counts as silence.
func (o *Orchestrator) ask(ctx context.Context, cfg Config, conversationID, agentID string, slot protocol.TimeSlot) protocol.Decision {
	log := o.logger.With("conversation", conversationID, "agent", agentID)

	msg, err := protocol.NewRequest(cfg.HostID, agentID, conversationID, protocol.ActionCheckAvailability,
		protocol.AvailabilityRequest{Slot: slot})
	if err != nil {
		log.Error("build request", "error", err)
		return protocol.NoResponse()
	}

	resp, err := transport.SendWithRetry(ctx, o.transport, msg, cfg.Retry)
	if err != nil {
		log.Warn("no response", "error", err)
		return protocol.NoResponse()
	}
	if resp.Payload.Status == protocol.StatusError {
		log.Info("peer returned error", "error", resp.Payload.Error)
		return protocol.Reject()
	}

	var d protocol.Decision
	if err := resp.DecodeResult(&d); err != nil {
		log.Warn("undecodable decision", "error", err)
		return protocol.NoResponse()
	}
	if err := protocol.ValidatePeerDecision(d); err != nil {
		log.Warn("invalid decision", "error", err)
		return protocol.NoResponse()
	}
	return d
}

// broadcast notifies every participant of the confirmed slot. Delivery
// failures are logged; the negotiation stays confirmed.
func (o *Orchestrator) broadcast(ctx context.Context, cfg Config, conv *Conversation) {
	body := protocol.Confirmation{
		Slot:         conv.Proposal,
		Participants: conv.Participants,
		Rounds:       conv.RoundsUsed(),
	}
	for _, id := range conv.Participants {
		msg, err := protocol.NewNotification(cfg.HostID, id, conv.ID, protocol.EventMeetingConfirmed, body)
		if err != nil {
			o.logger.Error("build confirmation", "conversation", conv.ID, "error", err)
			continue
		}
		if err := o.transport.Notify(ctx, msg); err != nil {
			o.logger.Warn("confirmation not delivered", "conversation", conv.ID, "agent", id, "error", err)
		}
	}
}

func (o *Orchestrator) complete(ctx context.Context, req Request, conv *Conversation, res *Result, cause error) (*Result, error) {
	res.State = conv.State
	res.Reason = conv.Reason
	res.RoundsUsed = conv.RoundsUsed()
	res.LastResponses = copyResponses(conv.Responses)
	res.FinishedAt = time.Now().UTC()
	if conv.State == StateConfirmed {
		slot := conv.Proposal
		res.Slot = &slot
	}

	o.metrics.NegotiationFinished(string(res.State), string(res.Reason), res.RoundsUsed)

	data := map[string]any{
		"state":       res.State,
		"rounds_used": res.RoundsUsed,
	}
	if res.Slot != nil {
		data["slot"] = res.Slot
		o.logger.Info("negotiation confirmed", "conversation", conv.ID, "slot", res.Slot.String(), "rounds", res.RoundsUsed)
		o.publish(conv.ID, "negotiation_confirmed", data)
	} else {
		data["reason"] = res.Reason
		o.logger.Info("negotiation failed", "conversation", conv.ID, "reason", res.Reason, "rounds", res.RoundsUsed)
		o.publish(conv.ID, "negotiation_failed", data)
	}

	recordCtx := context.WithoutCancel(ctx)
	for _, rec := range o.recorders {
		rec(recordCtx, req, res)
	}

	if conv.State == StateFailed {
		return res, &Failure{
			ConversationID: conv.ID,
			Reason:         conv.Reason,
			RoundsUsed:     res.RoundsUsed,
			LastResponses:  res.LastResponses,
			Err:            cause,
		}
	}
	return res, nil
}

func (o *Orchestrator) publish(conversationID, eventType string, data map[string]any) {
	if o.events == nil {
		return
	}
	data["conversation_id"] = conversationID
	if err := o.events.PublishEvent(natsbus.TopicEventsNegotiation(conversationID), eventType, data); err != nil {
		o.logger.Warn("publish event", "type", eventType, "error", err)
	}
}

func copyResponses(in map[string]protocol.Decision) map[string]protocol.Decision {
	out := make(map[string]protocol.Decision, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func decisionLabels(responses map[string]protocol.Decision) map[string]string {
	out := make(map[string]string, len(responses))
	for id, d := range responses {
		out[id] = d.String()
	}
	return out
}
