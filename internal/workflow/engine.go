// Package workflow runs a directed acyclic graph of handlers over a shared
// state. Nodes run in topological tiers; a failing node halts the run.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mtzanidakis/parley/internal/metrics"
	"github.com/mtzanidakis/parley/internal/natsbus"
)

// NodeError reports the node that halted a run.
type NodeError struct {
	Node string
	Err  error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("workflow node %s: %v", e.Node, e.Err)
}

func (e *NodeError) Unwrap() error { return e.Err }

// Result is the outcome of a run. On failure State holds whatever the
// completed nodes produced; nothing is rolled back.
type Result struct {
	RunID      string
	State      State
	Completed  []string
	FailedNode string
	Err        error
}

// EventPublisher receives run events. *natsbus.Client implements it.
type EventPublisher interface {
	PublishEvent(topic, eventType string, data map[string]any) error
}

type Option func(*Engine)

// WithParallelism lets up to n independent nodes of a tier run at once.
// Values below 2 keep runs sequential.
func WithParallelism(n int) Option {
	return func(e *Engine) { e.parallelism = n }
}

func WithEvents(p EventPublisher) Option {
	return func(e *Engine) { e.events = p }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithName labels the runs of this engine in logs and events.
func WithName(name string) Option {
	return func(e *Engine) { e.name = name }
}

type Engine struct {
	name        string
	parallelism int
	events      EventPublisher
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

func NewEngine(opts ...Option) *Engine {
	e := &Engine{name: "workflow", parallelism: 1}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = slog.With("component", "workflow", "workflow", e.name)
	return e
}

// Run executes g sequentially with no events or metrics.
func Run(ctx context.Context, g *Graph, state State) (*Result, error) {
	return NewEngine().Run(ctx, g, state)
}

// Run executes g over a copy of state. The returned error is the same as
// Result.Err: a *NodeError when a node failed, or the context error when the
// run was cancelled between nodes.
func (e *Engine) Run(ctx context.Context, g *Graph, state State) (*Result, error) {
	res := &Result{
		RunID: uuid.NewString(),
		State: state.Clone(),
	}
	start := time.Now()
	e.logger.Info("workflow started", "run", res.RunID, "nodes", g.Len())

	for _, tier := range g.tiers {
		if err := ctx.Err(); err != nil {
			return e.finish(res, "cancelled", err, start)
		}

		var err error
		if e.parallelism > 1 && len(tier) > 1 {
			err = e.runParallel(ctx, g, tier, res)
		} else {
			err = e.runSequential(ctx, g, tier, res)
		}
		if err != nil {
			return e.finish(res, "failed", err, start)
		}
	}

	return e.finish(res, "completed", nil, start)
}

func (e *Engine) runSequential(ctx context.Context, g *Graph, tier []string, res *Result) error {
	for _, name := range tier {
		out, err := e.runNode(ctx, g, name, res.State)
		if err != nil {
			return err
		}
		if out != nil {
			res.State = out
		}
		e.completed(res, name)
	}
	return nil
}

func (e *Engine) runParallel(ctx context.Context, g *Graph, tier []string, res *Result) error {
	outs := make([]State, len(tier))
	done := make([]bool, len(tier))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(e.parallelism)
	for i, name := range tier {
		input := res.State.Clone()
		eg.Go(func() error {
			out, err := e.runNode(egCtx, g, name, input)
			if err != nil {
				return err
			}
			if out == nil {
				out = input
			}
			outs[i] = out
			done[i] = true
			return nil
		})
	}
	err := eg.Wait()

	// Merge in node-name order so the result does not depend on timing.
	base := res.State
	merged := base.Clone()
	for i, name := range tier {
		if !done[i] {
			continue
		}
		merge(merged, base, outs[i])
		e.completed(res, name)
	}
	res.State = merged
	return err
}

func (e *Engine) runNode(ctx context.Context, g *Graph, name string, state State) (State, error) {
	node := g.nodes[name]
	out, err := node.Handler(ctx, state, g.Predecessors(name))
	if err != nil {
		return nil, &NodeError{Node: name, Err: err}
	}
	return out, nil
}

func (e *Engine) completed(res *Result, name string) {
	res.Completed = append(res.Completed, name)
	e.logger.Debug("node completed", "run", res.RunID, "node", name)
	e.publish(res.RunID, "workflow_node_completed", map[string]any{
		"workflow": e.name,
		"node":     name,
	})
}

func (e *Engine) finish(res *Result, status string, err error, start time.Time) (*Result, error) {
	res.Err = err
	var ne *NodeError
	if errors.As(err, &ne) {
		res.FailedNode = ne.Node
	}
	e.metrics.WorkflowRun(status)

	if err != nil {
		e.logger.Warn("workflow halted", "run", res.RunID, "status", status, "node", res.FailedNode, "error", err)
		e.publish(res.RunID, "workflow_failed", map[string]any{
			"workflow":  e.name,
			"node":      res.FailedNode,
			"error":     err.Error(),
			"completed": res.Completed,
		})
		return res, err
	}

	e.logger.Info("workflow completed", "run", res.RunID, "nodes", len(res.Completed), "duration", time.Since(start))
	return res, nil
}

func (e *Engine) publish(runID, eventType string, data map[string]any) {
	if e.events == nil {
		return
	}
	if err := e.events.PublishEvent(natsbus.TopicEventsWorkflow(runID), eventType, data); err != nil {
		e.logger.Warn("publish event failed", "type", eventType, "error", err)
	}
}
