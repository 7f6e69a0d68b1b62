// Package registry keeps the set of agents a host may negotiate with.
// Agents are registered before any conversation starts and the registry is
// only read while negotiations run.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/mtzanidakis/parley/internal/config"
	"github.com/mtzanidakis/parley/internal/natsbus"
	"github.com/mtzanidakis/parley/internal/store"
)

var (
	ErrUnknownAgent   = errors.New("unknown agent")
	ErrDuplicateAgent = errors.New("agent already registered")
)

type Agent struct {
	ID           string   `json:"id"`
	Capabilities []string `json:"capabilities"`
	Endpoint     string   `json:"endpoint"`
}

func (a Agent) Has(capability string) bool {
	for _, c := range a.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

func New() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

// FromConfig registers every configured peer on its NATS inbox.
func FromConfig(peers map[string]config.PeerConfig) (*Registry, error) {
	r := New()
	for id, p := range peers {
		err := r.Register(Agent{
			ID:           id,
			Capabilities: p.Capabilities,
			Endpoint:     natsbus.TopicAgentInbox(id),
		})
		if err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(a Agent) error {
	if a.ID == "" {
		return fmt.Errorf("register agent: empty id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[a.ID]; ok {
		return fmt.Errorf("register %s: %w", a.ID, ErrDuplicateAgent)
	}
	a.Capabilities = append([]string(nil), a.Capabilities...)
	sort.Strings(a.Capabilities)
	r.agents[a.ID] = a
	return nil
}

func (r *Registry) Get(id string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	return a, ok
}

// List returns all agents ordered by id.
func (r *Registry) List() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		list = append(list, a)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

// Resolve returns the agents for ids in the given order. It fails on the
// first id that is not registered or appears twice.
func (r *Registry) Resolve(ids []string) ([]Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool, len(ids))
	agents := make([]Agent, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			return nil, fmt.Errorf("participant %s listed twice", id)
		}
		seen[id] = true
		a, ok := r.agents[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, id)
		}
		agents = append(agents, a)
	}
	return agents, nil
}

// WithCapability lists the agents that declare capability.
func (r *Registry) WithCapability(capability string) []Agent {
	var out []Agent
	for _, a := range r.List() {
		if a.Has(capability) {
			out = append(out, a)
		}
	}
	return out
}

// Sync mirrors the registry into the store and drops stale rows.
func (r *Registry) Sync(s *store.Store) error {
	agents := r.List()
	ids := make([]string, 0, len(agents))
	for _, a := range agents {
		ids = append(ids, a.ID)
		err := s.SaveAgent(&store.Agent{
			ID:           a.ID,
			Capabilities: a.Capabilities,
			Endpoint:     a.Endpoint,
		})
		if err != nil {
			return fmt.Errorf("save agent %s: %w", a.ID, err)
		}
	}
	if err := s.DeleteAgentsNotIn(ids); err != nil {
		return fmt.Errorf("delete stale agents: %w", err)
	}
	return nil
}
