package config

import (
	"reflect"
	"sort"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	PeersAdded   []string
	PeersRemoved []string
	PeersChanged []string

	NegotiationChanged bool
	NewNegotiation     NegotiationConfig

	SchedulerChanged bool
	NewScheduler     SchedulerConfig

	// Fields that need a restart to take effect (logged only)
	NonReloadable []string
}

// HasChanges reports whether any reloadable field changed.
func (d *ConfigDiff) HasChanges() bool {
	return d.NegotiationChanged || d.SchedulerChanged
}

// Diff compares two configs and returns what changed. Peer changes are
// reported but never applied live: the agent registry is fixed once
// negotiations may be running.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	for id := range new.Peers {
		if _, ok := old.Peers[id]; !ok {
			d.PeersAdded = append(d.PeersAdded, id)
		}
	}
	for id := range old.Peers {
		if _, ok := new.Peers[id]; !ok {
			d.PeersRemoved = append(d.PeersRemoved, id)
		}
	}
	for id, newPeer := range new.Peers {
		if oldPeer, ok := old.Peers[id]; ok && !reflect.DeepEqual(oldPeer, newPeer) {
			d.PeersChanged = append(d.PeersChanged, id)
		}
	}
	sort.Strings(d.PeersAdded)
	sort.Strings(d.PeersRemoved)
	sort.Strings(d.PeersChanged)
	if len(d.PeersAdded)+len(d.PeersRemoved)+len(d.PeersChanged) > 0 {
		d.NonReloadable = append(d.NonReloadable, "peers")
	}

	oldNeg, newNeg := old.Negotiation, new.Negotiation
	if oldNeg.HostID != newNeg.HostID {
		d.NonReloadable = append(d.NonReloadable, "negotiation.host_id")
		newNeg.HostID = oldNeg.HostID
	}
	if oldNeg != newNeg {
		d.NegotiationChanged = true
		d.NewNegotiation = newNeg
	}

	if old.Scheduler != new.Scheduler {
		d.SchedulerChanged = true
		d.NewScheduler = new.Scheduler
	}

	if old.Web != new.Web {
		d.NonReloadable = append(d.NonReloadable, "web")
	}
	if old.NATS != new.NATS {
		d.NonReloadable = append(d.NonReloadable, "nats")
	}
	if old.Store != new.Store {
		d.NonReloadable = append(d.NonReloadable, "store.path")
	}
	if old.Workflow != new.Workflow {
		d.NonReloadable = append(d.NonReloadable, "workflow.parallelism")
	}

	return d
}
