// Package registry keeps the coordinator's view of the worker nodes. All
// access goes through one mutex; no method performs I/O while holding it.
package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"tcluster/pkg/model"
)

var (
	ErrUnknownNode     = errors.New("unknown node")
	ErrNodeBusy        = errors.New("node already holds an assignment")
	ErrNodeUnavailable = errors.New("node is not idle")
)

// Observation is one status report about a node, from discovery, heartbeat
// or a status poll.
type Observation struct {
	Address     string
	Hostname    string
	Status      model.NodeStatus
	Progress    int
	CurrentTask string
	// Timestamp is the node's own monotonic clock. Zero carries no ordering
	// information and is always accepted.
	Timestamp int64
}

// Expired names a node that went silent while holding a task.
type Expired struct {
	Address string
	TaskID  string
}

type Options struct {
	Liveness     time.Duration // silence after which a node is stale
	ForgetAfter  time.Duration // extra silence after which it is dropped; 0 keeps it
	FailureLimit int           // submission failures before exclusion
	Logger       *zap.Logger
}

type Registry struct {
	mu    sync.Mutex
	nodes map[string]*model.Node
	opts  Options
	log   *zap.Logger
	now   func() time.Time
}

func New(opts Options) *Registry {
	if opts.FailureLimit <= 0 {
		opts.FailureLimit = 3
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		nodes: make(map[string]*model.Node),
		opts:  opts,
		log:   log,
		now:   time.Now,
	}
}

// Observe folds an observation into the node map and reports whether it
// changed the recorded status. Observations older than the recorded one are
// discarded; an equal timestamp only refreshes LastSeen, except on an
// excluded node whose status was overwritten locally.
func (r *Registry) Observe(obs Observation) bool {
	if obs.Address == "" {
		return false
	}
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[obs.Address]
	if !ok {
		r.nodes[obs.Address] = &model.Node{
			Address:     obs.Address,
			Hostname:    obs.Hostname,
			Status:      obs.Status,
			Progress:    obs.Progress,
			CurrentTask: obs.CurrentTask,
			ObservedAt:  obs.Timestamp,
			LastSeen:    now,
		}
		r.log.Info("node discovered",
			zap.String("address", obs.Address),
			zap.String("hostname", obs.Hostname),
			zap.String("status", string(obs.Status)))
		return true
	}

	wasStale := n.Stale
	if !wasStale && obs.Timestamp != 0 && obs.Timestamp < n.ObservedAt {
		return false
	}
	n.LastSeen = now
	n.Stale = false
	if obs.Hostname != "" {
		n.Hostname = obs.Hostname
	}
	if !wasStale && !n.Excluded && obs.Timestamp != 0 && obs.Timestamp == n.ObservedAt {
		return false
	}
	if obs.Timestamp > n.ObservedAt || wasStale {
		n.ObservedAt = obs.Timestamp
	}
	if obs.Status == model.NodeUnknown && n.Status != model.NodeUnknown && !wasStale {
		return false
	}

	changed := n.Status != obs.Status || n.Progress != obs.Progress || n.CurrentTask != obs.CurrentTask
	n.Status = obs.Status
	n.Progress = obs.Progress
	n.CurrentTask = obs.CurrentTask

	if n.Excluded && obs.Status == model.NodeIdle {
		n.Excluded = false
		n.Failures = 0
		r.log.Info("node re-admitted", zap.String("address", n.Address))
		changed = true
	}
	if wasStale {
		r.log.Info("node back", zap.String("address", n.Address))
		changed = true
	}
	return changed
}

// Idle returns the assignable nodes ordered by address.
func (r *Registry) Idle() []model.Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Node
	for _, n := range r.nodes {
		if n.Assignable() {
			out = append(out, cloneNode(n))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Assign reserves the node for taskID if it is still assignable.
func (r *Registry) Assign(addr, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[addr]
	if !ok {
		return ErrUnknownNode
	}
	if n.AssignedTask != "" {
		return ErrNodeBusy
	}
	if !n.Assignable() {
		return ErrNodeUnavailable
	}
	n.AssignedTask = taskID
	return nil
}

// Release frees the node if it still holds taskID.
func (r *Registry) Release(addr, taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[addr]
	if !ok || n.AssignedTask != taskID {
		return false
	}
	n.AssignedTask = ""
	return true
}

// RecordFailure counts a failed submission and reports whether the node is
// now excluded.
func (r *Registry) RecordFailure(addr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[addr]
	if !ok {
		return false
	}
	n.Failures++
	if n.Failures >= r.opts.FailureLimit && !n.Excluded {
		n.Excluded = true
		n.Status = model.NodeError
		r.log.Warn("node excluded",
			zap.String("address", addr),
			zap.Int("failures", n.Failures))
	}
	return n.Excluded
}

func (r *Registry) ResetFailures(addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[addr]; ok {
		n.Failures = 0
	}
}

// Expire marks silent nodes stale and hands back the assignments they held.
// Nodes silent for longer than ForgetAfter on top of that are dropped.
func (r *Registry) Expire(now time.Time) []Expired {
	if r.opts.Liveness <= 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Expired
	for addr, n := range r.nodes {
		silent := now.Sub(n.LastSeen)
		if silent <= r.opts.Liveness {
			continue
		}
		if !n.Stale {
			n.Stale = true
			r.log.Warn("node unreachable",
				zap.String("address", addr),
				zap.Duration("silent", silent))
		}
		if n.AssignedTask != "" {
			out = append(out, Expired{Address: addr, TaskID: n.AssignedTask})
			n.AssignedTask = ""
		}
		if r.opts.ForgetAfter > 0 && silent > r.opts.Liveness+r.opts.ForgetAfter {
			delete(r.nodes, addr)
			r.log.Info("node forgotten", zap.String("address", addr))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Get returns a copy of one node.
func (r *Registry) Get(addr string) (model.Node, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[addr]
	if !ok {
		return model.Node{}, false
	}
	return *n, true
}

// Snapshot copies every node, ordered by address.
func (r *Registry) Snapshot() []model.Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, cloneNode(n))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

func (r *Registry) SetCapabilities(addr string, caps model.Capabilities) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[addr]; ok {
		n.Capabilities = caps
		if n.Hostname == "" {
			n.Hostname = caps.Hostname
		}
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.nodes)
}

func cloneNode(n *model.Node) model.Node {
	c := *n
	c.Capabilities.Encoders = append([]string(nil), n.Capabilities.Encoders...)
	return c
}
