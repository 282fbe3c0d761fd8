// Package poller follows one task attempt on its worker by querying the
// worker status at a fixed interval.
package poller

import (
	"context"
	"time"

	"go.uber.org/zap"

	"tcluster/pkg/model"
)

// StatusClient is the part of the worker client the poller needs.
type StatusClient interface {
	Status(ctx context.Context, addr string) (model.WorkerStatusSnapshot, error)
}

type Outcome int

const (
	Completed Outcome = iota + 1
	Failed
	Unreachable
	Cancelled
)

func (o Outcome) String() string {
	switch o {
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Unreachable:
		return "unreachable"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

// Result ends a poll.
type Result struct {
	Outcome Outcome
	Output  string
	Size    int64
	Reason  string
}

// Observation is one successful status query, forwarded to the dispatcher.
// Status and Phase are set when the snapshot concerns this attempt.
type Observation struct {
	Node     string
	TaskID   string
	Attempt  int
	Status   model.TaskStatus
	Phase    int
	Snapshot model.WorkerStatusSnapshot
}

type Options struct {
	Interval     time.Duration
	FailureLimit int // consecutive failed queries before Unreachable
	Observations chan<- Observation
	Logger       *zap.Logger
}

type Poller struct {
	client  StatusClient
	node    string
	taskID  string
	attempt int
	opts    Options
	log     *zap.Logger
}

func New(client StatusClient, node, taskID string, attempt int, opts Options) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = 500 * time.Millisecond
	}
	if opts.FailureLimit <= 0 {
		opts.FailureLimit = 10
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Poller{client: client, node: node, taskID: taskID, attempt: attempt, opts: opts, log: log}
}

// Run polls until the attempt ends, the node is declared unreachable or
// ctx is done.
func (p *Poller) Run(ctx context.Context) Result {
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	failures := 0
	for {
		snap, err := p.client.Status(ctx, p.node)
		switch {
		case ctx.Err() != nil:
			return Result{Outcome: Cancelled, Reason: ctx.Err().Error()}
		case err != nil:
			failures++
			p.log.Debug("status query failed",
				zap.String("task", p.taskID),
				zap.String("node", p.node),
				zap.Int("failures", failures),
				zap.Error(err))
			if failures >= p.opts.FailureLimit {
				return Result{Outcome: Unreachable, Reason: err.Error()}
			}
		default:
			failures = 0
			if res, done := p.apply(ctx, snap); done {
				return res
			}
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return Result{Outcome: Cancelled, Reason: ctx.Err().Error()}
		}
	}
}

func (p *Poller) mine(taskID string, attempt int) bool {
	return taskID == p.taskID && (attempt == 0 || attempt == p.attempt)
}

// apply maps one snapshot and reports whether the attempt is over.
func (p *Poller) apply(ctx context.Context, snap model.WorkerStatusSnapshot) (Result, bool) {
	obs := Observation{Node: p.node, TaskID: p.taskID, Attempt: p.attempt, Snapshot: snap}

	if p.mine(snap.CurrentTask, snap.Attempt) {
		switch snap.Status {
		case model.NodeReceiving:
			obs.Status, obs.Phase = model.TaskUploading, snap.Progress
		case model.NodeProcessing:
			obs.Status, obs.Phase = model.TaskProcessing, snap.Progress
		}
	}
	p.emit(ctx, obs)

	if p.mine(snap.CurrentTask, snap.Attempt) {
		switch snap.Status {
		case model.NodeCompleted:
			size := int64(0)
			if snap.LastResult != nil {
				size = snap.LastResult.Size
			}
			return Result{Outcome: Completed, Output: snap.Output, Size: size}, true
		case model.NodeError:
			return Result{Outcome: Failed, Reason: snap.Reason}, true
		case model.NodeReceiving, model.NodeProcessing:
			return Result{}, false
		}
	}
	if r := snap.LastResult; r != nil && p.mine(r.TaskID, r.Attempt) {
		if r.Status == model.NodeCompleted {
			return Result{Outcome: Completed, Output: r.Output, Size: r.Size}, true
		}
		return Result{Outcome: Failed, Reason: r.Reason}, true
	}
	switch snap.Status {
	case model.NodeStopped:
		return Result{Outcome: Unreachable, Reason: "worker stopped"}, true
	case model.NodeUnknown:
		return Result{}, false
	}
	return Result{Outcome: Failed, Reason: "worker lost the task"}, true
}

func (p *Poller) emit(ctx context.Context, obs Observation) {
	if p.opts.Observations == nil {
		return
	}
	select {
	case p.opts.Observations <- obs:
	case <-ctx.Done():
	}
}
