// Package dispatcher pairs pending tasks with idle nodes and drives every
// attempt through submit, poll, download and validation.
//
// One goroutine (Run) owns all assignment decisions and the attempt table.
// Attempt goroutines never touch the registry or the tracker directly; they
// report observations and results back to the loop over channels.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"tcluster/internal/backoff"
	"tcluster/internal/coordinator/poller"
	"tcluster/internal/coordinator/registry"
	"tcluster/internal/coordinator/tracker"
	"tcluster/internal/coordinator/transfer"
	"tcluster/pkg/model"
	"tcluster/pkg/store"
)

// ErrStopped is returned by calls that need the loop after Run returned.
var ErrStopped = errors.New("dispatcher stopped")

// probeInterval spaces capability and status refreshes of one node.
const probeInterval = 5 * time.Second

// WorkerClient is the part of the worker plane client the dispatcher uses.
type WorkerClient interface {
	Submit(ctx context.Context, addr string, req transfer.SubmitRequest) (transfer.Accepted, error)
	Status(ctx context.Context, addr string) (model.WorkerStatusSnapshot, error)
	Download(ctx context.Context, addr, name, dest string) (int64, error)
	Capabilities(ctx context.Context, addr string) (model.Capabilities, error)
}

type Options struct {
	Registry *registry.Registry
	Tracker  *tracker.Tracker
	Client   WorkerClient
	// Store, when set, is watched for tasks written by other processes and
	// receives a periodic mirror of the node table.
	Store store.Store

	Backoff          backoff.Strategy
	PollInterval     time.Duration
	PollFailureLimit int
	Cycle            time.Duration // assignment sweep interval
	MirrorInterval   time.Duration

	Meter  metric.Meter
	Logger *zap.Logger
}

type resultKind int

const (
	resultCompleted resultKind = iota + 1
	resultCancelled
	resultSubmitFailed
	resultUnreachable
	resultExecFailed
	resultInvalid
)

func (k resultKind) String() string {
	switch k {
	case resultCompleted:
		return "completed"
	case resultCancelled:
		return "cancelled"
	case resultSubmitFailed:
		return "submit_failed"
	case resultUnreachable:
		return "unreachable"
	case resultExecFailed:
		return "exec_failed"
	case resultInvalid:
		return "invalid"
	}
	return "unknown"
}

type attemptResult struct {
	taskID  string
	attempt int
	node    string
	kind    resultKind
	reason  string
	size    int64
}

type attempt struct {
	node    string
	number  int
	cancel  context.CancelFunc
	started time.Time
}

type cancelRequest struct {
	id    string
	reply chan error
}

type probeResult struct {
	addr string
	caps *model.Capabilities
	snap *model.WorkerStatusSnapshot
}

type Dispatcher struct {
	reg    *registry.Registry
	tr     *tracker.Tracker
	client WorkerClient
	store  store.Store
	opts   Options
	log    *zap.Logger
	m      *metrics
	now    func() time.Time

	wake         chan struct{}
	results      chan attemptResult
	observations chan poller.Observation
	cancels      chan cancelRequest
	probes       chan probeResult
	done         chan struct{}

	// loop-owned
	attempts map[string]*attempt
	probed   map[string]time.Time
	wg       sync.WaitGroup
}

func New(opts Options) (*Dispatcher, error) {
	if opts.Registry == nil || opts.Tracker == nil || opts.Client == nil {
		return nil, errors.New("dispatcher: registry, tracker and client are required")
	}
	if opts.Backoff == nil {
		opts.Backoff = backoff.Default(time.Second)
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.PollFailureLimit <= 0 {
		opts.PollFailureLimit = 10
	}
	if opts.Cycle <= 0 {
		opts.Cycle = time.Second
	}
	if opts.MirrorInterval <= 0 {
		opts.MirrorInterval = 5 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		reg:          opts.Registry,
		tr:           opts.Tracker,
		client:       opts.Client,
		store:        opts.Store,
		opts:         opts,
		log:          log,
		m:            newMetrics(opts.Meter),
		now:          time.Now,
		wake:         make(chan struct{}, 1),
		results:      make(chan attemptResult),
		observations: make(chan poller.Observation, 64),
		cancels:      make(chan cancelRequest),
		probes:       make(chan probeResult, 16),
		done:         make(chan struct{}),
		attempts:     make(map[string]*attempt),
		probed:       make(map[string]time.Time),
	}, nil
}

// Run is the control loop. It returns when ctx is done, after every attempt
// goroutine has stopped. Attempts abandoned this way leave their tasks as
// they are in the tracker so that the next start recovers them.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer close(d.done)

	ticker := time.NewTicker(d.opts.Cycle)
	defer ticker.Stop()
	retry := time.NewTimer(time.Hour)
	retry.Stop()
	defer retry.Stop()

	var watch <-chan store.TaskEvent
	if d.store != nil {
		watch = d.store.WatchTasks(ctx)
		d.resync(ctx)
	}
	var lastMirror time.Time

	d.log.Info("dispatcher started",
		zap.Duration("cycle", d.opts.Cycle),
		zap.Duration("poll_interval", d.opts.PollInterval))
	d.cycle(ctx)
	d.armRetry(retry)

	for {
		dirty := true
		select {
		case <-ctx.Done():
			d.shutdown()
			d.log.Info("dispatcher stopped")
			return nil

		case <-ticker.C:
			if d.store != nil && d.now().Sub(lastMirror) >= d.opts.MirrorInterval {
				lastMirror = d.now()
				d.mirror(ctx)
			}

		case <-d.wake:
		case <-retry.C:

		case res := <-d.results:
			d.handleResult(ctx, res)

		case obs := <-d.observations:
			dirty = d.handleObservation(ctx, obs)

		case req := <-d.cancels:
			req.reply <- d.cancel(ctx, req.id)

		case p := <-d.probes:
			dirty = d.handleProbe(p)

		case ev, ok := <-watch:
			if !ok {
				watch = nil
				dirty = false
				break
			}
			dirty = ev.Type == store.TaskPut && ev.Task != nil &&
				ev.Task.Status == model.TaskPending && d.tr.Adopt(ev.Task)
			if dirty {
				d.log.Info("adopted task from store", zap.String("task", ev.Task.ID))
			}
		}
		if dirty {
			d.cycle(ctx)
			d.armRetry(retry)
		}
	}
}

// Wake asks the loop for an assignment sweep.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// NodeChanged is the discovery hook: a node's recorded status moved.
func (d *Dispatcher) NodeChanged(string) { d.Wake() }

// Submit creates a task and wakes the loop.
func (d *Dispatcher) Submit(ctx context.Context, input, output string, args []string) (*model.Task, error) {
	task, err := d.tr.Submit(ctx, input, output, args)
	if err != nil {
		return nil, err
	}
	d.Wake()
	return task, nil
}

// SubmitBatch creates one task per request. Tasks created before an error
// are returned with it and will be dispatched.
func (d *Dispatcher) SubmitBatch(ctx context.Context, reqs []tracker.Request) ([]*model.Task, error) {
	tasks, err := d.tr.SubmitBatch(ctx, reqs)
	if len(tasks) > 0 {
		d.Wake()
	}
	return tasks, err
}

// Cancel ends a task. A running attempt is abandoned; the worker finishes
// on its own and its result is ignored.
func (d *Dispatcher) Cancel(ctx context.Context, id string) error {
	req := cancelRequest{id: id, reply: make(chan error, 1)}
	select {
	case d.cancels <- req:
	case <-d.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) Nodes() []model.Node { return d.reg.Snapshot() }

func (d *Dispatcher) Tasks() []*model.Task { return d.tr.List() }

func (d *Dispatcher) Task(id string) (*model.Task, error) { return d.tr.Get(id) }

// Events returns the retained task events with a sequence number above since.
func (d *Dispatcher) Events(since int64) []tracker.Event { return d.tr.Bus().Since(since) }

// Subscribe streams task events until the returned func is called.
func (d *Dispatcher) Subscribe(buffer int) (<-chan tracker.Event, func()) {
	return d.tr.Bus().Subscribe(buffer)
}

// cycle expires silent nodes, schedules refreshes and pairs pending tasks
// with idle nodes, oldest task first.
func (d *Dispatcher) cycle(ctx context.Context) {
	now := d.now()
	for _, e := range d.reg.Expire(now) {
		d.expired(ctx, e)
	}
	d.probe(ctx, now)

	pending := d.tr.Pending(now)
	if len(pending) == 0 {
		return
	}
	idle := d.reg.Idle()
	for _, task := range pending {
		if len(idle) == 0 {
			return
		}
		if _, running := d.attempts[task.ID]; running {
			continue
		}
		node, ok := d.scoreNodes(task, d.filterNodes(task, idle))
		if !ok {
			continue
		}
		d.assign(ctx, task, node.Address)
		idle = slices.DeleteFunc(idle, func(n model.Node) bool { return n.Address == node.Address })
	}
}

func (d *Dispatcher) assign(ctx context.Context, task *model.Task, addr string) {
	if err := d.reg.Assign(addr, task.ID); err != nil {
		d.log.Debug("node assignment refused",
			zap.String("task", task.ID),
			zap.String("node", addr),
			zap.Error(err))
		return
	}
	assigned, err := d.tr.Assign(ctx, task.ID, addr)
	if err != nil {
		d.reg.Release(addr, task.ID)
		d.log.Warn("task assignment failed", zap.String("task", task.ID), zap.Error(err))
		return
	}
	d.launch(ctx, assigned)
}

func (d *Dispatcher) launch(ctx context.Context, task *model.Task) {
	actx, cancel := context.WithCancel(ctx)
	d.attempts[task.ID] = &attempt{node: task.Node, number: task.Attempt, cancel: cancel, started: d.now()}
	d.log.Info("task assigned",
		zap.String("task", task.ID),
		zap.String("node", task.Node),
		zap.Int("attempt", task.Attempt))

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer cancel()
		res := d.runAttempt(actx, task)
		switch res.kind {
		case resultCompleted, resultExecFailed, resultInvalid:
			d.refresh(actx, task)
		}
		select {
		case d.results <- res:
		case <-ctx.Done():
		}
	}()
}

// runAttempt is one submit, poll, download sequence for task on task.Node.
func (d *Dispatcher) runAttempt(ctx context.Context, task *model.Task) attemptResult {
	res := attemptResult{taskID: task.ID, attempt: task.Attempt, node: task.Node}
	log := d.log.With(
		zap.String("task", task.ID),
		zap.String("node", task.Node),
		zap.Int("attempt", task.Attempt))

	acc, err := d.client.Submit(ctx, task.Node, transfer.SubmitRequest{
		TaskID:     task.ID,
		Attempt:    task.Attempt,
		InputPath:  task.Input,
		OutputName: filepath.Base(task.Output),
		Args:       task.Args,
	})
	if err != nil {
		res.kind, res.reason = classifySubmit(ctx, err)
		log.Warn("submission failed", zap.Stringer("result", res.kind), zap.Error(err))
		return res
	}
	log.Debug("submission accepted", zap.String("output", acc.Output))

	out := poller.New(d.client, task.Node, task.ID, task.Attempt, poller.Options{
		Interval:     d.opts.PollInterval,
		FailureLimit: d.opts.PollFailureLimit,
		Observations: d.observations,
		Logger:       d.log.Named("poller"),
	}).Run(ctx)
	switch out.Outcome {
	case poller.Cancelled:
		res.kind, res.reason = resultCancelled, out.Reason
		return res
	case poller.Unreachable:
		res.kind, res.reason = resultUnreachable, "node unreachable: "+out.Reason
		return res
	case poller.Failed:
		res.kind, res.reason = resultExecFailed, out.Reason
		return res
	}

	name := out.Output
	if name == "" {
		name = acc.Output
	}
	if name == "" {
		name = filepath.Base(task.Output)
	}
	size, err := d.client.Download(ctx, task.Node, name, task.Output)
	switch {
	case ctx.Err() != nil:
		res.kind, res.reason = resultCancelled, ctx.Err().Error()
	case errors.Is(err, transfer.ErrUnreachable):
		res.kind, res.reason = resultUnreachable, "download: "+err.Error()
	case err != nil:
		res.kind, res.reason = resultExecFailed, "download: "+err.Error()
	case size == 0:
		os.Remove(task.Output)
		res.kind, res.reason = resultInvalid, "output is empty"
	default:
		res.kind, res.size = resultCompleted, size
		log.Info("output retrieved", zap.String("output", task.Output), zap.Int64("size", size))
	}
	return res
}

func classifySubmit(ctx context.Context, err error) (resultKind, string) {
	var se *transfer.StatusError
	switch {
	case ctx.Err() != nil:
		return resultCancelled, ctx.Err().Error()
	case errors.Is(err, transfer.ErrUnreachable):
		return resultUnreachable, err.Error()
	case errors.Is(err, transfer.ErrBusy), errors.As(err, &se):
		return resultSubmitFailed, err.Error()
	default:
		// The input could not be read locally; another node will not help.
		return resultInvalid, err.Error()
	}
}

// refresh queries the node once more after an attempt. The query resets a
// finished worker to idle and the snapshot lets the registry see it.
func (d *Dispatcher) refresh(ctx context.Context, task *model.Task) {
	snap, err := d.client.Status(ctx, task.Node)
	if err != nil {
		return
	}
	select {
	case d.observations <- poller.Observation{Node: task.Node, TaskID: task.ID, Attempt: task.Attempt, Snapshot: snap}:
	case <-ctx.Done():
	}
}

func (d *Dispatcher) handleResult(ctx context.Context, res attemptResult) {
	a, ok := d.attempts[res.taskID]
	if !ok || a.number != res.attempt {
		d.log.Debug("dropping result of abandoned attempt",
			zap.String("task", res.taskID),
			zap.Int("attempt", res.attempt),
			zap.Stringer("result", res.kind))
		return
	}
	delete(d.attempts, res.taskID)
	d.reg.Release(res.node, res.taskID)
	d.m.attempt(ctx, res.node, res.kind.String(), d.now().Sub(a.started))

	switch res.kind {
	case resultCompleted:
		d.reg.ResetFailures(res.node)
		if err := d.tr.Complete(ctx, res.taskID, res.attempt, res.size); err != nil {
			d.log.Warn("complete task", zap.String("task", res.taskID), zap.Error(err))
			return
		}
		d.m.count(ctx, d.m.completed, res.node)
	case resultInvalid:
		d.fail(ctx, res.taskID, res.attempt, res.node, res.reason)
	case resultSubmitFailed, resultUnreachable:
		d.reg.RecordFailure(res.node)
		d.retryOrFail(ctx, res.taskID, res.attempt, res.node, res.reason)
	case resultExecFailed:
		if err := d.tr.MarkError(ctx, res.taskID, res.attempt, res.reason); err != nil {
			d.log.Warn("mark task error", zap.String("task", res.taskID), zap.Error(err))
			return
		}
		d.retryOrFail(ctx, res.taskID, res.attempt, res.node, res.reason)
	case resultCancelled:
		d.retryOrFail(ctx, res.taskID, res.attempt, res.node, res.reason)
	}
}

// retryOrFail requeues the task behind a backoff delay while it has retries
// left and fails it otherwise.
func (d *Dispatcher) retryOrFail(ctx context.Context, id string, number int, node, reason string) {
	task, err := d.tr.Get(id)
	if err != nil {
		return
	}
	if task.Retries < task.MaxRetries {
		notBefore := d.now().Add(d.opts.Backoff.Delay(task.Retries + 1))
		if _, err := d.tr.Requeue(ctx, id, number, reason, notBefore); err != nil {
			d.log.Warn("requeue task", zap.String("task", id), zap.Error(err))
			return
		}
		d.m.count(ctx, d.m.retried, node)
		return
	}
	d.fail(ctx, id, number, node, fmt.Sprintf("%s (gave up after %d retries)", reason, task.Retries))
}

func (d *Dispatcher) fail(ctx context.Context, id string, number int, node, reason string) {
	if err := d.tr.Fail(ctx, id, number, reason); err != nil {
		d.log.Warn("fail task", zap.String("task", id), zap.Error(err))
		return
	}
	d.m.count(ctx, d.m.failed, node)
}

// expired handles a node that went silent while holding a task.
func (d *Dispatcher) expired(ctx context.Context, e registry.Expired) {
	a, ok := d.attempts[e.TaskID]
	if !ok || a.node != e.Address {
		return
	}
	a.cancel()
	delete(d.attempts, e.TaskID)
	d.m.attempt(ctx, e.Address, resultUnreachable.String(), d.now().Sub(a.started))
	d.log.Warn("node lost with task",
		zap.String("node", e.Address),
		zap.String("task", e.TaskID),
		zap.Int("attempt", a.number))
	d.retryOrFail(ctx, e.TaskID, a.number, e.Address, "node unreachable")
}

// handleObservation folds a poll into the registry and the tracker. It
// reports whether a node became available.
func (d *Dispatcher) handleObservation(ctx context.Context, obs poller.Observation) bool {
	snap := obs.Snapshot
	changed := d.reg.Observe(registry.Observation{
		Address:     obs.Node,
		Status:      snap.Status,
		Progress:    snap.Progress,
		CurrentTask: snap.CurrentTask,
		Timestamp:   snap.Timestamp,
	})
	if obs.Status != "" {
		if a, ok := d.attempts[obs.TaskID]; ok && a.number == obs.Attempt {
			if _, err := d.tr.Observe(ctx, obs.TaskID, obs.Attempt, obs.Status, obs.Phase); err != nil {
				d.log.Debug("progress rejected", zap.String("task", obs.TaskID), zap.Error(err))
			}
		}
	}
	return changed && snap.Status == model.NodeIdle
}

func (d *Dispatcher) cancel(ctx context.Context, id string) error {
	node, err := d.tr.Cancel(ctx, id)
	if err != nil {
		return err
	}
	if a, ok := d.attempts[id]; ok {
		a.cancel()
		delete(d.attempts, id)
		node = a.node
	}
	if node != "" {
		d.reg.Release(node, id)
	}
	d.log.Info("task cancelled", zap.String("task", id), zap.String("node", node))
	return nil
}

// probe fetches capabilities of nodes that have none yet and re-queries
// unassigned nodes sitting in a finished or unknown state, which moves the
// worker back to idle.
func (d *Dispatcher) probe(ctx context.Context, now time.Time) {
	for _, n := range d.reg.Snapshot() {
		if n.Stale || n.AssignedTask != "" {
			continue
		}
		if next, ok := d.probed[n.Address]; ok && now.Before(next) {
			continue
		}
		needCaps := n.Capabilities.Runner == ""
		needStatus := !n.Excluded && (n.Status.Terminal() || n.Status == model.NodeUnknown)
		if !needCaps && !needStatus {
			continue
		}
		d.probed[n.Address] = now.Add(probeInterval)

		addr := n.Address
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			p := probeResult{addr: addr}
			if needCaps {
				if caps, err := d.client.Capabilities(ctx, addr); err == nil {
					p.caps = &caps
				} else {
					d.log.Debug("capabilities query failed", zap.String("node", addr), zap.Error(err))
				}
			}
			if needStatus {
				if snap, err := d.client.Status(ctx, addr); err == nil {
					p.snap = &snap
				}
			}
			select {
			case d.probes <- p:
			case <-ctx.Done():
			}
		}()
	}
}

func (d *Dispatcher) handleProbe(p probeResult) bool {
	dirty := false
	if p.caps != nil {
		d.reg.SetCapabilities(p.addr, *p.caps)
		dirty = true
	}
	if p.snap != nil {
		changed := d.reg.Observe(registry.Observation{
			Address:     p.addr,
			Status:      p.snap.Status,
			Progress:    p.snap.Progress,
			CurrentTask: p.snap.CurrentTask,
			Timestamp:   p.snap.Timestamp,
		})
		dirty = dirty || (changed && p.snap.Status == model.NodeIdle)
	}
	return dirty
}

// resync adopts pending tasks that reached the store before the watch.
func (d *Dispatcher) resync(ctx context.Context) {
	tasks, err := d.store.ListTasks(ctx)
	if err != nil {
		d.log.Warn("list stored tasks", zap.Error(err))
		return
	}
	for _, task := range tasks {
		if task.Status == model.TaskPending && d.tr.Adopt(task) {
			d.log.Info("adopted task from store", zap.String("task", task.ID))
		}
	}
}

// mirror copies the node table to the store for outside readers.
func (d *Dispatcher) mirror(ctx context.Context) {
	nodes := d.reg.Snapshot()
	ttl := 3 * d.opts.MirrorInterval
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for i := range nodes {
			if err := d.store.RegisterNode(ctx, &nodes[i], ttl); err != nil {
				if ctx.Err() == nil {
					d.log.Warn("mirror node", zap.String("node", nodes[i].Address), zap.Error(err))
				}
				return
			}
		}
	}()
}

// armRetry sets the timer to the earliest retry delay still running.
func (d *Dispatcher) armRetry(t *time.Timer) {
	now := d.now()
	if next, ok := d.tr.NextRetry(now); ok {
		t.Reset(next.Sub(now))
	}
}

func (d *Dispatcher) shutdown() {
	for id, a := range d.attempts {
		a.cancel()
		delete(d.attempts, id)
	}
	d.wg.Wait()
}
