package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"tcluster/internal/coordinator/api"
	"tcluster/internal/coordinator/discovery"
	"tcluster/internal/coordinator/transfer"
	"tcluster/internal/netutil"
	"tcluster/internal/presets"
	"tcluster/pkg/model"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout)
	stop()
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			printS(os.Stderr, errorStyle, "❌ %v", err)
		}
		os.Exit(1)
	}
}

type options struct {
	addr     string
	preset   string
	args     string
	output   string
	wait     bool
	interval time.Duration

	listTasks   bool
	status      string
	listNodes   bool
	listPresets bool
	cancelID    string
	probe       string
	metrics     bool

	scan       bool
	scanFrom   string
	workerPort int
}

func run(ctx context.Context, argv []string, out io.Writer) error {
	// --- 1. 定义命令行参数 ---
	fs := flag.NewFlagSet("tc-cli", flag.ContinueOnError)
	var o options
	fs.StringVar(&o.addr, "addr", "127.0.0.1:55555", "coordinator control address")
	fs.StringVar(&o.preset, "preset", "", "encode preset for submitted files (see -presets)")
	fs.StringVar(&o.args, "args", "", "raw ffmpeg arguments, used when no preset is given")
	fs.StringVar(&o.output, "o", "", "output path (single input only)")
	fs.BoolVar(&o.wait, "wait", false, "wait for submitted tasks to finish")
	fs.DurationVar(&o.interval, "interval", time.Second, "poll interval for -wait")
	fs.BoolVar(&o.listTasks, "tasks", false, "list tasks")
	fs.StringVar(&o.status, "status", "", "only list tasks in this status")
	fs.BoolVar(&o.listNodes, "nodes", false, "list worker nodes")
	fs.BoolVar(&o.listPresets, "presets", false, "list encode presets")
	fs.StringVar(&o.cancelID, "cancel", "", "cancel the task with this ID")
	fs.StringVar(&o.probe, "probe", "", "query a worker's capabilities directly (host:port)")
	fs.BoolVar(&o.metrics, "metrics", false, "show the coordinator's task metrics")
	fs.BoolVar(&o.scan, "scan", false, "sweep a /24 for workers without the coordinator")
	fs.StringVar(&o.scanFrom, "scan-from", "", "address whose /24 -scan sweeps (default: local address)")
	fs.IntVar(&o.workerPort, "worker-port", 9000, "worker HTTP port for -scan")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: tc-cli [flags] [input ...]\n\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(argv); err != nil {
		return err
	}

	// --- 2. 按参数选择模式: 直连 Worker / 查询控制面 / 提交任务 ---
	c := newClient(o.addr)
	inputs := fs.Args()
	switch {
	case o.listPresets:
		listPresets(out)
		return nil
	case o.probe != "":
		return probe(ctx, o.probe, out)
	case o.scan:
		return scan(ctx, o.scanFrom, o.workerPort, out)
	case o.metrics:
		points, err := c.metrics(ctx)
		if err != nil {
			return err
		}
		if len(points) == 0 {
			printS(out, mutedStyle, "no task metrics recorded yet")
			return nil
		}
		fmt.Fprintln(out, renderMetrics(points))
		return nil
	case o.cancelID != "":
		t, err := c.cancel(ctx, o.cancelID)
		if err != nil {
			return err
		}
		printS(out, mutedStyle, "🛑 task %s is %s", t.ID, t.Status)
		return nil
	case o.listNodes:
		nodes, err := c.nodes(ctx)
		if err != nil {
			return err
		}
		if len(nodes) == 0 {
			printS(out, mutedStyle, "no workers discovered yet")
			return nil
		}
		fmt.Fprintln(out, renderNodes(nodes))
		return nil
	case o.listTasks:
		tasks, err := c.tasks(ctx, o.status)
		if err != nil {
			return err
		}
		if len(tasks) == 0 {
			printS(out, mutedStyle, "no tasks")
			return nil
		}
		fmt.Fprintln(out, renderTasks(tasks))
		return nil
	case len(inputs) > 0:
		return submit(ctx, c, o, inputs, out)
	}
	fs.Usage()
	return flag.ErrHelp
}

func listPresets(out io.Writer) {
	desc := presets.Descriptions()
	t := newTable("PRESET", "DESCRIPTION", "ARGS")
	for _, key := range presets.List() {
		p, _ := presets.Get(key)
		t.Row(key, desc[key], strings.Join(p.Args(), " "))
	}
	fmt.Fprintln(out, t.String())
}

func probe(ctx context.Context, addr string, out io.Writer) error {
	cl := transfer.New(transfer.Options{StatusTimeout: 5 * time.Second})
	caps, err := cl.Capabilities(ctx, addr)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, renderCapabilities(addr, caps))
	return nil
}

// scan pings every host of the /24 directly and lists the workers that
// answered, with their capabilities when those can be read.
func scan(ctx context.Context, from string, port int, out io.Writer) error {
	if from == "" {
		from = netutil.LocalIP()
	}
	hosts, err := netutil.SubnetHosts(from)
	if err != nil {
		return err
	}
	printS(out, mutedStyle, "🔍 scanning %s/24 on port %d ...", from, port)

	cl := transfer.New(transfer.Options{StatusTimeout: 500 * time.Millisecond})
	found := discovery.ScanHosts(ctx, cl, hosts, port, 0)
	if len(found) == 0 {
		printS(out, mutedStyle, "no workers found")
		return nil
	}
	caps := make([]model.Capabilities, len(found))
	for i, addr := range found {
		caps[i], _ = cl.Capabilities(ctx, addr)
	}
	fmt.Fprintln(out, renderScan(found, caps))
	return nil
}

func submit(ctx context.Context, c *client, o options, inputs []string, out io.Writer) error {
	if o.output != "" && len(inputs) > 1 {
		return errors.New("-o needs exactly one input")
	}
	req := api.SubmitRequest{TaskRequest: api.TaskRequest{Preset: o.preset, Args: strings.Fields(o.args)}}
	for _, in := range inputs {
		abs, err := filepath.Abs(in)
		if err != nil {
			return err
		}
		item := api.TaskRequest{Input: abs}
		if o.output != "" {
			if item.Output, err = filepath.Abs(o.output); err != nil {
				return err
			}
		}
		req.Tasks = append(req.Tasks, item)
	}

	tasks, err := c.submit(ctx, req)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		printS(out, successStyle, "✅ submitted %s: %s -> %s", t.ID, t.Input, t.Output)
	}
	if !o.wait {
		return nil
	}
	return wait(ctx, c, tasks, o.interval, out)
}

// wait polls each task until it reaches a final state and fails if any of
// them did not complete.
func wait(ctx context.Context, c *client, tasks []model.Task, interval time.Duration, out io.Writer) error {
	if interval <= 0 {
		interval = time.Second
	}
	pending := make(map[string]int, len(tasks))
	for _, t := range tasks {
		pending[t.ID] = -1
	}
	var failed []string

	tick := time.NewTicker(interval)
	defer tick.Stop()
	for len(pending) > 0 {
		for _, t := range tasks {
			last, ok := pending[t.ID]
			if !ok {
				continue
			}
			cur, err := c.task(ctx, t.ID)
			if err != nil {
				return err
			}
			switch {
			case cur.Status == model.TaskCompleted:
				printS(out, successStyle, "🎉 %s completed (%d bytes)", cur.ID, cur.OutputSize)
				delete(pending, t.ID)
			case cur.Status.Terminal():
				printS(out, errorStyle, "💥 %s %s: %s", cur.ID, cur.Status, cur.Error)
				failed = append(failed, cur.ID)
				delete(pending, t.ID)
			case cur.Progress != last:
				printS(out, taskStyle(cur.Status), "%s %s %s", cur.ID, progressBar(cur.Progress), cur.Status)
				pending[t.ID] = cur.Progress
			}
		}
		if len(pending) == 0 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d of %d tasks did not complete", len(failed), len(tasks))
	}
	return nil
}
