package main

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"tcluster/internal/coordinator/api"
	"tcluster/pkg/model"
)

var (
	accentStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#7D56F4"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#F45E6E"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#6EF4A1"))
	infoStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#6EC4F4"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7D56F4")).Padding(0, 1)
	cellStyle    = lipgloss.NewStyle().Padding(0, 1)
)

func printS(w io.Writer, style lipgloss.Style, format string, a ...any) {
	fmt.Fprintln(w, style.Render(fmt.Sprintf(format, a...)))
}

func taskStyle(s model.TaskStatus) lipgloss.Style {
	switch s {
	case model.TaskCompleted:
		return successStyle
	case model.TaskFailed, model.TaskError:
		return errorStyle
	case model.TaskUploading, model.TaskProcessing:
		return infoStyle
	case model.TaskCancelled:
		return mutedStyle
	}
	return accentStyle
}

func nodeStyle(n model.Node) lipgloss.Style {
	switch {
	case n.Stale || n.Excluded:
		return mutedStyle
	case n.Status == model.NodeIdle:
		return successStyle
	case n.Status == model.NodeError:
		return errorStyle
	}
	return infoStyle
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(mutedStyle).
		Headers(headers...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
}

func renderTasks(tasks []model.Task) string {
	t := newTable("ID", "STATUS", "PROGRESS", "NODE", "TRIES", "INPUT", "OUTPUT")
	for _, task := range tasks {
		node := task.Node
		if node == "" {
			node = task.LastNode
		}
		t.Row(
			task.ID,
			taskStyle(task.Status).Render(string(task.Status)),
			progressBar(task.Progress),
			node,
			fmt.Sprintf("%d/%d", task.Retries, task.MaxRetries),
			task.Input,
			task.Output,
		)
	}
	return t.String()
}

func renderNodes(nodes []model.Node) string {
	t := newTable("ADDRESS", "HOST", "STATUS", "TASK", "FAILURES", "FFMPEG", "HWACCEL")
	for _, n := range nodes {
		status := string(n.Status)
		switch {
		case n.Stale:
			status += " (stale)"
		case n.Excluded:
			status += " (excluded)"
		}
		task := n.AssignedTask
		if task == "" {
			task = n.CurrentTask
		}
		t.Row(
			n.Address,
			n.Hostname,
			nodeStyle(n).Render(status),
			task,
			fmt.Sprint(n.Failures),
			n.Capabilities.FFmpegVersion,
			hwaccel(n.Capabilities),
		)
	}
	return t.String()
}

func renderCapabilities(addr string, c model.Capabilities) string {
	t := newTable("FIELD", "VALUE")
	t.Row("node", addr)
	t.Row("hostname", c.Hostname)
	t.Row("os", c.OS+" "+c.Platform)
	t.Row("cpu", fmt.Sprintf("%s (%d cores)", c.CPUModel, c.CPUCores))
	t.Row("memory", fmt.Sprintf("%d MB", c.MemoryMB))
	t.Row("runner", c.Runner)
	t.Row("ffmpeg", c.FFmpegVersion)
	t.Row("encoders", fmt.Sprint(len(c.Encoders)))
	t.Row("hwaccel", hwaccel(c))
	return t.String()
}

func renderScan(found []string, caps []model.Capabilities) string {
	t := newTable("ADDRESS", "HOST", "RUNNER", "FFMPEG", "HWACCEL")
	for i, addr := range found {
		c := caps[i]
		host := c.Hostname
		if host == "" {
			host = "-"
		}
		t.Row(addr, host, c.Runner, c.FFmpegVersion, hwaccel(c))
	}
	return t.String()
}

func renderMetrics(points []api.MetricPoint) string {
	t := newTable("METRIC", "NODE", "OUTCOME", "VALUE")
	for _, p := range points {
		value := fmt.Sprint(p.Value)
		if p.Kind == "histogram" {
			avg := 0.0
			if p.Count > 0 {
				avg = p.Sum / float64(p.Count)
			}
			value = fmt.Sprintf("%d × avg %.1fs", p.Count, avg)
		}
		t.Row(p.Name, p.Attributes["node"], p.Attributes["outcome"], value)
	}
	return t.String()
}

func hwaccel(c model.Capabilities) string {
	var out []string
	for _, f := range []struct {
		on   bool
		name string
	}{
		{c.NVENC, "nvenc"}, {c.QSV, "qsv"}, {c.VAAPI, "vaapi"},
		{c.VideoToolbox, "videotoolbox"}, {c.AMF, "amf"},
	} {
		if f.on {
			out = append(out, f.name)
		}
	}
	if len(out) == 0 {
		return "-"
	}
	return fmt.Sprint(out)
}

func progressBar(pct int) string {
	const width = 20
	pct = min(max(pct, 0), 100)
	filled := pct * width / 100
	bar := make([]rune, width)
	for i := range bar {
		if i < filled {
			bar[i] = '█'
		} else {
			bar[i] = '░'
		}
	}
	return fmt.Sprintf("%s %3d%%", string(bar), pct)
}
