package encoder

import (
	"context"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"tcluster/pkg/model"
)

// Prober collects the static capability description of this worker.
type Prober struct {
	FFmpegPath string
	Runner     string
	Image      string // docker runner only

	// output runs a command and returns its stdout; replaced in tests.
	output func(ctx context.Context, name string, args ...string) (string, error)
}

func NewProber(ffmpegPath, runner, image string) *Prober {
	return &Prober{FFmpegPath: ffmpegPath, Runner: runner, Image: image, output: commandOutput}
}

func commandOutput(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	return string(out), err
}

// Probe gathers host facts and the encoder inventory. Missing pieces are
// left zero; probing never fails.
func (p *Prober) Probe(ctx context.Context) model.Capabilities {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	caps := model.Capabilities{OS: runtime.GOOS, Runner: p.Runner}
	if info, err := host.InfoWithContext(ctx); err == nil {
		caps.Hostname = info.Hostname
		caps.OS = info.OS
		caps.Platform = strings.TrimSpace(info.Platform + " " + info.PlatformVersion)
	}
	if caps.Hostname == "" {
		caps.Hostname, _ = os.Hostname()
	}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		caps.CPUCores = n
	}
	if infos, err := cpu.InfoWithContext(ctx); err == nil && len(infos) > 0 {
		caps.CPUModel = infos[0].ModelName
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		caps.MemoryMB = vm.Total / 1024 / 1024
	}

	if p.Runner == "docker" {
		// The local host need not have ffmpeg; the image does.
		caps.FFmpegInstalled = true
		caps.FFmpegVersion = "image " + p.Image
		return caps
	}

	out, err := p.output(ctx, p.FFmpegPath, "-version")
	if err != nil {
		return caps
	}
	caps.FFmpegInstalled = true
	caps.FFmpegVersion = ParseVersion(out)
	if out, err := p.output(ctx, p.FFmpegPath, "-hide_banner", "-encoders"); err == nil {
		caps.Encoders = ParseEncoders(out)
	}
	applyHardware(&caps)
	return caps
}

// ParseVersion extracts the version token from `ffmpeg -version`.
func ParseVersion(out string) string {
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 3 && fields[0] == "ffmpeg" && fields[1] == "version" {
			return fields[2]
		}
	}
	return ""
}

// ParseEncoders lists encoder names from `ffmpeg -encoders`. Entries start
// with a six character flag column such as "V....." or "A....D".
func ParseEncoders(out string) []string {
	var names []string
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 || len(fields[0]) != 6 {
			continue
		}
		switch fields[0][0] {
		case 'V', 'A', 'S':
		default:
			continue
		}
		if fields[1] == "=" || strings.Trim(fields[0], "VASFXBD.") != "" {
			continue
		}
		names = append(names, fields[1])
	}
	return names
}

func applyHardware(caps *model.Capabilities) {
	for _, e := range caps.Encoders {
		switch {
		case strings.HasSuffix(e, "_nvenc"):
			caps.NVENC = true
		case strings.HasSuffix(e, "_qsv"):
			caps.QSV = true
		case strings.HasSuffix(e, "_vaapi"):
			caps.VAAPI = true
		case strings.HasSuffix(e, "_videotoolbox"):
			caps.VideoToolbox = true
		case strings.HasSuffix(e, "_amf"):
			caps.AMF = true
		}
	}
}
