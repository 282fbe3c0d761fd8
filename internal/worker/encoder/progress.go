package encoder

import (
	"bufio"
	"bytes"
	"regexp"
	"strconv"
	"strings"
)

var (
	durationRe = regexp.MustCompile(`Duration:\s*(\d+):(\d+):(\d+(?:\.\d+)?)`)
	timeRe     = regexp.MustCompile(`time=(\d+):(\d+):(\d+(?:\.\d+)?)`)
)

// Progress turns ffmpeg stderr lines into a percentage of the input
// duration. It reports at most 99 so completion is left to the exit status.
type Progress struct {
	duration float64
	last     int
}

func NewProgress() *Progress { return &Progress{last: -1} }

// Feed consumes one line and returns the new percentage when it advanced.
func (p *Progress) Feed(line string) (int, bool) {
	if p.duration == 0 {
		if m := durationRe.FindStringSubmatch(line); m != nil {
			p.duration = clock(m[1], m[2], m[3])
			return 0, false
		}
	}
	m := timeRe.FindStringSubmatch(line)
	if m == nil || p.duration <= 0 {
		return 0, false
	}
	pct := int(clock(m[1], m[2], m[3]) / p.duration * 100)
	pct = max(0, min(pct, 99))
	if pct <= p.last {
		return 0, false
	}
	p.last = pct
	return pct, true
}

// ParseTime reads the seconds from a "time=HH:MM:SS.ss" fragment.
func ParseTime(line string) (float64, bool) {
	m := timeRe.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	return clock(m[1], m[2], m[3]), true
}

func clock(h, m, s string) float64 {
	hv, _ := strconv.ParseFloat(h, 64)
	mv, _ := strconv.ParseFloat(m, 64)
	sv, _ := strconv.ParseFloat(s, 64)
	return hv*3600 + mv*60 + sv
}

// scanLines splits on \n or \r; ffmpeg rewrites its status line with \r.
func scanLines(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// tail keeps the last n non-empty lines.
type tail struct {
	n     int
	lines []string
}

func (t *tail) add(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	t.lines = append(t.lines, line)
	if len(t.lines) > t.n {
		t.lines = t.lines[len(t.lines)-t.n:]
	}
}

func (t *tail) String() string { return strings.Join(t.lines, "\n") }

// follow scans encoder output, feeding progress and keeping a tail.
func follow(sc *bufio.Scanner, job Job, t *tail) {
	sc.Split(scanLines)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	p := NewProgress()
	for sc.Scan() {
		line := sc.Text()
		t.add(line)
		if pct, ok := p.Feed(line); ok && job.OnProgress != nil {
			job.OnProgress(pct)
		}
	}
}
