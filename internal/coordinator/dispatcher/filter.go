package dispatcher

import (
	"slices"
	"strings"

	"go.uber.org/zap"

	"tcluster/pkg/model"
)

var hardwareSuffixes = []string{"_nvenc", "_qsv", "_vaapi", "_videotoolbox", "_amf"}

// filterNodes returns the idle nodes able to run task.
func (d *Dispatcher) filterNodes(task *model.Task, nodes []model.Node) []model.Node {
	candidates := make([]model.Node, 0, len(nodes))
	for _, node := range nodes {
		if d.checkNode(task, node) {
			candidates = append(candidates, node)
		}
	}
	return candidates
}

// checkNode applies the hard predicates. Nodes whose capabilities were not
// fetched yet only take software encodes.
func (d *Dispatcher) checkNode(task *model.Task, node model.Node) bool {
	caps := node.Capabilities
	known := caps.Runner != ""
	if known && caps.Runner == "exec" && !caps.FFmpegInstalled {
		d.log.Debug("node filtered: no ffmpeg", zap.String("node", node.Address))
		return false
	}

	enc := videoEncoder(task.Args)
	if !isHardware(enc) {
		return true
	}
	if !known || !slices.Contains(caps.Encoders, enc) {
		d.log.Debug("node filtered: missing encoder",
			zap.String("node", node.Address),
			zap.String("task", task.ID),
			zap.String("encoder", enc))
		return false
	}
	return true
}

// videoEncoder returns the value of the last -c:v / -vcodec flag.
func videoEncoder(args []string) string {
	enc := ""
	for i := 0; i+1 < len(args); i++ {
		switch args[i] {
		case "-c:v", "-vcodec", "-codec:v":
			enc = args[i+1]
		}
	}
	return enc
}

func isHardware(enc string) bool {
	for _, s := range hardwareSuffixes {
		if strings.HasSuffix(enc, s) {
			return true
		}
	}
	return false
}
