package dispatcher

import "tcluster/pkg/model"

// scoreNodes returns the best candidate for task, or false if there is none.
// Candidates arrive sorted by address, so ties go to the lowest address.
func (d *Dispatcher) scoreNodes(task *model.Task, nodes []model.Node) (model.Node, bool) {
	var best model.Node
	bestScore := -1
	for _, node := range nodes {
		if score := calculateScore(task, node); score > bestScore {
			bestScore = score
			best = node
		}
	}
	return best, bestScore >= 0
}

// calculateScore ranks a node for task. A retry moves away from the node
// that ran the previous attempt whenever another node is free; after that,
// nodes with fewer recent submission failures win.
func calculateScore(task *model.Task, node model.Node) int {
	score := 100
	if task.Retries > 0 && node.Address == task.LastNode {
		score -= 50
	}
	score -= min(node.Failures*10, 40)
	return score
}
