package agentloop

// PrunedToolContent replaces tool output that fell out of the retention window.
const PrunedToolContent = "[Tool output pruned from context. Re-run the tool if you need this result again.]"

// Prepare returns the view of history sent to the model. Tool messages
// belonging to groups older than the last keepLastKGroups keep their
// structure but have their content replaced with PrunedToolContent. A
// negative keepLastKGroups keeps everything and zero prunes every tool
// message. history is never modified.
func Prepare(history []Message, keepLastKGroups int) []Message {
	out := make([]Message, len(history))
	for i, msg := range history {
		out[i] = msg.clone()
	}
	if keepLastKGroups < 0 {
		return out
	}

	keep := keptGroups(history, keepLastKGroups)
	for i := range out {
		if out[i].Role != RoleTool {
			continue
		}
		if !keep[out[i].GroupID()] {
			out[i].Content = PrunedToolContent
		}
	}
	return out
}

// GroupOrder returns distinct tool call group ids in first-appearance order.
func GroupOrder(history []Message) []string {
	seen := map[string]bool{}
	var order []string
	for _, msg := range history {
		if msg.Role != RoleTool {
			continue
		}
		id := msg.GroupID()
		if !seen[id] {
			seen[id] = true
			order = append(order, id)
		}
	}
	return order
}

// PrunedCount reports how many tool messages Prepare would replace.
func PrunedCount(history []Message, keepLastKGroups int) int {
	if keepLastKGroups < 0 {
		return 0
	}
	keep := keptGroups(history, keepLastKGroups)
	n := 0
	for _, msg := range history {
		if msg.Role == RoleTool && !keep[msg.GroupID()] {
			n++
		}
	}
	return n
}

func keptGroups(history []Message, k int) map[string]bool {
	keep := map[string]bool{}
	if k == 0 {
		return keep
	}
	order := GroupOrder(history)
	start := len(order) - k
	if start < 0 {
		start = 0
	}
	for _, id := range order[start:] {
		keep[id] = true
	}
	return keep
}
