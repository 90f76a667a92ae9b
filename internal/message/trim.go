package message

// Trimmer keeps the most recent messages that fit a token budget.
type Trimmer struct {
	counter Counter
}

// NewTrimmer creates a trimmer. A nil counter uses ApproximateCounter.
func NewTrimmer(counter Counter) *Trimmer {
	if counter == nil {
		counter = ApproximateCounter{}
	}
	return &Trimmer{counter: counter}
}

// Count returns the total token estimate for msgs.
func (t *Trimmer) Count(msgs []Message) int {
	total := 0
	for _, m := range msgs {
		total += t.counter.Count(m)
	}
	return total
}

// Trim returns msgs reduced to fit budget. A leading system message is kept
// regardless of age and counts against the budget. The remaining window is
// the longest suffix that fits, starts at a user message, and contains no
// tool result whose call was cut. When the input already fits it is returned
// unchanged. If the system message alone exceeds the budget the result is
// empty.
func (t *Trimmer) Trim(msgs []Message, budget int) []Message {
	if t.Count(msgs) <= budget {
		return msgs
	}

	var system []Message
	body := msgs
	if len(msgs) > 0 && msgs[0].Role == RoleSystem {
		system, body = msgs[:1], msgs[1:]
		budget -= t.counter.Count(msgs[0])
		if budget < 0 {
			return []Message{}
		}
	}

	start := len(body)
	used := 0
	for i := len(body) - 1; i >= 0; i-- {
		c := t.counter.Count(body[i])
		if used+c > budget {
			break
		}
		used += c
		start = i
	}

	start = nextUser(body, start)
	for {
		orphan := firstOrphan(body, start)
		if orphan < 0 {
			break
		}
		start = nextUser(body, orphan+1)
	}

	out := make([]Message, 0, len(system)+len(body)-start)
	out = append(out, system...)
	return append(out, body[start:]...)
}

func nextUser(msgs []Message, from int) int {
	for from < len(msgs) && msgs[from].Role != RoleUser {
		from++
	}
	return from
}

// firstOrphan returns the index of the first tool result in msgs[start:]
// whose call is not requested earlier in the same window, or -1.
func firstOrphan(msgs []Message, start int) int {
	calls := make(map[string]bool)
	for i := start; i < len(msgs); i++ {
		m := msgs[i]
		for _, tc := range m.ToolCalls {
			calls[tc.ID] = true
		}
		if m.Role == RoleTool && !calls[m.ToolCallID] {
			return i
		}
	}
	return -1
}
