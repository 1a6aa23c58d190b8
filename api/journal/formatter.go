package journal

import (
	"fmt"
	"strings"
)

// Format renders a request's steps one per line, oldest first.
func Format(steps []Step) string {
	var b strings.Builder
	for _, st := range steps {
		ts := st.Timestamp.Format("15:04:05.000")
		fmt.Fprintf(&b, "%s %s %-9s %s", ts, stateIcon(st.State), st.State, st.Message)
		if ms, ok := st.Metadata["elapsedMs"]; ok {
			fmt.Fprintf(&b, " (+%sms)", ms)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func stateIcon(s State) string {
	switch s {
	case StateResponded:
		return "✓"
	case StateNotFound, StateTimedOut:
		return "✗"
	case StateBuilding, StateExecuting:
		return "▶"
	default:
		return "·"
	}
}
