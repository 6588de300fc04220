package stream

import "github.com/forgecad/pulse/pkg/progress"

// Filter narrows which messages a session receives. The same filter is
// applied to replayed and live messages, so a reconnecting client sees a
// consistent stream.
type Filter struct {
	// Types, when non-empty, is the allowlist of accepted event types.
	Types []progress.EventType
	// MilestonesOnly drops every message where milestone=false.
	MilestonesOnly bool
}

// Allow reports whether the message passes the filter. Terminal status
// messages always pass so the session can observe job completion.
func (f Filter) Allow(msg *progress.Message) bool {
	if msg.IsTerminal() {
		return true
	}
	if f.MilestonesOnly && !msg.Milestone {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if msg.EventType == t {
			return true
		}
	}
	return false
}
