package attendance

import "time"

// EvaluateOpen reports whether w accepts submissions at the instant now.
// expired is true when the window was active but its duration has elapsed;
// the caller is responsible for persisting the closure (CloseWindow), so the
// state transition stays visible instead of hiding a write inside a read.
//
// A window that was never activated, or whose active flag is already false,
// is simply closed (expired=false, nothing to persist). The boundary instant
// StartedAt+Duration still counts as open.
func EvaluateOpen(w *Window, now time.Time) (open, expired bool) {
	if w == nil || w.StartedAt == nil || !w.Active {
		return false, false
	}
	if now.After(w.StartedAt.Add(w.Duration)) {
		return false, true
	}
	return true, false
}
