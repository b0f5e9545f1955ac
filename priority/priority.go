// Package priority defines the scheduling priority levels shared by the
// executor package. Lower-valued priorities run first; Completing is a
// sentinel used only to mark a task that is finishing and can never be
// scheduled.
package priority

// Priority is a scheduling priority. The zero value is Blocking, the
// highest schedulable priority.
type Priority int8

const (
	// Completing marks a task that has already started completing. It
	// cannot be used to schedule new work.
	Completing Priority = -1

	// Blocking is the absolute highest priority, reserved for tasks
	// blocking a time-critical thread.
	Blocking Priority = iota - 1
	Highest
	Higher
	High
	Normal
	Low
	Lower
	Lowest
	Idle

	totalSchedulable = int(Idle) + 1
)

// TotalSchedulablePriorities is the number of priorities usable to
// schedule a task, i.e. all priorities except Completing.
const TotalSchedulablePriorities = totalSchedulable

// IsValid reports whether p can be used to schedule a task.
func (p Priority) IsValid() bool {
	return p != Completing && p >= Blocking && p <= Idle
}

// IsHigherOrEqual reports whether p is at least as high priority as than.
func (p Priority) IsHigherOrEqual(than Priority) bool {
	return p <= than
}

// IsHigher reports whether p is strictly higher priority than than.
func (p Priority) IsHigher(than Priority) bool {
	return p < than
}

// IsLowerOrEqual reports whether p is at most as high priority as than.
func (p Priority) IsLowerOrEqual(than Priority) bool {
	return p >= than
}

// IsLower reports whether p is strictly lower priority than than.
func (p Priority) IsLower(than Priority) bool {
	return p > than
}

// Max returns the higher priority of a and b.
func Max(a, b Priority) Priority {
	if a.IsHigherOrEqual(b) {
		return a
	}
	return b
}

// Min returns the lower priority of a and b.
func Min(a, b Priority) Priority {
	if a.IsLowerOrEqual(b) {
		return a
	}
	return b
}

var names = map[Priority]string{
	Completing: "Completing",
	Blocking:   "Blocking",
	Highest:    "Highest",
	Higher:     "Higher",
	High:       "High",
	Normal:     "Normal",
	Low:        "Low",
	Lower:      "Lower",
	Lowest:     "Lowest",
	Idle:       "Idle",
}

// String returns the name of the priority, or "Priority(unknown)" for a
// value that is not one of the defined constants.
func (p Priority) String() string {
	if name, ok := names[p]; ok {
		return name
	}
	return "Priority(unknown)"
}
