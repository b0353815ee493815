// ABOUTME: Notification collaborator boundary: fire-and-forget one-shot alerts.
package petsync

import "time"

// Notifier schedules a one-shot local alert. Implementations live in
// the excluded presentation layer; calls are never awaited and cannot
// fail the caller.
type Notifier interface {
	ScheduleAlert(petID, title string, at time.Time)
}

// NopNotifier discards alerts.
type NopNotifier struct{}

func (NopNotifier) ScheduleAlert(string, string, time.Time) {}
