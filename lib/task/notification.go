// Copyright 2026 The DevIt Authors
// SPDX-License-Identifier: Apache-2.0

package task

import "time"

// NotificationStatus is the status field of a task notification, one
// of spec.md §6's `notify` method's enumerated values.
type NotificationStatus string

const (
	StatusPending    NotificationStatus = "pending"
	StatusInProgress NotificationStatus = "in_progress"
	StatusCompleted  NotificationStatus = "completed"
	StatusFailed     NotificationStatus = "failed"
	StatusCancelled  NotificationStatus = "cancelled"
	StatusProgress   NotificationStatus = "progress"
	StatusAck        NotificationStatus = "ack"
)

// Notification is a single task state-change event, addressed by task
// id only per the arena-plus-identifier model — it never embeds a
// *Task, so its lifetime is independent of the registry's.
type Notification struct {
	TaskID    string
	Status    NotificationStatus
	Summary   string
	Details   map[string]any
	Evidence  map[string]any
	Timestamp time.Time

	// AckMarkerPath and AckPipePath name the two acknowledgement
	// channels spec.md §6's notification hook contract describes. The
	// IPC byte-stream (AckPipePath) is primary; AckMarkerPath is the
	// filesystem fallback, per spec.md §9's resolved Open Question.
	AckMarkerPath string
	AckPipePath   string
}

// IsAck reports whether n is an acknowledgement of a prior
// notification rather than a state-changing event. An ack notification
// does not change task state and is never itself journaled, per
// spec.md §4.7.
func (n Notification) IsAck() bool {
	return n.Status == StatusAck
}
