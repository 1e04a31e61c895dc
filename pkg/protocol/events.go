package protocol

// TaskEventKind discriminates an SSE frame emitted on
// GET /awcp/tasks/:id/events.
type TaskEventKind string

const (
	EventStatus   TaskEventKind = "status"
	EventSnapshot TaskEventKind = "snapshot"
	EventDone     TaskEventKind = "done"
	EventError    TaskEventKind = "error"
)

// TaskEvent is the JSON payload of one SSE frame: `data: <json>\n\n`.
// Exactly one of the kind-specific fields is meaningful per Kind.
type TaskEvent struct {
	Kind TaskEventKind `json:"kind"`

	// status
	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`

	// snapshot
	SnapshotID      string                 `json:"snapshotId,omitempty"`
	Summary         string                 `json:"summary,omitempty"`
	Highlights      []string               `json:"highlights,omitempty"`
	SnapshotBase64  string                 `json:"snapshotBase64,omitempty"`
	SnapshotMeta    *SnapshotMetadata      `json:"metadata,omitempty"`
	Recommended     bool                   `json:"recommended,omitempty"`

	// done
	SnapshotIDs          []string `json:"snapshotIds,omitempty"`
	RecommendedSnapshotID string  `json:"recommendedSnapshotId,omitempty"`

	// error
	Code ErrorCode `json:"code,omitempty"`
	Hint string    `json:"hint,omitempty"`
}

// SnapshotMetadata carries byte/file counts alongside a snapshot event.
type SnapshotMetadata struct {
	FileCount int   `json:"fileCount"`
	ByteCount int64 `json:"byteCount"`
}

// IsTerminal reports whether this event kind ends an SSE stream.
func (e TaskEvent) IsTerminal() bool {
	return e.Kind == EventDone || e.Kind == EventError
}

// StatusEvent builds a status TaskEvent.
func StatusEvent(status, message string) TaskEvent {
	return TaskEvent{Kind: EventStatus, Status: status, Message: message}
}

// DoneEvent builds a done TaskEvent.
func DoneEvent(summary string, highlights []string, snapshotIDs []string, recommended string) TaskEvent {
	return TaskEvent{
		Kind:                  EventDone,
		Summary:               summary,
		Highlights:            highlights,
		SnapshotIDs:           snapshotIDs,
		RecommendedSnapshotID: recommended,
	}
}

// ErrorEvent builds an error TaskEvent from a protocol.Error.
func ErrorEvent(err *Error) TaskEvent {
	return TaskEvent{Kind: EventError, Code: err.Code, Message: err.Message, Hint: err.Hint}
}
