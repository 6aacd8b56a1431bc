// Package protocol defines the messages exchanged between an embedded editor
// and its host, and their JSON wire encoding.
package protocol

// MessageType is the discriminant carried in every message's "type" field.
type MessageType string

const (
	// Host to editor.
	TypeInit    MessageType = "init"
	TypeSaveAck MessageType = "saveAck"
	TypeMerge   MessageType = "merge"

	// Editor to host.
	TypeSave    MessageType = "save"
	TypeQuit    MessageType = "quit"
	TypeCompile MessageType = "compile"
)

// SaveLocation names the storage tier an acknowledgment refers to.
type SaveLocation string

const (
	// Cloud is the durable tier; only its acknowledgments advance versions.
	Cloud SaveLocation = "cloud"
	// Local is the ephemeral tier.
	Local SaveLocation = "local"
)

// Status is the outcome carried by a SaveAck.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// Snapshot is what the document looked like at save time.
type Snapshot struct {
	ScriptText   string `json:"scriptText"`
	EditorState  string `json:"editorState"`
	BaseSnapshot string `json:"baseSnapshot"`
}

// PendingMerge describes a conflicting concurrent write reported by the host.
type PendingMerge struct {
	Base   Snapshot `json:"base"`
	Theirs Snapshot `json:"theirs"`
}

// Message is the single envelope for every message type. Fields that do not
// apply to a type are left zero and omitted on the wire.
type Message struct {
	Type            MessageType   `json:"type"`
	Script          *Snapshot     `json:"script,omitempty"`
	Merge           *PendingMerge `json:"merge,omitempty"`
	Where           SaveLocation  `json:"where,omitempty"`
	Status          Status        `json:"status,omitempty"`
	Error           string        `json:"error,omitempty"`
	NewBaseSnapshot string        `json:"newBaseSnapshot,omitempty"`
}

func NewInit(script Snapshot, merge *PendingMerge) Message {
	return Message{Type: TypeInit, Script: &script, Merge: merge}
}

func NewMerge(merge PendingMerge) Message {
	return Message{Type: TypeMerge, Merge: &merge}
}

func NewSave(script Snapshot) Message {
	return Message{Type: TypeSave, Script: &script}
}

func NewQuit() Message {
	return Message{Type: TypeQuit}
}

func NewCompile() Message {
	return Message{Type: TypeCompile}
}

// NewSaveAckOK acknowledges a save. newBase is only meaningful for Cloud.
func NewSaveAckOK(where SaveLocation, newBase string) Message {
	msg := Message{Type: TypeSaveAck, Where: where, Status: StatusOK}
	if where == Cloud {
		msg.NewBaseSnapshot = newBase
	}
	return msg
}

func NewSaveAckError(where SaveLocation, detail string) Message {
	return Message{Type: TypeSaveAck, Where: where, Status: StatusError, Error: detail}
}

// Known reports whether t is one of the defined message types.
func (t MessageType) Known() bool {
	switch t {
	case TypeInit, TypeSaveAck, TypeMerge, TypeSave, TypeQuit, TypeCompile:
		return true
	default:
		return false
	}
}
