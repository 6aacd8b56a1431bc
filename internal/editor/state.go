package editor

import (
	"encoding/json"
	"time"
)

const (
	cloudPrefix = "☁  [cloud]"
	localPrefix = "⌂ [local]"

	statusLocalChanges = "✎ local changes"
	statusLoadFailed   = "Cannot load saved script. Too recent?"

	// UnsavedChangesMessage is the veto returned by ConfirmClose.
	UnsavedChangesMessage = "Some of your changes have not been saved. Quit anyway?"
)

// EditorState is the auxiliary blob saved next to the script.
type EditorState struct {
	LastSave *time.Time `json:"lastSave"`
}

func decodeEditorState(raw string) (EditorState, error) {
	var state EditorState
	if raw == "" {
		return state, nil
	}
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return EditorState{}, err
	}
	return state, nil
}

func encodeEditorState(lastSave time.Time) string {
	data, _ := json.Marshal(EditorState{LastSave: &lastSave})
	return string(data)
}

func (s EditorState) dated() string {
	if s.LastSave == nil {
		return "null"
	}
	return s.LastSave.Format(time.RFC3339)
}

// State is a copy of the session's bookkeeping.
type State struct {
	Peer           string
	Initialized    bool
	CurrentVersion string
	Dirty          bool
	LastEdit       time.Time
	Merging        bool
}
