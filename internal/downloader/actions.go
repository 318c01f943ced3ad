package downloader

import (
	"slices"

	"github.com/italolelis/download_manager/internal/storage"
)

// Action is a lifecycle operation a caller can request for a key.
type Action string

const (
	ActionCreate Action = "create"
	ActionStart  Action = "start"
	ActionPause  Action = "pause"
	ActionResume Action = "resume"
	ActionCancel Action = "cancel"
)

// Completed keeps create because Create replaces a retained Completed record.
var allowedActions = map[storage.State][]Action{
	storage.StatePending:    {ActionCreate},
	storage.StateCreated:    {ActionStart, ActionCancel},
	storage.StateInProgress: {ActionPause, ActionCancel},
	storage.StatePaused:     {ActionResume, ActionCancel},
	storage.StateCompleted:  {ActionCreate},
	storage.StateCancelled:  {},
}

// AllowedActions returns the operations the manager accepts from state.
func AllowedActions(state storage.State) []Action {
	actions := slices.Clone(allowedActions[state])
	if actions == nil {
		return []Action{}
	}

	return actions
}
