package downloader

import (
	"context"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/download_manager/internal/storage"
)

func TestAllowedActions(t *testing.T) {
	assert.Equal(t, []Action{ActionCreate}, AllowedActions(storage.StatePending))
	assert.Equal(t, []Action{ActionStart, ActionCancel}, AllowedActions(storage.StateCreated))
	assert.Equal(t, []Action{ActionPause, ActionCancel}, AllowedActions(storage.StateInProgress))
	assert.Equal(t, []Action{ActionResume, ActionCancel}, AllowedActions(storage.StatePaused))
	assert.Empty(t, AllowedActions(storage.StateCancelled))
	assert.NotNil(t, AllowedActions(storage.State("unknown")))

	actions := AllowedActions(storage.StateCreated)
	actions[0] = ActionResume
	assert.Equal(t, ActionStart, AllowedActions(storage.StateCreated)[0])
}

// Every action listed for a state must be accepted by the manager from it.
func TestAllowedActions_MatchManager(t *testing.T) {
	ops := map[Action]func(m *Manager, ctx context.Context, key string) (storage.DownloadRecord, error){
		ActionStart:  (*Manager).Start,
		ActionPause:  (*Manager).Pause,
		ActionResume: (*Manager).Resume,
		ActionCancel: (*Manager).Cancel,
	}

	for _, state := range []storage.State{storage.StateCreated, storage.StateInProgress, storage.StatePaused, storage.StateCompleted} {
		for action, op := range ops {
			t.Run(string(state)+"/"+string(action), func(t *testing.T) {
				h := newHarness(t, Config{RetainCompleted: true}, blockingRunner)
				h.seed(t, storage.DownloadRecord{Key: "k", State: state, RunID: "seeded"})

				_, err := op(h.m, context.Background(), "k")

				if slices.Contains(AllowedActions(state), action) {
					require.NoError(t, err)
				} else {
					require.ErrorIs(t, err, ErrInvalidState)
				}
			})
		}

		t.Run(string(state)+"/create", func(t *testing.T) {
			h := newHarness(t, Config{RetainCompleted: true}, blockingRunner)
			h.seed(t, storage.DownloadRecord{Key: "k", State: state})

			_, err := h.m.Create(context.Background(), "k", "http://example.com/k", "k")

			if slices.Contains(AllowedActions(state), ActionCreate) {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, ErrDuplicateKey)
			}
		})
	}
}
