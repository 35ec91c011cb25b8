package preview

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sketchbook/internal/live"
)

func TestVersion_StatusAndEvent(t *testing.T) {
	tests := []struct {
		name   string
		v      *Version
		status string
		event  live.EventType
	}{
		{"nil", nil, "", live.EventNoPreview},
		{"success", &Version{Sketch: "demo", Number: 3, Status: StatusSuccess, Pages: []PageInfo{{Index: 1, Width: 30, Height: 30}}}, "success", live.EventPreviewUpdated},
		{"empty", &Version{Sketch: "demo", Number: 4, Status: StatusEmpty}, "empty", live.EventNoPreview},
		{"error", &Version{Sketch: "demo", Number: 5, Status: StatusError, Classification: "timeout"}, "error", live.EventExecutionError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.event, Event(tt.v).Type)
			if tt.v == nil {
				return
			}
			data, err := json.Marshal(tt.v)
			require.NoError(t, err)
			var raw map[string]any
			require.NoError(t, json.Unmarshal(data, &raw))
			assert.Equal(t, tt.status, raw["status"])
			assert.Equal(t, float64(tt.v.Number), raw["version"])
		})
	}
}

func TestCoordinator_StatusReportsVersionStatus(t *testing.T) {
	coord, _, _ := newCoordinator(t, &fakeExecutor{}, fakeInterpreter{})
	_, err := coord.Trigger(context.Background(), Request{Sketch: "demo"})
	require.NoError(t, err)

	var st *Status
	st, err = coord.Status("demo")
	require.NoError(t, err)
	require.NotNil(t, st.Current)
	assert.Equal(t, StatusEmpty, st.Current.Status)
	assert.Equal(t, StateIdle, st.State)
	assert.Equal(t, []int{1}, st.Versions)
}
