package workflow

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResponse_Dependencies(t *testing.T) {
	input := `{
		"state": 412,
		"message": "Unfinished dependencies",
		"dependencies": ["download", {"key": "asr", "priority": 4, "args": {"lang": "nl"}}]
	}`

	var resp Response
	require.NoError(t, json.Unmarshal([]byte(input), &resp))
	assert.Equal(t, StateUnfinishedDependency, resp.State)
	require.Len(t, resp.Dependencies, 2)

	first, err := resp.Dependencies[0].NewTask()
	require.NoError(t, err)
	assert.Equal(t, "DOWNLOAD", first.Key)
	assert.Equal(t, DefaultPriority, first.Priority)

	second, err := resp.Dependencies[1].NewTask()
	require.NoError(t, err)
	assert.Equal(t, "ASR", second.Key)
	assert.Equal(t, 4, second.Priority)
	assert.Equal(t, "nl", second.Args["lang"])
	assert.Empty(t, second.ID)
}

func TestResponse_RoundTrip(t *testing.T) {
	dep, _ := NewTask("B", 2, nil)
	original := Response{
		State:        StateUnfinishedDependency,
		Message:      "Unfinished dependencies",
		Dependencies: []Dependency{KeyDependency("a"), {Key: dep.Key, Task: dep}},
	}
	data, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded Response
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, original.State, decoded.State)
	assert.Equal(t, original.Message, decoded.Message)
	require.Len(t, decoded.Dependencies, 2)
	assert.Equal(t, "A", decoded.Dependencies[0].Key)
	assert.Nil(t, decoded.Dependencies[0].Task)
	assert.Equal(t, "B", decoded.Dependencies[1].Key)
	require.NotNil(t, decoded.Dependencies[1].Task)
	assert.Equal(t, 2, decoded.Dependencies[1].Task.Priority)
}

func TestResponse_Validate(t *testing.T) {
	var resp Response
	require.NoError(t, json.Unmarshal([]byte(`{"message": "no state"}`), &resp))
	var verr *ValidationError
	assert.True(t, errors.As(resp.Validate(), &verr))

	var bad Response
	assert.Error(t, json.Unmarshal([]byte(`{"state": 412, "dependencies": ["A"`), &bad))
}

func TestResponse_BadDependencyEntriesDoNotFailDecode(t *testing.T) {
	input := `{
		"state": 412,
		"message": "need deps",
		"dependencies": ["DOWNLOAD", "", "  ", "asr.nl", {"priority": 3}, 7, {"key": "shots"}]
	}`

	var resp Response
	require.NoError(t, json.Unmarshal([]byte(input), &resp))
	require.NoError(t, resp.Validate())
	require.Len(t, resp.Dependencies, 7)

	first, err := resp.Dependencies[0].NewTask()
	require.NoError(t, err)
	assert.Equal(t, "DOWNLOAD", first.Key)
	assert.NoError(t, resp.Dependencies[0].Err())

	for i := 1; i <= 5; i++ {
		dep := resp.Dependencies[i]
		assert.Error(t, dep.Err(), "entry %d", i)
		task, err := dep.NewTask()
		assert.Error(t, err, "entry %d", i)
		assert.Nil(t, task)
	}

	last, err := resp.Dependencies[6].NewTask()
	require.NoError(t, err)
	assert.Equal(t, "SHOTS", last.Key)
}

func TestMessage_Validate(t *testing.T) {
	task := &Task{ID: "t1", Key: "A", Priority: 1}
	doc := &Document{
		ID:      "d1",
		Target:  Target{ID: "x", URL: "http://example.com/a b", Type: "Video"},
		Creator: Creator{ID: "me", Type: "Human"},
	}

	tests := []struct {
		name    string
		msg     Message
		wantErr string
	}{
		{"valid", Message{Task: task, Document: doc}, ""},
		{"missing task", Message{Document: doc}, "task"},
		{"missing document", Message{Task: task}, "document"},
		{"unassigned task", Message{Task: &Task{Key: "A", Priority: 1}, Document: doc}, "task.id"},
		{"lower case key", Message{Task: &Task{ID: "t", Key: "a", Priority: 1}, Document: doc}, "key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "expected ValidationError, got %v", err)
			assert.Equal(t, tt.wantErr, verr.Field)
		})
	}
}
