package uco

import (
	"strings"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestSnapshotFromState(t *testing.T) {
	snapshot := NewSnapshotFromState(map[string]any{
		"timestamp": float64(1000),
		"components": map[string]any{
			"topic": map[string]any{"title": "Hello", "uuid": "abc123"},
			"user":  map[string]any{"displayName": "Ada"},
		},
		"metadata": map[string]any{
			"user_id":       "u1",
			"subscriptions": []any{"uco.field_update"},
			"confidence":    0.9,
			"privacy":       "private",
		},
	}, nil)

	assert.Equal(t, snapshot.Timestamp, int64(1000))
	assert.Equal(t, snapshot.Metadata.UserId, "u1")
	assert.Equal(t, snapshot.Metadata.Subscriptions, []string{"uco.field_update"})
	assert.Equal(t, snapshot.Metadata.Confidence, 0.9)
	assert.Equal(t, snapshot.Metadata.Privacy, "private")
	assert.Equal(t, snapshot.Metadata.TotalFields, 3)
}

func TestFieldNameNormalization(t *testing.T) {
	// alternate backend spellings collapse to one canonical schema
	snapshot := NewSnapshotFromState(map[string]any{
		"components": map[string]any{
			"topic": map[string]any{"topic_uuid": "abc123", "topic_title": "Hello"},
			"user":  map[string]any{"display_name": "Ada", "user_id": "u1"},
		},
	}, nil)

	assert.Equal(t, snapshot.Components["topic"], map[string]any{
		"uuid":  "abc123",
		"title": "Hello",
	})
	assert.Equal(t, snapshot.Components["user"], map[string]any{
		"displayName": "Ada",
		"uuid":        "u1",
	})

	// deltas normalize at the same boundary
	next := snapshot.Merge("topic", map[string]any{"name": "Renamed"}, 0)
	assert.Equal(t, next.Components["topic"]["title"], "Renamed")
}

func TestTotalFieldsMonotonic(t *testing.T) {
	first := NewSnapshotFromState(map[string]any{
		"components": map[string]any{
			"topic": map[string]any{"a": 1, "b": 2, "c": 3},
			"user":  map[string]any{"displayName": "Ada", "uuid": "u1"},
		},
	}, nil)
	assert.Equal(t, first.Metadata.TotalFields, 5)

	// a smaller replacement state never shrinks the counter
	second := NewSnapshotFromState(map[string]any{
		"components": map[string]any{
			"topic": map[string]any{"a": 1},
		},
	}, first)
	assert.Equal(t, second.Metadata.TotalFields, 5)

	// growth still registers
	third := second.Merge("topic", map[string]any{"d": 4, "e": 5, "f": 6, "g": 7, "h": 8}, 0)
	assert.Equal(t, third.Metadata.TotalFields, 6)
}

func TestTimestampMonotonic(t *testing.T) {
	first := NewSnapshotFromState(map[string]any{
		"timestamp":  float64(2000),
		"components": map[string]any{},
	}, nil)

	// an older producer timestamp never moves the snapshot backwards
	second := NewSnapshotFromState(map[string]any{
		"timestamp":  float64(1500),
		"components": map[string]any{},
	}, first)
	assert.Equal(t, second.Timestamp, int64(2000))

	third := second.Merge("topic", map[string]any{"a": 1}, 2500)
	assert.Equal(t, third.Timestamp, int64(2500))

	fourth := third.Merge("topic", map[string]any{"a": 2}, 100)
	assert.Equal(t, fourth.Timestamp, int64(2500))
}

func TestDerivedViews(t *testing.T) {
	snapshot := NewSnapshotFromState(map[string]any{
		"components": map[string]any{
			"topic": map[string]any{"title": "Hello", "uuid": nil},
			"user":  map[string]any{"displayName": "Ada"},
			"conversation": map[string]any{
				"messages": []any{
					map[string]any{"content": "hi", "role": "user"},
				},
			},
			"mode": map[string]any{"current": "voice"},
		},
	}, nil)

	assert.Equal(t, strings.Contains(snapshot.Views.Summary, "Hello"), true)
	assert.Equal(t, strings.Contains(snapshot.Views.Summary, "Ada"), true)
	assert.Equal(t, strings.Contains(snapshot.Views.Summary, "voice"), true)
	assert.Equal(t, strings.Contains(snapshot.Views.Retrieval, "topic.title: Hello"), true)
	// nil fields are omitted from the retrieval view
	assert.Equal(t, strings.Contains(snapshot.Views.Retrieval, "topic.uuid"), false)
	assert.Equal(t, 0 < len(snapshot.Facts), true)
}
