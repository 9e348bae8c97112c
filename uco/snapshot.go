package uco

import (
	"fmt"
	"strings"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Snapshot is one immutable version of the unified context object.
// A merge produces a new snapshot; a committed snapshot is never mutated
// in place, so an in-flight reader of the previous version stays
// consistent.
type Snapshot struct {
	// producer assigned, monotonically non-decreasing
	Timestamp  int64
	Components map[string]map[string]any
	Metadata   *SnapshotMetadata

	// derived, not transmitted. recomputed on every commit.
	Facts []string
	Views *SnapshotViews
}

// SnapshotMetadata is the synchronization bookkeeping carried with the
// state.
type SnapshotMetadata struct {
	UserId        string
	Subscriptions []string
	// monotonically non-decreasing across merges
	TotalFields int
	Confidence  float64
	Privacy     string
}

func (self *SnapshotMetadata) clone() *SnapshotMetadata {
	next := *self
	next.Subscriptions = slices.Clone(self.Subscriptions)
	return &next
}

type SnapshotViews struct {
	// compact textual summary
	Summary string
	// retrieval oriented projection, one field per line, stable order
	Retrieval string
}

// the backend is not consistent about field names across message types.
// every inbound field name is rewritten to one canonical spelling here,
// at the boundary, so read sites never probe alternates.
var canonicalFieldNames = map[string]map[string]string{
	ComponentUser: {
		"user_id":      "uuid",
		"id":           "uuid",
		"display_name": "displayName",
		"name":         "displayName",
		"user_name":    "username",
	},
	ComponentTopic: {
		"topic_uuid":  "uuid",
		"topic_id":    "uuid",
		"id":          "uuid",
		"topic_title": "title",
		"name":        "title",
	},
	ComponentConversation: {
		"history": "messages",
		"turns":   "messages",
	},
	ComponentMode: {
		"mode":  "current",
		"value": "current",
	},
}

func normalizeComponent(name string, fields map[string]any) map[string]any {
	renames := canonicalFieldNames[name]
	normalized := make(map[string]any, len(fields))
	for key, value := range fields {
		if canonical, ok := renames[key]; ok {
			key = canonical
		}
		normalized[key] = value
	}
	return normalized
}

// NewSnapshotFromState builds a snapshot from a full state frame,
// replacing whatever was held before. previous is used only to keep the
// monotonic bookkeeping from going backwards; it may be nil.
func NewSnapshotFromState(data map[string]any, previous *Snapshot) *Snapshot {
	components := map[string]map[string]any{}
	if rawComponents, ok := data["components"].(map[string]any); ok {
		for name, rawFields := range rawComponents {
			if fields, ok := rawFields.(map[string]any); ok {
				components[name] = normalizeComponent(name, fields)
			}
		}
	}

	snapshot := &Snapshot{
		Components: components,
		Metadata:   normalizeMetadata(data["metadata"]),
	}

	if timestamp, ok := numberValue(data, "timestamp"); ok {
		snapshot.Timestamp = int64(timestamp)
	}
	if previous != nil {
		if snapshot.Timestamp < previous.Timestamp {
			snapshot.Timestamp = previous.Timestamp
		}
	}

	totalFields := countFields(components)
	if snapshot.Metadata.TotalFields < totalFields {
		snapshot.Metadata.TotalFields = totalFields
	}
	if previous != nil && snapshot.Metadata.TotalFields < previous.Metadata.TotalFields {
		snapshot.Metadata.TotalFields = previous.Metadata.TotalFields
	}

	snapshot.recomputeDerived()
	return snapshot
}

// Merge returns a new snapshot with updates shallow-merged into the
// named component. Untouched components keep their references.
func (self *Snapshot) Merge(component string, updates map[string]any, timestamp int64) *Snapshot {
	nextComponents := make(map[string]map[string]any, len(self.Components)+1)
	for name, fields := range self.Components {
		nextComponents[name] = fields
	}
	merged := make(map[string]any, len(self.Components[component])+len(updates))
	for key, value := range self.Components[component] {
		merged[key] = value
	}
	for key, value := range normalizeComponent(component, updates) {
		// same field: last applied wins
		merged[key] = value
	}
	nextComponents[component] = merged

	next := &Snapshot{
		Timestamp:  self.Timestamp,
		Components: nextComponents,
		Metadata:   self.Metadata.clone(),
	}
	if self.Timestamp < timestamp {
		next.Timestamp = timestamp
	}
	if totalFields := countFields(nextComponents); next.Metadata.TotalFields < totalFields {
		next.Metadata.TotalFields = totalFields
	}

	next.recomputeDerived()
	return next
}

func countFields(components map[string]map[string]any) int {
	totalFields := 0
	for _, fields := range components {
		totalFields += len(fields)
	}
	return totalFields
}

func normalizeMetadata(rawMetadata any) *SnapshotMetadata {
	metadata := &SnapshotMetadata{}
	data, ok := rawMetadata.(map[string]any)
	if !ok {
		return metadata
	}
	if userId, ok := stringValue(data, "userId", "user_id", "owner"); ok {
		metadata.UserId = userId
	}
	if rawSubscriptions, ok := data["subscriptions"].([]any); ok {
		for _, rawSubscription := range rawSubscriptions {
			if subscription, ok := rawSubscription.(string); ok {
				metadata.Subscriptions = append(metadata.Subscriptions, subscription)
			}
		}
	}
	if totalFields, ok := numberValue(data, "totalFields", "total_fields"); ok {
		metadata.TotalFields = int(totalFields)
	}
	if confidence, ok := numberValue(data, "confidence"); ok {
		metadata.Confidence = confidence
	}
	if privacy, ok := stringValue(data, "privacy"); ok {
		metadata.Privacy = privacy
	}
	return metadata
}

func numberValue(data map[string]any, keys ...string) (float64, bool) {
	for _, key := range keys {
		switch value := data[key].(type) {
		case float64:
			return value, true
		case int:
			return float64(value), true
		case int64:
			return float64(value), true
		}
	}
	return 0, false
}

func (self *Snapshot) recomputeDerived() {
	self.Facts = deriveFacts(self.Components)
	self.Views = deriveViews(self.Components, self.Facts)
}

// deriveFacts extracts short natural language assertions from the
// component fields. pure and cheap: this runs on every merge.
func deriveFacts(components map[string]map[string]any) []string {
	facts := []string{}
	if user, ok := components[ComponentUser]; ok {
		if name, ok := stringValue(user, "displayName", "username"); ok {
			facts = append(facts, fmt.Sprintf("The user is %s.", name))
		}
	}
	if topic, ok := components[ComponentTopic]; ok {
		if title, ok := stringValue(topic, "title"); ok {
			facts = append(facts, fmt.Sprintf("The current topic is %q.", title))
		}
	}
	if conversation, ok := components[ComponentConversation]; ok {
		if messages, ok := conversation["messages"].([]any); ok && 0 < len(messages) {
			facts = append(facts, fmt.Sprintf("The conversation has %d turns.", len(messages)))
		}
	}
	if mode, ok := components[ComponentMode]; ok {
		if current, ok := stringValue(mode, "current"); ok {
			facts = append(facts, fmt.Sprintf("The session mode is %s.", current))
		}
	}
	return facts
}

func deriveViews(components map[string]map[string]any, facts []string) *SnapshotViews {
	lines := []string{}
	names := maps.Keys(components)
	slices.Sort(names)
	for _, name := range names {
		fields := components[name]
		keys := maps.Keys(fields)
		slices.Sort(keys)
		for _, key := range keys {
			value := fields[key]
			if value == nil {
				continue
			}
			lines = append(lines, fmt.Sprintf("%s.%s: %v", name, key, value))
		}
	}
	return &SnapshotViews{
		Summary:   strings.Join(facts, " "),
		Retrieval: strings.Join(lines, "\n"),
	}
}
