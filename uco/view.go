package uco

import (
	"sync"
)

// View exposes memoized projections of the synchronized state to
// rendering code. Projections are recomputed only when the snapshot
// reference changes; the view performs no network or storage access of
// its own.
type View struct {
	sync      *Synchronizer
	transport *Transport

	mutex        sync.Mutex
	cached       *Snapshot
	user         map[string]any
	topic        map[string]any
	conversation map[string]any
	mode         string
	metadata     *SnapshotMetadata
}

func NewView(synchronizer *Synchronizer, transport *Transport) *View {
	return &View{
		sync:      synchronizer,
		transport: transport,
	}
}

// refresh applies the referential equality gate: nothing recomputes
// unless the synchronizer committed a new snapshot since the last read.
func (self *View) refresh() {
	snapshot := self.sync.GetSnapshot()
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if snapshot == self.cached {
		return
	}
	self.cached = snapshot
	if snapshot == nil {
		self.user = nil
		self.topic = nil
		self.conversation = nil
		self.mode = ""
		self.metadata = nil
		return
	}
	self.user = snapshot.Components[ComponentUser]
	self.topic = snapshot.Components[ComponentTopic]
	self.conversation = snapshot.Components[ComponentConversation]
	self.mode = ""
	if modeFields, ok := snapshot.Components[ComponentMode]; ok {
		self.mode, _ = stringValue(modeFields, "current")
	}
	self.metadata = snapshot.Metadata
}

func (self *View) Snapshot() *Snapshot {
	return self.sync.GetSnapshot()
}

func (self *View) User() map[string]any {
	self.refresh()
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.user
}

func (self *View) Topic() map[string]any {
	self.refresh()
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.topic
}

func (self *View) Conversation() map[string]any {
	self.refresh()
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.conversation
}

func (self *View) Mode() string {
	self.refresh()
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.mode
}

func (self *View) Metadata() *SnapshotMetadata {
	self.refresh()
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.metadata
}

// RecentMessages returns up to limit of the newest conversation turns,
// oldest first.
func (self *View) RecentMessages(limit int) []map[string]any {
	conversation := self.Conversation()
	if conversation == nil {
		return nil
	}
	rawMessages, ok := conversation["messages"].([]any)
	if !ok {
		return nil
	}
	start := 0
	if 0 < limit && limit < len(rawMessages) {
		start = len(rawMessages) - limit
	}
	messages := []map[string]any{}
	for _, rawMessage := range rawMessages[start:] {
		if message, ok := rawMessage.(map[string]any); ok {
			messages = append(messages, message)
		}
	}
	return messages
}

// AddConversation appends a user originated turn. The content is
// sanitized before it leaves the client.
func (self *View) AddConversation(content string, contentType string, role string) error {
	return self.sync.DispatchLocalIntent(IntentAddConversation, map[string]any{
		"content": content,
		"type":    contentType,
		"role":    role,
	})
}

// UpdateComponent sends a local patch for one component.
func (self *View) UpdateComponent(component string, patch map[string]any) error {
	return self.sync.DispatchLocalIntent(IntentUpdateComponent, map[string]any{
		"component": component,
		"updates":   patch,
	})
}

func (self *View) Refresh() {
	self.sync.Refresh()
}

func (self *View) Subscribe() {
	self.sync.Subscribe()
}

// AddSnapshotListener registers an observer for committed snapshots and
// returns the remove function. Direct registration, no global bus.
func (self *View) AddSnapshotListener(listener SnapshotFunction) func() {
	return self.sync.AddSnapshotCallback(listener)
}

func (self *View) Connected() bool {
	if self.transport == nil {
		return false
	}
	return self.transport.State() == ConnectionStateOpen
}

func (self *View) Authenticated() bool {
	if self.transport == nil {
		return false
	}
	return self.transport.Authenticated()
}

func (self *View) Loading() bool {
	return self.sync.Loading()
}

func (self *View) Err() string {
	if errMessage := self.sync.ErrMessage(); errMessage != "" {
		return errMessage
	}
	if self.transport != nil {
		return self.transport.ErrMessage()
	}
	return ""
}
