package uco

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

type SynchronizerSettings struct {
	// duplicate full-state broadcasts inside this window coalesce to
	// the latest frame
	StateDebounceTimeout time.Duration
	// how long to hold a delta that arrived before the first snapshot
	// before giving up on it
	EarlyDeltaRetryTimeout time.Duration
	// subscribe to field updates as soon as the connection is
	// established
	AutoSubscribe bool
}

func DefaultSynchronizerSettings() *SynchronizerSettings {
	return &SynchronizerSettings{
		StateDebounceTimeout:   100 * time.Millisecond,
		EarlyDeltaRetryTimeout: 250 * time.Millisecond,
		AutoSubscribe:          true,
	}
}

type LocalIntentKind string

const (
	IntentAddConversation LocalIntentKind = "add_conversation"
	IntentUpdateComponent LocalIntentKind = "update_component"
)

type SnapshotFunction func(snapshot *Snapshot)

type SendFunction func(messageType string, data map[string]any) error

type earlyDelta struct {
	component string
	updates   map[string]any
	timestamp int64
}

// Synchronizer owns the canonical in-memory snapshot of the remote
// state. All mutation goes through OnFrame; consumers are read-only.
//
// The committed snapshot reference is assigned in the same critical
// section as the merge, before any listener is notified. A frame handler
// that runs immediately after a commit always reads the just-committed
// snapshot, never a stale one, even if no listener has run yet.
type Synchronizer struct {
	ctx    context.Context
	cancel context.CancelFunc

	send     SendFunction
	settings *SynchronizerSettings

	snapshotCallbacks CallbackList[SnapshotFunction]
	monitor           *Monitor

	removeReceiveCallback func()
	removeStateCallback   func()

	mutex               sync.Mutex
	snapshot            *Snapshot
	requestedInitial    bool
	subscribed          bool
	subscribePending    bool
	loading             bool
	errMessage          string
	ownerUserId         string
	pendingState        map[string]any
	debounceTimer       *time.Timer
	earlyDeltas         []*earlyDelta
	earlyRetryScheduled bool
}

// NewSynchronizer wires the synchronizer to a transport: inbound frames
// flow into OnFrame, and per-connection bookkeeping resets when the
// connection drops.
func NewSynchronizer(ctx context.Context, transport *Transport, settings *SynchronizerSettings) *Synchronizer {
	self := NewSynchronizerWithSend(ctx, transport.Send, settings)
	self.removeReceiveCallback = transport.AddReceiveCallback(self.OnFrame)
	self.removeStateCallback = transport.AddStateCallback(self.handleConnectionState)
	return self
}

func NewSynchronizerWithSend(ctx context.Context, send SendFunction, settings *SynchronizerSettings) *Synchronizer {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Synchronizer{
		ctx:      cancelCtx,
		cancel:   cancel,
		send:     send,
		settings: settings,
		monitor:  NewMonitor(),
	}
}

// GetSnapshot returns the most recently committed snapshot,
// synchronously. nil until the first full state has been committed.
func (self *Synchronizer) GetSnapshot() *Snapshot {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.snapshot
}

// OnFrame is the single entry point for all inbound state frames.
// Frames are applied strictly in arrival order.
func (self *Synchronizer) OnFrame(frame *Frame) {
	select {
	case <-self.ctx.Done():
		return
	default:
	}

	switch frame.Type {
	case MessageTypeConnectionEstablished, MessageTypeConnected:
		self.handleConnectionEstablished(frame)
	case MessageTypeUcoState:
		self.handleState(frame)
	case MessageTypeUcoFieldUpdate:
		self.handleFieldUpdate(frame)
	case MessageTypeUcoConversationAdded:
		self.handleConversationAdded(frame)
	case MessageTypeUcoSubscribed:
		self.mutex.Lock()
		self.subscribed = true
		self.subscribePending = false
		self.mutex.Unlock()
		self.monitor.NotifyAll()
	case MessageTypeError, MessageTypeUcoError:
		// the previous snapshot is retained untouched
		errMessage := "server error"
		if frame.Data != nil {
			if message, ok := stringValue(frame.Data, "message", "error"); ok {
				errMessage = message
			}
		}
		self.mutex.Lock()
		self.errMessage = errMessage
		self.mutex.Unlock()
		self.monitor.NotifyAll()
	}
}

func (self *Synchronizer) handleConnectionEstablished(frame *Frame) {
	self.mutex.Lock()
	self.loading = true
	if frame.Data != nil {
		if user, ok := frame.Data["user"].(map[string]any); ok {
			if userId, ok := stringValue(user, "uuid", "id", "user_id"); ok {
				self.ownerUserId = userId
			}
		}
	}
	self.mutex.Unlock()

	self.RequestInitialState()
	if self.settings.AutoSubscribe {
		self.Subscribe()
	}
}

// full state frames replace the snapshot. duplicate broadcasts inside
// the debounce window coalesce: only the latest frame is processed, so
// the derived views are recomputed once per burst.
func (self *Synchronizer) handleState(frame *Frame) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.pendingState = frame.Data
	if self.debounceTimer != nil {
		self.debounceTimer.Stop()
	}
	self.debounceTimer = time.AfterFunc(self.settings.StateDebounceTimeout, self.commitPendingState)
}

func (self *Synchronizer) commitPendingState() {
	select {
	case <-self.ctx.Done():
		return
	default:
	}

	self.mutex.Lock()
	if self.pendingState == nil {
		self.mutex.Unlock()
		return
	}
	data := self.pendingState
	self.pendingState = nil
	self.debounceTimer = nil

	snapshot := NewSnapshotFromState(data, self.snapshot)
	if snapshot.Metadata.UserId == "" {
		snapshot.Metadata.UserId = self.ownerUserId
	}
	self.snapshot = snapshot
	self.loading = false

	// deltas held while no snapshot existed, or while this state was
	// parked in the debounce window, apply now in arrival order
	for _, early := range self.earlyDeltas {
		self.snapshot = self.snapshot.Merge(early.component, early.updates, early.timestamp)
	}
	self.earlyDeltas = nil
	snapshot = self.snapshot
	self.mutex.Unlock()

	self.notifySnapshot(snapshot)
}

func (self *Synchronizer) handleFieldUpdate(frame *Frame) {
	if frame.Data == nil {
		return
	}
	component, ok := frame.Data["component"].(string)
	if !ok || component == "" {
		glog.Infof("[s]drop field update without component\n")
		return
	}
	updates, ok := frame.Data["updates"].(map[string]any)
	if !ok {
		glog.Infof("[s]drop field update without updates\n")
		return
	}
	self.applyDelta(component, updates, frame.Timestamp)
}

func (self *Synchronizer) handleConversationAdded(frame *Frame) {
	if frame.Data == nil {
		return
	}
	// the backend confirms an appended turn with the updated
	// conversation fields
	if updates, ok := frame.Data["conversation"].(map[string]any); ok {
		self.applyDelta(ComponentConversation, updates, frame.Timestamp)
	} else if updates, ok := frame.Data["updates"].(map[string]any); ok {
		self.applyDelta(ComponentConversation, updates, frame.Timestamp)
	}
}

func (self *Synchronizer) applyDelta(component string, updates map[string]any, timestamp int64) {
	self.mutex.Lock()
	if self.pendingState != nil {
		// a newer full state is parked in the debounce window. merging
		// into the current snapshot would lose the delta when that state
		// commits; hold it and replay it after the commit.
		self.earlyDeltas = append(self.earlyDeltas, &earlyDelta{
			component: component,
			updates:   updates,
			timestamp: timestamp,
		})
		self.mutex.Unlock()
		return
	}
	if self.snapshot == nil {
		// a delta before the first snapshot is held, not lost:
		// request the state and retry once after a bounded delay
		self.earlyDeltas = append(self.earlyDeltas, &earlyDelta{
			component: component,
			updates:   updates,
			timestamp: timestamp,
		})
		if !self.earlyRetryScheduled {
			self.earlyRetryScheduled = true
			time.AfterFunc(self.settings.EarlyDeltaRetryTimeout, self.retryEarlyDeltas)
		}
		self.mutex.Unlock()
		self.RequestInitialState()
		return
	}

	// commit in the same critical section as the merge. a second delta
	// arriving immediately after must observe this one.
	next := self.snapshot.Merge(component, updates, timestamp)
	self.snapshot = next
	self.mutex.Unlock()

	self.notifySnapshot(next)
}

func (self *Synchronizer) retryEarlyDeltas() {
	select {
	case <-self.ctx.Done():
		return
	default:
	}

	self.mutex.Lock()
	self.earlyRetryScheduled = false
	if len(self.earlyDeltas) == 0 {
		// the snapshot commit already flushed them
		self.mutex.Unlock()
		return
	}
	if self.pendingState != nil {
		// a full state is in the debounce window; its commit flushes
		// the held deltas
		self.mutex.Unlock()
		return
	}
	if self.snapshot == nil {
		// single bounded retry: the state never arrived, give up
		glog.Infof("[s]drop %d early deltas, no snapshot\n", len(self.earlyDeltas))
		self.earlyDeltas = nil
		self.mutex.Unlock()
		return
	}
	for _, early := range self.earlyDeltas {
		self.snapshot = self.snapshot.Merge(early.component, early.updates, early.timestamp)
	}
	self.earlyDeltas = nil
	snapshot := self.snapshot
	self.mutex.Unlock()

	self.notifySnapshot(snapshot)
}

// RequestInitialState asks the backend for a full snapshot. Idempotent:
// at most one request per connection, until Refresh or a reconnect.
func (self *Synchronizer) RequestInitialState() {
	self.mutex.Lock()
	if self.requestedInitial {
		self.mutex.Unlock()
		return
	}
	self.requestedInitial = true
	self.loading = true
	self.mutex.Unlock()

	if err := self.send(MessageTypeUcoRequestState, nil); err != nil {
		glog.Infof("[s]request state error = %s\n", err)
		self.mutex.Lock()
		self.requestedInitial = false
		self.mutex.Unlock()
	}
}

// Refresh forces a new full state request.
func (self *Synchronizer) Refresh() {
	self.mutex.Lock()
	self.requestedInitial = false
	self.mutex.Unlock()
	self.RequestInitialState()
}

// Subscribe asks for field updates. Idempotent: at most one subscribe
// frame while a subscription is pending or confirmed.
func (self *Synchronizer) Subscribe() {
	self.mutex.Lock()
	if self.subscribed || self.subscribePending {
		self.mutex.Unlock()
		return
	}
	self.subscribePending = true
	self.mutex.Unlock()

	if err := self.send(MessageTypeUcoSubscribe, nil); err != nil {
		glog.Infof("[s]subscribe error = %s\n", err)
		self.mutex.Lock()
		self.subscribePending = false
		self.mutex.Unlock()
	}
}

// DispatchLocalIntent sends a user originated change to the backend.
// Outbound text is sanitized before it leaves the client.
func (self *Synchronizer) DispatchLocalIntent(kind LocalIntentKind, payload map[string]any) error {
	switch kind {
	case IntentAddConversation:
		content, _ := payload["content"].(string)
		contentType, _ := payload["type"].(string)
		role, _ := payload["role"].(string)
		return self.send(MessageTypeUcoAddConversation, map[string]any{
			"content": SanitizeContent(content),
			"type":    contentType,
			"role":    role,
		})
	case IntentUpdateComponent:
		component, _ := payload["component"].(string)
		if component == "" {
			return fmt.Errorf("update intent missing component")
		}
		updates, _ := payload["updates"].(map[string]any)
		return self.send(MessageTypeUcoUpdateComponent, map[string]any{
			"component": component,
			"updates":   sanitizeValues(updates),
		})
	default:
		return fmt.Errorf("unknown intent: %s", kind)
	}
}

// a dropped connection invalidates the per-connection bookkeeping.
// the next connection re-requests the state and re-subscribes.
func (self *Synchronizer) handleConnectionState(state ConnectionState) {
	if state != ConnectionStateDisconnected {
		return
	}
	self.mutex.Lock()
	self.requestedInitial = false
	self.subscribed = false
	self.subscribePending = false
	self.mutex.Unlock()
}

func (self *Synchronizer) notifySnapshot(snapshot *Snapshot) {
	for _, snapshotCallback := range self.snapshotCallbacks.Get() {
		callback := snapshotCallback
		safeCallback(func() {
			callback(snapshot)
		})
	}
	self.monitor.NotifyAll()
}

func (self *Synchronizer) AddSnapshotCallback(snapshotCallback SnapshotFunction) func() {
	return self.snapshotCallbacks.Add(snapshotCallback)
}

func (self *Synchronizer) Monitor() *Monitor {
	return self.monitor
}

func (self *Synchronizer) Loading() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.loading
}

func (self *Synchronizer) Subscribed() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.subscribed
}

func (self *Synchronizer) ErrMessage() string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.errMessage
}

func (self *Synchronizer) Close() {
	self.cancel()
	if self.removeReceiveCallback != nil {
		self.removeReceiveCallback()
	}
	if self.removeStateCallback != nil {
		self.removeStateCallback()
	}
	self.mutex.Lock()
	if self.debounceTimer != nil {
		self.debounceTimer.Stop()
		self.debounceTimer = nil
	}
	self.pendingState = nil
	self.earlyDeltas = nil
	self.mutex.Unlock()
}
