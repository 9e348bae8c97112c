package uco

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"
)

const SendQueueSize = 32

type ConnectionState string

const (
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateOpen         ConnectionState = "open"
	ConnectionStateClosing      ConnectionState = "closing"
)

type ReceiveFunction func(frame *Frame)
type ConnectionStateFunction func(state ConnectionState)

type TransportSettings struct {
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	ReconnectTimeout   time.Duration
	HeartbeatTimeout   time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration

	// ClientType is sent as a query parameter on the dial url
	ClientType string
	// ExplicitAuth sends an auth frame after open instead of embedding
	// the credential in the dial url
	ExplicitAuth bool
	AppVersion   string
}

func DefaultTransportSettings() *TransportSettings {
	return &TransportSettings{
		WsHandshakeTimeout: 2 * time.Second,
		AuthTimeout:        10 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		HeartbeatTimeout:   30 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        75 * time.Second,
		ClientType:         "pwa",
	}
}

// Transport owns one managed websocket connection to the backend.
// Exactly one connection is live at a time; a reconnect fully tears down
// the previous connection before opening a new one.
type Transport struct {
	ctx    context.Context
	cancel context.CancelFunc

	connectUrl     string
	resolveSession func() (string, bool)
	store          *CredentialStore
	settings       *TransportSettings

	instanceId Id

	receiveCallbacks CallbackList[ReceiveFunction]
	stateCallbacks   CallbackList[ConnectionStateFunction]
	monitor          *Monitor

	// outbound frames survive a reconnect. the write pump of the live
	// connection drains this.
	sendQueue chan *Frame

	mutex          sync.Mutex
	state          ConnectionState
	ws             *websocket.Conn
	clientId       string
	authenticated  bool
	errMessage     string
	lastPongTime   time.Time
	authTimer      *time.Timer
	reconnectTimer *time.Timer
	connectCount   int
}

func NewTransportWithDefaults(
	ctx context.Context,
	connectUrl string,
	resolveSession func() (string, bool),
	store *CredentialStore,
) *Transport {
	return NewTransport(ctx, connectUrl, resolveSession, store, DefaultTransportSettings())
}

func NewTransport(
	ctx context.Context,
	connectUrl string,
	resolveSession func() (string, bool),
	store *CredentialStore,
	settings *TransportSettings,
) *Transport {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Transport{
		ctx:            cancelCtx,
		cancel:         cancel,
		connectUrl:     connectUrl,
		resolveSession: resolveSession,
		store:          store,
		settings:       settings,
		instanceId:     NewId(),
		monitor:        NewMonitor(),
		sendQueue:      make(chan *Frame, SendQueueSize),
		state:          ConnectionStateDisconnected,
	}
}

// Connect opens the websocket if no connection is live.
// Calling it while a connection is connecting or open is a no-op.
func (self *Transport) Connect() {
	select {
	case <-self.ctx.Done():
		return
	default:
	}
	self.mutex.Lock()
	if self.state == ConnectionStateConnecting || self.state == ConnectionStateOpen {
		self.mutex.Unlock()
		return
	}
	self.state = ConnectionStateConnecting
	self.mutex.Unlock()
	self.notifyState(ConnectionStateConnecting)
	go self.run()
}

func (self *Transport) run() {
	ws, err := self.connect()
	if err != nil {
		glog.Infof("[t]connect error = %s\n", err)
		self.setError(fmt.Sprintf("connect failed: %s", err))
		self.setState(ConnectionStateDisconnected)
		self.scheduleReconnect()
		return
	}
	defer ws.Close()

	self.mutex.Lock()
	self.ws = ws
	self.mutex.Unlock()

	self.setState(ConnectionStateOpen)

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	if self.settings.ExplicitAuth {
		// the server must acknowledge the auth frame inside the window.
		// closing the socket surfaces as a read error below, which
		// schedules the reconnect.
		authTimer := time.AfterFunc(self.settings.AuthTimeout, func() {
			glog.Infof("[t]auth timeout\n")
			self.setError("auth timeout")
			ws.Close()
		})
		self.mutex.Lock()
		self.authTimer = authTimer
		self.mutex.Unlock()
		defer func() {
			authTimer.Stop()
			self.mutex.Lock()
			self.authTimer = nil
			self.mutex.Unlock()
		}()
	}

	// unblock the read loop on teardown
	go func() {
		<-handleCtx.Done()
		ws.Close()
	}()

	go func() {
		defer handleCancel()

		// a ticker, not a reset-per-frame timer: steady outbound traffic
		// must not defer the ping
		heartbeat := time.NewTicker(self.settings.HeartbeatTimeout)
		defer heartbeat.Stop()

		for {
			select {
			case <-handleCtx.Done():
				return
			case frame := <-self.sendQueue:
				if frame.ClientId == "" {
					frame.ClientId = self.ClientId()
				}
				message, err := EncodeFrame(frame)
				if err != nil {
					glog.Infof("[ts]encode error = %s\n", err)
					continue
				}
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
					glog.Infof("[ts]-> error = %s\n", err)
					return
				}
				glog.V(2).Infof("[ts]->%s\n", frame.Type)
			case <-heartbeat.C:
				ping, err := EncodeFrame(self.newFrame(MessageTypePing, nil))
				if err != nil {
					continue
				}
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, ping); err != nil {
					return
				}
			}
		}
	}()

	cleanClose := false
	for {
		if handleCtx.Err() != nil {
			break
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		_, message, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				cleanClose = true
			}
			glog.V(2).Infof("[tr]<- error = %s\n", err)
			break
		}
		self.dispatch(message)
	}

	handleCancel()

	self.mutex.Lock()
	closing := self.state == ConnectionStateClosing
	self.ws = nil
	// the client id is connection scoped. the next connection gets a
	// fresh one from its own connection_established frame.
	self.clientId = ""
	self.mutex.Unlock()

	self.setState(ConnectionStateDisconnected)
	if !cleanClose && !closing {
		self.scheduleReconnect()
	}
}

func (self *Transport) connect() (*websocket.Conn, error) {
	dialUrl, err := self.dialUrl()
	if err != nil {
		return nil, err
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(self.ctx, dialUrl, nil)
	if err != nil {
		return nil, err
	}

	self.mutex.Lock()
	self.connectCount += 1
	self.mutex.Unlock()

	if self.settings.ExplicitAuth {
		sessionId := ""
		if self.resolveSession != nil {
			sessionId, _ = self.resolveSession()
		}
		authFrame := self.newFrame(MessageTypeAuth, map[string]any{
			"sessionId":  sessionId,
			"clientType": self.settings.ClientType,
			"appVersion": self.settings.AppVersion,
			"instanceId": self.instanceId.String(),
		})
		message, err := EncodeFrame(authFrame)
		if err != nil {
			ws.Close()
			return nil, err
		}
		ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
		if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
			ws.Close()
			return nil, err
		}
	}

	return ws, nil
}

// the session credential is re-resolved on every attempt so a credential
// stored after the first connect is picked up by the next one
func (self *Transport) dialUrl() (string, error) {
	u, err := url.Parse(self.connectUrl)
	if err != nil {
		return "", err
	}
	query := u.Query()
	query.Set("clientType", self.settings.ClientType)
	if self.resolveSession != nil && !self.settings.ExplicitAuth {
		if sessionId, ok := self.resolveSession(); ok {
			query.Set("sessionId", sessionId)
		}
	}
	u.RawQuery = query.Encode()
	return u.String(), nil
}

func (self *Transport) dispatch(message []byte) {
	frame, err := DecodeFrame(message)
	if err != nil {
		// malformed frames are dropped. the connection stays open.
		glog.Infof("[tr]drop malformed frame = %s\n", err)
		return
	}

	switch frame.Type {
	case MessageTypePing:
		self.Send(MessageTypePong, nil)
		return
	case MessageTypePong:
		self.mutex.Lock()
		self.lastPongTime = time.Now()
		self.mutex.Unlock()
		return
	case MessageTypeConnectionEstablished, MessageTypeConnected:
		self.handleEstablished(frame)
	case MessageTypeAuthResponse:
		self.handleAuthResponse(frame)
	}

	glog.V(2).Infof("[tr]<-%s\n", frame.Type)
	for _, receiveCallback := range self.receiveCallbacks.Get() {
		callback := receiveCallback
		safeCallback(func() {
			callback(frame)
		})
	}
}

func (self *Transport) handleEstablished(frame *Frame) {
	if frame.Data == nil {
		return
	}
	if clientId, ok := stringValue(frame.Data, "clientId", "client_id"); ok {
		self.mutex.Lock()
		self.clientId = clientId
		self.mutex.Unlock()
	}
	if authenticated, ok := frame.Data["authenticated"].(bool); ok {
		self.finishAuth(authenticated, frame.Data)
	} else if _, ok := frame.Data["user"].(map[string]any); ok {
		// an embedded user object is the backend's implicit auth result
		self.finishAuth(true, frame.Data)
	}
}

func (self *Transport) handleAuthResponse(frame *Frame) {
	authenticated := false
	if value, ok := frame.Data["authenticated"].(bool); ok {
		authenticated = value
	} else if value, ok := frame.Data["success"].(bool); ok {
		authenticated = value
	}
	self.finishAuth(authenticated, frame.Data)
}

func (self *Transport) finishAuth(authenticated bool, data map[string]any) {
	var rejectedWs *websocket.Conn
	self.mutex.Lock()
	if self.authTimer != nil {
		self.authTimer.Stop()
		self.authTimer = nil
	}
	self.authenticated = authenticated
	if authenticated {
		self.errMessage = ""
	} else {
		self.errMessage = "authentication failed"
		if self.settings.ExplicitAuth {
			// a rejected auth frame ends the connection. closing the
			// socket surfaces as a non-clean read error, which schedules
			// the reconnect with a freshly resolved credential.
			rejectedWs = self.ws
		}
	}
	self.mutex.Unlock()

	if rejectedWs != nil {
		glog.Infof("[t]auth rejected\n")
		rejectedWs.Close()
	}

	// the auth success handler is the single writer of the credential
	// store
	if authenticated && self.store != nil {
		record := &AuthRecord{
			Authenticated: true,
		}
		if sessionId, ok := stringValue(data, "sessionId", "session_id"); ok {
			record.SessionId = sessionId
		}
		if byJwt, ok := stringValue(data, "byJwt", "jwt", "token"); ok {
			record.ByJwt = byJwt
		}
		if user, ok := data["user"].(map[string]any); ok {
			record.User = &AuthUser{}
			record.User.UserId, _ = stringValue(user, "uuid", "id", "user_id")
			record.User.Username, _ = stringValue(user, "username", "user_name")
			record.User.DisplayName, _ = stringValue(user, "displayName", "display_name")
		}
		if err := self.store.SetAuthRecord(record); err != nil {
			glog.Infof("[t]auth record store error = %s\n", err)
		}
	}

	self.monitor.NotifyAll()
}

func (self *Transport) scheduleReconnect() {
	select {
	case <-self.ctx.Done():
		return
	default:
	}
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.reconnectTimer != nil {
		// an attempt is already pending. pending attempts never stack.
		return
	}
	self.reconnectTimer = time.AfterFunc(self.settings.ReconnectTimeout, func() {
		self.mutex.Lock()
		self.reconnectTimer = nil
		self.mutex.Unlock()
		self.Connect()
	})
}

// Send queues a frame for delivery. Frames queued while disconnected are
// delivered when a connection is next open. Frames queued before the
// server has assigned a client id go out without one.
func (self *Transport) Send(messageType string, data map[string]any) error {
	frame := self.newFrame(messageType, data)
	select {
	case <-self.ctx.Done():
		return fmt.Errorf("transport closed")
	case self.sendQueue <- frame:
		return nil
	default:
		return fmt.Errorf("send queue full")
	}
}

func (self *Transport) newFrame(messageType string, data map[string]any) *Frame {
	return &Frame{
		Type:      messageType,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
		MessageId: NewId().String(),
		ClientId:  self.ClientId(),
	}
}

// NextFrame waits for the next inbound frame of the given type.
// This is the pending-response entry for callers that need an
// acknowledgment; timeouts come from the caller's ctx.
func (self *Transport) NextFrame(ctx context.Context, messageType string) (*Frame, error) {
	c := make(chan *Frame, 1)
	removeCallback := self.receiveCallbacks.Add(func(frame *Frame) {
		if frame.Type == messageType {
			select {
			case c <- frame:
			default:
			}
		}
	})
	defer removeCallback()

	select {
	case frame := <-c:
		return frame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-self.ctx.Done():
		return nil, self.ctx.Err()
	}
}

func (self *Transport) setState(state ConnectionState) {
	self.mutex.Lock()
	if self.state == state {
		self.mutex.Unlock()
		return
	}
	self.state = state
	self.mutex.Unlock()
	self.notifyState(state)
}

func (self *Transport) notifyState(state ConnectionState) {
	for _, stateCallback := range self.stateCallbacks.Get() {
		callback := stateCallback
		safeCallback(func() {
			callback(state)
		})
	}
	self.monitor.NotifyAll()
}

func (self *Transport) setError(errMessage string) {
	self.mutex.Lock()
	self.errMessage = errMessage
	self.mutex.Unlock()
	self.monitor.NotifyAll()
}

func (self *Transport) State() ConnectionState {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.state
}

func (self *Transport) ClientId() string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.clientId
}

func (self *Transport) Authenticated() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.authenticated
}

func (self *Transport) ErrMessage() string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.errMessage
}

// ConnectCount reports how many websocket connections were opened over
// the transport's lifetime. Diagnostic only.
func (self *Transport) ConnectCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.connectCount
}

func (self *Transport) AddReceiveCallback(receiveCallback ReceiveFunction) func() {
	return self.receiveCallbacks.Add(receiveCallback)
}

func (self *Transport) AddStateCallback(stateCallback ConnectionStateFunction) func() {
	return self.stateCallbacks.Add(stateCallback)
}

func (self *Transport) Monitor() *Monitor {
	return self.monitor
}

// Close tears the connection down deterministically: the reconnect,
// heartbeat, and auth timers never fire after this returns.
func (self *Transport) Close() {
	self.mutex.Lock()
	self.state = ConnectionStateClosing
	if self.reconnectTimer != nil {
		self.reconnectTimer.Stop()
		self.reconnectTimer = nil
	}
	if self.authTimer != nil {
		self.authTimer.Stop()
		self.authTimer = nil
	}
	self.mutex.Unlock()

	self.cancel()
	self.setState(ConnectionStateDisconnected)
}
