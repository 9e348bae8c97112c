package uco

import (
	"context"
	"net/http"
)

type ClientSettings struct {
	Transport    *TransportSettings
	Synchronizer *SynchronizerSettings

	// StorageDir holds the cross-session credential scope.
	// Empty disables persistence; credentials then live only for the
	// client's lifetime.
	StorageDir string
	Cookies    []*http.Cookie
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		Transport:    DefaultTransportSettings(),
		Synchronizer: DefaultSynchronizerSettings(),
	}
}

// Client wires the credential store, session resolver, transport,
// synchronizer, and view into one instance. Construct one per session
// with injected configuration; there is no ambient global state, so
// independent instances can coexist.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	store        *CredentialStore
	pebble       *PebbleStorage
	transport    *Transport
	synchronizer *Synchronizer
	view         *View
}

func NewClientWithDefaults(ctx context.Context, connectUrl string) (*Client, error) {
	return NewClient(ctx, connectUrl, DefaultClientSettings())
}

func NewClient(ctx context.Context, connectUrl string, settings *ClientSettings) (*Client, error) {
	cancelCtx, cancel := context.WithCancel(ctx)

	var persistentScope Storage
	var pebbleStorage *PebbleStorage
	if settings.StorageDir != "" {
		var err error
		pebbleStorage, err = NewPebbleStorage(settings.StorageDir)
		if err != nil {
			cancel()
			return nil, err
		}
		persistentScope = pebbleStorage
	}
	store := NewCredentialStore(NewMemoryStorage(), persistentScope)

	source := &SessionSource{
		ConnectUrl: connectUrl,
		Store:      store,
		Cookies:    settings.Cookies,
	}
	transport := NewTransport(
		cancelCtx,
		connectUrl,
		func() (string, bool) {
			return ResolveSession(source)
		},
		store,
		settings.Transport,
	)
	synchronizer := NewSynchronizer(cancelCtx, transport, settings.Synchronizer)
	view := NewView(synchronizer, transport)

	return &Client{
		ctx:          cancelCtx,
		cancel:       cancel,
		store:        store,
		pebble:       pebbleStorage,
		transport:    transport,
		synchronizer: synchronizer,
		view:         view,
	}, nil
}

func (self *Client) Connect() {
	self.transport.Connect()
}

func (self *Client) View() *View {
	return self.view
}

func (self *Client) Transport() *Transport {
	return self.transport
}

func (self *Client) Synchronizer() *Synchronizer {
	return self.synchronizer
}

func (self *Client) Store() *CredentialStore {
	return self.store
}

func (self *Client) Close() {
	self.synchronizer.Close()
	self.transport.Close()
	if self.pebble != nil {
		self.pebble.Close()
	}
	self.cancel()
}
