package exchange

import (
	"context"
	"sort"
	"sync"
)

// Credentials carries the opaque API credentials supplied by the caller
// layer. They are never persisted here.
type Credentials struct {
	APIKey     string
	APISecret  string
	Passphrase string // required by okx and kucoin, empty elsewhere
}

// Session is an authenticated REST session handle created by an adapter.
// The vendor client behind it stays opaque to the pool.
type Session interface {
	Exchange() string
	Close() error
}

// Stream abstracts the vendor push socket so the session manager can run
// one read loop and heartbeat implementation for every exchange.
type Stream interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	// Ping sends a websocket-level ping control frame.
	Ping() error
	Close() error
}

// FrameType classifies a parsed push frame.
type FrameType int

const (
	// FrameData carries an account payload for the normalizer.
	FrameData FrameType = iota
	// FrameHeartbeatAck is a vendor pong; consumed by the session.
	FrameHeartbeatAck
	// FrameAuthAck confirms stream authentication.
	FrameAuthAck
	// FrameAuthReject is a fatal authentication failure.
	FrameAuthReject
	// FrameSubscriptionAck confirms a channel subscription.
	FrameSubscriptionAck
	// FrameIgnore is recognised but irrelevant traffic.
	FrameIgnore
)

// Frame is the structured result of Adapter.ParseFrame.
type Frame struct {
	Type    FrameType
	Payload []byte
	// Reason carries vendor detail for FrameAuthReject and FrameIgnore.
	Reason string
}

// Adapter is the per-vendor capability behind the pool and the session
// manager. Implementations own request signing and protocol quirks.
type Adapter interface {
	// Name returns the exchange identifier, e.g. "binance".
	Name() string

	// CreateSession opens an authenticated REST session. A vendor-side
	// rejection of the keys comes back as *CredentialError.
	CreateSession(ctx context.Context, creds Credentials) (Session, error)

	// Probe issues the vendor's lightweight liveness call (typically
	// server time) against an existing session.
	Probe(ctx context.Context, sess Session) error

	// OpenStream dials the vendor push endpoint and sends the
	// authentication frame. The returned stream is connected but not yet
	// confirmed; the caller waits for FrameAuthAck.
	OpenStream(ctx context.Context, creds Credentials) (Stream, error)

	// ParseFrame classifies one raw push frame.
	ParseFrame(raw []byte) (Frame, error)

	// HeartbeatMessage returns the vendor application-level ping payload.
	// A nil return means the exchange answers websocket ping control
	// frames and no payload is needed.
	HeartbeatMessage() []byte
}

// Registry holds the registered adapters, looked up by exchange
// identifier. It is built in main and injected; there is no package
// level instance so tests construct isolated registries.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under its own name, replacing any previous
// registration.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	r.adapters[a.Name()] = a
	r.mu.Unlock()
}

// Get returns the adapter for the exchange or ErrUnsupportedExchange.
func (r *Registry) Get(exchange string) (Adapter, error) {
	r.mu.RLock()
	a, ok := r.adapters[exchange]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrUnsupportedExchange
	}
	return a, nil
}

// Names returns the registered exchange identifiers in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}
