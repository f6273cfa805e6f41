package link

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"time"
)

const requestIDSize = 16

// pendingRequest is an outstanding request() call awaiting its RESPONSE or
// timeout (§4.4).
type pendingRequest struct {
	onResponse func(data []byte)
	onFailure  func(err error)
	created    time.Time
	timeout    time.Duration
	done       bool
}

// requestHandler answers an inbound REQUEST for a registered path.
type requestHandler func(data []byte) ([]byte, error)

// requestTable is a link's RPC state: pending outbound requests keyed by
// request_id, and the path-keyed handler registry for inbound requests.
// One table per link, matching "a link exposes a typed RPC" (§4.4).
type requestTable struct {
	mu       sync.Mutex
	pending  map[[requestIDSize]byte]*pendingRequest
	handlers map[string]requestHandler
}

func newRequestTable() *requestTable {
	return &requestTable{
		pending:  make(map[[requestIDSize]byte]*pendingRequest),
		handlers: make(map[string]requestHandler),
	}
}

// RegisterRequestHandler binds fn to answer inbound REQUESTs addressed to
// path over this link. Only meaningful on the responder side.
func (l *Link) RegisterRequestHandler(path string, fn func(data []byte) ([]byte, error)) {
	l.requests.mu.Lock()
	defer l.requests.mu.Unlock()
	l.requests.handlers[path] = fn
}

// Request composes and encrypts a REQUEST for path carrying data. The
// caller (Transport) is responsible for wrapping the returned ciphertext
// in a DATA packet with context REQUEST addressed to l.ID and sending it;
// onResponse fires with the decrypted response data once
// HandleResponsePayload matches it by request_id, onFailure fires with ErrRequestTimeout if no
// RESPONSE arrives within timeout.
func (l *Link) Request(path string, data []byte, onResponse func(data []byte), onFailure func(err error), timeout time.Duration) ([]byte, error) {
	if l.State() != Active {
		return nil, fmt.Errorf("link: request: %w", ErrNotActive)
	}
	if len(path) > 255 {
		return nil, fmt.Errorf("link: request: path too long")
	}

	var id [requestIDSize]byte
	if _, err := rand.Read(id[:]); err != nil {
		return nil, fmt.Errorf("link: request: %w", err)
	}

	plaintext := encodeRequestPlaintext(id, path, data)
	ciphertext, err := l.Encrypt(plaintext)
	if err != nil {
		return nil, fmt.Errorf("link: request: %w", err)
	}

	if timeout <= 0 {
		timeout = EstablishmentTimeoutPerHop
	}
	l.requests.mu.Lock()
	l.requests.pending[id] = &pendingRequest{
		onResponse: onResponse,
		onFailure:  onFailure,
		created:    time.Now(),
		timeout:    timeout,
	}
	l.requests.mu.Unlock()

	return ciphertext, nil
}

// HandleRequestPayload processes a decrypted REQUEST payload: it dispatches
// to the handler registered for the carried path and returns the encrypted
// RESPONSE ciphertext to send back, or ok=false if no handler answered.
func (l *Link) HandleRequestPayload(plaintext []byte) (response []byte, ok bool) {
	id, path, data, err := decodeRequestPlaintext(plaintext)
	if err != nil {
		return nil, false
	}
	l.requests.mu.Lock()
	fn, exists := l.requests.handlers[path]
	l.requests.mu.Unlock()
	if !exists {
		return nil, false
	}
	result, err := fn(data)
	if err != nil {
		return nil, false
	}
	respPlain := append(append([]byte(nil), id[:]...), result...)
	ciphertext, err := l.Encrypt(respPlain)
	if err != nil {
		return nil, false
	}
	return ciphertext, true
}

// HandleResponsePayload matches a decrypted RESPONSE payload against a
// pending request by its leading request_id and invokes onResponse. It
// reports whether a matching pending request existed.
func (l *Link) HandleResponsePayload(plaintext []byte) bool {
	if len(plaintext) < requestIDSize {
		return false
	}
	var id [requestIDSize]byte
	copy(id[:], plaintext[:requestIDSize])
	data := plaintext[requestIDSize:]

	l.requests.mu.Lock()
	r, exists := l.requests.pending[id]
	if exists {
		delete(l.requests.pending, id)
	}
	l.requests.mu.Unlock()
	if !exists || r.done {
		return false
	}
	r.done = true
	if r.onResponse != nil {
		r.onResponse(data)
	}
	return true
}

// CullTimedOutRequests fires onFailure with ErrRequestTimeout for every
// pending request older than its own timeout. Call it from the same
// watchdog tick that drives Watchdog (§4.4, §9 no separate scheduler).
func (l *Link) CullTimedOutRequests(now time.Time) {
	l.requests.mu.Lock()
	var expired []*pendingRequest
	for id, r := range l.requests.pending {
		if now.Sub(r.created) > r.timeout {
			expired = append(expired, r)
			delete(l.requests.pending, id)
		}
	}
	l.requests.mu.Unlock()
	for _, r := range expired {
		r.done = true
		if r.onFailure != nil {
			r.onFailure(ErrRequestTimeout)
		}
	}
}

func encodeRequestPlaintext(id [requestIDSize]byte, path string, data []byte) []byte {
	out := make([]byte, 0, requestIDSize+2+len(path)+len(data))
	out = append(out, id[:]...)
	var pathLen [2]byte
	binary.BigEndian.PutUint16(pathLen[:], uint16(len(path)))
	out = append(out, pathLen[:]...)
	out = append(out, path...)
	out = append(out, data...)
	return out
}

func decodeRequestPlaintext(plaintext []byte) (id [requestIDSize]byte, path string, data []byte, err error) {
	if len(plaintext) < requestIDSize+2 {
		return id, "", nil, fmt.Errorf("link: request payload too short")
	}
	copy(id[:], plaintext[:requestIDSize])
	pathLen := int(binary.BigEndian.Uint16(plaintext[requestIDSize : requestIDSize+2]))
	rest := plaintext[requestIDSize+2:]
	if len(rest) < pathLen {
		return id, "", nil, fmt.Errorf("link: request payload truncated path")
	}
	path = string(rest[:pathLen])
	data = rest[pathLen:]
	return id, path, data, nil
}
