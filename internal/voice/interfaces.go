package voice

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrUpstreamAuth  = errors.New("upstream auth failed")
	ErrGrantConsumed = errors.New("signed grant already consumed")
)

// Conn is the subset of *websocket.Conn a relay leg needs.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Grant is a signed conversation URL. It opens exactly one upstream socket.
type Grant struct {
	url string

	mu       sync.Mutex
	consumed bool
}

func NewGrant(signedURL string) *Grant {
	return &Grant{url: signedURL}
}

// Consume returns the signed URL the first time and ErrGrantConsumed afterwards.
func (g *Grant) Consume() (string, error) {
	if g == nil {
		return "", ErrGrantConsumed
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.consumed {
		return "", ErrGrantConsumed
	}
	g.consumed = true
	return g.url, nil
}

// UpstreamAuthError reports a failed signed-URL fetch.
type UpstreamAuthError struct {
	Status    int
	Retryable bool
	Err       error
}

func (e *UpstreamAuthError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("upstream auth: status %d: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("upstream auth: %v", e.Err)
}

func (e *UpstreamAuthError) Unwrap() error { return e.Err }

func (e *UpstreamAuthError) Is(target error) bool { return target == ErrUpstreamAuth }
