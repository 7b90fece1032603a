package relay

import (
	"sync"

	"github.com/antoniostano/callbridge/internal/voice"
)

// event is what reader and setup goroutines hand to the session loop.
type event interface {
	relayEvent()
}

type telephonyFrame struct{ data []byte }

type telephonyClosed struct{ err error }

type aiFrame struct{ data []byte }

type aiClosed struct{ err error }

type aiReady struct{ conn voice.Conn }

type setupFailed struct {
	reason string
	err    error
}

func (telephonyFrame) relayEvent()  {}
func (telephonyClosed) relayEvent() {}
func (aiFrame) relayEvent()         {}
func (aiClosed) relayEvent()        {}
func (aiReady) relayEvent()         {}
func (setupFailed) relayEvent()     {}

// leg is one socket owned by a session.
type leg struct {
	name      string
	conn      voice.Conn
	closeOnce sync.Once
	closeErr  error
}

func newLeg(name string, conn voice.Conn) *leg {
	return &leg{name: name, conn: conn}
}

func (l *leg) close() error {
	l.closeOnce.Do(func() {
		l.closeErr = l.conn.Close()
	})
	return l.closeErr
}
