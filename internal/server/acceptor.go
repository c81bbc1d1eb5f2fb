package server

import (
	"crypto/tls"
	"errors"
	"sync/atomic"

	tlspkg "github.com/vyrodovalexey/avamitm/internal/tls"
)

// ErrNoAcceptor is returned to handshakes that arrive before an acceptor
// was installed.
var ErrNoAcceptor = errors.New("no acceptor installed")

type acceptorEntry struct {
	data   *tlspkg.AcceptorData
	config *tls.Config
}

// AcceptorHolder publishes the current acceptor to handshakes. Each
// handshake binds to the acceptor current at ClientHello time, so a swap
// never affects handshakes already in flight.
type AcceptorHolder struct {
	current atomic.Pointer[acceptorEntry]
}

// Swap installs data and returns the acceptor it replaced, or nil. The
// handshake configuration is built before the swap; on error nothing
// changes.
func (h *AcceptorHolder) Swap(data *tlspkg.AcceptorData) (*tlspkg.AcceptorData, error) {
	if data == nil {
		return nil, errors.New("acceptor is nil")
	}

	cfg, err := data.TLSConfig()
	if err != nil {
		return nil, err
	}

	old := h.current.Swap(&acceptorEntry{data: data, config: cfg})
	if old == nil {
		return nil, nil
	}
	return old.data, nil
}

// Load returns the current acceptor, or nil.
func (h *AcceptorHolder) Load() *tlspkg.AcceptorData {
	if e := h.current.Load(); e != nil {
		return e.data
	}
	return nil
}

// Take removes and returns the current acceptor.
func (h *AcceptorHolder) Take() *tlspkg.AcceptorData {
	if e := h.current.Swap(nil); e != nil {
		return e.data
	}
	return nil
}

// ConfigForClient is a crypto/tls GetConfigForClient callback.
func (h *AcceptorHolder) ConfigForClient(*tls.ClientHelloInfo) (*tls.Config, error) {
	e := h.current.Load()
	if e == nil {
		return nil, ErrNoAcceptor
	}
	return e.config, nil
}
