package acmetest

import (
	"crypto/tls"
	"net"
	"sync"
	"time"
)

// Acceptor is a TLS listener that completes each handshake and closes the
// connection. It stands in for the TLS acceptor of a server that answers
// validation handshakes.
type Acceptor struct {
	l  net.Listener
	wg sync.WaitGroup
}

// NewAcceptor listens on a free loopback port with conf.
func NewAcceptor(conf *tls.Config) (*Acceptor, error) {
	l, err := tls.Listen("tcp", "127.0.0.1:0", conf)
	if err != nil {
		return nil, err
	}
	a := &Acceptor{l: l}
	a.wg.Add(1)
	go a.serve()
	return a, nil
}

func (a *Acceptor) serve() {
	defer a.wg.Done()
	for {
		conn, err := a.l.Accept()
		if err != nil {
			return
		}
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			defer conn.Close()
			_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
			_ = conn.(*tls.Conn).Handshake()
		}()
	}
}

// Addr is the listening address.
func (a *Acceptor) Addr() string { return a.l.Addr().String() }

// Close stops accepting and waits for open connections to finish.
func (a *Acceptor) Close() {
	_ = a.l.Close()
	a.wg.Wait()
}
