package framedRPC

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"
)

const sniffTimeout = 10 * time.Second

// Mux splits one listening socket between the framed protocol and HTTP.
// Connections that open with the framed greeting are served directly;
// everything else is handed to the net.Listener returned by HTTP.
type Mux struct {
	ln     net.Listener
	framed *Server
	log    *slog.Logger

	httpConns chan net.Conn
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewMux(ln net.Listener, framed *Server) *Mux {
	return &Mux{
		ln:        ln,
		framed:    framed,
		log:       framed.log,
		httpConns: make(chan net.Conn),
		closed:    make(chan struct{}),
	}
}

// HTTP returns the listener an http.Server should Serve on.
func (m *Mux) HTTP() net.Listener {
	return muxListener{m}
}

// Serve accepts until ctx ends or the listener is closed.
func (m *Mux) Serve(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
		case <-m.closed:
		}
		m.Close()
	}()
	defer m.wg.Wait()
	for {
		conn, err := m.ln.Accept()
		if err != nil {
			select {
			case <-m.closed:
				return nil
			default:
			}
			return err
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.route(ctx, conn)
		}()
	}
}

func (m *Mux) route(ctx context.Context, conn net.Conn) {
	br := bufio.NewReader(conn)
	_ = conn.SetReadDeadline(time.Now().Add(sniffTimeout))
	head, err := br.Peek(len(greetingPrefix))
	_ = conn.SetReadDeadline(time.Time{})
	if err == nil && string(head) == greetingPrefix {
		_ = m.framed.serve(ctx, conn, br)
		return
	}
	if err != nil && len(head) == 0 {
		m.log.Debug("connection closed before first byte", logKeyRemote, conn.RemoteAddr().String(), logKeyError, err)
		conn.Close()
		return
	}
	select {
	case m.httpConns <- &peekedConn{Conn: conn, r: br}:
	case <-m.closed:
		conn.Close()
	}
}

func (m *Mux) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.closed)
		err = m.ln.Close()
	})
	return err
}

type muxListener struct{ m *Mux }

func (l muxListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.m.httpConns:
		return c, nil
	case <-l.m.closed:
		return nil, net.ErrClosed
	}
}

func (l muxListener) Close() error {
	err := l.m.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (l muxListener) Addr() net.Addr { return l.m.ln.Addr() }

// peekedConn replays the bytes consumed while sniffing.
type peekedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *peekedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}
