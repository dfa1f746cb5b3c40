package transport

import (
	"bufio"
	"net"
	"time"

	"mini-relay/protocol"
)

// streamFramer cuts a byte stream into frames using the fixed protocol header.
type streamFramer struct {
	conn net.Conn
	r    *bufio.Reader
}

func newStreamFramer(conn net.Conn) *streamFramer {
	return &streamFramer{conn: conn, r: bufio.NewReader(conn)}
}

func (f *streamFramer) ReadFrame() (*protocol.Header, []byte, error) {
	return protocol.Decode(f.r)
}

func (f *streamFramer) WriteFrame(frame []byte) error {
	_, err := f.conn.Write(frame)
	return err
}

func (f *streamFramer) SetReadDeadline(t time.Time) error {
	return f.conn.SetReadDeadline(t)
}

func (f *streamFramer) RemoteAddr() net.Addr {
	return f.conn.RemoteAddr()
}

func (f *streamFramer) Close() error {
	if tc, ok := f.conn.(*net.TCPConn); ok {
		// avoid time-wait state
		tc.SetLinger(0)
	}
	return f.conn.Close()
}

// Dial connects to a stream endpoint and wraps it. The caller must Start the Conn.
func Dial(network, address string, timeout time.Duration, opts Options) (*Conn, error) {
	raw, err := net.DialTimeout(network, address, timeout)
	if err != nil {
		return nil, err
	}
	return NewConn(raw, opts), nil
}
