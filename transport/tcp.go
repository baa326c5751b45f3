package transport

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Codec marshals and unmarshals the opaque values a Transport sends
// and receives. Keeping this behind an interface is what lets
// Transport stay oblivious to command/response semantics (spec.md
// §4.1) while still framing real bytes on the wire.
type Codec interface {
	// Marshal encodes v as a single line (no trailing newline).
	Marshal(v interface{}) ([]byte, error)
	// Unmarshal decodes one line previously produced by Marshal.
	Unmarshal(line []byte) (interface{}, error)
}

// TCPTransport is a Transport implemented over a plain TCP connection,
// using line-delimited JSON framing in the idiom of
// message.JSONFraming: each value is marshalled to one line by the
// Codec and written with a trailing newline; Recv reads and unpacks
// one line at a time.
type TCPTransport struct {
	addr  string
	codec Codec

	mu   sync.Mutex
	conn net.Conn
	w    *bufio.Writer
	r    *bufio.Reader
}

// NewTCPTransport returns a TCPTransport that will dial addr on
// Reconnect, framing values with codec.
func NewTCPTransport(addr string, codec Codec) *TCPTransport {
	return &TCPTransport{addr: addr, codec: codec}
}

// Reconnect implements Transport.
func (t *TCPTransport) Reconnect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		_ = t.conn.Close()
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return errors.Wrapf(err, "dialing %s", t.addr)
	}

	t.conn = conn
	t.w = bufio.NewWriter(conn)
	t.r = bufio.NewReader(conn)
	log.WithField("addr", t.addr).Info("transport connected")
	return nil
}

// Send implements Transport.
func (t *TCPTransport) Send(ctx context.Context, v interface{}) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return errors.New("transport: send before reconnect")
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(dl)
	}

	line, err := t.codec.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "marshalling command")
	}
	if _, err := t.w.Write(line); err != nil {
		return errors.Wrap(err, "writing command")
	}
	if err := t.w.WriteByte('\n'); err != nil {
		return errors.Wrap(err, "writing command")
	}
	return errors.Wrap(t.w.Flush(), "flushing command")
}

// Recv implements Transport. A clean io.EOF at a line boundary is
// returned as nil, nil, signalling a graceful peer close, distinguished
// from a hard transport error the way broker/client/reader.go
// distinguishes a graceful stream closure from a hard error.
func (t *TCPTransport) Recv(ctx context.Context) (interface{}, error) {
	t.mu.Lock()
	var r = t.r
	var conn = t.conn
	t.mu.Unlock()

	if r == nil {
		return nil, errors.New("transport: recv before reconnect")
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(dl)
	}

	line, err := r.ReadBytes('\n')
	if err != nil {
		if err == io.EOF && len(line) == 0 {
			return nil, nil // graceful close
		}
		return nil, errors.Wrap(err, "reading response")
	}

	v, err := t.codec.Unmarshal(line[:len(line)-1])
	if err != nil {
		return nil, errors.Wrap(err, "unmarshalling response")
	}
	return v, nil
}

// Close implements Transport.
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	var err = t.conn.Close()
	t.conn = nil
	return err
}
