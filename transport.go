package replica

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/openreplica/replica-go-sdk/frame"
)

// WebSocket close codes used by the channel.
const (
	CloseNormal    = 1000
	CloseGoingAway = 1001
	CloseAbnormal  = 1006
)

// Conn is one physical, message-oriented connection.
type Conn interface {
	// ReadMessage blocks for the next data message. binary reports whether
	// it arrived as a binary frame. A closed connection yields *CloseError.
	ReadMessage() (data []byte, binary bool, err error)
	// WriteMessage sends one data message. Safe for concurrent use.
	WriteMessage(data []byte, binary bool) error
	// Close sends a close frame with code and reason, then releases the
	// connection. Calling it more than once is harmless.
	Close(code int, reason string) error
}

// Dialer opens physical connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// CloseError reports why a connection ended. Code is CloseAbnormal when the
// peer went away without a close frame.
type CloseError struct {
	Code   int
	Reason string
	Err    error
}

func (e *CloseError) Error() string {
	switch {
	case e.Reason != "":
		return fmt.Sprintf("websocket closed (%d): %s", e.Code, e.Reason)
	case e.Err != nil:
		return fmt.Sprintf("websocket closed (%d): %v", e.Code, e.Err)
	default:
		return fmt.Sprintf("websocket closed (%d)", e.Code)
	}
}

func (e *CloseError) Unwrap() error { return e.Err }

// WSDialer dials WebSocket connections with gobwas/ws.
type WSDialer struct {
	Header       http.Header   // extra upgrade request headers
	Timeout      time.Duration // handshake timeout
	WriteTimeout time.Duration // per-message write deadline
}

// Dial implements Dialer.
func (d *WSDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := ws.Dialer{Timeout: d.Timeout}
	if len(d.Header) > 0 {
		dialer.Header = ws.HandshakeHeaderHTTP(d.Header)
	}

	conn, br, _, err := dialer.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	var src io.Reader = conn
	if br != nil {
		// the server wrote frames right behind the handshake response
		src = io.MultiReader(br, conn)
	}
	return newWSConn(conn, src, d.WriteTimeout), nil
}

type wsConn struct {
	conn         net.Conn
	rd           *wsutil.Reader
	writeTimeout time.Duration

	wmu       sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newWSConn(conn net.Conn, src io.Reader, writeTimeout time.Duration) *wsConn {
	c := &wsConn{conn: conn, writeTimeout: writeTimeout}
	c.rd = &wsutil.Reader{
		Source:         src,
		State:          ws.StateClientSide,
		CheckUTF8:      true,
		MaxFrameSize:   frame.MaxPayloadLen,
		OnIntermediate: c.handleControl,
	}
	return c
}

// handleControl answers pings and close frames. The reply is rendered into a
// buffer first so it can't interleave with a concurrent data write.
func (c *wsConn) handleControl(h ws.Header, r io.Reader) error {
	var buf bytes.Buffer
	err := wsutil.ControlHandler{
		Src:                 r,
		Dst:                 &buf,
		State:               ws.StateClientSide,
		DisableSrcCiphering: true,
	}.Handle(h)
	if buf.Len() > 0 {
		c.wmu.Lock()
		_, werr := c.conn.Write(buf.Bytes())
		c.wmu.Unlock()
		if err == nil {
			err = werr
		}
	}
	return err
}

func (c *wsConn) ReadMessage() ([]byte, bool, error) {
	for {
		hdr, err := c.rd.NextFrame()
		if err != nil {
			return nil, false, closeError(err)
		}
		if hdr.OpCode.IsControl() {
			if err := c.rd.OnIntermediate(hdr, c.rd); err != nil {
				return nil, false, closeError(err)
			}
			continue
		}
		if hdr.OpCode != ws.OpText && hdr.OpCode != ws.OpBinary {
			if err := c.rd.Discard(); err != nil {
				return nil, false, closeError(err)
			}
			continue
		}
		data, err := io.ReadAll(c.rd)
		if err != nil {
			return nil, false, closeError(err)
		}
		return data, hdr.OpCode == ws.OpBinary, nil
	}
}

func (c *wsConn) WriteMessage(data []byte, binary bool) error {
	op := ws.OpText
	if binary {
		op = ws.OpBinary
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteClientMessage(c.conn, op, data)
}

func (c *wsConn) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		c.wmu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		body := ws.NewCloseFrameBody(ws.StatusCode(code), reason)
		_ = ws.WriteFrame(c.conn, ws.MaskFrameInPlace(ws.NewCloseFrame(body)))
		c.wmu.Unlock()
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// closeError normalises transport read errors into *CloseError.
func closeError(err error) error {
	var closed wsutil.ClosedError
	if errors.As(err, &closed) {
		return &CloseError{Code: int(closed.Code), Reason: closed.Reason}
	}
	return &CloseError{Code: CloseAbnormal, Err: err}
}
