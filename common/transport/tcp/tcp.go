//	Package tcp frames messages over a stream socket as
//	[4-byte big-endian length][frame bytes]. Both tcp:// and unix:// endpoints
//	are served.
package tcp

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"krypt.co/dispatch/common/protocol"
	"krypt.co/dispatch/common/transport"
)

const maxFrame = 16 << 20

const writeTimeout = 5 * time.Second

type Connector struct {
	Dialer net.Dialer
}

func (c *Connector) ConnectEndpoint(ctx context.Context, endpoint protocol.Endpoint) (link transport.Link, err error) {
	conn, err := c.Dialer.DialContext(ctx, endpoint.Transport, endpoint.Address)
	if err != nil {
		return
	}
	link = newLink(endpoint.Transport, endpoint.Address, conn)
	return
}

func (c *Connector) Connect(ctx context.Context, ref protocol.Reference) (transport.Link, error) {
	return transport.Mux{"tcp": c, "unix": c}.Connect(ctx, ref)
}

type Listener struct {
	network string
	ln      net.Listener
}

func Listen(address string) (l *Listener, err error) {
	return ListenNetwork("tcp", address)
}

//	ListenNetwork listens on a "tcp" address or a "unix" socket path. A stale
//	socket file left by an unclean exit is removed first.
func ListenNetwork(network, address string) (l *Listener, err error) {
	if network == "unix" {
		_ = os.Remove(address)
	}
	ln, err := net.Listen(network, address)
	if err != nil {
		err = fmt.Errorf("%s listen: %w", network, err)
		return
	}
	l = &Listener{network: network, ln: ln}
	return
}

func (l *Listener) Accept() (link transport.Link, err error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return
	}
	link = newLink(l.network, conn.RemoteAddr().String(), conn)
	return
}

func (l *Listener) Close() error {
	return l.ln.Close()
}

func (l *Listener) Addr() string {
	return l.network + "://" + l.ln.Addr().String()
}

type Link struct {
	conn   net.Conn
	reader *bufio.Reader
	remote string

	writeMu sync.Mutex
	buf     []byte
}

func NewLink(conn net.Conn) *Link {
	return newLink(conn.RemoteAddr().Network(), conn.RemoteAddr().String(), conn)
}

func newLink(network, remote string, conn net.Conn) *Link {
	return &Link{
		conn:   conn,
		reader: bufio.NewReaderSize(conn, 64*1024),
		remote: network + "://" + remote,
	}
}

func (l *Link) Write(frame []byte) (err error) {
	if len(frame) > maxFrame {
		err = transport.NotWritten(fmt.Errorf("frame of %d bytes exceeds limit", len(frame)))
		return
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	l.buf = l.buf[:0]
	l.buf = binary.BigEndian.AppendUint32(l.buf, uint32(len(frame)))
	l.buf = append(l.buf, frame...)

	l.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	n, err := l.conn.Write(l.buf)
	if err != nil && n == 0 {
		err = transport.NotWritten(err)
	}
	return
}

func (l *Link) Read() (frame []byte, err error) {
	var header [4]byte
	if _, err = io.ReadFull(l.reader, header[:]); err != nil {
		return
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > maxFrame {
		err = fmt.Errorf("frame of %d bytes exceeds limit", size)
		return
	}
	frame = make([]byte, size)
	_, err = io.ReadFull(l.reader, frame)
	return
}

func (l *Link) Close() error {
	return l.conn.Close()
}

func (l *Link) RemoteAddr() string {
	return l.remote
}
