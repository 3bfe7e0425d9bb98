//	Package mem is an in-process transport. Links are pairs of buffered frame
//	channels; Network adds the fault hooks the tests rely on (held connects,
//	failed writes, severed links).
package mem

import (
	"context"
	"errors"
	"sync"

	"krypt.co/dispatch/common/protocol"
	"krypt.co/dispatch/common/transport"
)

const linkBuffer = 1024

var ErrNoListener = errors.New("mem: no such listener")

type Network struct {
	sync.Mutex
	listeners map[string]*Listener
	gates     map[string]*gate
	dials     map[string]int
	clients   map[string][]*Link
}

type gate struct {
	open chan struct{}
	err  error
}

func NewNetwork() *Network {
	return &Network{
		listeners: map[string]*Listener{},
		gates:     map[string]*gate{},
		dials:     map[string]int{},
		clients:   map[string][]*Link{},
	}
}

func (n *Network) Listen(name string) (l *Listener, err error) {
	n.Lock()
	defer n.Unlock()
	if _, ok := n.listeners[name]; ok {
		err = errors.New("mem: listener already exists")
		return
	}
	l = &Listener{
		network: n,
		name:    name,
		accepts: make(chan *Link, 64),
		done:    make(chan struct{}),
	}
	n.listeners[name] = l
	return
}

//	Hold makes connects to name block until the returned func is called. A nil
//	error lets them proceed, anything else fails them with that error.
func (n *Network) Hold(name string) (release func(err error)) {
	g := &gate{open: make(chan struct{})}
	n.Lock()
	n.gates[name] = g
	n.Unlock()
	var once sync.Once
	return func(err error) {
		once.Do(func() {
			g.err = err
			n.Lock()
			if n.gates[name] == g {
				delete(n.gates, name)
			}
			n.Unlock()
			close(g.open)
		})
	}
}

func (n *Network) Dials(name string) int {
	n.Lock()
	defer n.Unlock()
	return n.dials[name]
}

func (n *Network) Connect(ctx context.Context, ref protocol.Reference) (transport.Link, error) {
	return transport.Mux{"mem": n}.Connect(ctx, ref)
}

func (n *Network) ConnectEndpoint(ctx context.Context, endpoint protocol.Endpoint) (link transport.Link, err error) {
	name := endpoint.Address
	n.Lock()
	n.dials[name]++
	g := n.gates[name]
	n.Unlock()
	if g != nil {
		select {
		case <-g.open:
			if g.err != nil {
				err = g.err
				return
			}
		case <-ctx.Done():
			err = ctx.Err()
			return
		}
	}

	n.Lock()
	l := n.listeners[name]
	n.Unlock()
	if l == nil {
		err = ErrNoListener
		return
	}
	client, server := Pipe(name)
	select {
	case l.accepts <- server:
	case <-l.done:
		err = ErrNoListener
		return
	case <-ctx.Done():
		err = ctx.Err()
		return
	}
	n.Lock()
	n.clients[name] = append(n.clients[name], client)
	n.Unlock()
	link = client
	return
}

//	Clients returns the client ends dialed to name, oldest first.
func (n *Network) Clients(name string) []*Link {
	n.Lock()
	defer n.Unlock()
	return append([]*Link(nil), n.clients[name]...)
}

type Listener struct {
	network   *Network
	name      string
	accepts   chan *Link
	done      chan struct{}
	closeOnce sync.Once
}

func (l *Listener) Accept() (transport.Link, error) {
	select {
	case link := <-l.accepts:
		return link, nil
	case <-l.done:
		return nil, transport.ErrClosed
	}
}

func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		l.network.Lock()
		delete(l.network.listeners, l.name)
		l.network.Unlock()
		close(l.done)
	})
	return nil
}

func (l *Listener) Addr() string {
	return "mem://" + l.name
}

type shared struct {
	done  chan struct{}
	once  sync.Once
	cause error
}

func (s *shared) close(cause error) {
	s.once.Do(func() {
		s.cause = cause
		close(s.done)
	})
}

type Link struct {
	in     chan []byte
	out    chan []byte
	shared *shared
	addr   string

	mu        sync.Mutex
	writeErr  error
	written   int
	onWritten func(frame []byte)
}

//	Pipe returns two connected ends.
func Pipe(addr string) (a *Link, b *Link) {
	ab := make(chan []byte, linkBuffer)
	ba := make(chan []byte, linkBuffer)
	s := &shared{done: make(chan struct{})}
	a = &Link{in: ba, out: ab, shared: s, addr: addr}
	b = &Link{in: ab, out: ba, shared: s, addr: addr}
	return
}

//	FailWrites makes every later Write return err without sending anything.
//	A nil err restores normal writes.
func (l *Link) FailWrites(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writeErr = err
}

//	OnWritten runs fn with every frame after it has been queued to the peer.
func (l *Link) OnWritten(fn func(frame []byte)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onWritten = fn
}

func (l *Link) Written() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.written
}

//	Sever tears down both ends as a transport failure would.
func (l *Link) Sever(cause error) {
	l.shared.close(cause)
}

func (l *Link) Write(frame []byte) (err error) {
	l.mu.Lock()
	writeErr := l.writeErr
	l.mu.Unlock()
	if writeErr != nil {
		err = transport.NotWritten(writeErr)
		return
	}
	select {
	case <-l.shared.done:
		err = transport.NotWritten(l.closedErr())
		return
	default:
	}
	buf := append([]byte(nil), frame...)
	select {
	case l.out <- buf:
	case <-l.shared.done:
		err = transport.NotWritten(l.closedErr())
		return
	}
	l.mu.Lock()
	l.written++
	onWritten := l.onWritten
	l.mu.Unlock()
	if onWritten != nil {
		onWritten(buf)
	}
	return
}

func (l *Link) Read() (frame []byte, err error) {
	select {
	case frame = <-l.in:
		return
	case <-l.shared.done:
		err = l.closedErr()
		return
	}
}

func (l *Link) closedErr() error {
	if l.shared.cause != nil {
		return l.shared.cause
	}
	return transport.ErrClosed
}

func (l *Link) Close() error {
	l.shared.close(nil)
	return nil
}

func (l *Link) RemoteAddr() string {
	return "mem://" + l.addr
}
