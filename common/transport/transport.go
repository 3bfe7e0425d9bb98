package transport

import (
	"context"
	"errors"
	"fmt"

	"krypt.co/dispatch/common/protocol"
)

//	ErrNothingWritten marks a Write failure that left no bytes on the wire, so
//	the frame may safely be sent again elsewhere.
var ErrNothingWritten = errors.New("nothing written")

var ErrClosed = errors.New("link closed")

//	Link carries whole frames. Write may be called from many goroutines but
//	callers serialize it; Read is called from exactly one read loop.
type Link interface {
	Write(frame []byte) error
	Read() ([]byte, error)
	Close() error
	RemoteAddr() string
}

type Connector interface {
	Connect(ctx context.Context, ref protocol.Reference) (Link, error)
}

type Listener interface {
	Accept() (Link, error)
	Close() error
	Addr() string
}

//	NotWritten wraps err so errors.Is(err, ErrNothingWritten) holds.
func NotWritten(err error) error {
	return fmt.Errorf("%w: %w", ErrNothingWritten, err)
}

//	Mux routes a reference to the first endpoint whose scheme has a connector.
type Mux map[string]EndpointConnector

type EndpointConnector interface {
	ConnectEndpoint(ctx context.Context, endpoint protocol.Endpoint) (Link, error)
}

func (m Mux) Connect(ctx context.Context, ref protocol.Reference) (link Link, err error) {
	for _, endpoint := range ref.Endpoints {
		connector, ok := m[endpoint.Transport]
		if !ok {
			continue
		}
		return connector.ConnectEndpoint(ctx, endpoint)
	}
	err = fmt.Errorf("no connector for endpoints %v", ref.Endpoints)
	return
}
