package transport

import (
	"context"
	"errors"
	"testing"

	"krypt.co/dispatch/common/protocol"
)

type recordingConnector struct {
	dialed []protocol.Endpoint
}

func (r *recordingConnector) ConnectEndpoint(ctx context.Context, endpoint protocol.Endpoint) (Link, error) {
	r.dialed = append(r.dialed, endpoint)
	return nil, errors.New("refused")
}

func TestMuxPicksFirstRegisteredScheme(t *testing.T) {
	tcp := &recordingConnector{}
	mux := Mux{"tcp": tcp}
	ref, err := protocol.NewReference("udp://x:1", "tcp://y:2", "tcp://z:3")
	if err != nil {
		t.Fatal(err)
	}
	_, err = mux.Connect(context.Background(), ref)
	if err == nil {
		t.Fatal("expected connector error")
	}
	if len(tcp.dialed) != 1 || tcp.dialed[0].Address != "y:2" {
		t.Fatal("wrong endpoint dialed", tcp.dialed)
	}
}

func TestMuxWithoutConnector(t *testing.T) {
	ref, _ := protocol.NewReference("udp://x:1")
	if _, err := (Mux{}).Connect(context.Background(), ref); err == nil {
		t.Fatal("expected error")
	}
}

func TestNotWritten(t *testing.T) {
	err := NotWritten(errors.New("broken pipe"))
	if !errors.Is(err, ErrNothingWritten) {
		t.Fatal("NotWritten lost its marker")
	}
}
