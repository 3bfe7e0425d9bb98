package binding

import (
	"testing"
	"time"

	"krypt.co/dispatch/common/protocol"
	"krypt.co/dispatch/common/transport"
	"krypt.co/dispatch/common/transport/mem"
	"krypt.co/dispatch/common/version"
)

type serverRequest struct {
	link  transport.Link
	frame protocol.Frame
}

//	testServer hands every request it receives to the test, which decides
//	when (and whether) to answer.
type testServer struct {
	t        *testing.T
	codec    protocol.FrameCodec
	listener *mem.Listener
	requests chan serverRequest
}

func startServer(t *testing.T, network *mem.Network, name string) *testServer {
	l, err := network.Listen(name)
	if err != nil {
		t.Fatal(err)
	}
	s := &testServer{
		t:        t,
		codec:    protocol.MustFrameCodec("cbor"),
		listener: l,
		requests: make(chan serverRequest, 64),
	}
	go func() {
		for {
			link, err := l.Accept()
			if err != nil {
				return
			}
			go s.serve(link)
		}
	}()
	t.Cleanup(func() { l.Close() })
	return s
}

func (s *testServer) serve(link transport.Link) {
	for {
		data, err := link.Read()
		if err != nil {
			return
		}
		var frame protocol.Frame
		if err = s.codec.Decode(data, &frame); err != nil {
			s.t.Error(err)
			return
		}
		s.requests <- serverRequest{link: link, frame: frame}
	}
}

func (s *testServer) next() serverRequest {
	s.t.Helper()
	select {
	case req := <-s.requests:
		return req
	case <-time.After(2 * time.Second):
		s.t.Fatal("server received no request")
	}
	return serverRequest{}
}

func (s *testServer) reply(req serverRequest, payload string) {
	s.replyWith(req, protocol.Frame{
		Kind:      protocol.KindReply,
		RequestID: req.frame.RequestID,
		Protocol:  version.PROTOCOL_VERSION.String(),
		Payload:   []byte(payload),
	})
}

func (s *testServer) replyWith(req serverRequest, frame protocol.Frame) {
	s.t.Helper()
	data, err := s.codec.Encode(&frame)
	if err != nil {
		s.t.Fatal(err)
	}
	if err = req.link.Write(data); err != nil {
		s.t.Fatal(err)
	}
}

type delivery struct {
	reply *protocol.Frame
	err   error
}

func collector() (Deliver, chan delivery) {
	ch := make(chan delivery, 16)
	return func(reply *protocol.Frame, err error) {
		ch <- delivery{reply, err}
	}, ch
}

func await(t *testing.T, ch chan delivery) delivery {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery")
	}
	return delivery{}
}

func testRef(t *testing.T, name string) protocol.Reference {
	ref, err := protocol.NewReference("mem://" + name)
	if err != nil {
		t.Fatal(err)
	}
	return ref
}
