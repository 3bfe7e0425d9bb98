package tcp

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"krypt.co/dispatch/common/protocol"
	"krypt.co/dispatch/common/transport"
)

func TestLoopback(t *testing.T) {
	l, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	accepted := make(chan transport.Link, 1)
	go func() {
		link, err := l.Accept()
		if err == nil {
			accepted <- link
		}
	}()

	ref, err := protocol.NewReference(l.Addr())
	if err != nil {
		t.Fatal(err)
	}
	client, err := (&Connector{}).Connect(context.Background(), ref)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	server := <-accepted
	defer server.Close()

	frames := []string{"first", "", strings.Repeat("x", 100000)}
	writeErr := make(chan error, 1)
	go func() {
		for _, f := range frames {
			if err := client.Write([]byte(f)); err != nil {
				writeErr <- err
				return
			}
		}
		writeErr <- nil
	}()
	for _, want := range frames {
		got, err := server.Read()
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != want {
			t.Fatal("frame mismatch, got", len(got), "bytes")
		}
	}
	if err := <-writeErr; err != nil {
		t.Fatal(err)
	}
}

func TestOversizedFrameNotWritten(t *testing.T) {
	l, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	go l.Accept()

	ref, _ := protocol.NewReference(l.Addr())
	client, err := (&Connector{}).Connect(context.Background(), ref)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	err = client.Write(make([]byte, maxFrame+1))
	if !errors.Is(err, transport.ErrNothingWritten) {
		t.Fatal("oversized frame should not be written", err)
	}
}

func TestUnixSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dispatch.sock")
	l, err := ListenNetwork("unix", path)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	if l.Addr() != "unix://"+path {
		t.Fatal("unexpected address", l.Addr())
	}

	accepted := make(chan transport.Link, 1)
	go func() {
		link, err := l.Accept()
		if err == nil {
			accepted <- link
		}
	}()
	ref, err := protocol.NewReference(l.Addr())
	if err != nil {
		t.Fatal(err)
	}
	client, err := (&Connector{}).Connect(context.Background(), ref)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	server := <-accepted
	defer server.Close()

	if err = client.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	got, err := server.Read()
	if err != nil || string(got) != "ping" {
		t.Fatal("unexpected frame", string(got), err)
	}
	if client.RemoteAddr() != "unix://"+path {
		t.Fatal("unexpected remote address", client.RemoteAddr())
	}
}
