package rpcerr

import (
	"context"
	"errors"
	"testing"

	"krypt.co/dispatch/common/transport"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		written    bool
		idempotent bool
		retryable  bool
	}{
		{"not connected", ErrNotYetConnected, false, false, true},
		{"lost before write", Lost(errors.New("reset")), false, false, true},
		{"lost after write", Lost(errors.New("reset")), true, false, false},
		{"lost after write idempotent", Lost(errors.New("reset")), true, true, true},
		{"timeout after write", ErrTimeout, true, false, false},
		{"write reported nothing sent", transport.NotWritten(errors.New("epipe")), true, false, true},
		{"fatal", Fatalf("bad frame"), false, true, false},
		{"remote", &RemoteError{Operation: "op", Status: "user error", Message: "no"}, true, true, false},
		{"cancelled", ErrCancelled, false, false, false},
	}
	for _, c := range cases {
		err := Classify(c.err, c.written, c.idempotent)
		if IsRetryable(err) != c.retryable {
			t.Fatal(c.name, "retryable =", IsRetryable(err))
		}
		if !errors.Is(err, c.err) {
			t.Fatal(c.name, "lost the underlying cause")
		}
	}
}

func TestClassifyKeepsExistingTag(t *testing.T) {
	tagged := &NonRetryable{ErrTimeout}
	if Classify(tagged, false, true) != tagged {
		t.Fatal("already classified error was re-tagged")
	}
	if Classify(nil, true, false) != nil {
		t.Fatal("nil must stay nil")
	}
}

func TestFromContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	if FromContext(ctx) != nil {
		t.Fatal("live context mapped to an error")
	}
	cancel()
	if !errors.Is(FromContext(ctx), ErrCancelled) {
		t.Fatal("cancel not mapped")
	}
	ctx, cancel = context.WithTimeout(context.Background(), 0)
	defer cancel()
	<-ctx.Done()
	if !errors.Is(FromContext(ctx), ErrTimeout) {
		t.Fatal("deadline not mapped")
	}
}
