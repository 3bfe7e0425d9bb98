package envelope

import (
	"sync"
	"testing"

	"krypt.co/dispatch/common/protocol"
)

func TestAcquireIsClean(t *testing.T) {
	pool := NewPool()
	e := pool.Acquire("opA", protocol.Oneway, map[string]string{"k": "v"})
	e.Idempotent = true
	e.In.WriteString("arguments")
	e.Out.WriteString("reply")
	e.OnComplete = func(error) {}
	if err := pool.Release(e); err != nil {
		t.Fatal(err)
	}

	e2 := pool.Acquire("opB", protocol.Normal, nil)
	if e2 != e {
		t.Fatal("idle envelope not reused")
	}
	if e2.Operation != "opB" || e2.Mode != protocol.Normal || e2.Idempotent {
		t.Fatal("stale header fields", e2.Operation, e2.Mode, e2.Idempotent)
	}
	if e2.Context != nil || e2.In.Len() != 0 || e2.Out.Len() != 0 || e2.OnComplete != nil {
		t.Fatal("residual data from the previous call")
	}
}

func TestContextIsCopied(t *testing.T) {
	pool := NewPool()
	ctx := map[string]string{"trace": "1"}
	e := pool.Acquire("op", protocol.Normal, ctx)
	ctx["trace"] = "2"
	if e.Context["trace"] != "1" {
		t.Fatal("envelope aliases the caller's context")
	}
}

func TestReleaseErrors(t *testing.T) {
	pool := NewPool()
	e := pool.Acquire("op", protocol.Normal, nil)
	if err := pool.Release(e); err != nil {
		t.Fatal(err)
	}
	if err := pool.Release(e); err != ErrNotCheckedOut {
		t.Fatal("double release not detected", err)
	}
	if pool.Stats().Idle != 1 {
		t.Fatal("double release changed the free-list")
	}
	if err := pool.Release(&Envelope{}); err != ErrForeign {
		t.Fatal("foreign envelope accepted", err)
	}
	other := NewPool().Acquire("op", protocol.Normal, nil)
	if err := pool.Release(other); err != ErrForeign {
		t.Fatal("envelope from another pool accepted", err)
	}
}

func TestLookup(t *testing.T) {
	pool := NewPool()
	e := pool.Acquire("op", protocol.Normal, nil)
	if pool.Lookup(e.Handle()) != e {
		t.Fatal("lookup failed for checked out envelope")
	}
	pool.Release(e)
	if pool.Lookup(e.Handle()) != nil {
		t.Fatal("lookup returned an idle envelope")
	}
	if pool.Lookup(0) != nil || pool.Lookup(99) != nil {
		t.Fatal("lookup of invalid handle")
	}
}

func TestExclusiveCheckout(t *testing.T) {
	pool := NewPool()
	var mu sync.Mutex
	owners := map[*Envelope]bool{}
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				e := pool.Acquire("op", protocol.Normal, nil)
				mu.Lock()
				if owners[e] {
					mu.Unlock()
					t.Error("envelope checked out twice")
					return
				}
				owners[e] = true
				mu.Unlock()

				e.In.WriteString("x")

				mu.Lock()
				delete(owners, e)
				mu.Unlock()
				if err := pool.Release(e); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()
	stats := pool.Stats()
	if stats.Size != stats.Idle || stats.Size > 32 {
		t.Fatal("unexpected pool stats", stats)
	}
}

func TestCodecs(t *testing.T) {
	for _, codec := range []Codec{CBOR(), JSON()} {
		pool := NewPool()
		e := pool.Acquire("add", protocol.Normal, nil)
		if err := codec.Marshal(e, []int{1, 2}); err != nil {
			t.Fatal(err)
		}
		if e.In.Len() == 0 {
			t.Fatal("nothing marshalled")
		}
		e.Out.Write(e.In.Bytes())
		var args []int
		if err := codec.Unmarshal(e, &args); err != nil {
			t.Fatal(err)
		}
		if len(args) != 2 || args[1] != 2 {
			t.Fatal("bad args", args)
		}
	}
}

func TestCompleteFiresOnce(t *testing.T) {
	e := &Envelope{}
	n := 0
	e.OnComplete = func(error) { n++ }
	e.Complete(nil)
	e.Complete(nil)
	if n != 1 {
		t.Fatal("completion fired", n, "times")
	}
}
