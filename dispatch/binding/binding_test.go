package binding

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"krypt.co/dispatch/common/transport/mem"
	. "krypt.co/dispatch/common/util"
	"krypt.co/dispatch/dispatch/rpcerr"
)

func TestResolveWaitNeverReturnsConnecting(t *testing.T) {
	network := mem.NewNetwork()
	startServer(t, network, "svc")
	release := network.Hold("svc")

	b := NewBinding(testRef(t, "svc"), network, Options{})
	done := make(chan *Connection, 1)
	go func() {
		conn, err := b.Resolve(context.Background(), true)
		if err != nil {
			t.Error(err)
		}
		done <- conn
	}()

	TrueBefore(t, func() bool { return network.Dials("svc") == 1 }, time.Now().Add(time.Second))
	if b.State() != StateConnecting {
		t.Fatal("expected connecting, got", b.State())
	}
	if _, err := b.Resolve(context.Background(), false); !errors.Is(err, rpcerr.ErrNotYetConnected) {
		t.Fatal("expected NotYetConnected, got", err)
	}
	if res := b.Poll(); res.Status != Pending {
		t.Fatal("expected pending, got", res.Status)
	}
	select {
	case <-done:
		t.Fatal("resolve returned while connecting")
	case <-time.After(20 * time.Millisecond):
	}

	release(nil)
	conn := <-done
	if conn == nil || conn.State() != Active {
		t.Fatal("expected active connection")
	}
	if b.State() != StateBound {
		t.Fatal("expected bound, got", b.State())
	}
	if network.Dials("svc") != 1 {
		t.Fatal("expected a single dial")
	}
}

func TestFailureReleasesAllWaiters(t *testing.T) {
	network := mem.NewNetwork()
	release := network.Hold("svc")
	b := NewBinding(testRef(t, "svc"), network, Options{})

	refused := errors.New("refused")
	var wg, started sync.WaitGroup
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		started.Add(1)
		go func() {
			defer wg.Done()
			started.Done()
			_, err := b.Resolve(context.Background(), true)
			errs <- err
		}()
	}
	awaited := make(chan Resolution, 1)
	res, _ := b.Await(func(r Resolution) { awaited <- r })
	if res.Status != Pending {
		t.Fatal("expected pending")
	}

	started.Wait()
	TrueBefore(t, func() bool { return network.Dials("svc") == 1 }, time.Now().Add(time.Second))
	time.Sleep(20 * time.Millisecond)
	release(refused)
	wg.Wait()
	close(errs)
	for err := range errs {
		var connectErr *ConnectError
		if !errors.As(err, &connectErr) || !errors.Is(err, refused) {
			t.Fatal("expected the establishment error, got", err)
		}
	}
	if r := <-awaited; r.Status != Failed || !errors.Is(r.Err, refused) {
		t.Fatal("await not released with failure")
	}

	if res := b.Poll(); res.Status != Failed {
		t.Fatal("failure should hold for the reconnect delay")
	}
	if network.Dials("svc") != 1 {
		t.Fatal("waiters should share one dial, got", network.Dials("svc"))
	}
	b.Reset()
	if res := b.Poll(); res.Status != Pending {
		t.Fatal("expected reconnect after reset")
	}
}

func TestWaitingResolveRedialsFailedBinding(t *testing.T) {
	network := mem.NewNetwork()
	startServer(t, network, "svc")
	release := network.Hold("svc")
	b := NewBinding(testRef(t, "svc"), network, Options{ReconnectDelay: time.Hour})

	res, _ := b.Await(func(Resolution) {})
	if res.Status != Pending {
		t.Fatal("expected pending")
	}
	TrueBefore(t, func() bool { return network.Dials("svc") == 1 }, time.Now().Add(time.Second))
	release(errors.New("refused"))
	TrueBefore(t, func() bool { return b.State() == StateFailed }, time.Now().Add(time.Second))

	if _, err := b.Resolve(context.Background(), false); err == nil {
		t.Fatal("non-blocking resolve should report the failure")
	}
	conn, err := b.Resolve(context.Background(), true)
	if err != nil {
		t.Fatal("waiting resolve should dial again, got", err)
	}
	if conn.State() != Active || network.Dials("svc") != 2 {
		t.Fatal("expected a second dial")
	}
}

func TestFailureExpiresAfterReconnectDelay(t *testing.T) {
	network := mem.NewNetwork()
	startServer(t, network, "svc")
	release := network.Hold("svc")
	b := NewBinding(testRef(t, "svc"), network, Options{ReconnectDelay: 50 * time.Millisecond})

	b.Poll()
	TrueBefore(t, func() bool { return network.Dials("svc") == 1 }, time.Now().Add(time.Second))
	release(errors.New("refused"))
	TrueBefore(t, func() bool { return b.State() == StateFailed }, time.Now().Add(time.Second))
	if res := b.Poll(); res.Status != Failed {
		t.Fatal("expected failed inside the delay, got", res.Status)
	}

	time.Sleep(60 * time.Millisecond)
	TrueBefore(t, func() bool { return b.Poll().Status == Ready }, time.Now().Add(time.Second))
	if network.Dials("svc") != 2 {
		t.Fatal("expected a single redial, got", network.Dials("svc"))
	}
}

func TestAwaitFiresOnceBound(t *testing.T) {
	network := mem.NewNetwork()
	startServer(t, network, "svc")
	release := network.Hold("svc")
	b := NewBinding(testRef(t, "svc"), network, Options{})

	fired := make(chan Resolution, 2)
	_, cancelFirst := b.Await(func(r Resolution) { fired <- r })
	_, cancelSecond := b.Await(func(r Resolution) {
		t.Error("cancelled waiter ran")
	})
	if !cancelSecond() {
		t.Fatal("cancel should remove a queued waiter")
	}
	release(nil)

	select {
	case r := <-fired:
		if r.Status != Ready || r.Conn == nil {
			t.Fatal("expected ready resolution")
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never ran")
	}
	if cancelFirst() {
		t.Fatal("cancel after firing should report false")
	}
	res, _ := b.Await(func(Resolution) { t.Error("bound binding queued a waiter") })
	if res.Status != Ready {
		t.Fatal("expected ready")
	}
}

func TestResolveTimeout(t *testing.T) {
	network := mem.NewNetwork()
	release := network.Hold("svc")
	defer release(nil)

	b := NewBinding(testRef(t, "svc"), network, Options{ConnectTimeout: 30 * time.Millisecond})
	_, err := b.Resolve(context.Background(), true)
	if !errors.Is(err, rpcerr.ErrTimeout) {
		t.Fatal("expected timeout, got", err)
	}
	if !rpcerr.IsRetryable(rpcerr.Classify(err, false, false)) {
		t.Fatal("timeout before write should be retryable")
	}
}

func TestLostRevertsToUnbound(t *testing.T) {
	network := mem.NewNetwork()
	server := startServer(t, network, "svc")
	b := NewBinding(testRef(t, "svc"), network, Options{})

	conn, err := b.Resolve(context.Background(), true)
	if err != nil {
		t.Fatal(err)
	}
	deliver, ch := collector()
	if _, _, err = conn.Send(testEnvelope("hang"), deliver); err != nil {
		t.Fatal(err)
	}
	server.next()

	cut := errors.New("cable cut")
	network.Clients("svc")[0].Sever(cut)

	d := await(t, ch)
	if !errors.Is(d.err, rpcerr.ErrConnectionLost) || !errors.Is(d.err, cut) {
		t.Fatal("expected connection lost, got", d.err)
	}
	TrueBefore(t, func() bool { return b.State() == StateUnbound }, time.Now().Add(time.Second))

	next, err := b.Resolve(context.Background(), true)
	if err != nil {
		t.Fatal(err)
	}
	if next == conn {
		t.Fatal("expected a fresh connection")
	}
	if network.Dials("svc") != 2 {
		t.Fatal("expected a second dial")
	}
}

func TestCloseFailsWaiters(t *testing.T) {
	network := mem.NewNetwork()
	release := network.Hold("svc")
	defer release(nil)
	b := NewBinding(testRef(t, "svc"), network, Options{})

	errs := make(chan error, 1)
	go func() {
		_, err := b.Resolve(context.Background(), true)
		errs <- err
	}()
	TrueBefore(t, func() bool { return network.Dials("svc") == 1 }, time.Now().Add(time.Second))
	if err := b.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := <-errs; !errors.Is(err, rpcerr.ErrClosed) {
		t.Fatal("expected closed, got", err)
	}
}

func TestRegistrySharesBinding(t *testing.T) {
	network := mem.NewNetwork()
	startServer(t, network, "svc")
	registry := NewRegistry(network, Options{})
	ref := testRef(t, "svc")

	if registry.Get(ref) != registry.Get(ref.WithMode(ref.Mode)) {
		t.Fatal("same reference should share a binding")
	}
	if registry.Get(ref) == registry.Get(testRef(t, "svc")) {
		t.Fatal("distinct identities should not share a binding")
	}
	conn, err := registry.Get(ref).Resolve(context.Background(), true)
	if err != nil {
		t.Fatal(err)
	}
	if err = registry.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if conn.State() != Closed {
		t.Fatal("registry close should close connections")
	}
}
