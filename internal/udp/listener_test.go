package udp

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"
)

func startListener(t *testing.T, queue int) (*Listener, context.CancelFunc) {
	t.Helper()
	l, err := Listen("127.0.0.1:0", queue)
	if err != nil {
		t.Fatalf("Listen() error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = l.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return l, cancel
}

func waitNext(t *testing.T, l *Listener) Datagram {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if d, ok := l.Next(); ok {
			return d
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no datagram within deadline")
	return Datagram{}
}

func TestListener_QueuesAndReplies(t *testing.T) {
	l, _ := startListener(t, 4)

	client, err := net.DialUDP("udp", nil, l.Addr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("DialUDP() error: %v", err)
	}
	defer client.Close()

	if _, err := client.Write([]byte("ping")); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	d := waitNext(t, l)
	if string(d.Payload) != "ping" {
		t.Fatalf("payload=%q", d.Payload)
	}
	if err := l.Reply(d.From, []byte("pong")); err != nil {
		t.Fatalf("Reply() error: %v", err)
	}

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 16)
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("Read() error: %v", err)
	}
	if string(buf[:n]) != "pong" {
		t.Fatalf("reply=%q", buf[:n])
	}
}

func TestListener_NextEmpty(t *testing.T) {
	l, _ := startListener(t, 1)
	if _, ok := l.Next(); ok {
		t.Fatalf("expected empty queue")
	}
}

func TestListener_DropsOversize(t *testing.T) {
	l, _ := startListener(t, 4)

	client, err := net.DialUDP("udp", nil, l.Addr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("DialUDP() error: %v", err)
	}
	defer client.Close()

	if _, err := client.Write(make([]byte, MaxDatagram+10)); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	if _, err := client.Write([]byte("ok")); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	d := waitNext(t, l)
	if string(d.Payload) != "ok" {
		t.Fatalf("payload=%q", d.Payload)
	}
	if l.Dropped() != 1 {
		t.Fatalf("dropped=%d want 1", l.Dropped())
	}
}

func TestListener_ReplyNilAddrNoop(t *testing.T) {
	l, _ := startListener(t, 1)
	if err := l.Reply(nil, []byte{1}); err != nil {
		t.Fatalf("Reply(nil) error: %v", err)
	}
}

type failingConn struct {
	readErr error
	closes  atomic.Int32
	closed  chan struct{}
}

func newFailingConn(readErr error) *failingConn {
	return &failingConn{readErr: readErr, closed: make(chan struct{})}
}

func (c *failingConn) ReadFromUDP([]byte) (int, *net.UDPAddr, error) {
	if c.readErr != nil {
		return 0, nil, c.readErr
	}
	<-c.closed
	return 0, nil, net.ErrClosed
}

func (c *failingConn) WriteToUDP(b []byte, _ *net.UDPAddr) (int, error) { return len(b), nil }
func (c *failingConn) LocalAddr() net.Addr                              { return &net.UDPAddr{} }

func (c *failingConn) Close() error {
	if c.closes.Add(1) == 1 {
		close(c.closed)
	}
	return nil
}

func TestListener_RunReturnsReadErrorAndReleasesWatcher(t *testing.T) {
	boom := errors.New("boom")
	conn := newFailingConn(boom)
	l := newListener(conn, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := l.Run(ctx); !errors.Is(err, boom) {
		t.Fatalf("Run() error=%v want %v", err, boom)
	}

	// A watcher still waiting on ctx would close the socket now.
	cancel()
	time.Sleep(50 * time.Millisecond)
	if n := conn.closes.Load(); n != 0 {
		t.Fatalf("socket closed %d times after Run returned", n)
	}
}

func TestListener_RunClosesSocketOnCancel(t *testing.T) {
	conn := newFailingConn(nil)
	l := newListener(conn, 1)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- l.Run(ctx) }()

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Run() error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
	if n := conn.closes.Load(); n != 1 {
		t.Fatalf("closes=%d want 1", n)
	}
}
