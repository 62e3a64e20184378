package udp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
)

// Datagram is one inbound record and where to answer it.
type Datagram struct {
	From    *net.UDPAddr
	Payload []byte
}

// Listener reads datagrams on its own goroutine and hands them to the tick
// loop through a bounded queue. When the queue is full new datagrams are
// dropped and counted.
type Listener struct {
	conn    packetConn
	queue   chan Datagram
	dropped atomic.Uint64
}

const DefaultQueue = 16

type packetConn interface {
	ReadFromUDP(b []byte) (int, *net.UDPAddr, error)
	WriteToUDP(b []byte, addr *net.UDPAddr) (int, error)
	LocalAddr() net.Addr
	Close() error
}

func Listen(addr string, queue int) (*Listener, error) {
	if queue <= 0 {
		queue = DefaultQueue
	}
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve listen: %w", err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("listen udp: %w", err)
	}
	return newListener(conn, queue), nil
}

func newListener(conn packetConn, queue int) *Listener {
	return &Listener{conn: conn, queue: make(chan Datagram, queue)}
}

func (l *Listener) Addr() net.Addr { return l.conn.LocalAddr() }

// Run reads until ctx is cancelled, the socket is closed or a read fails.
func (l *Listener) Run(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = l.conn.Close()
		case <-done:
		}
	}()
	buf := make([]byte, MaxDatagram+1)
	for {
		n, from, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		if n > MaxDatagram {
			l.dropped.Add(1)
			continue
		}
		d := Datagram{From: from, Payload: append([]byte(nil), buf[:n]...)}
		select {
		case l.queue <- d:
		default:
			l.dropped.Add(1)
		}
	}
}

// Next returns a queued datagram without blocking.
func (l *Listener) Next() (Datagram, bool) {
	select {
	case d := <-l.queue:
		return d, true
	default:
		return Datagram{}, false
	}
}

func (l *Listener) Reply(to *net.UDPAddr, payload []byte) error {
	if to == nil || len(payload) == 0 {
		return nil
	}
	_, err := l.conn.WriteToUDP(payload, to)
	return err
}

func (l *Listener) Dropped() uint64 { return l.dropped.Load() }

func (l *Listener) Close() error {
	err := l.conn.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
