// Package udp carries controller link records over UDP. A Listener queues
// inbound command datagrams for the tick loop to answer, and a Broadcaster
// pushes unsolicited telemetry to a fixed destination.
package udp

import (
	"fmt"
	"net"
	"sync"
)

// MaxDatagram bounds a single record on the wire.
const MaxDatagram = 512

type udpConn interface {
	Write(p []byte) (int, error)
	Close() error
}

type resolveFunc func(network, address string) (*net.UDPAddr, error)

type dialFunc func(network string, laddr, raddr *net.UDPAddr) (udpConn, error)

type Broadcaster struct {
	dest string
	conn udpConn

	mu   sync.Mutex
	sent uint64
}

func NewBroadcaster(dest string) (*Broadcaster, error) {
	return newBroadcaster(dest, net.ResolveUDPAddr, func(network string, laddr, raddr *net.UDPAddr) (udpConn, error) {
		return net.DialUDP(network, laddr, raddr)
	})
}

func newBroadcaster(dest string, resolve resolveFunc, dial dialFunc) (*Broadcaster, error) {
	addr, err := resolve("udp", dest)
	if err != nil {
		return nil, fmt.Errorf("resolve dest: %w", err)
	}

	// DialUDP selects a suitable local address automatically.
	conn, err := dial("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("dial udp: %w", err)
	}

	return &Broadcaster{
		dest: dest,
		conn: conn,
	}, nil
}

func (b *Broadcaster) Dest() string { return b.dest }

// Send writes one record. Empty payloads are skipped; oversized ones are
// refused rather than fragmented.
func (b *Broadcaster) Send(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	if len(payload) > MaxDatagram {
		return fmt.Errorf("udp: payload of %d bytes exceeds %d", len(payload), MaxDatagram)
	}
	if _, err := b.conn.Write(payload); err != nil {
		return err
	}
	b.mu.Lock()
	b.sent++
	b.mu.Unlock()
	return nil
}

// Sent counts successful writes.
func (b *Broadcaster) Sent() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sent
}

func (b *Broadcaster) Close() error {
	if b.conn == nil {
		return nil
	}
	return b.conn.Close()
}
