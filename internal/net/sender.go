package net

import (
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/ipv4"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"

	"ratatoskr/internal/event"
)

// EventSender publishes exchange events as datagrams. It implements
// event.Listener so it can be subscribed straight to an exchange.
type EventSender struct {
	mu      sync.Mutex
	conn    net.PacketConn
	dst     net.Addr
	encoder *encoding.Encoder
	buf     []byte // one packet, reused for every send
}

// NewEventSender sends to dst over conn. The sender owns conn.
func NewEventSender(conn net.PacketConn, dst net.Addr) *EventSender {
	return &EventSender{
		conn:    conn,
		dst:     dst,
		encoder: charmap.ISO8859_1.NewEncoder(),
		buf:     make([]byte, MaxFrameSize),
	}
}

// NewMulticastSender sends to group:port with the given TTL. loopback
// controls whether receivers on this host see the packets.
func NewMulticastSender(group string, port, ttl int, loopback bool) (*EventSender, error) {
	ip := net.ParseIP(group)
	if ip == nil || !ip.IsMulticast() {
		return nil, fmt.Errorf("%q is not a multicast address", group)
	}

	conn, err := net.ListenPacket("udp4", "0.0.0.0:0")
	if err != nil {
		return nil, err
	}
	p := ipv4.NewPacketConn(conn)
	if err := p.SetMulticastTTL(ttl); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set multicast ttl: %w", err)
	}
	if err := p.SetMulticastLoopback(loopback); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set multicast loopback: %w", err)
	}

	log.Info().Str("group", group).Int("port", port).Int("ttl", ttl).Msg("multicast sender ready")
	return NewEventSender(conn, &net.UDPAddr{IP: ip, Port: port}), nil
}

func (s *EventSender) Send(ev event.Event) error {
	frame, err := EncodeEvent(ev)
	if err != nil {
		return err
	}
	return s.send(frame)
}

// SendEnd tells every receiver to stop.
func (s *EventSender) SendEnd() error { return s.send(EndFrame) }

// send serializes concurrent callers so frames never interleave in the
// shared buffer.
func (s *EventSender) send(frame string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.encoder.Reset()
	n, _, err := s.encoder.Transform(s.buf, []byte(frame+"\n"), true)
	if err != nil {
		return fmt.Errorf("encode frame %q: %w", frame, err)
	}
	if _, err := s.conn.WriteTo(s.buf[:n], s.dst); err != nil {
		return fmt.Errorf("send frame %q: %w", frame, err)
	}
	log.Debug().Str("frame", frame).Msg("event sent")
	return nil
}

func (s *EventSender) ExchangeOpened(ev event.Event) { s.forward(ev) }
func (s *EventSender) ExchangeClosed(ev event.Event) { s.forward(ev) }
func (s *EventSender) PriceChanged(ev event.Event)   { s.forward(ev) }

// Event delivery is best effort; receivers reconcile by polling.
func (s *EventSender) forward(ev event.Event) {
	if err := s.Send(ev); err != nil {
		log.Error().Err(err).Stringer("kind", ev.Kind).Msg("unable to multicast event")
	}
}

func (s *EventSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Close()
}
