package net

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/ipv4"
	tomb "gopkg.in/tomb.v2"

	"ratatoskr/internal/event"
)

const frameBacklog = 256

// EventProcessor receives event datagrams and fans them out to its
// subscribers. Receiving and delivery run on separate goroutines, so a
// listener that blocks on the exchange never stalls the socket.
type EventProcessor struct {
	conn   net.PacketConn
	leave  func() error
	hub    *event.Hub
	frames chan string

	t         tomb.Tomb
	startOnce sync.Once
	closeOnce sync.Once
	closeErr  error
}

// NewEventProcessor reads datagrams from conn. The processor owns conn.
func NewEventProcessor(conn net.PacketConn) *EventProcessor {
	return &EventProcessor{
		conn:   conn,
		hub:    event.NewHub(),
		frames: make(chan string, frameBacklog),
	}
}

// NewMulticastProcessor joins group on port. ifaceName selects the
// interface to join on; empty lets the system choose.
func NewMulticastProcessor(group string, port int, ifaceName string) (*EventProcessor, error) {
	ip := net.ParseIP(group)
	if ip == nil || !ip.IsMulticast() {
		return nil, fmt.Errorf("%q is not a multicast address", group)
	}

	var iface *net.Interface
	if ifaceName != "" {
		var err error
		if iface, err = net.InterfaceByName(ifaceName); err != nil {
			return nil, err
		}
	}

	// Binding the group address lets several processes share the port.
	conn, err := net.ListenPacket("udp4", net.JoinHostPort(group, fmt.Sprint(port)))
	if err != nil {
		return nil, err
	}
	p := ipv4.NewPacketConn(conn)
	addr := &net.UDPAddr{IP: ip}
	if err := p.JoinGroup(iface, addr); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("join %s: %w", group, err)
	}

	log.Info().Str("group", group).Int("port", port).Msg("joined multicast group")
	proc := NewEventProcessor(conn)
	proc.leave = func() error { return p.LeaveGroup(iface, addr) }
	return proc, nil
}

func (p *EventProcessor) Subscribe(l event.Listener) *event.Subscription {
	return p.hub.Subscribe(l)
}

func (p *EventProcessor) LocalAddr() net.Addr { return p.conn.LocalAddr() }

// Start launches the receive loop. Later calls do nothing.
func (p *EventProcessor) Start() {
	p.startOnce.Do(func() {
		p.t.Go(p.receive)
		p.t.Go(p.deliver)
	})
}

// Done is closed once the receive loop has ended and every received frame
// has been delivered.
func (p *EventProcessor) Done() <-chan struct{} { return p.t.Dead() }

func (p *EventProcessor) receive() error {
	defer close(p.frames)

	buf := make([]byte, MaxFrameSize)
	for {
		n, from, err := p.conn.ReadFrom(buf)
		if err != nil {
			if !p.t.Alive() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Error().Err(err).Msg("event receive failed, stopping")
			return nil
		}

		frame, err := decodePacket(buf[:n])
		if err != nil {
			log.Warn().Err(err).Msg("dropping undecodable event datagram")
			continue
		}
		if frame == EndFrame {
			log.Info().Stringer("from", from).Msg("end of events received")
			return nil
		}
		p.frames <- frame
	}
}

func (p *EventProcessor) deliver() error {
	for frame := range p.frames {
		ev, err := ParseEvent(frame)
		if err != nil {
			log.Warn().Err(err).Str("frame", frame).Msg("ignoring unrecognized event")
			continue
		}
		log.Debug().Str("frame", frame).Msg("event received")
		p.hub.Publish(ev)
	}
	return nil
}

// Close stops receiving, leaves the group and closes the socket. Frames
// already received are still delivered before Close returns.
func (p *EventProcessor) Close() error {
	p.closeOnce.Do(func() {
		p.t.Kill(nil)

		var errs []error
		if p.leave != nil {
			errs = append(errs, p.leave())
		}
		errs = append(errs, p.conn.Close())

		// Never started: a no-op goroutine is what lets the tomb reach dead.
		p.startOnce.Do(func() {
			close(p.frames)
			p.t.Go(func() error { return nil })
		})
		<-p.t.Dead()
		p.closeErr = errors.Join(errs...)
	})
	return p.closeErr
}
