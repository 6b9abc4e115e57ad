package p2p

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const outboundQueueSize = 64

// Peer is the pool's live-connection record. It no longer owns a raw
// socket (spec.md §1 places the WebSocket transport out of scope);
// instead it drives an outbound queue against a Transport handle,
// keeping the teacher's goroutine-plus-channel write path while message
// intake is driven synchronously through HandleInbound by whatever
// delivers frames from the transport; no component in this module does so.
type Peer struct {
	id        string
	info      *PeerInfo
	transport Transport
	inbound   bool

	outbound chan *Message
	limiter  *tokenBucket

	connectedAt      time.Time
	messagesInPeriod int
	penalty          int

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}

	onTerminate func(p *Peer, reason error)
}

func newPeer(id string, info *PeerInfo, transport Transport, inbound bool, rate, burst float64, onTerminate func(*Peer, error)) *Peer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Peer{
		id:          id,
		info:        info,
		transport:   transport,
		inbound:     inbound,
		outbound:    make(chan *Message, outboundQueueSize),
		limiter:     newTokenBucket(rate, burst),
		connectedAt: time.Now(),
		ctx:         ctx,
		cancel:      cancel,
		closed:      make(chan struct{}),
		onTerminate: onTerminate,
	}
}

func (p *Peer) start() {
	go p.writeLoop()
}

// Enqueue queues msg for delivery without blocking the caller, per
// spec.md §4.4.2's "full queue reported, never blocks" behavior.
func (p *Peer) Enqueue(msg *Message) error {
	select {
	case <-p.ctx.Done():
		return ErrNodeNotReady
	default:
	}
	select {
	case p.outbound <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

func (p *Peer) writeLoop() {
	for {
		select {
		case <-p.ctx.Done():
			return
		case msg, ok := <-p.outbound:
			if !ok {
				return
			}
			if err := p.transport.Send(p.id, msg); err != nil {
				p.Terminate(fmt.Errorf("send to peer %s: %w", p.id, err))
				return
			}
		}
	}
}

// HandleInbound admits one inbound frame, applying the peer's message
// rate limit before forwarding to handler. Called by whatever component
// bridges the live transport to the pool.
func (p *Peer) HandleInbound(msg *Message, handler MessageHandler, now time.Time) error {
	if !p.limiter.allow(now) {
		return ErrQueueFull
	}
	p.mu.Lock()
	p.messagesInPeriod++
	p.mu.Unlock()
	return handler.HandleMessage(msg)
}

// resetRatePeriod is invoked by PeerPool's rate-calculation timer; it
// returns the message count observed since the last reset.
func (p *Peer) resetRatePeriod() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	count := p.messagesInPeriod
	p.messagesInPeriod = 0
	return count
}

// Terminate closes the peer's outbound queue and transport, then
// notifies the pool exactly once.
func (p *Peer) Terminate(reason error) {
	p.closeOnce.Do(func() {
		p.cancel()
		close(p.outbound)
		close(p.closed)
		_ = p.transport.Close(p.id, reason)
		if p.onTerminate != nil {
			p.onTerminate(p, reason)
		}
	})
}
