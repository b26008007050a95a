// Package ipc implements kernel message channels between agents.
//
// Channels live in a fixed table indexed by kernel.ChannelID. A send copies
// the payload into channel-owned storage; a receive copies it out into the
// caller's buffer and releases it. Blocking operations park the calling
// thread through a Suspender and retry once woken.
package ipc

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"sparkcore/internal/telemetry"
	"sparkcore/kernel"
)

// DeliveryMode selects what a send does when the queue is full.
type DeliveryMode uint32

const (
	// Blocking suspends the sender until space frees.
	Blocking DeliveryMode = iota
	// Drop fails the send with ChannelFull.
	Drop
)

func (m DeliveryMode) String() string {
	switch m {
	case Blocking:
		return "blocking"
	case Drop:
		return "drop"
	default:
		return "unknown"
	}
}

// Envelope flags.
const (
	FlagReplyRequired uint32 = 1 << iota
	FlagNonBlocking
)

// DefaultMemoryLimit bounds the payload bytes held across all channels.
const DefaultMemoryLimit = 1 << 20

// Descriptor describes a channel at creation time.
type Descriptor struct {
	ID             kernel.ChannelID
	Owner          kernel.AgentID
	Type           uint32
	MaxMessages    uint32
	MaxMessageSize uint32
	Mode           DeliveryMode
	// Permission is the one non-owner agent allowed to send; 0 is public.
	Permission kernel.AgentID
	// ReplyTo is the channel Call waits on for replies.
	ReplyTo kernel.ChannelID
	Flags   uint32
}

// Envelope is a message header plus payload.
type Envelope struct {
	Type  uint32
	Dst   kernel.AgentID
	Corr  kernel.CorrID
	Flags uint32
	// From and ReplyTo are stamped by the kernel.
	From    kernel.AgentID
	ReplyTo kernel.ChannelID
	Payload []byte
}

// Caller identifies who is performing an operation.
type Caller struct {
	Agent  kernel.AgentID
	Thread kernel.ThreadID
}

// Suspender parks and wakes threads on behalf of blocking operations.
type Suspender interface {
	// Park moves a thread to BLOCKED and returns a channel signalled when
	// it is woken or killed.
	Park(kernel.ThreadID) (<-chan struct{}, kernel.Status)
	Wake(kernel.ThreadID) kernel.Status
	Alive(kernel.ThreadID) bool
}

// Config wires the manager's collaborators.
type Config struct {
	// Suspender is required for blocking operations; without it they fail
	// as if non-blocking.
	Suspender Suspender
	Logger    *slog.Logger
	Metrics   *telemetry.Metrics
	// MemoryLimit caps queued payload bytes; 0 means DefaultMemoryLimit.
	MemoryLimit int
}

type channel struct {
	desc   Descriptor
	active bool
	// gen changes on every create so parked waiters notice a recycled id.
	gen         uint64
	q           queue
	sendWaiters []kernel.ThreadID
	recvWaiters []kernel.ThreadID
}

// Manager owns the channel table.
type Manager struct {
	mu   sync.Mutex
	cfg  Config
	log  *slog.Logger
	susp Suspender

	chans [kernel.MaxChannels]channel
	gen   uint64
	corr  kernel.CorrID
	used  int
}

// New returns a manager with every channel inactive.
func New(cfg Config) *Manager {
	if cfg.MemoryLimit <= 0 {
		cfg.MemoryLimit = DefaultMemoryLimit
	}
	return &Manager{cfg: cfg, log: telemetry.OrDiscard(cfg.Logger), susp: cfg.Suspender}
}

func (m *Manager) done(op string, id kernel.ChannelID, st kernel.Status) kernel.Status {
	m.cfg.Metrics.IPC(op, st.String())
	if st != kernel.OK {
		m.log.Debug("ipc op failed", "op", op, "channel", id, "status", st)
	}
	return st
}

// active returns the channel for id if it is active. Caller holds m.mu.
func (m *Manager) active(id kernel.ChannelID) *channel {
	if !id.Valid() {
		return nil
	}
	ch := &m.chans[id]
	if !ch.active {
		return nil
	}
	return ch
}

// Create registers an empty channel.
func (m *Manager) Create(d Descriptor) kernel.Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !d.ID.Valid() || d.MaxMessages == 0 {
		return m.done("create", d.ID, kernel.InvalidParam)
	}
	ch := &m.chans[d.ID]
	if ch.active {
		return m.done("create", d.ID, kernel.PermissionDenied)
	}
	m.gen++
	*ch = channel{desc: d, active: true, gen: m.gen}
	m.log.Debug("channel created", "channel", d.ID, "owner", d.Owner,
		"capacity", d.MaxMessages, "mode", d.Mode)
	return m.done("create", d.ID, kernel.OK)
}

// Close releases every queued message and deactivates the channel. Only
// the owner may close it. Parked senders and receivers are woken and
// observe ChannelNotFound.
func (m *Manager) Close(id kernel.ChannelID, requester kernel.AgentID) kernel.Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := m.active(id)
	if ch == nil {
		return m.done("close", id, kernel.ChannelNotFound)
	}
	if requester != ch.desc.Owner {
		return m.done("close", id, kernel.PermissionDenied)
	}
	m.release(ch.q.reset())
	ch.active = false
	m.wakeAll(&ch.sendWaiters)
	m.wakeAll(&ch.recvWaiters)
	m.log.Debug("channel closed", "channel", id)
	return m.done("close", id, kernel.OK)
}

func (m *Manager) release(n int) {
	m.used -= n
	m.cfg.Metrics.QueuedBytes(m.used)
}

func maySend(ch *channel, agent kernel.AgentID) bool {
	p := ch.desc.Permission
	return p == 0 || agent == ch.desc.Owner || agent == p
}

// Send appends a copy of env to the channel queue.
func (m *Manager) Send(ctx context.Context, c Caller, id kernel.ChannelID, env Envelope) kernel.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done("send", id, m.send(ctx, c, id, env))
}

// send runs the send loop. Caller holds m.mu.
func (m *Manager) send(ctx context.Context, c Caller, id kernel.ChannelID, env Envelope) kernel.Status {
	for {
		ch := m.active(id)
		if ch == nil {
			return kernel.ChannelNotFound
		}
		if !maySend(ch, c.Agent) {
			return kernel.PermissionDenied
		}
		if uint64(len(env.Payload)) > uint64(ch.desc.MaxMessageSize) {
			return kernel.PayloadTooLarge
		}
		if ch.q.len() < int(ch.desc.MaxMessages) {
			if m.used+len(env.Payload) > m.cfg.MemoryLimit {
				return kernel.OutOfMemory
			}
			env.From = c.Agent
			env.Payload = slices.Clone(env.Payload)
			ch.q.push(message{env: env})
			m.used += len(env.Payload)
			m.cfg.Metrics.QueuedBytes(m.used)
			m.wakeAll(&ch.recvWaiters)
			return kernel.OK
		}
		if ch.desc.Mode == Drop || env.Flags&FlagNonBlocking != 0 {
			return kernel.ChannelFull
		}
		if st := m.wait(ctx, c.Thread, ch, &ch.sendWaiters, kernel.ChannelFull); st != kernel.OK {
			return st
		}
	}
}

// Recv dequeues the oldest message, copying its payload into buf. The
// returned envelope's Payload is buf[:n], where n is the copied length.
func (m *Manager) Recv(ctx context.Context, c Caller, id kernel.ChannelID, flags uint32, buf []byte) (Envelope, kernel.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	env, st := m.take(ctx, c, id, flags, buf, nil)
	return env, m.done("recv", id, st)
}

// take removes the oldest message accepted by match (any message when match
// is nil), parking while none is queued. Caller holds m.mu.
func (m *Manager) take(ctx context.Context, c Caller, id kernel.ChannelID, flags uint32, buf []byte, match func(*Envelope) bool) (Envelope, kernel.Status) {
	for {
		ch := m.active(id)
		if ch == nil {
			return Envelope{}, kernel.ChannelNotFound
		}
		i, ok := 0, ch.q.len() > 0
		if ok && match != nil {
			i, ok = ch.q.find(match)
		}
		if ok {
			msg := ch.q.removeAt(i)
			m.release(len(msg.env.Payload))
			m.wakeAll(&ch.sendWaiters)
			env := msg.env
			n := copy(buf, env.Payload)
			env.Payload = buf[:n]
			return env, kernel.OK
		}
		if flags&FlagNonBlocking != 0 {
			return Envelope{}, kernel.ChannelEmpty
		}
		if st := m.wait(ctx, c.Thread, ch, &ch.recvWaiters, kernel.ChannelEmpty); st != kernel.OK {
			return Envelope{}, st
		}
	}
}

// Call sends env on id and waits for the matching reply.
//
// The caller's reply channel is the ReplyTo of channel id's descriptor. The
// request is stamped with FlagReplyRequired, the sender and the reply
// channel; a zero Corr is replaced with a fresh correlation id. The reply is
// the oldest message on the reply channel carrying that Corr; other queued
// replies are left in place.
func (m *Manager) Call(ctx context.Context, c Caller, id kernel.ChannelID, env Envelope, buf []byte) (Envelope, kernel.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := m.active(id)
	if ch == nil {
		return Envelope{}, m.done("call", id, kernel.ChannelNotFound)
	}
	replyTo := ch.desc.ReplyTo
	if m.active(replyTo) == nil {
		return Envelope{}, m.done("call", id, kernel.ChannelNotFound)
	}
	if env.Corr == 0 {
		env.Corr = m.nextCorr()
	}
	env.Flags |= FlagReplyRequired
	env.ReplyTo = replyTo
	if st := m.send(ctx, c, id, env); st != kernel.OK {
		return Envelope{}, m.done("call", id, st)
	}

	corr := env.Corr
	reply, st := m.take(ctx, c, replyTo, 0, buf, func(e *Envelope) bool {
		return e.Corr == corr
	})
	return reply, m.done("call", id, st)
}

func (m *Manager) nextCorr() kernel.CorrID {
	m.corr++
	if m.corr == 0 {
		m.corr++
	}
	return m.corr
}

// Reply answers a request received from Call on the request's reply
// channel, carrying the request's correlation id.
func (m *Manager) Reply(ctx context.Context, c Caller, request Envelope, env Envelope) kernel.Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	if request.Flags&FlagReplyRequired == 0 {
		return m.done("reply", request.ReplyTo, kernel.Mismatch)
	}
	env.Corr = request.Corr
	env.Flags &^= FlagReplyRequired
	return m.done("reply", request.ReplyTo, m.send(ctx, c, request.ReplyTo, env))
}

// wait parks thread as a waiter on ch and releases m.mu until it is woken,
// ctx ends, or the channel goes away. Caller holds m.mu; it is held again
// on return. fallback is returned when no Suspender is wired.
func (m *Manager) wait(ctx context.Context, thread kernel.ThreadID, ch *channel, list *[]kernel.ThreadID, fallback kernel.Status) kernel.Status {
	if m.susp == nil {
		return fallback
	}
	if err := ctx.Err(); err != nil {
		return kernel.Timeout
	}
	woke, st := m.susp.Park(thread)
	if st != kernel.OK {
		return st
	}
	*list = append(*list, thread)
	gen := ch.gen

	m.mu.Unlock()
	var timedOut bool
	select {
	case <-woke:
	case <-ctx.Done():
		timedOut = true
	}
	m.mu.Lock()

	*list = slices.DeleteFunc(*list, func(t kernel.ThreadID) bool { return t == thread })
	if timedOut {
		// Undo the park unless something already woke or killed the thread.
		m.susp.Wake(thread)
		return kernel.Timeout
	}
	if !m.susp.Alive(thread) {
		return kernel.InvalidState
	}
	if !ch.active || ch.gen != gen {
		return kernel.ChannelNotFound
	}
	return kernel.OK
}

// wakeAll wakes and forgets every thread in list. Caller holds m.mu.
func (m *Manager) wakeAll(list *[]kernel.ThreadID) {
	for _, t := range *list {
		m.susp.Wake(t)
	}
	*list = (*list)[:0]
}

// Lookup returns the descriptor of an active channel.
func (m *Manager) Lookup(id kernel.ChannelID) (Descriptor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := m.active(id)
	if ch == nil {
		return Descriptor{}, false
	}
	return ch.desc, true
}

// Len returns the number of queued messages on an active channel.
func (m *Manager) Len(id kernel.ChannelID) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := m.active(id)
	if ch == nil {
		return 0, false
	}
	return ch.q.len(), true
}

// QueuedBytes returns the payload bytes held across all channels.
func (m *Manager) QueuedBytes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used
}
