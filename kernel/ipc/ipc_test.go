package ipc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sparkcore/kernel"
	"sparkcore/kernel/sched"
)

func newManager(t *testing.T) (*Manager, *sched.Scheduler) {
	t.Helper()
	s := sched.New(sched.Config{})
	for id := kernel.ThreadID(1); id <= 4; id++ {
		require.Equal(t, kernel.OK, s.Create(sched.Descriptor{ID: id, Owner: kernel.AgentID(id)}))
	}
	return New(Config{Suspender: s}), s
}

func waitBlocked(t *testing.T, s *sched.Scheduler, id kernel.ThreadID) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, _ := s.State(id)
		return st == sched.StateBlocked
	}, time.Second, time.Millisecond, "thread %d never blocked", id)
}

func TestDropChannelRejectsWhenFull(t *testing.T) {
	m, _ := newManager(t)
	require.Equal(t, kernel.OK, m.Create(Descriptor{ID: 5, MaxMessages: 2, MaxMessageSize: 64, Mode: Drop}))

	ctx := context.Background()
	c := Caller{Agent: 1, Thread: 1}
	msg := Envelope{Payload: make([]byte, 10)}
	assert.Equal(t, kernel.OK, m.Send(ctx, c, 5, msg))
	assert.Equal(t, kernel.OK, m.Send(ctx, c, 5, msg))
	assert.Equal(t, kernel.ChannelFull, m.Send(ctx, c, 5, msg))

	n, ok := m.Len(5)
	require.True(t, ok)
	assert.Equal(t, 2, n)
}

func TestRestrictedChannelPermission(t *testing.T) {
	m, _ := newManager(t)
	require.Equal(t, kernel.OK, m.Create(Descriptor{ID: 7, Owner: 42, Permission: 42, MaxMessages: 4, MaxMessageSize: 8}))

	ctx := context.Background()
	assert.Equal(t, kernel.PermissionDenied, m.Send(ctx, Caller{Agent: 99, Thread: 1}, 7, Envelope{}))
	assert.Equal(t, kernel.OK, m.Send(ctx, Caller{Agent: 42, Thread: 1}, 7, Envelope{}))
}

func TestSendPermissionTable(t *testing.T) {
	tests := []struct {
		name       string
		owner      kernel.AgentID
		permission kernel.AgentID
		sender     kernel.AgentID
		want       kernel.Status
	}{
		{"public accepts anyone", 1, 0, 9, kernel.OK},
		{"owner always accepted", 1, 5, 1, kernel.OK},
		{"permitted agent accepted", 1, 5, 5, kernel.OK},
		{"other agent rejected", 1, 5, 6, kernel.PermissionDenied},
		{"agent zero rejected on restricted", 1, 5, 0, kernel.PermissionDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newManager(t)
			require.Equal(t, kernel.OK, m.Create(Descriptor{ID: 1, Owner: tt.owner, Permission: tt.permission, MaxMessages: 1, MaxMessageSize: 1}))
			got := m.Send(context.Background(), Caller{Agent: tt.sender, Thread: 1}, 1, Envelope{})
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCreateValidation(t *testing.T) {
	m, _ := newManager(t)
	assert.Equal(t, kernel.InvalidParam, m.Create(Descriptor{ID: kernel.MaxChannels, MaxMessages: 1}))
	assert.Equal(t, kernel.InvalidParam, m.Create(Descriptor{ID: 3}))
	require.Equal(t, kernel.OK, m.Create(Descriptor{ID: 3, MaxMessages: 1}))
	assert.Equal(t, kernel.PermissionDenied, m.Create(Descriptor{ID: 3, MaxMessages: 1}))
}

func TestFIFOAndTruncation(t *testing.T) {
	m, _ := newManager(t)
	require.Equal(t, kernel.OK, m.Create(Descriptor{ID: 2, MaxMessages: 8, MaxMessageSize: 16}))

	ctx := context.Background()
	c := Caller{Agent: 3, Thread: 3}
	for _, p := range []string{"one", "two", "three"} {
		require.Equal(t, kernel.OK, m.Send(ctx, c, 2, Envelope{Type: 1, Payload: []byte(p)}))
	}

	buf := make([]byte, 16)
	env, st := m.Recv(ctx, c, 2, FlagNonBlocking, buf)
	require.Equal(t, kernel.OK, st)
	assert.Equal(t, "one", string(env.Payload))
	assert.Equal(t, kernel.AgentID(3), env.From)

	env, st = m.Recv(ctx, c, 2, FlagNonBlocking, buf)
	require.Equal(t, kernel.OK, st)
	assert.Equal(t, "two", string(env.Payload))

	small := make([]byte, 2)
	env, st = m.Recv(ctx, c, 2, FlagNonBlocking, small)
	require.Equal(t, kernel.OK, st)
	assert.Equal(t, "th", string(env.Payload))

	_, st = m.Recv(ctx, c, 2, FlagNonBlocking, buf)
	assert.Equal(t, kernel.ChannelEmpty, st)
	assert.Zero(t, m.QueuedBytes())
}

func TestSendCopiesPayload(t *testing.T) {
	m, _ := newManager(t)
	require.Equal(t, kernel.OK, m.Create(Descriptor{ID: 2, MaxMessages: 1, MaxMessageSize: 4}))

	ctx := context.Background()
	c := Caller{Agent: 1, Thread: 1}
	p := []byte("abcd")
	require.Equal(t, kernel.OK, m.Send(ctx, c, 2, Envelope{Payload: p}))
	p[0] = 'z'

	env, st := m.Recv(ctx, c, 2, FlagNonBlocking, make([]byte, 4))
	require.Equal(t, kernel.OK, st)
	assert.Equal(t, "abcd", string(env.Payload))
}

func TestPayloadTooLarge(t *testing.T) {
	m, _ := newManager(t)
	require.Equal(t, kernel.OK, m.Create(Descriptor{ID: 2, MaxMessages: 1, MaxMessageSize: 4}))
	st := m.Send(context.Background(), Caller{Agent: 1, Thread: 1}, 2, Envelope{Payload: make([]byte, 5)})
	assert.Equal(t, kernel.PayloadTooLarge, st)
}

func TestMemoryLimit(t *testing.T) {
	s := sched.New(sched.Config{})
	m := New(Config{Suspender: s, MemoryLimit: 10})
	require.Equal(t, kernel.OK, m.Create(Descriptor{ID: 1, MaxMessages: 4, MaxMessageSize: 8}))

	ctx := context.Background()
	c := Caller{Agent: 1}
	require.Equal(t, kernel.OK, m.Send(ctx, c, 1, Envelope{Payload: make([]byte, 8)}))
	assert.Equal(t, kernel.OutOfMemory, m.Send(ctx, c, 1, Envelope{Payload: make([]byte, 3)}))
	assert.Equal(t, 8, m.QueuedBytes())

	require.Equal(t, kernel.OK, m.Close(1, 0))
	assert.Zero(t, m.QueuedBytes())
}

func TestCloseThenUse(t *testing.T) {
	m, _ := newManager(t)
	require.Equal(t, kernel.OK, m.Create(Descriptor{ID: 9, Owner: 4, MaxMessages: 2, MaxMessageSize: 8}))

	ctx := context.Background()
	c := Caller{Agent: 4, Thread: 4}
	require.Equal(t, kernel.OK, m.Send(ctx, c, 9, Envelope{Payload: []byte("x")}))

	assert.Equal(t, kernel.PermissionDenied, m.Close(9, 5))
	require.Equal(t, kernel.OK, m.Close(9, 4))
	assert.Equal(t, kernel.ChannelNotFound, m.Close(9, 4))

	assert.Equal(t, kernel.ChannelNotFound, m.Send(ctx, c, 9, Envelope{}))
	_, st := m.Recv(ctx, c, 9, FlagNonBlocking, nil)
	assert.Equal(t, kernel.ChannelNotFound, st)
	assert.Equal(t, kernel.ChannelNotFound, m.Send(ctx, c, kernel.MaxChannels+5, Envelope{}))

	_, ok := m.Lookup(9)
	assert.False(t, ok)
}

func TestBlockingRecvWokenBySend(t *testing.T) {
	m, s := newManager(t)
	require.Equal(t, kernel.OK, m.Create(Descriptor{ID: 1, MaxMessages: 1, MaxMessageSize: 8}))

	type result struct {
		env Envelope
		st  kernel.Status
	}
	done := make(chan result, 1)
	go func() {
		env, st := m.Recv(context.Background(), Caller{Agent: 1, Thread: 1}, 1, 0, make([]byte, 8))
		done <- result{env, st}
	}()

	waitBlocked(t, s, 1)
	require.Equal(t, kernel.OK, m.Send(context.Background(), Caller{Agent: 2, Thread: 2}, 1, Envelope{Payload: []byte("hi")}))

	select {
	case r := <-done:
		require.Equal(t, kernel.OK, r.st)
		assert.Equal(t, "hi", string(r.env.Payload))
		assert.Equal(t, kernel.AgentID(2), r.env.From)
	case <-time.After(time.Second):
		t.Fatal("receiver was not woken")
	}
	st, _ := s.State(1)
	assert.Equal(t, sched.StateReady, st)
}

func TestBlockingSendWokenByRecv(t *testing.T) {
	m, s := newManager(t)
	require.Equal(t, kernel.OK, m.Create(Descriptor{ID: 1, MaxMessages: 1, MaxMessageSize: 8, Mode: Blocking}))

	ctx := context.Background()
	sender := Caller{Agent: 1, Thread: 1}
	require.Equal(t, kernel.OK, m.Send(ctx, sender, 1, Envelope{Payload: []byte("a")}))
	assert.Equal(t, kernel.ChannelFull, m.Send(ctx, sender, 1, Envelope{Flags: FlagNonBlocking}))

	done := make(chan kernel.Status, 1)
	go func() {
		done <- m.Send(ctx, sender, 1, Envelope{Payload: []byte("b")})
	}()
	waitBlocked(t, s, 1)

	buf := make([]byte, 8)
	env, st := m.Recv(ctx, Caller{Agent: 2, Thread: 2}, 1, FlagNonBlocking, buf)
	require.Equal(t, kernel.OK, st)
	assert.Equal(t, "a", string(env.Payload))

	select {
	case st := <-done:
		require.Equal(t, kernel.OK, st)
	case <-time.After(time.Second):
		t.Fatal("sender was not woken")
	}

	env, st = m.Recv(ctx, Caller{Agent: 2, Thread: 2}, 1, FlagNonBlocking, buf)
	require.Equal(t, kernel.OK, st)
	assert.Equal(t, "b", string(env.Payload))
}

func TestBlockingRecvTimesOut(t *testing.T) {
	m, s := newManager(t)
	require.Equal(t, kernel.OK, m.Create(Descriptor{ID: 1, MaxMessages: 1, MaxMessageSize: 8}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, st := m.Recv(ctx, Caller{Agent: 1, Thread: 1}, 1, 0, nil)
	assert.Equal(t, kernel.Timeout, st)

	state, _ := s.State(1)
	assert.Equal(t, sched.StateReady, state, "timed out thread must be runnable again")
}

func TestCloseWakesWaiters(t *testing.T) {
	m, s := newManager(t)
	require.Equal(t, kernel.OK, m.Create(Descriptor{ID: 1, Owner: 9, MaxMessages: 1, MaxMessageSize: 8}))

	done := make(chan kernel.Status, 1)
	go func() {
		_, st := m.Recv(context.Background(), Caller{Agent: 1, Thread: 1}, 1, 0, nil)
		done <- st
	}()
	waitBlocked(t, s, 1)

	require.Equal(t, kernel.OK, m.Close(1, 9))
	select {
	case st := <-done:
		assert.Equal(t, kernel.ChannelNotFound, st)
	case <-time.After(time.Second):
		t.Fatal("close did not wake the receiver")
	}
}

func TestExitWhileWaiting(t *testing.T) {
	m, s := newManager(t)
	require.Equal(t, kernel.OK, m.Create(Descriptor{ID: 1, MaxMessages: 1, MaxMessageSize: 8}))

	done := make(chan kernel.Status, 1)
	go func() {
		_, st := m.Recv(context.Background(), Caller{Agent: 1, Thread: 1}, 1, 0, nil)
		done <- st
	}()
	waitBlocked(t, s, 1)

	require.Equal(t, kernel.OK, s.Exit(1))
	select {
	case st := <-done:
		assert.Equal(t, kernel.InvalidState, st)
	case <-time.After(time.Second):
		t.Fatal("exit did not unwind the receiver")
	}
}

func TestBlockingNeedsKnownThread(t *testing.T) {
	m, _ := newManager(t)
	require.Equal(t, kernel.OK, m.Create(Descriptor{ID: 1, MaxMessages: 1, MaxMessageSize: 8}))
	_, st := m.Recv(context.Background(), Caller{Agent: 1, Thread: 77}, 1, 0, nil)
	assert.Equal(t, kernel.NotFound, st)
}

func TestBlockingWithoutSuspender(t *testing.T) {
	m := New(Config{})
	require.Equal(t, kernel.OK, m.Create(Descriptor{ID: 1, MaxMessages: 1, MaxMessageSize: 8}))
	_, st := m.Recv(context.Background(), Caller{}, 1, 0, nil)
	assert.Equal(t, kernel.ChannelEmpty, st)
}

func TestCallAndReply(t *testing.T) {
	m, _ := newManager(t)
	const (
		requests kernel.ChannelID = 10
		replies  kernel.ChannelID = 11
	)
	require.Equal(t, kernel.OK, m.Create(Descriptor{ID: replies, Owner: 1, MaxMessages: 4, MaxMessageSize: 16}))
	require.Equal(t, kernel.OK, m.Create(Descriptor{ID: requests, Owner: 2, MaxMessages: 4, MaxMessageSize: 16, ReplyTo: replies}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	server := Caller{Agent: 2, Thread: 2}
	// A stray reply for another request must be left queued.
	require.Equal(t, kernel.OK, m.Send(ctx, server, replies, Envelope{Corr: 999, Payload: []byte("stale")}))

	served := make(chan kernel.Status, 1)
	go func() {
		buf := make([]byte, 16)
		req, st := m.Recv(ctx, server, requests, 0, buf)
		if st != kernel.OK {
			served <- st
			return
		}
		served <- m.Reply(ctx, server, req, Envelope{Payload: append([]byte("re:"), req.Payload...)})
	}()

	reply, st := m.Call(ctx, Caller{Agent: 1, Thread: 1}, requests, Envelope{Payload: []byte("ping")}, make([]byte, 16))
	require.Equal(t, kernel.OK, st)
	assert.Equal(t, "re:ping", string(reply.Payload))
	assert.NotZero(t, reply.Corr)
	assert.NotEqual(t, kernel.CorrID(999), reply.Corr)
	assert.Equal(t, kernel.AgentID(2), reply.From)
	require.Equal(t, kernel.OK, <-served)

	n, _ := m.Len(replies)
	assert.Equal(t, 1, n)
}

func TestCallStampsRequest(t *testing.T) {
	m, _ := newManager(t)
	require.Equal(t, kernel.OK, m.Create(Descriptor{ID: 11, MaxMessages: 1, MaxMessageSize: 8}))
	require.Equal(t, kernel.OK, m.Create(Descriptor{ID: 10, MaxMessages: 1, MaxMessageSize: 8, ReplyTo: 11}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, st := m.Call(ctx, Caller{Agent: 3, Thread: 3}, 10, Envelope{Corr: 55}, nil)
	assert.Equal(t, kernel.Timeout, st)

	req, st := m.Recv(context.Background(), Caller{Agent: 2, Thread: 2}, 10, FlagNonBlocking, nil)
	require.Equal(t, kernel.OK, st)
	assert.Equal(t, kernel.CorrID(55), req.Corr)
	assert.Equal(t, kernel.ChannelID(11), req.ReplyTo)
	assert.Equal(t, kernel.AgentID(3), req.From)
	assert.NotZero(t, req.Flags&FlagReplyRequired)
}

func TestCallNeedsReplyChannel(t *testing.T) {
	m, _ := newManager(t)
	require.Equal(t, kernel.OK, m.Create(Descriptor{ID: 10, MaxMessages: 1, MaxMessageSize: 8, ReplyTo: 11}))
	_, st := m.Call(context.Background(), Caller{Agent: 1, Thread: 1}, 10, Envelope{}, nil)
	assert.Equal(t, kernel.ChannelNotFound, st)

	n, _ := m.Len(10)
	assert.Zero(t, n, "request must not be sent without a reply channel")
}

func TestReplyWithoutRequestFlag(t *testing.T) {
	m, _ := newManager(t)
	st := m.Reply(context.Background(), Caller{Agent: 1}, Envelope{ReplyTo: 3}, Envelope{})
	assert.Equal(t, kernel.Mismatch, st)
}
