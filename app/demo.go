package app

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"sparkcore/kernel"
	"sparkcore/kernel/ipc"
	"sparkcore/kernel/syscall"
)

// Demo actors and channels.
const (
	demoServer kernel.AgentID = 10
	demoClient kernel.AgentID = 11

	demoRequests kernel.ChannelID = 1
	demoReplies  kernel.ChannelID = 2

	demoMsgSize = 256
	demoPause   = 10 // ms between rounds
)

// DemoStats summarizes a finished demo.
type DemoStats struct {
	Rounds  int
	Replies []string
}

func (s *System) call(ctx context.Context, c ipc.Caller, n syscall.Number, args any, payload []byte) (Result, error) {
	res, err := s.Syscall(ctx, c, n, args, payload)
	if err != nil {
		return res, err
	}
	if err := res.Status.Err(); err != nil {
		return res, fmt.Errorf("%s: %w", n, err)
	}
	return res, nil
}

// RunDemo plays a request/reply exchange between a server and a client
// thread, entirely through the syscall trap path. The client sleeps between
// rounds, so the tick pump (Run) must be active.
func (s *System) RunDemo(ctx context.Context, rounds int) (DemoStats, error) {
	first := ipc.Caller{Agent: s.boot.InitAgent, Thread: s.boot.InitThread}
	server := ipc.Caller{Agent: demoServer, Thread: kernel.ThreadID(demoServer)}
	client := ipc.Caller{Agent: demoClient, Thread: kernel.ThreadID(demoClient)}

	for _, c := range []ipc.Caller{server, client} {
		a := syscall.ThreadArgs{Thread: syscall.ThreadDesc{ID: uint32(c.Thread), Owner: uint32(c.Agent), Priority: 1}}
		if _, err := s.call(ctx, first, syscall.ThreadCreate, &a, nil); err != nil {
			return DemoStats{}, fmt.Errorf("spawn thread %d: %w", c.Thread, err)
		}
	}

	requests := syscall.IPCArgs{Channel: syscall.ChannelBlock{
		ID:             uint32(demoRequests),
		MaxMessages:    4,
		MaxMessageSize: demoMsgSize,
		Delivery:       uint32(ipc.Blocking),
		ReplyTo:        uint32(demoReplies),
	}}
	if _, err := s.call(ctx, server, syscall.IPCCreate, &requests, nil); err != nil {
		return DemoStats{}, fmt.Errorf("create request channel: %w", err)
	}
	replies := syscall.IPCArgs{Channel: syscall.ChannelBlock{
		ID:             uint32(demoReplies),
		MaxMessages:    4,
		MaxMessageSize: demoMsgSize,
		Delivery:       uint32(ipc.Blocking),
		Permission:     uint32(demoServer),
	}}
	if _, err := s.call(ctx, client, syscall.IPCCreate, &replies, nil); err != nil {
		return DemoStats{}, fmt.Errorf("create reply channel: %w", err)
	}

	stats := DemoStats{Rounds: rounds}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.serve(gctx, server, rounds) })
	g.Go(func() error {
		out, err := s.ping(gctx, client, rounds)
		stats.Replies = out
		return err
	})
	err := g.Wait()

	for _, c := range []struct {
		caller ipc.Caller
		id     kernel.ChannelID
	}{{server, demoRequests}, {client, demoReplies}} {
		a := syscall.IPCArgs{Channel: syscall.ChannelBlock{ID: uint32(c.id)}}
		if _, cerr := s.call(ctx, c.caller, syscall.IPCClose, &a, nil); cerr != nil && err == nil {
			err = fmt.Errorf("close channel %d: %w", c.id, cerr)
		}
	}
	if err != nil {
		return stats, err
	}
	s.Log.Info("demo finished", "rounds", rounds)
	return stats, nil
}

// serve answers rounds requests, then exits its thread.
func (s *System) serve(ctx context.Context, c ipc.Caller, rounds int) error {
	for i := 0; i < rounds; i++ {
		req := syscall.IPCArgs{
			Channel:  syscall.ChannelBlock{ID: uint32(demoRequests)},
			Envelope: syscall.EnvelopeBlock{PayloadLen: demoMsgSize},
		}
		res, err := s.call(ctx, c, syscall.IPCRecv, &req, nil)
		if err != nil {
			return fmt.Errorf("server recv: %w", err)
		}
		s.Log.Debug("server got request", "from", req.Envelope.From, "corr", req.Envelope.Corr, "payload", string(res.Payload))

		reply := syscall.IPCArgs{
			Channel: syscall.ChannelBlock{ID: req.Envelope.ReplyTo},
			Envelope: syscall.EnvelopeBlock{
				MsgType: req.Envelope.MsgType,
				Dst:     req.Envelope.From,
				Corr:    req.Envelope.Corr,
			},
		}
		if _, err := s.call(ctx, c, syscall.IPCSend, &reply, append([]byte("pong "), res.Payload...)); err != nil {
			return fmt.Errorf("server reply: %w", err)
		}
	}
	return s.exit(ctx, c)
}

// ping issues rounds calls, sleeping between them.
func (s *System) ping(ctx context.Context, c ipc.Caller, rounds int) ([]string, error) {
	var out []string
	for i := 0; i < rounds; i++ {
		a := syscall.IPCArgs{
			Channel:  syscall.ChannelBlock{ID: uint32(demoRequests)},
			Envelope: syscall.EnvelopeBlock{MsgType: 1, Dst: uint32(demoServer), ReplyCap: demoMsgSize},
		}
		res, err := s.call(ctx, c, syscall.IPCCall, &a, fmt.Appendf(nil, "ping %d", i))
		if err != nil {
			return out, fmt.Errorf("client call: %w", err)
		}
		out = append(out, string(res.Payload))
		s.Log.Debug("client got reply", "corr", a.Envelope.Corr, "payload", string(res.Payload))

		if i == rounds-1 {
			break
		}
		sl := syscall.ThreadArgs{Thread: syscall.ThreadDesc{ID: uint32(c.Thread)}, Txn: syscall.ThreadTxn{TimeoutMs: demoPause}}
		if _, err := s.call(ctx, c, syscall.ThreadSleep, &sl, nil); err != nil {
			return out, fmt.Errorf("client sleep: %w", err)
		}
		if err := s.Sched.Await(ctx, c.Thread).Err(); err != nil {
			return out, fmt.Errorf("client wake: %w", err)
		}
	}
	return out, s.exit(ctx, c)
}

func (s *System) exit(ctx context.Context, c ipc.Caller) error {
	a := syscall.ThreadArgs{Thread: syscall.ThreadDesc{ID: uint32(c.Thread)}}
	if _, err := s.call(ctx, c, syscall.ThreadExit, &a, nil); err != nil {
		return fmt.Errorf("thread %d exit: %w", c.Thread, err)
	}
	return nil
}
