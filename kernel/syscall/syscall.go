// Package syscall routes numbered kernel requests to the IPC and thread
// services.
//
// Requests carry the address and size of an argument block in HAL memory.
// The block is decoded with the fixed little-endian layouts in abi.go,
// the service runs, and any outputs are encoded back into the block. The
// resulting status is recorded in the Transaction and, when a result block
// is supplied, written to memory as a ResultBlock.
package syscall

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"sparkcore/hal"
	"sparkcore/internal/telemetry"
	"sparkcore/kernel"
	"sparkcore/kernel/ipc"
	"sparkcore/kernel/sched"
)

const traceScope = "sparkcore.syscall"

// MaxPayload bounds how many payload bytes a single request may move.
const MaxPayload = 64 << 10

// Context identifies the caller of a request.
type Context struct {
	Number    Number
	Agent     kernel.AgentID
	Thread    kernel.ThreadID
	ABI       uint32
	Privilege kernel.Privilege
}

// Transaction locates the argument and result blocks and records the
// outcome.
type Transaction struct {
	ArgAddr    uint64
	ArgSize    uint32
	ResultAddr uint64
	ResultSize uint32
	Status     kernel.Status
	// Value is the secondary result, the copied length for recv and call.
	Value uint32
}

// Config wires the dispatcher to the services it routes to.
type Config struct {
	Sched   *sched.Scheduler
	IPC     *ipc.Manager
	Memory  hal.Memory
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
	// Tracer defaults to the global provider's tracer.
	Tracer trace.Tracer
}

// Dispatcher is the single syscall entry point.
type Dispatcher struct {
	cfg    Config
	log    *slog.Logger
	tracer trace.Tracer
}

// New returns a dispatcher over cfg's services.
func New(cfg Config) *Dispatcher {
	tr := cfg.Tracer
	if tr == nil {
		tr = otel.Tracer(traceScope)
	}
	return &Dispatcher{cfg: cfg, log: telemetry.OrDiscard(cfg.Logger), tracer: tr}
}

// Handle validates sc, runs the requested service and records the status in
// txn. The same status is returned.
func (d *Dispatcher) Handle(ctx context.Context, sc *Context, txn *Transaction) kernel.Status {
	if txn == nil {
		return kernel.InvalidArgs
	}
	if sc == nil || sc.ABI != ABIVersion || !sc.Privilege.Valid() {
		txn.Status = kernel.InvalidContext
		txn.Value = 0
		d.writeResult(txn)
		d.log.Warn("syscall rejected: invalid context")
		d.cfg.Metrics.Syscall(0, txn.Status.String())
		return txn.Status
	}

	ctx, span := d.tracer.Start(ctx, "syscall."+sc.Number.String(), trace.WithAttributes(
		attribute.Int64("sparkcore.syscall.number", int64(sc.Number)),
		attribute.Int64("sparkcore.agent", int64(sc.Agent)),
		attribute.Int64("sparkcore.thread", int64(sc.Thread)),
		attribute.String("sparkcore.privilege", sc.Privilege.String()),
	))
	defer span.End()

	txn.Value = 0
	var st kernel.Status
	switch {
	case sc.Number >= 100 && sc.Number < 200:
		st = d.handleIPC(ctx, sc, txn)
	case sc.Number >= 200 && sc.Number < 300:
		st = d.handleThread(sc, txn)
	default:
		st = kernel.UnknownSyscall
	}
	txn.Status = st
	d.writeResult(txn)

	span.SetAttributes(attribute.String("sparkcore.status", st.String()))
	if st != kernel.OK {
		span.SetStatus(codes.Error, st.String())
		d.log.Debug("syscall failed", "number", sc.Number, "agent", sc.Agent, "thread", sc.Thread, "status", st)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	d.cfg.Metrics.Syscall(uint32(sc.Number), st.String())
	return st
}

func (d *Dispatcher) writeResult(txn *Transaction) {
	if txn.ResultSize < uint32(ResultSize) {
		return
	}
	p, err := Encode(ResultBlock{Status: int32(txn.Status), Value: txn.Value})
	if err == nil {
		err = d.store(p, txn.ResultAddr)
	}
	if err != nil {
		d.log.Warn("syscall result not written", "addr", txn.ResultAddr, "err", err)
	}
}

var errNoMemory = errors.New("syscall: no memory attached")

func (d *Dispatcher) load(p []byte, addr uint64) error {
	if d.cfg.Memory == nil {
		return errNoMemory
	}
	_, err := d.cfg.Memory.ReadAt(p, addr)
	return err
}

func (d *Dispatcher) store(p []byte, addr uint64) error {
	if d.cfg.Memory == nil {
		return errNoMemory
	}
	_, err := d.cfg.Memory.WriteAt(p, addr)
	return err
}

// args reads and decodes the argument block into v.
func (d *Dispatcher) args(txn *Transaction, size int, v any) kernel.Status {
	if int(txn.ArgSize) < size {
		return kernel.InvalidArgs
	}
	p := make([]byte, size)
	if err := d.load(p, txn.ArgAddr); err != nil {
		return kernel.InvalidArgs
	}
	if err := Decode(p, v); err != nil {
		return kernel.InvalidArgs
	}
	return kernel.OK
}

func (d *Dispatcher) writeArgs(txn *Transaction, v any) kernel.Status {
	p, err := Encode(v)
	if err == nil {
		err = d.store(p, txn.ArgAddr)
	}
	if err != nil {
		return kernel.InvalidArgs
	}
	return kernel.OK
}

func (d *Dispatcher) handleIPC(ctx context.Context, sc *Context, txn *Transaction) kernel.Status {
	switch sc.Number {
	case IPCCreate, IPCClose, IPCSend, IPCRecv, IPCCall:
	default:
		return kernel.UnknownSyscall
	}
	if d.cfg.IPC == nil {
		return kernel.InvalidState
	}
	var a IPCArgs
	if st := d.args(txn, IPCArgsSize, &a); st != kernel.OK {
		return st
	}
	caller := ipc.Caller{Agent: sc.Agent, Thread: sc.Thread}
	id := kernel.ChannelID(a.Channel.ID)

	switch sc.Number {
	case IPCCreate:
		desc := ipc.Descriptor{
			ID:             id,
			Owner:          kernel.AgentID(a.Channel.Owner),
			Type:           a.Channel.Type,
			MaxMessages:    a.Channel.MaxMessages,
			MaxMessageSize: a.Channel.MaxMessageSize,
			Mode:           ipc.DeliveryMode(a.Channel.Delivery),
			Permission:     kernel.AgentID(a.Channel.Permission),
			ReplyTo:        kernel.ChannelID(a.Channel.ReplyTo),
			Flags:          a.Channel.Flags,
		}
		if desc.Owner == 0 {
			desc.Owner = sc.Agent
		}
		return d.cfg.IPC.Create(desc)

	case IPCClose:
		return d.cfg.IPC.Close(id, sc.Agent)

	case IPCSend:
		env, st := d.envelope(a.Envelope)
		if st != kernel.OK {
			return st
		}
		return d.cfg.IPC.Send(ctx, caller, id, env)

	case IPCRecv:
		buf := receiveBuffer(a.Envelope.PayloadLen)
		env, st := d.cfg.IPC.Recv(ctx, caller, id, a.Envelope.Flags, buf)
		if st != kernel.OK {
			return st
		}
		return d.deliver(txn, &a, env)

	default: // IPCCall
		env, st := d.envelope(a.Envelope)
		if st != kernel.OK {
			return st
		}
		buf := receiveBuffer(a.Envelope.ReplyCap)
		reply, st := d.cfg.IPC.Call(ctx, caller, id, env, buf)
		if st != kernel.OK {
			return st
		}
		return d.deliver(txn, &a, reply)
	}
}

func (d *Dispatcher) buffer(n uint32) ([]byte, kernel.Status) {
	if n > MaxPayload {
		return nil, kernel.PayloadTooLarge
	}
	return make([]byte, n), kernel.OK
}

// receiveBuffer sizes the kernel-side copy of a caller's receive buffer.
// Larger buffers are clamped; no message can exceed MaxPayload.
func receiveBuffer(n uint32) []byte {
	return make([]byte, min(n, MaxPayload))
}

// envelope builds an outgoing envelope, reading the payload from memory.
func (d *Dispatcher) envelope(b EnvelopeBlock) (ipc.Envelope, kernel.Status) {
	payload, st := d.buffer(b.PayloadLen)
	if st != kernel.OK {
		return ipc.Envelope{}, st
	}
	if len(payload) > 0 {
		if err := d.load(payload, b.PayloadAddr); err != nil {
			return ipc.Envelope{}, kernel.InvalidArgs
		}
	}
	return ipc.Envelope{
		Type:    b.MsgType,
		Dst:     kernel.AgentID(b.Dst),
		Corr:    kernel.CorrID(b.Corr),
		Flags:   b.Flags,
		Payload: payload,
	}, kernel.OK
}

// deliver copies a received message back to the caller.
func (d *Dispatcher) deliver(txn *Transaction, a *IPCArgs, env ipc.Envelope) kernel.Status {
	if len(env.Payload) > 0 {
		if err := d.store(env.Payload, a.Envelope.PayloadAddr); err != nil {
			return kernel.InvalidArgs
		}
	}
	a.Envelope.MsgType = env.Type
	a.Envelope.Dst = uint32(env.Dst)
	a.Envelope.Corr = uint32(env.Corr)
	a.Envelope.Flags = env.Flags
	a.Envelope.PayloadLen = uint32(len(env.Payload))
	a.Envelope.From = uint32(env.From)
	a.Envelope.ReplyTo = uint32(env.ReplyTo)
	txn.Value = a.Envelope.PayloadLen
	return d.writeArgs(txn, a)
}

func (d *Dispatcher) handleThread(sc *Context, txn *Transaction) kernel.Status {
	switch sc.Number {
	case ThreadCreate, ThreadExit, ThreadYield, ThreadBlock, ThreadWake, ThreadSleep:
	default:
		return kernel.UnknownSyscall
	}
	if d.cfg.Sched == nil {
		return kernel.InvalidState
	}
	var a ThreadArgs
	if st := d.args(txn, ThreadArgsSize, &a); st != kernel.OK {
		return st
	}
	s := d.cfg.Sched
	id := kernel.ThreadID(a.Thread.ID)

	var st kernel.Status
	switch sc.Number {
	case ThreadCreate:
		desc := sched.Descriptor{
			ID:        id,
			Owner:     kernel.AgentID(a.Thread.Owner),
			Entry:     a.Thread.Entry,
			StackBase: a.Thread.StackBase,
			StackSize: a.Thread.StackSize,
			Priority:  a.Thread.Priority,
		}
		if desc.Owner == 0 {
			desc.Owner = sc.Agent
		}
		st = s.Create(desc)
	case ThreadExit:
		st = s.Exit(id)
	case ThreadYield:
		st = s.Yield(id)
	case ThreadBlock:
		st = s.Block(id)
	case ThreadWake:
		st = s.Wake(id)
	case ThreadSleep:
		st = s.Sleep(id, time.Duration(a.Txn.TimeoutMs)*time.Millisecond)
	}

	a.Txn.Action = uint32(sc.Number)
	a.Txn.RequesterAgent = uint32(sc.Agent)
	a.Txn.RequesterThread = uint32(sc.Thread)
	a.Txn.Result = int32(st)
	if state, ok := s.State(id); ok {
		a.Thread.State = uint32(state)
	}
	if wst := d.writeArgs(txn, &a); wst != kernel.OK && st == kernel.OK {
		st = wst
	}
	return st
}
