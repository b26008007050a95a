package syscall

import (
	"encoding/binary"
	"fmt"
)

// ABIVersion is the only argument-layout version this kernel accepts.
const ABIVersion = 1

// Number selects a kernel service.
type Number uint32

// IPC services occupy 100-199; 100 is reserved.
const (
	IPCCreate Number = 101 + iota
	IPCClose
	IPCSend
	IPCRecv
	IPCCall
)

// Thread services occupy 200-299; 200 is reserved.
const (
	ThreadCreate Number = 201 + iota
	ThreadExit
	ThreadYield
	ThreadBlock
	ThreadWake
	ThreadSleep
)

func (n Number) String() string {
	switch n {
	case IPCCreate:
		return "ipc_create"
	case IPCClose:
		return "ipc_close"
	case IPCSend:
		return "ipc_send"
	case IPCRecv:
		return "ipc_recv"
	case IPCCall:
		return "ipc_call"
	case ThreadCreate:
		return "thread_create"
	case ThreadExit:
		return "thread_exit"
	case ThreadYield:
		return "thread_yield"
	case ThreadBlock:
		return "thread_block"
	case ThreadWake:
		return "thread_wake"
	case ThreadSleep:
		return "thread_sleep"
	default:
		return fmt.Sprintf("syscall(%d)", uint32(n))
	}
}

// ChannelBlock is the wire form of a channel descriptor.
type ChannelBlock struct {
	ID             uint32
	Owner          uint32
	Type           uint32
	MaxMessages    uint32
	MaxMessageSize uint32
	Delivery       uint32
	Permission     uint32
	ReplyTo        uint32
	Flags          uint32
	Reserved       uint32
}

// EnvelopeBlock is the wire form of a message envelope. PayloadLen is the
// payload length on send and the buffer capacity on recv; recv rewrites it
// with the copied length. Call sends PayloadLen bytes and accepts a reply of
// up to ReplyCap bytes into the same buffer.
type EnvelopeBlock struct {
	MsgType     uint32
	Dst         uint32
	Corr        uint32
	Flags       uint32
	PayloadLen  uint32
	From        uint32
	ReplyTo     uint32
	ReplyCap    uint32
	PayloadAddr uint64
}

// IPCArgs is the argument block of every IPC syscall.
type IPCArgs struct {
	Channel  ChannelBlock
	Envelope EnvelopeBlock
}

// ThreadDesc is the wire form of a thread descriptor.
type ThreadDesc struct {
	ID        uint32
	Owner     uint32
	Entry     uint64
	StackBase uint64
	StackSize uint32
	Priority  uint32
	State     uint32
	Reserved  uint32
}

// ThreadTxn carries the thread request and its outcome.
type ThreadTxn struct {
	Action          uint32
	RequesterAgent  uint32
	RequesterThread uint32
	Reason          uint32
	TimeoutMs       uint32
	Result          int32
}

// ThreadArgs is the argument block of every thread syscall.
type ThreadArgs struct {
	Thread ThreadDesc
	Txn    ThreadTxn
}

// ResultBlock is written at the result address when there is room for it.
type ResultBlock struct {
	Status int32
	Value  uint32
}

// Encoded sizes.
var (
	IPCArgsSize    = binary.Size(IPCArgs{})
	ThreadArgsSize = binary.Size(ThreadArgs{})
	ResultSize     = binary.Size(ResultBlock{})
)

var order = binary.LittleEndian

// Encode returns the little-endian wire form of v.
func Encode(v any) ([]byte, error) {
	return binary.Append(nil, order, v)
}

// Decode fills v from the little-endian wire form in p.
func Decode(p []byte, v any) error {
	_, err := binary.Decode(p, order, v)
	return err
}
