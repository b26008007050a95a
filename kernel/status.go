package kernel

// Status is the result code of every kernel operation.
//
// Codes are returned, never thrown. The IPC codes keep their historical ABI
// values; the remaining codes continue the same negative space so a status is
// unambiguous wherever it travels (transaction records, result registers).
type Status int32

const (
	OK               Status = 0
	InvalidParam     Status = -1
	OutOfMemory      Status = -2
	PermissionDenied Status = -3
	ChannelFull      Status = -4
	ChannelEmpty     Status = -5
	ChannelNotFound  Status = -6
	Timeout          Status = -7
	PayloadTooLarge  Status = -8
	Mismatch         Status = -9
	InvalidState     Status = -10
	NotFound         Status = -11
	UnknownSyscall   Status = -12
	InvalidArgs      Status = -13
	InvalidContext   Status = -14
)

func (s Status) String() string {
	switch s {
	case OK:
		return "ok"
	case InvalidParam:
		return "invalid parameter"
	case OutOfMemory:
		return "out of memory"
	case PermissionDenied:
		return "permission denied"
	case ChannelFull:
		return "channel full"
	case ChannelEmpty:
		return "channel empty"
	case ChannelNotFound:
		return "channel not found"
	case Timeout:
		return "timeout"
	case PayloadTooLarge:
		return "payload too large"
	case Mismatch:
		return "mismatch"
	case InvalidState:
		return "invalid state"
	case NotFound:
		return "not found"
	case UnknownSyscall:
		return "unknown syscall"
	case InvalidArgs:
		return "invalid arguments"
	case InvalidContext:
		return "invalid context"
	default:
		return "unknown"
	}
}

// Error implements error so a Status can flow through Go error plumbing.
func (s Status) Error() string { return "kernel: " + s.String() }

// Err returns nil for OK and the status itself otherwise.
func (s Status) Err() error {
	if s == OK {
		return nil
	}
	return s
}

// Word returns the status sign-extended into a register-sized word.
func (s Status) Word() uint64 { return uint64(int64(s)) }

// StatusFromWord decodes a status previously written with Word.
func StatusFromWord(w uint64) Status { return Status(int32(int64(w))) }
