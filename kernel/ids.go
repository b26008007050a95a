package kernel

// Table capacities. Ids are bounded indexes into fixed slot arenas.
const (
	MaxChannels = 1024
	MaxThreads  = 256
)

// AgentID identifies an isolated execution principal.
//
// Agent 0 is reserved: a channel permission of 0 means "public".
type AgentID uint32

// ThreadID indexes the thread table.
type ThreadID uint32

// Valid reports whether the id fits the thread table.
func (id ThreadID) Valid() bool { return id < MaxThreads }

// ChannelID indexes the channel table.
type ChannelID uint32

// Valid reports whether the id fits the channel table.
func (id ChannelID) Valid() bool { return id < MaxChannels }

// CorrID pairs a request with its reply. Zero means "unassigned".
type CorrID uint32

// Privilege is the caller's authorization tier.
type Privilege uint32

const (
	PrivilegeUser Privilege = iota
	PrivilegeService
	PrivilegeKernel
)

func (p Privilege) Valid() bool { return p <= PrivilegeKernel }

func (p Privilege) String() string {
	switch p {
	case PrivilegeUser:
		return "user"
	case PrivilegeService:
		return "service"
	case PrivilegeKernel:
		return "kernel"
	default:
		return "unknown"
	}
}
