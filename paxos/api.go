package paxos

type Role int

const (
	Follower Role = iota
	Recoverer
	Leader
)

// Config holds the follower timeout bounds in milliseconds. The leader
// heartbeat interval is derived as LeaderTimeoutMin / 4 so that several
// heartbeats fit inside the smallest follower timeout.
type Config struct {
	LeaderTimeoutMin int64
	LeaderTimeoutMax int64
}

// Must maintain a map from node ids to (network) address/socket
type Messenger interface {
	Register(notifch chan<- Message)
	Send(node uint32, msg Message)
	Broadcast(msg Message)
	ClientRedirect(msgId uint64, node uint32) // command arrived at a non-leader
	ClientFailed(msgId uint64)                // no longer leader / outcome unknown
}

// Journal is the durable store owned by the node. Every method that writes
// must return only after the write is durable; the node never sends a message
// whose meaning depends on a write that has not yet returned true.
type Journal interface {
	GetProgress() *Progress // nil if no record
	SetProgress(Progress) bool

	SaveAccept(Accept) bool
	Accepted(logIndex int64) *Accept // nil if no value stored at the slot

	// Bounds reports the smallest and largest slot holding a stored accept;
	// ok is false when the slot map is empty.
	Bounds() (min int64, max int64, ok bool)
}

// should be internally linked with the Messenger object to respond to clients
type Machine interface {
	// if the command with msgId has been applied or queued, then respond to
	// the client appropriately and return true
	RespondIfSeen(msgId uint64) bool

	// apply committed commands in log order; at-least-once delivery, dedupe
	// by msgId is the machine's job
	Execute([]ClientCommand)
}

// Clock reports monotonic milliseconds.
type Clock interface {
	Now() int64
}
