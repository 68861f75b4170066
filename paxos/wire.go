package paxos

import "math"

// BallotNumber orders proposal rounds: counter first, then the node id that
// minted it. Embedding the node id makes ballots unique across the cluster.
type BallotNumber struct {
	Counter int32
	NodeId  uint32
}

func (b BallotNumber) Less(o BallotNumber) bool {
	if b.Counter != o.Counter {
		return b.Counter < o.Counter
	}
	return b.NodeId < o.NodeId
}

// SlotId names one proposal for one log slot. From is the proposer that
// minted the id. Slot ordering is by LogIndex alone.
type SlotId struct {
	From     uint32
	Number   BallotNumber
	LogIndex int64
}

// Value is the payload decided at a slot. Noop values fill recovered slots
// that no client command ever reached; they are never delivered.
type Value struct {
	MsgId uint64
	Data  []byte
	Noop  bool
}

// Progress is the durable core of a node: the highest ballot it promised and
// the id of the highest slot it committed. Committed.Number never exceeds
// Promised, and neither field ever decreases.
type Progress struct {
	Promised  BallotNumber
	Committed SlotId
}

type Message interface{}

// either of the structs below, or an internal timer event

type Prepare struct {
	Id SlotId
}

type PrepareAck struct {
	Id              SlotId
	From            uint32
	Progress        Progress
	HighestAccepted int64
	LeaderHeartbeat int64
	Accepted        *Accept // value stored at Id.LogIndex, if any
}

type PrepareNack struct {
	Id              SlotId
	From            uint32
	Progress        Progress
	HighestAccepted int64
	LeaderHeartbeat int64
}

// Accept doubles as the wire proposal and the journal record for a slot.
type Accept struct {
	Id    SlotId
	Value Value
}

type AcceptAck struct {
	Id       SlotId
	From     uint32
	Progress Progress
}

type AcceptNack struct {
	Id       SlotId
	From     uint32
	Progress Progress
}

type Commit struct {
	From      uint32
	Committed SlotId
	Heartbeat int64
}

type RetransmitRequest struct {
	From      uint32
	FromIndex int64 // highest slot the requester has committed
}

type RetransmitResponse struct {
	From      uint32
	Committed []Accept // ascending, contiguous from the requested index
	Proposed  []Accept // accepted above the responder's commit watermark
}

type ClientCommand struct {
	MsgId uint64
	Data  []byte
}

// The min-prepare sentinel probes peers for leader-liveness evidence. It is
// not a promise-raising prepare: its ballot is below any real ballot so every
// peer answers with a nack carrying its view of the leader heartbeat.
const (
	minCounter  = math.MinInt32
	minLogIndex = math.MinInt64
)

func MinPrepare(nodeId uint32) *Prepare {
	return &Prepare{Id: SlotId{
		From:     nodeId,
		Number:   BallotNumber{Counter: minCounter, NodeId: nodeId},
		LogIndex: minLogIndex,
	}}
}

func isMinPrepare(id SlotId) bool {
	return id.LogIndex == minLogIndex
}

// RecoverPrepares builds one prepare per slot in
// [committedIdx+1, max(committedIdx+1, acceptedIdx+1)], all under a fresh
// ballot one counter above highest. Always returns at least one prepare.
func RecoverPrepares(nodeId uint32, highest BallotNumber, committedIdx int64, acceptedIdx int64) []*Prepare {
	number := BallotNumber{Counter: highest.Counter + 1, NodeId: nodeId}
	end := committedIdx + 1
	if acceptedIdx+1 > end {
		end = acceptedIdx + 1
	}
	var preps []*Prepare
	for idx := committedIdx + 1; idx <= end; idx += 1 {
		preps = append(preps, &Prepare{Id: SlotId{From: nodeId, Number: number, LogIndex: idx}})
	}
	return preps
}
