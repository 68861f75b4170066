package paxos

import (
	golog "log"
	"os"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

// testDraw is the fixed timeout sample; real timers never fire inside a test,
// timeouts are forced by advancing the fake clock and injecting the event.
const testDraw = 600000

type sentMsg struct {
	node uint32
	msg  Message
}
type bcastMsg struct{ msg Message }
type redirectMsg struct {
	msgId uint64
	node  uint32
}
type failedMsg struct{ msgId uint64 }

type DummyMsger struct { // {{{1
	notifch chan<- Message
	testch  chan interface{}
}

func (self *DummyMsger) Register(notifch chan<- Message)  { self.notifch = notifch }
func (self *DummyMsger) Send(node uint32, msg Message)    { self.testch <- sentMsg{node, msg} }
func (self *DummyMsger) Broadcast(msg Message)            { self.testch <- bcastMsg{msg} }
func (self *DummyMsger) ClientRedirect(m uint64, n uint32) { self.testch <- redirectMsg{m, n} }
func (self *DummyMsger) ClientFailed(m uint64)            { self.testch <- failedMsg{m} }

func (self *DummyMsger) syncWait(t *testing.T) {
	self.notifch <- &testEcho{}
	m, ok := (<-self.testch).(sentMsg)
	require.True(t, ok, "bad echo")
	require.IsType(t, &testEcho{}, m.msg)
}

type DummyJournal struct { // {{{1
	progress *Progress
	accepts  map[int64]Accept
}

func NewDummyJournal() *DummyJournal {
	return &DummyJournal{accepts: make(map[int64]Accept)}
}

func (self *DummyJournal) GetProgress() *Progress {
	if self.progress == nil {
		return nil
	}
	p := *self.progress
	return &p
}

func (self *DummyJournal) SetProgress(p Progress) bool {
	self.progress = &p
	return true
}

func (self *DummyJournal) SaveAccept(a Accept) bool {
	self.accepts[a.Id.LogIndex] = a
	return true
}

func (self *DummyJournal) Accepted(idx int64) *Accept {
	if a, ok := self.accepts[idx]; ok {
		return &a
	}
	return nil
}

func (self *DummyJournal) Bounds() (int64, int64, bool) {
	if len(self.accepts) == 0 {
		return 0, 0, false
	}
	first := true
	var min, max int64
	for idx := range self.accepts {
		if first || idx < min {
			min = idx
		}
		if first || idx > max {
			max = idx
		}
		first = false
	}
	return min, max, true
}

type DummyMachn struct { // {{{1
	seen     map[uint64]bool
	executed []ClientCommand
}

func (self *DummyMachn) RespondIfSeen(msgId uint64) bool { return self.seen[msgId] }

func (self *DummyMachn) Execute(cmds []ClientCommand) {
	for _, c := range cmds {
		self.seen[c.MsgId] = true
	}
	self.executed = append(self.executed, cmds...)
}

type testClock struct{ ms int64 }

func (self *testClock) Now() int64      { return atomic.LoadInt64(&self.ms) }
func (self *testClock) advance(d int64) { atomic.AddInt64(&self.ms, d) }

// ---- harness {{{1
func initTest(t *testing.T, selfId uint32, nodeIds []uint32, jrnl *DummyJournal) (*PaxosNode, *DummyMsger, *DummyJournal, *DummyMachn, *testClock) {
	// Note: deadlocking due to unbuffered channels is considered a bug!
	msger := &DummyMsger{nil, make(chan interface{})}
	if jrnl == nil {
		jrnl = NewDummyJournal()
	}
	machn := &DummyMachn{seen: make(map[uint64]bool)}
	clk := &testClock{}
	cfg := Config{LeaderTimeoutMin: testDraw, LeaderTimeoutMax: 3 * testDraw}
	node, err := NewNode(selfId, nodeIds, 0, cfg, clk, func() int64 { return testDraw },
		msger, jrnl, machn, golog.New(os.Stderr, "-- ", golog.Lshortfile))
	require.NoError(t, err)
	go node.Run()
	msger.syncWait(t) // Run has drawn its first deadline before the clock moves
	return node, msger, jrnl, machn, clk
}

func fireTimeout(clk *testClock, msger *DummyMsger) {
	clk.advance(testDraw + 1)
	msger.notifch <- &checkTimeout{} // version 0 forces a match
}

// walks node 2 of {1,2,3} through probe, takeover and recovery up to a
// committed noop at slot 1 under epoch (1,2)
func makeLeader(t *testing.T) (*PaxosNode, *DummyMsger, *DummyJournal, *DummyMachn, *testClock) {
	node, msger, jrnl, machn, clk := initTest(t, 2, []uint32{1, 2, 3}, nil)
	fireTimeout(clk, msger)
	mp := MinPrepare(2)
	require.Equal(t, bcastMsg{mp}, <-msger.testch)

	msger.notifch <- &PrepareNack{Id: mp.Id, From: 1}
	require.Equal(t, bcastMsg{&Prepare{Id: SlotId{From: 2, Number: BallotNumber{1, 2}, LogIndex: 1}}}, <-msger.testch)
	require.Equal(t, BallotNumber{1, 2}, jrnl.progress.Promised)

	msger.notifch <- &PrepareAck{Id: SlotId{From: 2, Number: BallotNumber{1, 2}, LogIndex: 1}, From: 1}
	require.Equal(t, bcastMsg{&Accept{Id: SlotId{From: 2, Number: BallotNumber{1, 2}, LogIndex: 1}, Value: Value{Noop: true}}}, <-msger.testch)
	c := (<-msger.testch).(bcastMsg).msg.(*Commit)
	require.Equal(t, uint32(2), c.From)
	require.Equal(t, int64(0), c.Committed.LogIndex)
	require.Equal(t, Leader, node.role)

	msger.notifch <- &AcceptAck{Id: SlotId{From: 2, Number: BallotNumber{1, 2}, LogIndex: 1}, From: 3}
	msger.syncWait(t)
	require.Equal(t, int64(1), jrnl.progress.Committed.LogIndex)
	require.Empty(t, machn.executed) // noops are not delivered
	return node, msger, jrnl, machn, clk
}

func TestFollowerPromiseRules(t *testing.T) { // {{{1
	node, msger, jrnl, _, _ := initTest(t, 1, []uint32{1, 2, 3}, nil)

	// a higher ballot raises the promise durably before the ack leaves
	id := SlotId{From: 2, Number: BallotNumber{1, 2}, LogIndex: 1}
	msger.notifch <- &Prepare{Id: id}
	ack := &PrepareAck{Id: id, From: 1, Progress: Progress{Promised: BallotNumber{1, 2}}}
	require.Equal(t, sentMsg{2, ack}, <-msger.testch)
	require.Equal(t, BallotNumber{1, 2}, jrnl.progress.Promised)

	// a duplicate of the promised ballot is acked again, no state change
	msger.notifch <- &Prepare{Id: id}
	require.Equal(t, sentMsg{2, ack}, <-msger.testch)

	// a lower ballot is nacked with our current view
	low := SlotId{From: 3, Number: BallotNumber{0, 3}, LogIndex: 2}
	msger.notifch <- &Prepare{Id: low}
	require.Equal(t, sentMsg{3, &PrepareNack{Id: low, From: 1, Progress: Progress{Promised: BallotNumber{1, 2}}}}, <-msger.testch)

	// the min-prepare probe is always nacked, carrying heartbeat evidence
	mp := MinPrepare(3)
	msger.notifch <- mp
	require.Equal(t, sentMsg{3, &PrepareNack{Id: mp.Id, From: 1, Progress: Progress{Promised: BallotNumber{1, 2}}}}, <-msger.testch)

	node.Exit()
}

func TestFollowerAcceptAndCommit(t *testing.T) { // {{{1
	node, msger, jrnl, machn, _ := initTest(t, 1, []uint32{1, 2, 3}, nil)

	a := &Accept{Id: SlotId{From: 2, Number: BallotNumber{1, 2}, LogIndex: 1}, Value: Value{MsgId: 7, Data: []byte("x")}}
	msger.notifch <- a
	ack := &AcceptAck{Id: a.Id, From: 1, Progress: Progress{Promised: BallotNumber{1, 2}}}
	require.Equal(t, sentMsg{2, ack}, <-msger.testch)

	// a duplicate accept acks again but journals only one copy
	msger.notifch <- a
	require.Equal(t, sentMsg{2, ack}, <-msger.testch)
	require.Len(t, jrnl.accepts, 1)

	// below the promise: nack
	low := &Accept{Id: SlotId{From: 3, Number: BallotNumber{0, 3}, LogIndex: 2}}
	msger.notifch <- low
	require.Equal(t, sentMsg{3, &AcceptNack{Id: low.Id, From: 1, Progress: Progress{Promised: BallotNumber{1, 2}}}}, <-msger.testch)

	// the leader's commit delivers the journaled value
	msger.notifch <- &Commit{From: 2, Committed: a.Id, Heartbeat: 5}
	msger.syncWait(t)
	require.Equal(t, []ClientCommand{{MsgId: 7, Data: []byte("x")}}, machn.executed)
	require.Equal(t, a.Id, jrnl.progress.Committed)

	// the same commit again is a no-op
	msger.notifch <- &Commit{From: 2, Committed: a.Id, Heartbeat: 5}
	msger.syncWait(t)
	require.Len(t, machn.executed, 1)

	// the slot is sealed now: accepting again could decide a second value
	msger.notifch <- a
	require.Equal(t, sentMsg{2, &AcceptNack{Id: a.Id, From: 1, Progress: Progress{Promised: BallotNumber{1, 2}, Committed: a.Id}}}, <-msger.testch)

	node.Exit()
}

func TestElectionAndSteadyCommit(t *testing.T) { // {{{1
	node, msger, jrnl, machn, _ := makeLeader(t)

	// heartbeat carries the watermark
	msger.notifch <- &heartBeat{}
	hb := (<-msger.testch).(bcastMsg).msg.(*Commit)
	require.Equal(t, SlotId{From: 2, Number: BallotNumber{1, 2}, LogIndex: 1}, hb.Committed)

	// steady state: one round trip from command to commit
	msger.notifch <- &ClientCommand{MsgId: 42, Data: []byte("set x 1")}
	id := SlotId{From: 2, Number: BallotNumber{1, 2}, LogIndex: 2}
	require.Equal(t, bcastMsg{&Accept{Id: id, Value: Value{MsgId: 42, Data: []byte("set x 1")}}}, <-msger.testch)

	msger.notifch <- &AcceptAck{Id: id, From: 1}
	msger.syncWait(t)
	require.Equal(t, []ClientCommand{{MsgId: 42, Data: []byte("set x 1")}}, machn.executed)
	require.Equal(t, id, jrnl.progress.Committed)

	// a stale ack for the settled slot changes nothing
	msger.notifch <- &AcceptAck{Id: id, From: 3}
	msger.syncWait(t)
	require.Equal(t, int64(2), jrnl.progress.Committed.LogIndex)

	node.Exit()
}

func TestHeartbeatEvidenceAvoidsDuel(t *testing.T) { // {{{1
	node, msger, _, _, clk := initTest(t, 2, []uint32{1, 2, 3}, nil)

	// heartbeat 40 on record
	msger.notifch <- &Commit{From: 1, Heartbeat: 40}
	msger.syncWait(t)

	fireTimeout(clk, msger)
	mp := MinPrepare(2)
	require.Equal(t, bcastMsg{mp}, <-msger.testch)

	// a fresher heartbeat plus our own vote is a working majority: no duel
	msger.notifch <- &PrepareNack{Id: mp.Id, From: 1, LeaderHeartbeat: 42}
	msger.syncWait(t)
	require.Equal(t, Follower, node.role)
	require.Equal(t, int64(42), node.leaderHeartbeat)

	// late evidence for the cleared probe is ignored
	msger.notifch <- &PrepareNack{Id: mp.Id, From: 3, LeaderHeartbeat: 42}
	msger.syncWait(t)
	require.Equal(t, Follower, node.role)

	node.Exit()
}

func TestBackdownOnHigherPrepare(t *testing.T) { // {{{1
	node, msger, _, _, _ := makeLeader(t)

	// a command still waiting for its majority
	msger.notifch <- &ClientCommand{MsgId: 77, Data: []byte("set y 2")}
	require.IsType(t, bcastMsg{}, <-msger.testch)

	// a higher prepare forbids accepting under our epoch
	id := SlotId{From: 3, Number: BallotNumber{6, 3}, LogIndex: 9}
	msger.notifch <- &Prepare{Id: id}
	require.Equal(t, sentMsg{3, &PrepareAck{
		Id:   id,
		From: 2,
		Progress: Progress{
			Promised:  BallotNumber{6, 3},
			Committed: SlotId{From: 2, Number: BallotNumber{1, 2}, LogIndex: 1},
		},
		HighestAccepted: 2,
	}}, <-msger.testch)
	require.Equal(t, failedMsg{77}, <-msger.testch)

	msger.syncWait(t)
	require.Equal(t, Follower, node.role)
	require.Nil(t, node.epoch)

	node.Exit()
}

func TestRecoveryValueChoice(t *testing.T) { // {{{1
	jrnl := NewDummyJournal()
	jrnl.SetProgress(Progress{Promised: BallotNumber{6, 9}})
	node, msger, _, _, clk := initTest(t, 2, []uint32{1, 2, 3, 4, 5}, jrnl)

	fireTimeout(clk, msger)
	mp := MinPrepare(2)
	require.Equal(t, bcastMsg{mp}, <-msger.testch)

	// quorum of 3 with no liveness evidence
	msger.notifch <- &PrepareNack{Id: mp.Id, From: 1}
	msger.notifch <- &PrepareNack{Id: mp.Id, From: 3}
	pid := SlotId{From: 2, Number: BallotNumber{7, 2}, LogIndex: 1}
	require.Equal(t, bcastMsg{&Prepare{Id: pid}}, <-msger.testch)

	// promises report competing accepted values; the highest ballot wins
	msger.notifch <- &PrepareAck{Id: pid, From: 1,
		Accepted: &Accept{Id: SlotId{From: 1, Number: BallotNumber{4, 1}, LogIndex: 1}, Value: Value{MsgId: 8, Data: []byte("a")}}}
	msger.notifch <- &PrepareAck{Id: pid, From: 3,
		Accepted: &Accept{Id: SlotId{From: 3, Number: BallotNumber{6, 3}, LogIndex: 1}, Value: Value{MsgId: 9, Data: []byte("b")}}}
	require.Equal(t, bcastMsg{&Accept{Id: pid, Value: Value{MsgId: 9, Data: []byte("b")}}}, <-msger.testch)
	require.IsType(t, &Commit{}, (<-msger.testch).(bcastMsg).msg)
	require.Equal(t, Leader, node.role)

	node.Exit()
}

func TestGapFillRetransmit(t *testing.T) { // {{{1
	b := BallotNumber{7, 1}
	val := func(idx int64) Value { return Value{MsgId: uint64(idx), Data: []byte{byte(idx)}} }
	jrnl := NewDummyJournal()
	jrnl.SetProgress(Progress{Promised: b, Committed: SlotId{From: 1, Number: BallotNumber{6, 1}, LogIndex: 10}})
	for _, idx := range []int64{11, 12, 14} { // 13 is missing
		jrnl.SaveAccept(Accept{Id: SlotId{From: 1, Number: b, LogIndex: idx}, Value: val(idx)})
	}
	node, msger, _, machn, _ := initTest(t, 2, []uint32{1, 2, 3}, jrnl)

	// commit far ahead: apply the journaled prefix, then ask for the rest
	msger.notifch <- &Commit{From: 1, Committed: SlotId{From: 1, Number: b, LogIndex: 15}, Heartbeat: 9}
	require.Equal(t, sentMsg{1, &RetransmitRequest{From: 2, FromIndex: 12}}, <-msger.testch)
	require.Equal(t, []ClientCommand{{MsgId: 11, Data: []byte{11}}, {MsgId: 12, Data: []byte{12}}}, machn.executed)

	resp := &RetransmitResponse{From: 1,
		Committed: []Accept{
			{Id: SlotId{From: 1, Number: b, LogIndex: 13}, Value: val(13)},
			{Id: SlotId{From: 1, Number: b, LogIndex: 14}, Value: val(14)},
			{Id: SlotId{From: 1, Number: b, LogIndex: 15}, Value: val(15)},
		},
		Proposed: []Accept{
			{Id: SlotId{From: 1, Number: b, LogIndex: 16}, Value: val(16)},
		},
	}
	msger.notifch <- resp
	msger.syncWait(t)
	require.Equal(t, int64(15), jrnl.progress.Committed.LogIndex)
	require.Len(t, machn.executed, 5)
	require.NotNil(t, jrnl.Accepted(16)) // proposed is journaled, not committed

	// replaying the bundle is a no-op
	msger.notifch <- resp
	msger.syncWait(t)
	require.Len(t, machn.executed, 5)

	// and we can serve the same range to a peer that is behind
	msger.notifch <- &RetransmitRequest{From: 3, FromIndex: 12}
	require.Equal(t, sentMsg{3, &RetransmitResponse{From: 2,
		Committed: resp.Committed,
		Proposed:  resp.Proposed,
	}}, <-msger.testch)

	node.Exit()
}

func TestSingleNodeCluster(t *testing.T) { // {{{1
	node, msger, jrnl, machn, clk := initTest(t, 1, []uint32{1}, nil)

	// probe, takeover, recovery and promotion all resolve on self-votes
	fireTimeout(clk, msger)
	require.Equal(t, bcastMsg{MinPrepare(1)}, <-msger.testch)
	require.Equal(t, bcastMsg{&Prepare{Id: SlotId{From: 1, Number: BallotNumber{1, 1}, LogIndex: 1}}}, <-msger.testch)
	require.Equal(t, bcastMsg{&Accept{Id: SlotId{From: 1, Number: BallotNumber{1, 1}, LogIndex: 1}, Value: Value{Noop: true}}}, <-msger.testch)
	c := (<-msger.testch).(bcastMsg).msg.(*Commit)
	require.Equal(t, int64(1), c.Committed.LogIndex)
	require.Equal(t, Leader, node.role)

	// every proposal commits on the self-ack
	msger.notifch <- &ClientCommand{MsgId: 5, Data: []byte("set k v")}
	require.Equal(t, bcastMsg{&Accept{Id: SlotId{From: 1, Number: BallotNumber{1, 1}, LogIndex: 2}, Value: Value{MsgId: 5, Data: []byte("set k v")}}}, <-msger.testch)
	msger.syncWait(t)
	require.Equal(t, []ClientCommand{{MsgId: 5, Data: []byte("set k v")}}, machn.executed)
	require.Equal(t, int64(2), jrnl.progress.Committed.LogIndex)

	node.Exit()
}

func TestClientAtFollower(t *testing.T) { // {{{1
	node, msger, _, _, _ := initTest(t, 1, []uint32{1, 2, 3}, nil)

	msger.notifch <- &ClientCommand{MsgId: 9}
	require.Equal(t, failedMsg{9}, <-msger.testch) // no leader known yet

	msger.notifch <- &Commit{From: 2, Heartbeat: 3}
	msger.syncWait(t)
	msger.notifch <- &ClientCommand{MsgId: 10}
	require.Equal(t, redirectMsg{10, 2}, <-msger.testch)

	node.Exit()
}

func TestResendKeepsBallot(t *testing.T) { // {{{1
	node, msger, _, _, clk := initTest(t, 2, []uint32{1, 2, 3}, nil)

	fireTimeout(clk, msger)
	mp := MinPrepare(2)
	require.Equal(t, bcastMsg{mp}, <-msger.testch)
	msger.notifch <- &PrepareNack{Id: mp.Id, From: 1}
	pid := SlotId{From: 2, Number: BallotNumber{1, 2}, LogIndex: 1}
	require.Equal(t, bcastMsg{&Prepare{Id: pid}}, <-msger.testch)

	// a recoverer retries its prepare under the same ballot
	fireTimeout(clk, msger)
	require.Equal(t, bcastMsg{&Prepare{Id: pid}}, <-msger.testch)

	msger.notifch <- &PrepareAck{Id: pid, From: 1}
	require.Equal(t, bcastMsg{&Accept{Id: pid, Value: Value{Noop: true}}}, <-msger.testch)
	require.IsType(t, &Commit{}, (<-msger.testch).(bcastMsg).msg)

	// a leader retries an unsettled accept, same id and value
	fireTimeout(clk, msger)
	require.Equal(t, bcastMsg{&Accept{Id: pid, Value: Value{Noop: true}}}, <-msger.testch)
	require.Equal(t, Leader, node.role)

	node.Exit()
}

func TestMajorityNackBacksDown(t *testing.T) { // {{{1
	node, msger, _, _, _ := makeLeader(t)

	msger.notifch <- &ClientCommand{MsgId: 88, Data: []byte("set z 3")}
	id := SlotId{From: 2, Number: BallotNumber{1, 2}, LogIndex: 2}
	require.IsType(t, bcastMsg{}, <-msger.testch)

	msger.notifch <- &AcceptNack{Id: id, From: 1}
	msger.notifch <- &AcceptNack{Id: id, From: 3}
	require.Equal(t, failedMsg{88}, <-msger.testch)
	msger.syncWait(t)
	require.Equal(t, Follower, node.role)
	require.Nil(t, node.epoch)

	node.Exit()
}

func TestLeaderBacksDownOnHigherCommit(t *testing.T) { // {{{1
	node, msger, _, _, _ := makeLeader(t)

	// another leader is ahead of us; catch up and step aside
	msger.notifch <- &Commit{From: 3, Committed: SlotId{From: 3, Number: BallotNumber{2, 3}, LogIndex: 3}, Heartbeat: 99}
	require.Equal(t, sentMsg{3, &RetransmitRequest{From: 2, FromIndex: 1}}, <-msger.testch)
	msger.syncWait(t)
	require.Equal(t, Follower, node.role)
	require.Equal(t, uint32(3), node.lastLeader)

	node.Exit()
}
