package paxos

import (
	"errors"
	golog "log" // avoid confusion
	"math"
	"sort"
	"time"
)

// Note: the Paxos state machine is a single-threaded event-loop
//       All events including timeouts are received on a single channel

// prepareRound tracks one outstanding prepare: the id we broadcast and the
// responses collected so far. A nil vote map is a tombstone for a slot that
// got committed while its prepare was still in flight.
type prepareRound struct {
	id    SlotId
	votes map[uint32]Message // *PrepareAck or *PrepareNack per node
}

// acceptRound tracks one outstanding accept until a majority settles it.
type acceptRound struct {
	accept   Accept
	deadline int64           // resend once the clock passes this
	votes    map[uint32]bool // node -> acked?
	chosen   bool            // majority acked; commits as the prefix closes
}

type PaxosNode struct {
	id          uint32
	peerIds     []uint32
	clusterSize int

	// durable fields (mirrored in the journal)
	progress Progress

	// volatile fields
	role            Role
	leaderHeartbeat int64
	deadline        int64
	lastLeader      uint32 // 0 = unknown
	epoch           *BallotNumber
	halted          bool

	// rounds keyed by log index (slot ids order by log index alone)
	prepareRounds map[int64]*prepareRound
	acceptRounds  map[int64]*acceptRound
	clientCmds    map[int64]ClientCommand

	// timers
	checkTimer *paxTimer
	hbTimer    *paxTimer
	sampler    func() int64 // timeout draw in [LeaderTimeoutMin, LeaderTimeoutMax)

	cfg   Config
	clock Clock

	// links
	notifch chan Message
	msger   Messenger
	journal Journal
	machn   Machine

	// error logging
	err *golog.Logger
}

func NewNode( // {{{1
	selfId uint32, nodeIds []uint32, notifbuf int,
	cfg Config, clk Clock, sampler func() int64,
	msger Messenger, journal Journal, machn Machine,
	errlog *golog.Logger,
) (*PaxosNode, error) {
	if selfId == 0 {
		return nil, errors.New("node ids must be non-zero")
	}
	if cfg.LeaderTimeoutMin <= 0 || cfg.LeaderTimeoutMax <= cfg.LeaderTimeoutMin {
		return nil, errors.New("need 0 < LeaderTimeoutMin < LeaderTimeoutMax")
	}
	var peerIds []uint32
	var pSet = make(map[uint32]bool)
	var selfFound = false
	for _, nodeId := range nodeIds {
		if nodeId == selfId {
			selfFound = true
		} else {
			pSet[nodeId] = true
		}
	}
	if !selfFound {
		return nil, errors.New("nodeIds should contain selfId")
	}
	for peerId := range pSet {
		peerIds = append(peerIds, peerId)
	}
	if len(peerIds)+1 != len(nodeIds) {
		return nil, errors.New("nodeIds should not have duplicates")
	}

	var progress Progress
	if p := journal.GetProgress(); p != nil {
		progress = *p
	}
	notifch := make(chan Message, notifbuf)
	msger.Register(notifch)
	return &PaxosNode{
		id:            selfId,
		peerIds:       peerIds,
		clusterSize:   len(nodeIds),
		progress:      progress,
		role:          Follower,
		prepareRounds: make(map[int64]*prepareRound),
		acceptRounds:  make(map[int64]*acceptRound),
		clientCmds:    make(map[int64]ClientCommand),
		sampler:       sampler,
		cfg:           cfg,
		clock:         clk,
		notifch:       notifch,
		msger:         msger,
		journal:       journal,
		machn:         machn,
		err:           errlog,
	}, nil
}

// Run the event loop, waits for messages and timeouts
func (self *PaxosNode) Run() { // {{{1
	self.checkTimer = newPaxTimer(func(v uint64) func() {
		return func() {
			self.notifch <- &checkTimeout{v}
		}
	})
	self.hbTimer = newPaxTimer(func(v uint64) func() {
		return func() {
			self.notifch <- &heartBeat{v}
		}
	})
	self.resetDeadline()

loop:
	for {
		msg := <-self.notifch

		switch m := msg.(type) {
		case *checkTimeout:
			if !self.checkTimer.Match(m.version) {
				continue loop
			}
		case *heartBeat:
			if !self.hbTimer.Match(m.version) || self.role != Leader {
				continue loop
			}
		case *exitLoop:
			break loop
		case *testEcho:
			self.msger.Send(self.id, m)
			continue loop
		}

		switch self.role {
		case Follower:
			self.followerHandler(msg)
		case Recoverer:
			self.recovererHandler(msg)
		case Leader:
			self.leaderHandler(msg)
		}
		if self.halted {
			break loop
		}
	}
}

// Exit the event loop
func (self *PaxosNode) Exit() { // {{{1
	self.notifch <- &exitLoop{}
}

// ---- private utility methods {{{1

func (self *PaxosNode) fatal(args ...interface{}) {
	self.err.Print(append([]interface{}{"fatal: "}, args...)...)
	self.halted = true
}

func (self *PaxosNode) quorum(votes int) bool {
	return votes > self.clusterSize/2
}

func (self *PaxosNode) hbInterval() time.Duration {
	return time.Duration(self.cfg.LeaderTimeoutMin/4) * time.Millisecond
}

func (self *PaxosNode) resetDeadline() {
	draw := self.sampler()
	self.deadline = self.clock.Now() + draw
	self.checkTimer.Reset(time.Duration(draw) * time.Millisecond)
}

// saveProgress persists the progress record. Durable progress must never
// regress; dependent messages must not be sent after a failed save.
func (self *PaxosNode) saveProgress() {
	if old := self.journal.GetProgress(); old != nil {
		if self.progress.Promised.Less(old.Promised) ||
			self.progress.Committed.LogIndex < old.Committed.LogIndex {
			self.fatal("progress regression", old, self.progress)
			return
		}
	}
	if !self.journal.SetProgress(self.progress) {
		self.fatal("could not persist progress")
	}
}

func (self *PaxosNode) saveAccept(a Accept) {
	if !self.journal.SaveAccept(a) {
		self.fatal("could not journal accept", a.Id)
	}
}

// highestAccepted is the largest slot holding a journaled accept, or the
// commit watermark when no journaled accept lies above it.
func (self *PaxosNode) highestAccepted() int64 {
	if _, max, ok := self.journal.Bounds(); ok && max > self.progress.Committed.LogIndex {
		return max
	}
	return self.progress.Committed.LogIndex
}

func (self *PaxosNode) prepareAckFor(id SlotId) *PrepareAck {
	return &PrepareAck{
		Id:              id,
		From:            self.id,
		Progress:        self.progress,
		HighestAccepted: self.highestAccepted(),
		LeaderHeartbeat: self.leaderHeartbeat,
		Accepted:        self.journal.Accepted(id.LogIndex),
	}
}

func (self *PaxosNode) prepareNackFor(id SlotId) *PrepareNack {
	return &PrepareNack{
		Id:              id,
		From:            self.id,
		Progress:        self.progress,
		HighestAccepted: self.highestAccepted(),
		LeaderHeartbeat: self.leaderHeartbeat,
	}
}

type idxSlice []int64

func (l idxSlice) Len() int           { return len(l) }
func (l idxSlice) Swap(i, j int)      { l[i], l[j] = l[j], l[i] }
func (l idxSlice) Less(i, j int) bool { return l[i] < l[j] }

func sortedSlots[R any](rounds map[int64]R) []int64 {
	var idxs []int64
	for idx := range rounds {
		idxs = append(idxs, idx)
	}
	sort.Sort(idxSlice(idxs))
	return idxs
}

// backdown drops every in-flight round, fails waiting clients and returns to
// Follower with a fresh timeout.
func (self *PaxosNode) backdown() { // {{{1
	for _, cmd := range self.clientCmds {
		self.msger.ClientFailed(cmd.MsgId)
	}
	self.prepareRounds = make(map[int64]*prepareRound)
	self.acceptRounds = make(map[int64]*acceptRound)
	self.clientCmds = make(map[int64]ClientCommand)
	self.epoch = nil
	self.role = Follower
	self.resetDeadline()
}

// ---- handlers shared by all roles {{{1

// handlePrepare applies the promise rule. A ballot above the current promise
// durably raises it before the ack leaves, and forces a backdown: the node
// can no longer accept under any older epoch, so it cannot stay leader.
func (self *PaxosNode) handlePrepare(msg *Prepare) {
	id := msg.Id
	switch {
	case id.Number.Less(self.progress.Promised):
		self.msger.Send(id.From, self.prepareNackFor(id))
	case id.Number == self.progress.Promised:
		self.msger.Send(id.From, self.prepareAckFor(id))
	default:
		self.progress.Promised = id.Number
		self.saveProgress()
		if self.halted {
			return
		}
		self.msger.Send(id.From, self.prepareAckFor(id))
		self.backdown()
	}
}

// handleAccept applies the accept rule: nack anything below the promise and
// anything at or below the commit watermark, journal the rest durably before
// acking.
func (self *PaxosNode) handleAccept(msg *Accept) {
	id := msg.Id
	switch {
	case id.Number.Less(self.progress.Promised):
		self.msger.Send(id.From, &AcceptNack{Id: id, From: self.id, Progress: self.progress})
	case id.LogIndex <= self.progress.Committed.LogIndex:
		// the slot is sealed; accepting again could decide a second value
		self.msger.Send(id.From, &AcceptNack{Id: id, From: self.id, Progress: self.progress})
	default:
		raised := false
		if self.progress.Promised.Less(id.Number) {
			self.progress.Promised = id.Number
			self.saveProgress()
			if self.halted {
				return
			}
			raised = true
		}
		self.saveAccept(*msg)
		if self.halted {
			return
		}
		self.msger.Send(id.From, &AcceptAck{Id: id, From: self.id, Progress: self.progress})
		if raised && self.role != Follower {
			// promise outran our epoch; the epoch is lost either way
			self.backdown()
		}
	}
}

// commitUpTo fast-forwards the commit watermark using locally journaled
// accepts that carry the committing ballot, stopping at the first gap or
// foreign ballot. Progress is saved once before any delivery.
func (self *PaxosNode) commitUpTo(target SlotId) {
	var delivered []ClientCommand
	moved := false
	for idx := self.progress.Committed.LogIndex + 1; idx <= target.LogIndex; idx += 1 {
		a := self.journal.Accepted(idx)
		if a == nil || a.Id.Number != target.Number {
			break
		}
		self.progress.Committed = a.Id
		moved = true
		if !a.Value.Noop {
			delivered = append(delivered, ClientCommand{MsgId: a.Value.MsgId, Data: a.Value.Data})
		}
		if round, ok := self.prepareRounds[idx]; ok {
			round.votes = nil // sealed mid-recovery
		}
	}
	if !moved {
		return
	}
	self.saveProgress()
	if self.halted {
		return
	}
	if len(delivered) > 0 {
		self.machn.Execute(delivered)
	}
}

func (self *PaxosNode) handleRetransmitRequest(req *RetransmitRequest) {
	var committed, proposed []Accept
	for idx := req.FromIndex + 1; idx <= self.progress.Committed.LogIndex; idx += 1 {
		a := self.journal.Accepted(idx)
		if a == nil {
			break // cannot serve across our own gap
		}
		committed = append(committed, *a)
	}
	if _, max, ok := self.journal.Bounds(); ok {
		for idx := self.progress.Committed.LogIndex + 1; idx <= max; idx += 1 {
			if a := self.journal.Accepted(idx); a != nil {
				proposed = append(proposed, *a)
			}
		}
	}
	if len(committed) == 0 && len(proposed) == 0 {
		return
	}
	self.msger.Send(req.From, &RetransmitResponse{From: self.id, Committed: committed, Proposed: proposed})
}

// handleRetransmitResponse fills the committed prefix in order, then journals
// proposed accepts that the promise allows. This is the only way a lagging
// node crosses a gap in its own journal.
func (self *PaxosNode) handleRetransmitResponse(resp *RetransmitResponse) {
	var delivered []ClientCommand
	moved := false
	for _, a := range resp.Committed {
		if a.Id.LogIndex <= self.progress.Committed.LogIndex {
			continue // duplicate
		}
		if a.Id.LogIndex != self.progress.Committed.LogIndex+1 {
			break // gap
		}
		self.saveAccept(a)
		if self.halted {
			return
		}
		if self.progress.Promised.Less(a.Id.Number) {
			self.progress.Promised = a.Id.Number
		}
		self.progress.Committed = a.Id
		moved = true
		if !a.Value.Noop {
			delivered = append(delivered, ClientCommand{MsgId: a.Value.MsgId, Data: a.Value.Data})
		}
	}
	raised := false
	for _, a := range resp.Proposed {
		if !a.Id.Number.Less(self.progress.Promised) && a.Id.LogIndex > self.progress.Committed.LogIndex {
			self.saveAccept(a)
			if self.halted {
				return
			}
			if self.progress.Promised.Less(a.Id.Number) {
				self.progress.Promised = a.Id.Number
				raised = true
			}
		}
	}
	if !moved && !raised {
		return
	}
	self.saveProgress()
	if self.halted {
		return
	}
	if len(delivered) > 0 {
		self.machn.Execute(delivered)
	}
}

// ---- follower {{{1

func (self *PaxosNode) followerHandler(m Message) {
	switch msg := m.(type) {
	case *Prepare:
		self.handlePrepare(msg)
	case *Accept:
		self.handleAccept(msg)
	case *Commit:
		self.followerCommit(msg)
	case *PrepareAck:
		self.followerPrepareResponse(msg.Id, msg.From, msg.Progress, msg)
	case *PrepareNack:
		self.followerPrepareResponse(msg.Id, msg.From, msg.Progress, msg)
	case *AcceptAck:
		break // stale round
	case *AcceptNack:
		break
	case *RetransmitRequest:
		self.handleRetransmitRequest(msg)
	case *RetransmitResponse:
		self.handleRetransmitResponse(msg)
	case *ClientCommand:
		if self.machn.RespondIfSeen(msg.MsgId) {
			break
		} else if self.lastLeader != 0 {
			self.msger.ClientRedirect(msg.MsgId, self.lastLeader)
		} else {
			self.msger.ClientFailed(msg.MsgId)
		}
	case *checkTimeout:
		self.followerTimeout()
	default:
		self.err.Print("bad type: ", m)
	}
}

func (self *PaxosNode) followerCommit(msg *Commit) {
	if msg.Heartbeat > self.leaderHeartbeat || self.progress.Promised.Less(msg.Committed.Number) {
		// fresh evidence of a live leader
		self.leaderHeartbeat = msg.Heartbeat
		self.lastLeader = msg.From
		self.prepareRounds = make(map[int64]*prepareRound)
		self.resetDeadline()
	}
	if msg.Committed.LogIndex <= self.progress.Committed.LogIndex {
		return
	}
	self.commitUpTo(msg.Committed)
	if self.halted {
		return
	}
	if self.progress.Committed.LogIndex < msg.Committed.LogIndex {
		self.msger.Send(msg.From, &RetransmitRequest{From: self.id, FromIndex: self.progress.Committed.LogIndex})
	}
}

// followerTimeout broadcasts the min-prepare liveness probe, seeded with our
// own view as a nack, or rebroadcasts an outstanding probe.
func (self *PaxosNode) followerTimeout() {
	if now := self.clock.Now(); now < self.deadline {
		self.checkTimer.Reset(time.Duration(self.deadline-now) * time.Millisecond)
		return
	}
	mp := MinPrepare(self.id)
	round, ok := self.prepareRounds[mp.Id.LogIndex]
	if !ok {
		round = &prepareRound{
			id:    mp.Id,
			votes: map[uint32]Message{self.id: self.prepareNackFor(mp.Id)},
		}
		self.prepareRounds[mp.Id.LogIndex] = round
	}
	self.msger.Broadcast(mp)
	self.resetDeadline()
	self.maybeDecideProbe(round) // a one-node cluster is its own majority
}

// followerPrepareResponse drives the probe: on a majority of answers, decide
// between takeover and standing down from the heartbeat evidence.
func (self *PaxosNode) followerPrepareResponse(id SlotId, from uint32, prog Progress, m Message) {
	round, ok := self.prepareRounds[id.LogIndex]
	if !ok || round.id != id || !isMinPrepare(id) {
		return // stale round
	}
	if prog.Committed.LogIndex > self.progress.Committed.LogIndex {
		// we are behind; catch up instead of dueling
		self.msger.Send(from, &RetransmitRequest{From: self.id, FromIndex: self.progress.Committed.LogIndex})
		self.backdown()
		return
	}
	round.votes[from] = m
	self.maybeDecideProbe(round)
}

func (self *PaxosNode) maybeDecideProbe(round *prepareRound) {
	if !self.quorum(len(round.votes)) {
		return
	}
	var fresh []int64
	for _, v := range round.votes {
		if nack, ok := v.(*PrepareNack); ok && nack.LeaderHeartbeat > self.leaderHeartbeat {
			fresh = append(fresh, nack.LeaderHeartbeat)
		}
	}
	if len(fresh) > 0 && self.quorum(len(fresh)+1) {
		// a live leader holds a working majority; do not duel
		max := fresh[0]
		for _, hb := range fresh {
			if hb > max {
				max = hb
			}
		}
		self.leaderHeartbeat = max
		self.backdown()
		return
	}
	self.takeover()
}

// takeover starts recovery: one prepare per possibly-undecided slot under a
// fresh ballot, each pre-voted by self.
func (self *PaxosNode) takeover() {
	highest := self.progress.Promised
	if highest.Less(self.progress.Committed.Number) {
		highest = self.progress.Committed.Number
	}
	preps := RecoverPrepares(self.id, highest, self.progress.Committed.LogIndex, self.highestAccepted())
	number := preps[0].Id.Number
	self.progress.Promised = number
	self.saveProgress()
	if self.halted {
		return
	}
	self.prepareRounds = make(map[int64]*prepareRound)
	for _, p := range preps {
		self.prepareRounds[p.Id.LogIndex] = &prepareRound{
			id:    p.Id,
			votes: map[uint32]Message{self.id: self.prepareAckFor(p.Id)},
		}
	}
	self.epoch = &number
	self.role = Recoverer
	for _, p := range preps {
		self.msger.Broadcast(p)
	}
	self.resetDeadline()
	// a one-node cluster already has its majority
	for _, idx := range sortedSlots(self.prepareRounds) {
		if round, ok := self.prepareRounds[idx]; ok {
			self.maybeResolvePrepare(round)
		}
		if self.role != Recoverer || self.halted {
			return
		}
	}
}

// ---- recoverer {{{1

func (self *PaxosNode) recovererHandler(m Message) {
	switch msg := m.(type) {
	case *Prepare:
		self.handlePrepare(msg)
	case *Accept:
		self.handleAccept(msg)
	case *Commit:
		self.commitFromPeerLeader(msg)
	case *PrepareAck:
		self.recovererPrepareResponse(msg.Id, msg.From, msg.Progress, msg)
	case *PrepareNack:
		self.recovererPrepareResponse(msg.Id, msg.From, msg.Progress, msg)
	case *AcceptAck:
		self.handleAcceptResponse(msg.Id, msg.From, true)
	case *AcceptNack:
		self.handleAcceptResponse(msg.Id, msg.From, false)
	case *RetransmitRequest:
		self.handleRetransmitRequest(msg)
	case *RetransmitResponse:
		break // only followers consume catch-up bundles
	case *ClientCommand:
		if !self.machn.RespondIfSeen(msg.MsgId) {
			self.msger.ClientFailed(msg.MsgId) // mid-recovery; retry later
		}
	case *checkTimeout:
		self.resendTimeout()
	default:
		self.err.Print("bad type: ", m)
	}
}

func (self *PaxosNode) recovererPrepareResponse(id SlotId, from uint32, prog Progress, m Message) {
	if prog.Committed.LogIndex > self.progress.Committed.LogIndex {
		self.msger.Send(from, &RetransmitRequest{From: self.id, FromIndex: self.progress.Committed.LogIndex})
		self.backdown()
		return
	}
	round, ok := self.prepareRounds[id.LogIndex]
	if !ok || round.id != id {
		return // stale round
	}
	if round.votes == nil { // tombstone: slot committed mid-recovery
		delete(self.prepareRounds, id.LogIndex)
		self.maybePromote()
		return
	}
	round.votes[from] = m
	self.maybeResolvePrepare(round)
}

// maybeResolvePrepare closes a prepare round once it has a majority: any nack
// means a higher promise is out there, otherwise the slot's value is the
// accepted value with the highest ballot, or a noop for a free slot.
func (self *PaxosNode) maybeResolvePrepare(round *prepareRound) {
	if round.votes == nil || !self.quorum(len(round.votes)) {
		return
	}
	var chosen *Accept
	for _, v := range round.votes {
		ack, isAck := v.(*PrepareAck)
		if !isAck {
			self.backdown()
			return
		}
		if ack.Accepted != nil && (chosen == nil || chosen.Id.Number.Less(ack.Accepted.Id.Number)) {
			chosen = ack.Accepted
		}
	}
	val := Value{Noop: true}
	if chosen != nil {
		val = chosen.Value
	}
	self.startAcceptRound(SlotId{From: self.id, Number: *self.epoch, LogIndex: round.id.LogIndex}, val)
	if self.halted {
		return
	}
	delete(self.prepareRounds, round.id.LogIndex)
	self.maybePromote()
}

func (self *PaxosNode) maybePromote() {
	if self.role != Recoverer || len(self.prepareRounds) > 0 {
		return
	}
	self.role = Leader
	self.hbTimer.Reset(self.hbInterval())
	self.msger.Broadcast(&Commit{From: self.id, Committed: self.progress.Committed, Heartbeat: self.clock.Now()})
}

// ---- recoverer & leader {{{1

// startAcceptRound durably self-accepts and broadcasts a fresh accept.
func (self *PaxosNode) startAcceptRound(id SlotId, val Value) {
	a := Accept{Id: id, Value: val}
	self.saveAccept(a)
	if self.halted {
		return
	}
	round := &acceptRound{
		accept:   a,
		deadline: self.clock.Now() + self.cfg.LeaderTimeoutMin/2,
		votes:    map[uint32]bool{self.id: true},
	}
	self.acceptRounds[id.LogIndex] = round
	self.msger.Broadcast(&a)
	self.maybeResolveAccept(round)
}

func (self *PaxosNode) handleAcceptResponse(id SlotId, from uint32, acked bool) {
	round, ok := self.acceptRounds[id.LogIndex]
	if !ok || round.accept.Id != id {
		return // stale round
	}
	round.votes[from] = acked
	self.maybeResolveAccept(round)
}

func (self *PaxosNode) maybeResolveAccept(round *acceptRound) {
	acks, nacks := 0, 0
	for _, acked := range round.votes {
		if acked {
			acks += 1
		} else {
			nacks += 1
		}
	}
	if self.quorum(nacks) {
		// we cannot win this slot
		self.backdown()
		return
	}
	if self.quorum(acks) && !round.chosen {
		round.chosen = true
		self.advanceChosen()
	}
}

// advanceChosen commits chosen slots in log order: progress may only advance
// as the contiguous prefix closes, however the majorities arrived.
func (self *PaxosNode) advanceChosen() {
	var delivered []ClientCommand
	var done []int64
	for {
		next := self.progress.Committed.LogIndex + 1
		round, ok := self.acceptRounds[next]
		if !ok || !round.chosen {
			break
		}
		self.progress.Committed = round.accept.Id
		if !round.accept.Value.Noop {
			delivered = append(delivered, ClientCommand{MsgId: round.accept.Value.MsgId, Data: round.accept.Value.Data})
		}
		done = append(done, next)
	}
	if len(done) == 0 {
		return
	}
	self.saveProgress()
	if self.halted {
		return
	}
	if len(delivered) > 0 {
		self.machn.Execute(delivered)
	}
	for _, idx := range done {
		delete(self.acceptRounds, idx)
		delete(self.clientCmds, idx)
	}
}

// commitFromPeerLeader handles a Commit seen while recovering or leading: a
// watermark (or epoch) above ours means another leader won; catch up, then
// back down.
func (self *PaxosNode) commitFromPeerLeader(msg *Commit) {
	c := msg.Committed
	newer := c.LogIndex > self.progress.Committed.LogIndex ||
		(c.LogIndex == self.progress.Committed.LogIndex &&
			self.epoch != nil && self.epoch.Less(c.Number))
	if !newer {
		return
	}
	self.leaderHeartbeat = msg.Heartbeat
	self.lastLeader = msg.From
	self.commitUpTo(c)
	if self.halted {
		return
	}
	if self.progress.Committed.LogIndex < c.LogIndex {
		self.msger.Send(msg.From, &RetransmitRequest{From: self.id, FromIndex: self.progress.Committed.LogIndex})
	}
	self.backdown()
}

// resendTimeout retries outstanding rounds: prepares first (recovery), then
// accepts whose own deadline has passed. Ballots are never raised on resend.
func (self *PaxosNode) resendTimeout() {
	now := self.clock.Now()
	if now < self.deadline {
		self.checkTimer.Reset(time.Duration(self.deadline-now) * time.Millisecond)
		return
	}
	if len(self.prepareRounds) > 0 {
		for _, idx := range sortedSlots(self.prepareRounds) {
			if round := self.prepareRounds[idx]; round.votes != nil {
				self.msger.Broadcast(&Prepare{Id: round.id})
			}
		}
	} else {
		for _, idx := range sortedSlots(self.acceptRounds) {
			round := self.acceptRounds[idx]
			if now > round.deadline {
				round.deadline = now + self.cfg.LeaderTimeoutMin/2
				a := round.accept
				self.msger.Broadcast(&a)
			}
		}
	}
	self.resetDeadline()
}

// ---- leader {{{1

func (self *PaxosNode) leaderHandler(m Message) {
	switch msg := m.(type) {
	case *Prepare:
		self.handlePrepare(msg)
	case *Accept:
		self.handleAccept(msg)
	case *Commit:
		self.commitFromPeerLeader(msg)
	case *PrepareAck:
		break // prepare phase is over
	case *PrepareNack:
		break
	case *AcceptAck:
		self.handleAcceptResponse(msg.Id, msg.From, true)
	case *AcceptNack:
		self.handleAcceptResponse(msg.Id, msg.From, false)
	case *RetransmitRequest:
		self.handleRetransmitRequest(msg)
	case *RetransmitResponse:
		break
	case *ClientCommand:
		self.leaderCommand(msg)
	case *checkTimeout:
		self.resendTimeout()
	case *heartBeat:
		self.msger.Broadcast(&Commit{From: self.id, Committed: self.progress.Committed, Heartbeat: self.clock.Now()})
		self.hbTimer.Reset(self.hbInterval())
	default:
		self.err.Print("bad type: ", m)
	}
}

// leaderCommand mints the next free slot for a client command under the
// current epoch.
func (self *PaxosNode) leaderCommand(msg *ClientCommand) {
	if self.machn.RespondIfSeen(msg.MsgId) {
		return
	}
	if self.epoch == nil || self.epoch.Less(self.progress.Promised) {
		// a leader whose promise outran its epoch must have backed down
		self.fatal("leader invariant violated: epoch ", self.epoch, " promised ", self.progress.Promised)
		return
	}
	next := self.progress.Committed.LogIndex
	for idx := range self.acceptRounds {
		if idx > next {
			next = idx
		}
	}
	if next == math.MaxInt64 {
		self.msger.ClientFailed(msg.MsgId) // log exhausted
		return
	}
	next += 1
	self.clientCmds[next] = *msg
	self.startAcceptRound(
		SlotId{From: self.id, Number: *self.epoch, LogIndex: next},
		Value{MsgId: msg.MsgId, Data: msg.Data},
	)
}

// ---- internal Message-s {{{1
type checkTimeout struct{ version uint64 }
type heartBeat struct{ version uint64 }
type exitLoop struct{}
type testEcho struct{}
