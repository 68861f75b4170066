package main

import (
	"fmt"
	"strings"

	"github.com/duishi-zuiwanyuan/trex/paxos"
)

// SimpleMachn is a small versioned key-value machine. Commands are plain
// text: "set <key> <value>", "get <key>", "del <key>". Responses are cached
// by msgId because the log delivers at-least-once.
type SimpleMachn struct {
	data      map[string]string
	versions  map[string]uint64
	respCache map[uint64][]byte // msgId -> response
	msger     *SimpleMsger
}

func NewMachn(msger *SimpleMsger) *SimpleMachn { // {{{1
	return &SimpleMachn{
		data:      make(map[string]string),
		versions:  make(map[string]uint64),
		respCache: make(map[uint64][]byte),
		msger:     msger,
	}
}

// ---- quack like a Machine {{{1
func (self *SimpleMachn) Execute(cmds []paxos.ClientCommand) {
	for _, cmd := range cmds {
		if _, seen := self.respCache[cmd.MsgId]; seen {
			continue // redelivered
		}
		self.respCache[cmd.MsgId] = self.apply(string(cmd.Data))
		_ = self.TryRespond(cmd.MsgId)
	}
}

func (self *SimpleMachn) RespondIfSeen(msgId uint64) bool {
	return self.TryRespond(msgId)
}

func (self *SimpleMachn) TryRespond(msgId uint64) bool {
	if resp, ok := self.respCache[msgId]; ok {
		if self.msger != nil {
			self.msger.RespondToClient(msgId, resp)
		}
		return true
	}
	return false
}

func (self *SimpleMachn) apply(line string) []byte { // {{{1
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return []byte("ERR_CMD")
	}
	key := fields[1]
	switch fields[0] {
	case "set":
		if len(fields) != 3 {
			return []byte("ERR_CMD")
		}
		self.data[key] = fields[2]
		self.versions[key] += 1
		return []byte(fmt.Sprintf("OK %d", self.versions[key]))
	case "get":
		if val, ok := self.data[key]; ok {
			return []byte(fmt.Sprintf("CONTENTS %d %s", self.versions[key], val))
		}
		return []byte("ERR_NOT_FOUND")
	case "del":
		if _, ok := self.data[key]; !ok {
			return []byte("ERR_NOT_FOUND")
		}
		delete(self.data, key)
		delete(self.versions, key)
		return []byte("OK")
	}
	return []byte("ERR_CMD")
}
