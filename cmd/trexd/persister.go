package main

import (
	"log"
	"os"

	"github.com/duishi-zuiwanyuan/trex/paxos"
	"github.com/steveyen/gkvlite"
)

type SimpleJournal struct {
	file  *os.File
	store *gkvlite.Store
	plog  *gkvlite.Collection
	pprog *gkvlite.Collection
	err   *log.Logger
}

func NewJournal(dbpath string, errlog *log.Logger) (*SimpleJournal, error) { // {{{1
	file, err := os.OpenFile(dbpath, os.O_RDWR|os.O_CREATE|os.O_SYNC, 0660)
	if err != nil {
		return nil, err
	}
	store, err := gkvlite.NewStore(file)
	if err != nil {
		return nil, err
	}
	return &SimpleJournal{
		file:  file,
		store: store,
		plog:  store.SetCollection("plog", nil),
		pprog: store.SetCollection("pprogress", nil),
		err:   errlog,
	}, nil
}

// ---- quack like a Journal {{{1
func (self *SimpleJournal) GetProgress() *paxos.Progress {
	blob, _ := self.pprog.Get([]byte{0})
	if blob == nil {
		return nil
	}
	return ProgressDec(blob)
}

func (self *SimpleJournal) SetProgress(p paxos.Progress) bool {
	if err := self.pprog.Set([]byte{0}, ProgressEnc(&p)); err != nil {
		return false
	}
	return self.sync()
}

func (self *SimpleJournal) SaveAccept(a paxos.Accept) bool {
	blob, err := AcceptEnc(&a)
	if err != nil {
		panic("Impossible encode error!!")
	}
	if err := self.plog.Set(SlotKeyEnc(a.Id.LogIndex), blob); err != nil {
		return false
	}
	return self.sync()
}

func (self *SimpleJournal) Accepted(idx int64) *paxos.Accept {
	blob, _ := self.plog.Get(SlotKeyEnc(idx))
	if blob == nil {
		return nil
	}
	a, err := AcceptDec(blob)
	if err != nil {
		self.err.Print(err.Error())
		return nil // panic?
	}
	return a
}

func (self *SimpleJournal) Bounds() (int64, int64, bool) {
	minItem, _ := self.plog.MinItem(false)
	maxItem, _ := self.plog.MaxItem(false)
	if minItem == nil || maxItem == nil {
		return 0, 0, false
	}
	return SlotKeyDec(minItem.Key), SlotKeyDec(maxItem.Key), true
}

func (self *SimpleJournal) sync() bool {
	err := self.store.Flush()
	// No need to file.Sync() due to O_SYNC
	return err == nil
}

func (self *SimpleJournal) Close() { // {{{1
	self.store.Close()
}
