package main

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"

	"github.com/duishi-zuiwanyuan/trex/paxos"
)

func init() {
	gob.RegisterName("P", new(paxos.Prepare))
	gob.RegisterName("PA", new(paxos.PrepareAck))
	gob.RegisterName("PN", new(paxos.PrepareNack))
	gob.RegisterName("A", new(paxos.Accept))
	gob.RegisterName("AA", new(paxos.AcceptAck))
	gob.RegisterName("AN", new(paxos.AcceptNack))
	gob.RegisterName("C", new(paxos.Commit))
	gob.RegisterName("RQ", new(paxos.RetransmitRequest))
	gob.RegisterName("RS", new(paxos.RetransmitResponse))
	gob.RegisterName("CC", new(paxos.ClientCommand))
}

type happyWrap struct { // make gob happy! Is there an easier way?
	Smile interface{}
}

func MsgEnc(msg paxos.Message) ([]byte, error) {
	buf := new(bytes.Buffer)
	enc := gob.NewEncoder(buf)
	err := enc.Encode(&happyWrap{msg})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func MsgDec(blob []byte) (paxos.Message, error) {
	var happy = new(happyWrap)
	dec := gob.NewDecoder(bytes.NewBuffer(blob))
	err := dec.Decode(happy)
	if err != nil {
		return nil, err
	}
	return happy.Smile, nil
}

func binaryMustEnc(val interface{}, initCap int) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, initCap))
	err := binary.Write(buf, binary.BigEndian, val)
	if err != nil {
		panic("Impossible encode error!")
	}
	return buf.Bytes()
}

func binaryMustDec(blob []byte, val interface{}) {
	buf := bytes.NewBuffer(blob)
	err := binary.Read(buf, binary.BigEndian, val)
	if err != nil {
		panic("Impossible decode error!")
	}
}

func U64Enc(val uint64) []byte {
	return binaryMustEnc(val, 8)
}

func U64Dec(blob []byte) uint64 {
	val := new(uint64)
	binaryMustDec(blob, val)
	return *val
}

// Slot keys are big-endian so that the store's key order is the log order.
// Slots below 1 are never journaled.
func SlotKeyEnc(idx int64) []byte {
	return U64Enc(uint64(idx))
}

func SlotKeyDec(blob []byte) int64 {
	return int64(U64Dec(blob))
}

func AcceptEnc(a *paxos.Accept) ([]byte, error) {
	buf := new(bytes.Buffer)
	enc := gob.NewEncoder(buf)
	err := enc.Encode(a)
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func AcceptDec(blob []byte) (*paxos.Accept, error) {
	a := new(paxos.Accept)
	dec := gob.NewDecoder(bytes.NewBuffer(blob))
	err := dec.Decode(a)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func ProgressEnc(p *paxos.Progress) []byte {
	return binaryMustEnc(p, 28)
}

func ProgressDec(blob []byte) *paxos.Progress {
	p := new(paxos.Progress)
	binaryMustDec(blob, p)
	return p
}
