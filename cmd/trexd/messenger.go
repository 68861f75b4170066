package main

import (
	"bufio"
	"errors"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/duishi-zuiwanyuan/trex/paxos"
	"github.com/go-mangos/mangos"
	"github.com/go-mangos/mangos/protocol/pull"
	"github.com/go-mangos/mangos/protocol/push"
	"github.com/go-mangos/mangos/transport/tcp"
)

// SimpleMsger speaks to peers over push/pull sockets and to clients over a
// plain TCP port with length-framed requests.
type SimpleMsger struct {
	nodeId  uint32
	peers   map[uint32]mangos.Socket
	sock    mangos.Socket
	notifch chan<- paxos.Message
	caddr   string
	cmu     sync.Mutex
	clients map[uint64]net.Conn
	err     *log.Logger
}

func NewMsger(nodeId uint32, cluster map[uint32]string, clientAddr string, errlog *log.Logger) (*SimpleMsger, error) { // {{{1
	var sock mangos.Socket
	var err error
	if sock, err = pull.NewSocket(); err != nil {
		return nil, err
	}
	sock.AddTransport(tcp.NewTransport())
	listenAddr, ok := cluster[nodeId]
	if !ok {
		return nil, errors.New("nodeId not in cluster")
	}
	if err = sock.Listen(listenAddr); err != nil {
		return nil, err
	}

	var peers = make(map[uint32]mangos.Socket)
	for peerId, peerAddr := range cluster {
		if peerId != nodeId {
			var sock mangos.Socket
			var err error
			if sock, err = push.NewSocket(); err != nil {
				return nil, err
			}
			sock.AddTransport(tcp.NewTransport())
			if err = sock.Dial(peerAddr); err != nil {
				return nil, err
			}
			peers[peerId] = sock
		}
	}

	return &SimpleMsger{
		nodeId:  nodeId,
		peers:   peers,
		sock:    sock,
		notifch: nil,
		caddr:   clientAddr,
		clients: make(map[uint64]net.Conn),
		err:     errlog,
	}, nil
}

// ---- quack like a Messenger {{{1
func (self *SimpleMsger) Register(notifch chan<- paxos.Message) {
	self.notifch = notifch
}

func (self *SimpleMsger) Send(nodeId uint32, msg paxos.Message) {
	sock, ok := self.peers[nodeId]
	if !ok {
		return
	}
	blob, err := MsgEnc(msg)
	if err != nil {
		self.err.Print("encode: ", err.Error())
		return
	}
	if err = sock.Send(blob); err != nil {
		self.err.Print("send: ", err.Error()) // best-effort; the protocol retries
	}
}

func (self *SimpleMsger) Broadcast(msg paxos.Message) {
	blob, err := MsgEnc(msg)
	if err != nil {
		self.err.Print("encode: ", err.Error())
		return
	}
	for _, sock := range self.peers {
		if err = sock.Send(blob); err != nil {
			self.err.Print("send: ", err.Error())
		}
	}
}

func (self *SimpleMsger) ClientRedirect(msgId uint64, nodeId uint32) {
	self.respond(msgId, clientRedirect, U64Enc(uint64(nodeId)))
}

func (self *SimpleMsger) ClientFailed(msgId uint64) {
	self.respond(msgId, clientFailed, nil)
}

func (self *SimpleMsger) RespondToClient(msgId uint64, resp []byte) {
	self.respond(msgId, clientOk, resp)
}

// ---- wire loops {{{1
func (self *SimpleMsger) SpawnListeners() {
	go self.peerLoop()
	go self.clientLoop()
}

func (self *SimpleMsger) peerLoop() {
	for {
		blob, err := self.sock.Recv()
		if err != nil {
			self.err.Print("recv: ", err.Error())
			continue
		}
		msg, err := MsgDec(blob)
		if err != nil {
			self.err.Print("decode: ", err.Error())
			continue
		}
		self.notifch <- msg
	}
}

func (self *SimpleMsger) clientLoop() {
	ln, err := net.Listen("tcp", self.caddr)
	if err != nil {
		self.err.Print("client listen: ", err.Error())
		return
	}
	for {
		conn, err := ln.Accept()
		if err != nil {
			continue
		}
		go self.serveClient(conn)
	}
}

// request frame: 8-byte msgId, 8-byte size, size bytes of command
func (self *SimpleMsger) serveClient(conn net.Conn) {
	rstream := bufio.NewReader(conn)
	for {
		head, err := ReadExactly(rstream, 16)
		if err != nil {
			break
		}
		msgId := U64Dec(head[:8])
		size := U64Dec(head[8:16])
		if size > 1e6 {
			self.err.Print("client command too big")
			break
		}
		data, err := ReadExactly(rstream, int(size))
		if err != nil {
			break
		}
		self.cmu.Lock()
		self.clients[msgId] = conn
		self.cmu.Unlock()
		self.notifch <- &paxos.ClientCommand{MsgId: msgId, Data: data}
	}
	_ = conn.Close()
}

// response frame: 8-byte msgId, 1 status byte, 8-byte size, payload
const (
	clientOk byte = iota
	clientRedirect
	clientFailed
)

func (self *SimpleMsger) respond(msgId uint64, status byte, payload []byte) {
	self.cmu.Lock()
	conn, ok := self.clients[msgId]
	if ok {
		delete(self.clients, msgId)
	}
	self.cmu.Unlock()
	if !ok {
		return // client gone; it will retry with a fresh msgId
	}
	frame := append(U64Enc(msgId), status)
	frame = append(frame, U64Enc(uint64(len(payload)))...)
	frame = append(frame, payload...)
	if err := WriteHard(conn, frame); err != nil {
		self.err.Print("client write: ", err.Error())
	}
}

func WriteHard(conn net.Conn, blob []byte) error { // {{{1
	var nn int = 0
	for nn < len(blob) {
		n, err := conn.Write(blob[nn:])
		if nerr, ok := err.(net.Error); ok && nerr.Temporary() {
			time.Sleep(50 * time.Millisecond)
			nn += n
			continue
		} else if err != nil {
			return err
		}
		nn += n
	}
	return nil
}

func ReadExactly(rstream *bufio.Reader, size int) ([]byte, error) { // {{{1
	if size < 0 {
		return nil, errors.New("Negative size?!")
	}
	contents := make([]byte, uint64(size))
	_, err := io.ReadFull(rstream, contents)
	if err != nil {
		return nil, err
	}
	return contents, nil
}
