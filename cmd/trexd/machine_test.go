package main

import (
	"testing"

	"github.com/duishi-zuiwanyuan/trex/paxos"
	"github.com/stretchr/testify/require"
)

func TestMachineCommands(t *testing.T) {
	machn := NewMachn(nil)

	machn.Execute([]paxos.ClientCommand{
		{MsgId: 1, Data: []byte("set k hello")},
		{MsgId: 2, Data: []byte("get k")},
	})
	require.Equal(t, []byte("OK 1"), machn.respCache[1])
	require.Equal(t, []byte("CONTENTS 1 hello"), machn.respCache[2])

	machn.Execute([]paxos.ClientCommand{
		{MsgId: 3, Data: []byte("set k world")},
		{MsgId: 4, Data: []byte("del k")},
		{MsgId: 5, Data: []byte("get k")},
		{MsgId: 6, Data: []byte("bogus")},
	})
	require.Equal(t, []byte("OK 2"), machn.respCache[3])
	require.Equal(t, []byte("OK"), machn.respCache[4])
	require.Equal(t, []byte("ERR_NOT_FOUND"), machn.respCache[5])
	require.Equal(t, []byte("ERR_CMD"), machn.respCache[6])
}

func TestMachineDedupe(t *testing.T) {
	machn := NewMachn(nil)

	machn.Execute([]paxos.ClientCommand{{MsgId: 1, Data: []byte("set k a")}})
	// redelivery applies nothing and keeps the first response
	machn.Execute([]paxos.ClientCommand{{MsgId: 1, Data: []byte("set k a")}})
	require.Equal(t, []byte("OK 1"), machn.respCache[1])
	require.True(t, machn.RespondIfSeen(1))
	require.False(t, machn.RespondIfSeen(99))
}
