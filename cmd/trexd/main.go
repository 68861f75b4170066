package main

import (
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/davecheney/junk/clock"
	"github.com/duishi-zuiwanyuan/trex/paxos"
)

// monoClock adapts the monotonic clock to millisecond deadlines.
type monoClock struct{}

func (monoClock) Now() int64 {
	return clock.Monotonic.Now().UnixNano() / int64(time.Millisecond)
}

func main() {
	args := os.Args
	if len(args) != 2 {
		fmt.Printf("Usage: %v <config-file>\n", args[0])
		os.Exit(1)
	}

	cfg, err := LoadConfig(args[1])
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err.Error())
		os.Exit(1)
	}

	errlog := log.New(os.Stderr, "-- ", log.Lshortfile) // | log.Lmicroseconds

	msger, err := NewMsger(cfg.Node.ID, cfg.GetPeers(), cfg.Node.ClientAddress, errlog)
	if err != nil {
		fmt.Printf("Error creating messenger: %v\n", err.Error())
		os.Exit(1)
	}
	jrnl, err := NewJournal(filepath.Join(cfg.Node.DataDir, fmt.Sprintf("trex-%d.db", cfg.Node.ID)), errlog)
	if err != nil {
		fmt.Printf("Error creating journal: %v\n", err.Error())
		os.Exit(1)
	}
	machn := NewMachn(msger)

	min, max := cfg.Timeouts.LeaderMinMs, cfg.Timeouts.LeaderMaxMs
	node, err := paxos.NewNode(cfg.Node.ID, cfg.GetNodeIds(), 16,
		paxos.Config{LeaderTimeoutMin: min, LeaderTimeoutMax: max},
		monoClock{},
		func() int64 { return min + rand.Int63n(max-min) },
		msger, jrnl, machn, errlog)
	if err != nil {
		fmt.Printf("Error creating paxos node: %v\n", err.Error())
		os.Exit(1)
	}

	msger.SpawnListeners()
	node.Run()
}
