package rdma

import (
	"github.com/cockroachdb/errors"
)

// The two servers advertise their coarse lifecycle state through one block
// each, written one-sided like everything else. The CPU server publishes its
// block to every memory server; each memory server publishes its own block,
// which the CPU server polls to learn whether a remote cycle is still
// running. The cycle counter carried alongside disambiguates a stale state
// word from the current cycle's.

// CPUServerState is the CPU server's lifecycle word.
type CPUServerState uint32

const (
	CPUStateMutatorsRunning CPUServerState = iota
	CPUStateSTWStart
	CPUStateSTWDone
)

var cpuServerStateMapping = map[CPUServerState]string{
	CPUStateMutatorsRunning: "MutatorsRunning",
	CPUStateSTWStart:        "STWStart",
	CPUStateSTWDone:         "STWDone",
}

func (s CPUServerState) String() string {
	str, ok := cpuServerStateMapping[s]
	if !ok {
		return "unknown cpu server state"
	}
	return str
}

// MemServerState is a memory server's lifecycle word.
type MemServerState uint32

const (
	MemStateIdle MemServerState = iota
	MemStateTracing
	MemStateCompacting
)

var memServerStateMapping = map[MemServerState]string{
	MemStateIdle:       "Idle",
	MemStateTracing:    "Tracing",
	MemStateCompacting: "Compacting",
}

func (s MemServerState) String() string {
	str, ok := memServerStateMapping[s]
	if !ok {
		return "unknown memory server state"
	}
	return str
}

// PublishCPUState pushes the CPU server's state word, stamped with the
// current cycle, to every memory server.
func (s *Syncer) PublishCPUState(state CPUServerState) {
	block := EncodeServerState(uint32(state), s.epoch)
	for _, server := range s.servers.Servers() {
		s.write(server, s.cpuStateAddr(), block)
	}
}

// CPUState reads the CPU server's state word as published to one server.
func (s *Syncer) CPUState(server ServerID) (CPUServerState, uint64) {
	block := make([]byte, MetaBlockBytes)
	s.read(server, s.cpuStateAddr(), block)
	state, cycle, err := DecodeServerState(block)
	if err != nil {
		panic(errors.Wrapf(err, "cpu state block on server %d is corrupt", server))
	}
	return CPUServerState(state), cycle
}

// PublishMemState pushes this memory server's state word to its own slot.
func (s *Syncer) PublishMemState(server ServerID, state MemServerState) {
	s.write(server, s.memStateAddr(), EncodeServerState(uint32(state), s.epoch))
}

// MemState reads a memory server's state word.
func (s *Syncer) MemState(server ServerID) (MemServerState, uint64) {
	block := make([]byte, MetaBlockBytes)
	s.read(server, s.memStateAddr(), block)
	state, cycle, err := DecodeServerState(block)
	if err != nil {
		panic(errors.Wrapf(err, "memory state block on server %d is corrupt", server))
	}
	return MemServerState(state), cycle
}
