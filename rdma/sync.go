package rdma

import (
	"github.com/cockroachdb/errors"
	"github.com/splitgc/farheap/heaputils"
	"github.com/splitgc/farheap/region"
)

// Syncer drives the cross-machine synchronization protocol for one heap.
// Both servers construct a Syncer over the same geometry; the CPU server
// calls the Send/Read side and the memory server the Receive side. Ownership
// of each metadata triplet is handed over by the stop-the-world handshake,
// so a given remote slot never has two writers at once.
//
// Transport failures panic: a partially synchronized region cannot be
// resumed from, so the process aborts rather than risk silent divergence.
type Syncer struct {
	heap      *region.Heap
	servers   *ServerMap
	transport Transport

	botBytes   int
	queueBytes int
	slotBytes  int
	dataBase   uint64

	// epoch counts synchronization cycles; metaSent records the epoch in
	// which each region's metadata was last pushed. Flushing region bytes the
	// memory server has no current metadata for is an ordering violation.
	epoch    uint64
	metaSent []uint64
}

func NewSyncer(heap *region.Heap, servers *ServerMap, transport Transport) (*Syncer, error) {
	if heap == nil || servers == nil || transport == nil {
		return nil, errors.New("syncer requires a heap, a server map, and a transport")
	}

	grain := heap.GrainWords()
	s := &Syncer{
		heap:       heap,
		servers:    servers,
		transport:  transport,
		botBytes:   grain / 64,
		queueBytes: ((grain + 63) / 64) * 8,
		metaSent:   make([]uint64, heap.RegionCount()),
	}

	// One fixed-size metadata slot per region: three blocks, then the two
	// length-prefixed trailers, rounded up to block alignment. The two
	// server-state blocks sit after the region slots.
	raw := 3*MetaBlockBytes + 8 + s.botBytes + 8 + s.queueBytes
	s.slotBytes = heaputils.AlignUp(raw, MetaBlockBytes)
	s.dataBase = uint64(s.slotBytes*heap.RegionCount()) + 2*MetaBlockBytes
	return s, nil
}

// RemoteSpan is the number of remote bytes the protocol addresses per
// server: the metadata segment followed by the raw heap image.
func (s *Syncer) RemoteSpan() uint64 {
	return s.dataBase + uint64(s.heap.Words()*heaputils.WordSize)
}

func (s *Syncer) infoAddr(index uint) uint64 {
	return uint64(int(index) * s.slotBytes)
}

func (s *Syncer) resultAddr(index uint) uint64 {
	return s.infoAddr(index) + MetaBlockBytes
}

func (s *Syncer) syncAddr(index uint) uint64 {
	return s.infoAddr(index) + 2*MetaBlockBytes
}

func (s *Syncer) botAddr(index uint) uint64 {
	return s.infoAddr(index) + 3*MetaBlockBytes
}

func (s *Syncer) queueAddr(index uint) uint64 {
	return s.botAddr(index) + uint64(8+s.botBytes)
}

func (s *Syncer) cpuStateAddr() uint64 {
	return uint64(s.slotBytes * s.heap.RegionCount())
}

func (s *Syncer) memStateAddr() uint64 {
	return s.cpuStateAddr() + MetaBlockBytes
}

func (s *Syncer) dataAddr(r *region.Region) uint64 {
	return s.dataBase + uint64(r.Bottom()*heaputils.WordSize)
}

func (s *Syncer) write(server ServerID, addr uint64, data []byte) {
	err := s.transport.Write(server, addr, data)
	if err != nil {
		panic(errors.Wrap(err, "transport write failed, heap state is split-brain"))
	}
}

func (s *Syncer) read(server ServerID, addr uint64, data []byte) {
	err := s.transport.Read(server, addr, data)
	if err != nil {
		panic(errors.Wrap(err, "transport read failed, heap state is split-brain"))
	}
}

// SendInfoAtInit pushes a region's immutable identity block. It occupies the
// info slot until the first cycle's SendInfoAtGC overwrites it, so the memory
// server can check that both sides agree on the region table before any
// per-cycle metadata flows.
func (s *Syncer) SendInfoAtInit(r *region.Region) {
	server := s.servers.ServerFor(r)
	s.write(server, s.infoAddr(r.Index()), EncodeInfoAtInit(region.CPUToMemoryAtInit{Index: uint32(r.Index())}))
}

// ReceiveInfoAtInit is the memory-server side of SendInfoAtInit. An identity
// mismatch means the two sides were built with different geometry, which is
// unrecoverable.
func (s *Syncer) ReceiveInfoAtInit(r *region.Region) {
	server := s.servers.ServerFor(r)
	block := make([]byte, MetaBlockBytes)
	s.read(server, s.infoAddr(r.Index()), block)

	init, err := DecodeInfoAtInit(block)
	if err != nil {
		panic(errors.Wrapf(err, "region %d init block is corrupt", r.Index()))
	}
	if init.Index != uint32(r.Index()) {
		panic(errors.Newf("init block names region %d, local region table says %d", init.Index, r.Index()))
	}
}

// BeginCycle opens a new synchronization cycle. Metadata pushed in earlier
// cycles no longer licenses a data flush.
func (s *Syncer) BeginCycle() {
	s.epoch++
}

// SendInfoAtGC pushes a region's CPUToMemoryAtGC block, a zeroed
// MemoryToCPUAtGC block as a control reset, the sync block, and the BOT
// window trailer to the region's memory server.
func (s *Syncer) SendInfoAtGC(r *region.Region) {
	server := s.servers.ServerFor(r)
	index := r.Index()

	s.write(server, s.infoAddr(index), EncodeInfoAtGC(r.InfoAtGC()))
	s.write(server, s.resultAddr(index), EncodeResultAtGC(region.MemoryToCPUAtGC{ResetScan: r.ResetScan()}))
	s.write(server, s.syncAddr(index), EncodeSyncData(r.SyncData()))
	s.write(server, s.botAddr(index), EncodeLengthPrefixed(r.BOTPart().Bytes()))

	s.metaSent[index] = s.epoch
}

// SendTargetQueueAtGC pushes the region's cross-region reference bitmap.
func (s *Syncer) SendTargetQueueAtGC(r *region.Region) {
	server := s.servers.ServerFor(r)
	s.write(server, s.queueAddr(r.Index()), EncodeLengthPrefixed(QueueWordsToBytes(r.Queue().Words())))
}

// ReadInfoBeforeGC pulls the memory server's result block for a region and
// applies it, so the CPU server observes state changes made since the last
// handshake.
func (s *Syncer) ReadInfoBeforeGC(r *region.Region) region.MemoryToCPUAtGC {
	server := s.servers.ServerFor(r)
	block := make([]byte, MetaBlockBytes)
	s.read(server, s.resultAddr(r.Index()), block)

	result, err := DecodeResultAtGC(block)
	if err != nil {
		panic(errors.Wrapf(err, "region %d result block is corrupt", r.Index()))
	}
	r.ApplyResultAtGC(result)
	return result
}

// FlushData bulk-transfers the region's raw bytes to its memory server. The
// region's metadata must already have been pushed in the current cycle;
// flushing bytes the other side cannot interpret is an ordering violation.
func (s *Syncer) FlushData(r *region.Region) {
	index := r.Index()
	if s.metaSent[index] != s.epoch || s.epoch == 0 {
		panic(errors.Newf("flushing region %d data before its metadata in cycle %d", index, s.epoch))
	}
	server := s.servers.ServerFor(r)
	s.write(server, s.dataAddr(r), HeapWordsToBytes(s.heap.RegionWords(index)))
}

// ReceiveInfoAtGC is the memory-server side of SendInfoAtGC: pull the
// metadata blocks and the BOT trailer for a region and install them into the
// local heap mirror.
func (s *Syncer) ReceiveInfoAtGC(r *region.Region) {
	server := s.servers.ServerFor(r)
	index := r.Index()

	block := make([]byte, MetaBlockBytes)
	s.read(server, s.infoAddr(index), block)
	info, err := DecodeInfoAtGC(block)
	if err != nil {
		panic(errors.Wrapf(err, "region %d info block is corrupt", index))
	}

	s.read(server, s.syncAddr(index), block)
	syncData, err := DecodeSyncData(block)
	if err != nil {
		panic(errors.Wrapf(err, "region %d sync block is corrupt", index))
	}

	botBuffer := make([]byte, 8+s.botBytes)
	s.read(server, s.botAddr(index), botBuffer)
	botWindow, err := DecodeLengthPrefixed(botBuffer, s.botBytes)
	if err != nil {
		panic(errors.Wrapf(err, "region %d offset table trailer is corrupt", index))
	}

	r.ApplyInfoAtGC(info)
	r.ApplySyncData(syncData)
	err = r.BOTPart().LoadBytes(botWindow)
	if err != nil {
		panic(errors.Wrapf(err, "region %d offset table window mismatch", index))
	}
	s.metaSent[index] = s.epoch
}

// ReceiveData pulls the region's raw bytes into the local arena. Metadata
// must have been received first in this cycle, mirroring the flush ordering.
func (s *Syncer) ReceiveData(r *region.Region) {
	index := r.Index()
	if s.metaSent[index] != s.epoch || s.epoch == 0 {
		panic(errors.Newf("receiving region %d data before its metadata in cycle %d", index, s.epoch))
	}
	server := s.servers.ServerFor(r)
	s.read(server, s.dataAddr(r), HeapWordsToBytes(s.heap.RegionWords(index)))
}

// ReceiveTargetQueueAtGC pulls a region's cross-region reference bitmap.
func (s *Syncer) ReceiveTargetQueueAtGC(r *region.Region) {
	server := s.servers.ServerFor(r)
	buffer := make([]byte, 8+s.queueBytes)
	s.read(server, s.queueAddr(r.Index()), buffer)

	data, err := DecodeLengthPrefixed(buffer, s.queueBytes)
	if err != nil {
		panic(errors.Wrapf(err, "region %d queue trailer is corrupt", r.Index()))
	}
	words, err := BytesToQueueWords(data)
	if err != nil {
		panic(errors.Wrapf(err, "region %d queue bitmap is corrupt", r.Index()))
	}
	err = r.Queue().LoadWords(words)
	if err != nil {
		panic(errors.Wrapf(err, "region %d queue bitmap mismatch", r.Index()))
	}
}

// SendResultAtGC pushes the memory server's cycle results back. The remote
// slot lives on this region's assigned server, which for the result block
// acts as the mailbox both sides agree on.
func (s *Syncer) SendResultAtGC(r *region.Region) {
	server := s.servers.ServerFor(r)
	s.write(server, s.resultAddr(r.Index()), EncodeResultAtGC(r.ResultAtGC()))
}
