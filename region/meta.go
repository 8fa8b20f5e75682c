package region

// The metadata triplets are the cross-machine synchronization units. Each is
// owned by exactly one server at a time; the stop-the-world handshake hands
// ownership over, so neither side ever mutates a triplet the other side is
// reading. The rdma package defines their wire encoding.

// CPUToMemoryAtInit is the immutable identity established when the heap is
// built. It is pushed once and never re-sent.
type CPUToMemoryAtInit struct {
	Index uint32
}

// CPUToMemoryAtGC is pushed from the CPU server before each collection so
// the memory server knows which regions are eligible for marking and
// compaction and what their marking state was at pause time.
type CPUToMemoryAtGC struct {
	Type                Type
	HumongousStartIndex int32
	PrevTAMS            int64
	NextTAMS            int64
	PrevMarkedBytes     int64
	NextMarkedBytes     int64
}

// MemoryToCPUAtGC flows back after the memory server's cycle. ResetScan is
// also writable by the CPU server as a control reset, forcing the memory
// server to re-mark the region from scratch.
type MemoryToCPUAtGC struct {
	Compacted      bool
	ResetScan      bool
	CompactedBytes int64
	NewTop         int64
}

// SyncBetweenMemoryAndCPU is the frequently re-synchronized subset. The BOT
// window bytes and the target queue bitmap travel alongside it as trailers;
// this struct carries only the fixed-size fields.
type SyncBetweenMemoryAndCPU struct {
	Top int64
}

// InfoAtGC snapshots the fields the memory server needs before a cycle.
func (r *Region) InfoAtGC() CPUToMemoryAtGC {
	return CPUToMemoryAtGC{
		Type:                r.typ,
		HumongousStartIndex: int32(r.humongousStartIndex),
		PrevTAMS:            int64(r.prevTAMS),
		NextTAMS:            int64(r.nextTAMS),
		PrevMarkedBytes:     int64(r.prevMarkedBytes),
		NextMarkedBytes:     int64(r.nextMarkedBytes),
	}
}

// ApplyInfoAtGC installs metadata received from the other server.
func (r *Region) ApplyInfoAtGC(info CPUToMemoryAtGC) {
	r.typ = info.Type
	r.humongousStartIndex = int(info.HumongousStartIndex)
	r.prevTAMS = int(info.PrevTAMS)
	r.nextTAMS = int(info.NextTAMS)
	r.prevMarkedBytes = int(info.PrevMarkedBytes)
	r.nextMarkedBytes = int(info.NextMarkedBytes)
	r.botPart.SetObjectCanSpan(r.typ.IsContinuesHumongous())
}

// ResultAtGC snapshots the fields flowing back to the CPU server.
func (r *Region) ResultAtGC() MemoryToCPUAtGC {
	return MemoryToCPUAtGC{
		Compacted:      r.compacted,
		ResetScan:      r.resetScan,
		CompactedBytes: int64(r.compactedBytes),
		NewTop:         int64(r.Top()),
	}
}

// ApplyResultAtGC installs the memory server's cycle results. The allocation
// pointer moves to the post-compaction top.
func (r *Region) ApplyResultAtGC(result MemoryToCPUAtGC) {
	r.compacted = result.Compacted
	r.resetScan = result.ResetScan
	r.compactedBytes = int(result.CompactedBytes)
	if result.Compacted {
		r.setTop(int(result.NewTop))
	}
}

// SyncData snapshots the mutable subset for transfer.
func (r *Region) SyncData() SyncBetweenMemoryAndCPU {
	return SyncBetweenMemoryAndCPU{Top: int64(r.Top())}
}

// ApplySyncData installs the mutable subset received from the other server.
func (r *Region) ApplySyncData(sync SyncBetweenMemoryAndCPU) {
	r.setTop(int(sync.Top))
}
