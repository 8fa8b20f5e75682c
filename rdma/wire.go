package rdma

import (
	"encoding/binary"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/splitgc/farheap/heaputils"
	"github.com/splitgc/farheap/region"
)

// The metadata triplets cross the wire as explicit fixed-layout blocks
// rather than raw struct memory, so the two servers do not have to be built
// from identical binaries. Every block is MetaBlockBytes long,
// little-endian, and opens with a version and kind word; the BOT window and
// the target-queue bitmap travel as length-prefixed trailers after the
// blocks.
const (
	WireVersion uint16 = 1

	// MetaBlockBytes is the fixed size of every metadata block.
	MetaBlockBytes = 64

	kindInfoAtGC    uint16 = 1
	kindResultAtGC  uint16 = 2
	kindSyncData    uint16 = 3
	kindServerState uint16 = 4
	kindInfoAtInit  uint16 = 5

	resultFlagCompacted byte = 1 << 0
	resultFlagResetScan byte = 1 << 1
)

func putBlockHeader(block []byte, kind uint16) {
	binary.LittleEndian.PutUint16(block[0:], WireVersion)
	binary.LittleEndian.PutUint16(block[2:], kind)
}

func checkBlockHeader(block []byte, kind uint16) error {
	if len(block) != MetaBlockBytes {
		return errors.Newf("metadata block of %d bytes, expected %d", len(block), MetaBlockBytes)
	}
	version := binary.LittleEndian.Uint16(block[0:])
	if version != WireVersion {
		return errors.Newf("metadata block version %d, this side speaks %d", version, WireVersion)
	}
	gotKind := binary.LittleEndian.Uint16(block[2:])
	if gotKind != kind {
		return errors.Newf("metadata block kind %d, expected %d", gotKind, kind)
	}
	return nil
}

// EncodeInfoAtGC lays out a CPUToMemoryAtGC block:
//
//	 0  version  uint16
//	 2  kind     uint16
//	 8  type     int32
//	12  humongous start index  int32
//	16  prev TAMS          int64
//	24  next TAMS          int64
//	32  prev marked bytes  int64
//	40  next marked bytes  int64
func EncodeInfoAtGC(info region.CPUToMemoryAtGC) []byte {
	block := make([]byte, MetaBlockBytes)
	putBlockHeader(block, kindInfoAtGC)
	binary.LittleEndian.PutUint32(block[8:], uint32(info.Type))
	binary.LittleEndian.PutUint32(block[12:], uint32(info.HumongousStartIndex))
	binary.LittleEndian.PutUint64(block[16:], uint64(info.PrevTAMS))
	binary.LittleEndian.PutUint64(block[24:], uint64(info.NextTAMS))
	binary.LittleEndian.PutUint64(block[32:], uint64(info.PrevMarkedBytes))
	binary.LittleEndian.PutUint64(block[40:], uint64(info.NextMarkedBytes))
	return block
}

func DecodeInfoAtGC(block []byte) (region.CPUToMemoryAtGC, error) {
	err := checkBlockHeader(block, kindInfoAtGC)
	if err != nil {
		return region.CPUToMemoryAtGC{}, err
	}
	return region.CPUToMemoryAtGC{
		Type:                region.Type(int32(binary.LittleEndian.Uint32(block[8:]))),
		HumongousStartIndex: int32(binary.LittleEndian.Uint32(block[12:])),
		PrevTAMS:            int64(binary.LittleEndian.Uint64(block[16:])),
		NextTAMS:            int64(binary.LittleEndian.Uint64(block[24:])),
		PrevMarkedBytes:     int64(binary.LittleEndian.Uint64(block[32:])),
		NextMarkedBytes:     int64(binary.LittleEndian.Uint64(block[40:])),
	}, nil
}

// EncodeResultAtGC lays out a MemoryToCPUAtGC block:
//
//	 0  version  uint16
//	 2  kind     uint16
//	 8  flags    byte (bit 0 compacted, bit 1 reset scan)
//	16  compacted bytes  int64
//	24  new top          int64
func EncodeResultAtGC(result region.MemoryToCPUAtGC) []byte {
	block := make([]byte, MetaBlockBytes)
	putBlockHeader(block, kindResultAtGC)
	var flags byte
	if result.Compacted {
		flags |= resultFlagCompacted
	}
	if result.ResetScan {
		flags |= resultFlagResetScan
	}
	block[8] = flags
	binary.LittleEndian.PutUint64(block[16:], uint64(result.CompactedBytes))
	binary.LittleEndian.PutUint64(block[24:], uint64(result.NewTop))
	return block
}

func DecodeResultAtGC(block []byte) (region.MemoryToCPUAtGC, error) {
	err := checkBlockHeader(block, kindResultAtGC)
	if err != nil {
		return region.MemoryToCPUAtGC{}, err
	}
	return region.MemoryToCPUAtGC{
		Compacted:      block[8]&resultFlagCompacted != 0,
		ResetScan:      block[8]&resultFlagResetScan != 0,
		CompactedBytes: int64(binary.LittleEndian.Uint64(block[16:])),
		NewTop:         int64(binary.LittleEndian.Uint64(block[24:])),
	}, nil
}

// EncodeSyncData lays out a SyncBetweenMemoryAndCPU block:
//
//	 0  version  uint16
//	 2  kind     uint16
//	 8  top      int64
func EncodeSyncData(sync region.SyncBetweenMemoryAndCPU) []byte {
	block := make([]byte, MetaBlockBytes)
	putBlockHeader(block, kindSyncData)
	binary.LittleEndian.PutUint64(block[8:], uint64(sync.Top))
	return block
}

func DecodeSyncData(block []byte) (region.SyncBetweenMemoryAndCPU, error) {
	err := checkBlockHeader(block, kindSyncData)
	if err != nil {
		return region.SyncBetweenMemoryAndCPU{}, err
	}
	return region.SyncBetweenMemoryAndCPU{
		Top: int64(binary.LittleEndian.Uint64(block[8:])),
	}, nil
}

// EncodeInfoAtInit lays out a CPUToMemoryAtInit block:
//
//	 0  version  uint16
//	 2  kind     uint16
//	 8  index    uint32
func EncodeInfoAtInit(init region.CPUToMemoryAtInit) []byte {
	block := make([]byte, MetaBlockBytes)
	putBlockHeader(block, kindInfoAtInit)
	binary.LittleEndian.PutUint32(block[8:], init.Index)
	return block
}

func DecodeInfoAtInit(block []byte) (region.CPUToMemoryAtInit, error) {
	err := checkBlockHeader(block, kindInfoAtInit)
	if err != nil {
		return region.CPUToMemoryAtInit{}, err
	}
	return region.CPUToMemoryAtInit{
		Index: binary.LittleEndian.Uint32(block[8:]),
	}, nil
}

// EncodeServerState lays out a server-state block:
//
//	 0  version  uint16
//	 2  kind     uint16
//	 8  state    uint32
//	16  cycle    uint64
func EncodeServerState(state uint32, cycle uint64) []byte {
	block := make([]byte, MetaBlockBytes)
	putBlockHeader(block, kindServerState)
	binary.LittleEndian.PutUint32(block[8:], state)
	binary.LittleEndian.PutUint64(block[16:], cycle)
	return block
}

func DecodeServerState(block []byte) (uint32, uint64, error) {
	err := checkBlockHeader(block, kindServerState)
	if err != nil {
		return 0, 0, err
	}
	return binary.LittleEndian.Uint32(block[8:]), binary.LittleEndian.Uint64(block[16:]), nil
}

// EncodeLengthPrefixed frames a raw trailer with its byte length.
func EncodeLengthPrefixed(data []byte) []byte {
	out := make([]byte, 8+len(data))
	binary.LittleEndian.PutUint64(out[0:], uint64(len(data)))
	copy(out[8:], data)
	return out
}

// DecodeLengthPrefixed unframes a trailer read into a buffer of at least the
// framed length.
func DecodeLengthPrefixed(buffer []byte, maxLen int) ([]byte, error) {
	if len(buffer) < 8 {
		return nil, errors.Newf("trailer of %d bytes is shorter than its length prefix", len(buffer))
	}
	length := binary.LittleEndian.Uint64(buffer[0:])
	if length > uint64(maxLen) || 8+length > uint64(len(buffer)) {
		return nil, errors.Newf("trailer length %d exceeds the expected bound %d", length, maxLen)
	}
	return buffer[8 : 8+length], nil
}

// QueueWordsToBytes reinterprets a queue bitmap as its wire bytes. The
// result aliases the bitmap; valid on little-endian hosts, which is all this
// system deploys on.
func QueueWordsToBytes(words []uint64) []byte {
	if len(words) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*8)
}

// BytesToQueueWords decodes a queue bitmap trailer.
func BytesToQueueWords(data []byte) ([]uint64, error) {
	if len(data)%8 != 0 {
		return nil, errors.Newf("queue bitmap of %d bytes is not word aligned", len(data))
	}
	out := make([]uint64, len(data)/8)
	for i := range out {
		out[i] = binary.LittleEndian.Uint64(data[i*8:])
	}
	return out, nil
}

// HeapWordsToBytes reinterprets a run of heap words as raw bytes for the
// bulk region flush. The result aliases the arena.
func HeapWordsToBytes(words []heaputils.Word) []byte {
	if len(words) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*heaputils.WordSize)
}
