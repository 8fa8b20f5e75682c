package region

import (
	"fmt"
	"math/bits"
)

// MarkBitmap holds one liveness bit per heap word. Two instances exist per
// heap so one marking pass can build the next bitmap while the previous one
// still answers liveness queries.
type MarkBitmap struct {
	bits  []uint64
	words int
}

func NewMarkBitmap(heapWords int) *MarkBitmap {
	return &MarkBitmap{
		bits:  make([]uint64, (heapWords+63)/64),
		words: heapWords,
	}
}

func (b *MarkBitmap) checkAddr(addr int) {
	if addr < 0 || addr >= b.words {
		panic(fmt.Sprintf("mark bitmap address %d outside the covered heap of %d words", addr, b.words))
	}
}

func (b *MarkBitmap) Mark(addr int) {
	b.checkAddr(addr)
	b.bits[addr>>6] |= 1 << (uint(addr) & 63)
}

func (b *MarkBitmap) ClearMark(addr int) {
	b.checkAddr(addr)
	b.bits[addr>>6] &^= 1 << (uint(addr) & 63)
}

func (b *MarkBitmap) IsMarked(addr int) bool {
	b.checkAddr(addr)
	return b.bits[addr>>6]&(1<<(uint(addr)&63)) != 0
}

// NextMarkedAddr returns the first marked address in [from, limit), or limit
// when the range holds no mark.
func (b *MarkBitmap) NextMarkedAddr(from, limit int) int {
	if from >= limit {
		return limit
	}
	b.checkAddr(from)

	wordIndex := from >> 6
	current := b.bits[wordIndex] >> (uint(from) & 63) << (uint(from) & 63)
	for {
		if current != 0 {
			addr := wordIndex<<6 + bits.TrailingZeros64(current)
			if addr >= limit {
				return limit
			}
			return addr
		}
		wordIndex++
		if wordIndex<<6 >= limit {
			return limit
		}
		current = b.bits[wordIndex]
	}
}

// ClearRange clears [from, to).
func (b *MarkBitmap) ClearRange(from, to int) {
	for addr := from; addr < to; {
		if addr&63 == 0 && addr+64 <= to {
			b.bits[addr>>6] = 0
			addr += 64
			continue
		}
		b.ClearMark(addr)
		addr++
	}
}
