package compact

import (
	"fmt"

	"github.com/splitgc/farheap/region"
)

// Point is a worker's destination cursor for one region. Compaction is
// region-local: destinations are assigned from the region's own bottom, in
// address order, so the cursor only ever moves objects downward.
type Point struct {
	region *region.Region
	cursor int
}

func (p *Point) Initialize(r *region.Region) {
	p.region = r
	p.cursor = r.Bottom()
}

// Forward claims the next destination for an object of size words and
// advances the cursor.
func (p *Point) Forward(size int) int {
	dest := p.cursor
	p.cursor += size
	if p.cursor > p.region.End() {
		panic(fmt.Sprintf("compaction cursor %d overran region %d end %d", p.cursor, p.region.Index(), p.region.End()))
	}
	return dest
}

// Top is the cursor position, the region's post-compaction allocation
// pointer once every live object has been forwarded.
func (p *Point) Top() int {
	return p.cursor
}
