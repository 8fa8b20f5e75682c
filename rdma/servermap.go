package rdma

import (
	"github.com/cockroachdb/errors"
	"github.com/splitgc/farheap/region"
)

// Window assigns a half-open range of heap words to one memory server.
type Window struct {
	Server    ServerID
	StartWord int
	EndWord   int
}

// ServerMap is the static partitioning of the heap across memory servers.
// Region placement is a pure function of the region's end address against
// the configured windows; there is no rebalancing.
type ServerMap struct {
	windows []Window
}

// NewServerMap validates that the windows tile [0, heapWords) contiguously,
// in order, with no gaps or overlap. Misconfiguration is a construction-time
// error, never a runtime fallback.
func NewServerMap(windows []Window, heapWords int) (*ServerMap, error) {
	if len(windows) == 0 {
		return nil, errors.New("at least one memory server window is required")
	}

	expectedStart := 0
	for i, w := range windows {
		if w.StartWord != expectedStart {
			return nil, errors.Newf("window %d starts at word %d, expected %d", i, w.StartWord, expectedStart)
		}
		if w.EndWord <= w.StartWord {
			return nil, errors.Newf("window %d is empty or inverted: [%d, %d)", i, w.StartWord, w.EndWord)
		}
		expectedStart = w.EndWord
	}
	if expectedStart != heapWords {
		return nil, errors.Newf("windows cover %d words, heap has %d", expectedStart, heapWords)
	}

	m := &ServerMap{windows: make([]Window, len(windows))}
	copy(m.windows, windows)
	return m, nil
}

// ServerFor maps a region to its memory server by the region's end address.
func (m *ServerMap) ServerFor(r *region.Region) ServerID {
	end := r.End()
	for _, w := range m.windows {
		if end > w.StartWord && end <= w.EndWord {
			return w.Server
		}
	}
	panic(errors.Newf("region %d end %d outside every server window", r.Index(), end))
}

// Servers returns the distinct server ids in window order.
func (m *ServerMap) Servers() []ServerID {
	var out []ServerID
	seen := map[ServerID]bool{}
	for _, w := range m.windows {
		if !seen[w.Server] {
			seen[w.Server] = true
			out = append(out, w.Server)
		}
	}
	return out
}
