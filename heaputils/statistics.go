package heaputils

import "math"

type Statistics struct {
	RegionCount int
	ObjectCount int
	RegionBytes int
	UsedBytes   int
}

func (s *Statistics) Clear() {
	s.RegionCount = 0
	s.ObjectCount = 0
	s.RegionBytes = 0
	s.UsedBytes = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.RegionCount += other.RegionCount
	s.ObjectCount += other.ObjectCount
	s.RegionBytes += other.RegionBytes
	s.UsedBytes += other.UsedBytes
}

type DetailedStatistics struct {
	Statistics
	FreeRangeCount   int
	ObjectSizeMin    int
	ObjectSizeMax    int
	FreeRangeSizeMin int
	FreeRangeSizeMax int
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.FreeRangeCount = 0
	s.ObjectSizeMin = math.MaxInt
	s.ObjectSizeMax = 0
	s.FreeRangeSizeMin = math.MaxInt
	s.FreeRangeSizeMax = 0
}

func (s *DetailedStatistics) AddFreeRange(size int) {
	s.FreeRangeCount++

	if size < s.FreeRangeSizeMin {
		s.FreeRangeSizeMin = size
	}

	if size > s.FreeRangeSizeMax {
		s.FreeRangeSizeMax = size
	}
}

func (s *DetailedStatistics) AddObject(size int) {
	s.ObjectCount++
	s.UsedBytes += size

	if size < s.ObjectSizeMin {
		s.ObjectSizeMin = size
	}

	if size > s.ObjectSizeMax {
		s.ObjectSizeMax = size
	}
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.FreeRangeCount += other.FreeRangeCount

	if other.FreeRangeSizeMin < s.FreeRangeSizeMin {
		s.FreeRangeSizeMin = other.FreeRangeSizeMin
	}

	if other.FreeRangeSizeMax > s.FreeRangeSizeMax {
		s.FreeRangeSizeMax = other.FreeRangeSizeMax
	}

	if other.ObjectSizeMin < s.ObjectSizeMin {
		s.ObjectSizeMin = other.ObjectSizeMin
	}

	if other.ObjectSizeMax > s.ObjectSizeMax {
		s.ObjectSizeMax = other.ObjectSizeMax
	}
}
