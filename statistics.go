package memalloc

// Statistics summarizes how much of the managed memory an engine has handed
// out. Engines accumulate into an existing value, so one report can cover
// several allocators.
type Statistics struct {
	RegionCount     int
	AllocationCount int
	RegionBytes     int
	AllocationBytes int
}

// FreeBytes returns the managed bytes not currently handed out, bookkeeping
// overhead included.
func (s *Statistics) FreeBytes() int {
	return s.RegionBytes - s.AllocationBytes
}

// Clear resets the accumulator.
func (s *Statistics) Clear() {
	*s = Statistics{}
}

// AddStatistics folds another accumulator into this one.
func (s *Statistics) AddStatistics(other *Statistics) {
	s.RegionCount += other.RegionCount
	s.AllocationCount += other.AllocationCount
	s.RegionBytes += other.RegionBytes
	s.AllocationBytes += other.AllocationBytes
}

// DetailedStatistics extends Statistics with the shape of the free space.
// The largest free range bounds the biggest request that can still succeed;
// SmallestAllocation and LargestAllocation are zero until an allocation is
// recorded.
type DetailedStatistics struct {
	Statistics
	FreeRangeCount     int
	FreeRangeBytes     int
	LargestFreeRange   int
	SmallestAllocation int
	LargestAllocation  int
}

// Clear resets the accumulator.
func (s *DetailedStatistics) Clear() {
	*s = DetailedStatistics{}
}

// AddFreeRange records one contiguous run of free payload bytes.
func (s *DetailedStatistics) AddFreeRange(size int) {
	s.FreeRangeCount++
	s.FreeRangeBytes += size

	if size > s.LargestFreeRange {
		s.LargestFreeRange = size
	}
}

// AddAllocation records one live allocation.
func (s *DetailedStatistics) AddAllocation(size int) {
	s.AllocationCount++
	s.AllocationBytes += size

	if s.SmallestAllocation == 0 || size < s.SmallestAllocation {
		s.SmallestAllocation = size
	}

	if size > s.LargestAllocation {
		s.LargestAllocation = size
	}
}

// FragmentationRatio reports how much of the free payload space lies outside
// the largest free range. Zero means the free space is one contiguous run;
// values near one mean it is shredded into small pieces.
func (s *DetailedStatistics) FragmentationRatio() float64 {
	if s.FreeRangeBytes == 0 {
		return 0
	}
	return 1 - float64(s.LargestFreeRange)/float64(s.FreeRangeBytes)
}

// AddDetailedStatistics folds another accumulator into this one.
func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.FreeRangeCount += other.FreeRangeCount
	s.FreeRangeBytes += other.FreeRangeBytes

	if other.LargestFreeRange > s.LargestFreeRange {
		s.LargestFreeRange = other.LargestFreeRange
	}

	if other.SmallestAllocation != 0 && (s.SmallestAllocation == 0 || other.SmallestAllocation < s.SmallestAllocation) {
		s.SmallestAllocation = other.SmallestAllocation
	}

	if other.LargestAllocation > s.LargestAllocation {
		s.LargestAllocation = other.LargestAllocation
	}
}
