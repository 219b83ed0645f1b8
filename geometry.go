package main

import "fmt"

// SectorRange is an inclusive span of device sectors.
type SectorRange struct {
	Start uint64
	End   uint64
}

// sectorRangeAt returns the range of length sectors beginning at start. A zero
// length yields the single sector at start.
func sectorRangeAt(start, length uint64) SectorRange {
	if length == 0 {
		length = 1
	}
	return SectorRange{Start: start, End: start + length - 1}
}

func (r SectorRange) Length() uint64 {
	return r.End - r.Start + 1
}

func (r SectorRange) Contains(sector uint64) bool {
	return sector >= r.Start && sector <= r.End
}

// intersect returns the overlap of r and o and whether it is non-empty.
func (r SectorRange) intersect(o SectorRange) (SectorRange, bool) {
	out := SectorRange{Start: max(r.Start, o.Start), End: min(r.End, o.End)}
	if out.Start > out.End {
		return SectorRange{}, false
	}
	return out, true
}

// clamp moves sector to the nearest sector inside r.
func (r SectorRange) clamp(sector uint64) uint64 {
	switch {
	case sector < r.Start:
		return r.Start
	case sector > r.End:
		return r.End
	}
	return sector
}

func (r SectorRange) String() string {
	return fmt.Sprintf("start=%d, end=%d, length=%d", r.Start, r.End, r.Length())
}
