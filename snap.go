package main

import "fmt"

// snapCandidate is one boundary a coordinate may be snapped to. Candidates
// that would fall before sector 0 are kept in the list but marked absent.
type snapCandidate struct {
	sector uint64
	ok     bool
}

func at(sector uint64) snapCandidate {
	return snapCandidate{sector: sector, ok: true}
}

func before(sector uint64) snapCandidate {
	if sector == 0 {
		return snapCandidate{}
	}
	return at(sector - 1)
}

// snapSector replaces *sector with target if both lie inside allowed.
func snapSector(sector *uint64, target uint64, allowed SectorRange) bool {
	if !allowed.Contains(*sector) || !allowed.Contains(target) {
		return false
	}
	*sector = target
	return true
}

// trySnap adopts the first candidate, in order, that lies inside allowed.
func trySnap(sector *uint64, allowed SectorRange, candidates []snapCandidate) {
	for _, c := range candidates {
		if !c.ok {
			continue
		}
		if snapSector(sector, c.sector, allowed) {
			return
		}
	}
}

func startCandidates(old *SectorRange, startPart *Partition) []snapCandidate {
	var out []snapCandidate
	if old != nil {
		out = append(out, at(old.Start))
	}
	return append(out, at(startPart.Range.Start), at(startPart.Range.End+1))
}

func endCandidates(old *SectorRange, endPart *Partition) []snapCandidate {
	var out []snapCandidate
	if old != nil {
		out = append(out, at(old.End))
	}
	return append(out, at(endPart.Range.End), before(endPart.Range.Start))
}

// snapToBoundaries pulls newGeom onto nearby natural boundaries: the old
// geometry first, then the edges of the partition or free region each end
// falls in. Small unit-rounding changes become no-ops and slivers of free space
// next to the partition are absorbed. The constraint solver runs afterwards,
// so overlaps are not checked here.
func snapToBoundaries(newGeom *SectorRange, oldGeom *SectorRange, table *PartitionTable, startRange, endRange SectorRange) {
	start, end := newGeom.Start, newGeom.End

	startPart := table.PartitionBySector(start)
	if startPart == nil {
		panic(fmt.Sprintf("snap: start sector %d is outside every partition", start))
	}
	endPart := table.PartitionBySector(end)
	if endPart == nil {
		return
	}

	trySnap(&start, startRange, startCandidates(oldGeom, startPart))
	trySnap(&end, endRange, endCandidates(oldGeom, endPart))

	if start > end {
		panic(fmt.Sprintf("snap: start %d past end %d", start, end))
	}
	*newGeom = SectorRange{Start: start, End: end}
}
