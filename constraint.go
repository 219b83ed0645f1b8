package main

import (
	"fmt"

	"github.com/pkg/errors"
)

// Constraint is the set of geometries a partition or filesystem may take:
// a start inside StartRange, an end inside EndRange and a length between
// MinSize and MaxSize sectors.
type Constraint struct {
	StartRange SectorRange
	EndRange   SectorRange
	MinSize    uint64
	MaxSize    uint64
}

func (c *Constraint) String() string {
	return fmt.Sprintf("start [%d, %d], end [%d, %d], size [%d, %d]",
		c.StartRange.Start, c.StartRange.End, c.EndRange.Start, c.EndRange.End, c.MinSize, c.MaxSize)
}

// constraintFromRange allows any geometry starting in startRange and ending in
// endRange, with no alignment requirement.
func constraintFromRange(dev *Device, startRange, endRange SectorRange) *Constraint {
	return &Constraint{
		StartRange: startRange,
		EndRange:   endRange,
		MinSize:    1,
		MaxSize:    dev.SectorCount,
	}
}

// intersectConstraints narrows a and b componentwise. Callers must not reuse
// a or b afterwards.
func intersectConstraints(a, b *Constraint) (*Constraint, error) {
	if a == nil || b == nil {
		return nil, errors.Wrap(ErrInfeasibleConstraint, "missing constraint")
	}

	startRange, ok := a.StartRange.intersect(b.StartRange)
	if !ok {
		return nil, errors.Wrapf(ErrInfeasibleConstraint, "start ranges [%d, %d] and [%d, %d] do not overlap",
			a.StartRange.Start, a.StartRange.End, b.StartRange.Start, b.StartRange.End)
	}
	endRange, ok := a.EndRange.intersect(b.EndRange)
	if !ok {
		return nil, errors.Wrapf(ErrInfeasibleConstraint, "end ranges [%d, %d] and [%d, %d] do not overlap",
			a.EndRange.Start, a.EndRange.End, b.EndRange.Start, b.EndRange.End)
	}

	minSize := max(a.MinSize, b.MinSize)
	maxSize := min(a.MaxSize, b.MaxSize)
	if minSize > maxSize {
		return nil, errors.Wrapf(ErrInfeasibleConstraint, "minimum size %d exceeds maximum size %d", minSize, maxSize)
	}

	return &Constraint{
		StartRange: startRange,
		EndRange:   endRange,
		MinSize:    minSize,
		MaxSize:    maxSize,
	}, nil
}

// solve returns the geometry satisfying c that is nearest to target: the start
// is pulled into the feasible start window first, then the end into the window
// that start allows.
func (c *Constraint) solve(target SectorRange) (SectorRange, error) {
	if c.MinSize == 0 || c.MinSize > c.MaxSize {
		return SectorRange{}, errors.Wrapf(ErrInfeasibleConstraint, "bad size bounds in %s", c)
	}
	if c.EndRange.End+1 < c.MinSize {
		return SectorRange{}, errors.Wrapf(ErrInfeasibleConstraint, "no room for %d sectors in %s", c.MinSize, c)
	}

	// A start s is feasible when some end e in EndRange gives
	// MinSize <= e-s+1 <= MaxSize.
	lowStart := c.StartRange.Start
	if c.EndRange.Start+1 > c.MaxSize {
		lowStart = max(lowStart, c.EndRange.Start+1-c.MaxSize)
	}
	highStart := min(c.StartRange.End, c.EndRange.End+1-c.MinSize)
	if lowStart > highStart {
		return SectorRange{}, errors.Wrapf(ErrInfeasibleConstraint, "no feasible start in %s", c)
	}
	start := SectorRange{Start: lowStart, End: highStart}.clamp(target.Start)

	ends := SectorRange{
		Start: max(c.EndRange.Start, start+c.MinSize-1),
		End:   min(c.EndRange.End, start+c.MaxSize-1),
	}
	if ends.Start > ends.End {
		return SectorRange{}, errors.Wrapf(ErrInfeasibleConstraint, "no feasible end for start %d in %s", start, c)
	}
	return SectorRange{Start: start, End: ends.clamp(target.End)}, nil
}

// freeRegionConstraint allows part anywhere in the unallocated space around it,
// bounded by its neighbors and the usable area of the table.
func freeRegionConstraint(dev *Device, table *PartitionTable, part *Partition) *Constraint {
	low, high := table.Usable.Start, table.Usable.End
	for _, n := range table.neighbors(part) {
		switch {
		case n.Range.End < part.Range.Start:
			low = max(low, n.Range.End+1)
		case n.Range.Start > part.Range.End:
			if n.Range.Start == 0 {
				continue
			}
			high = min(high, n.Range.Start-1)
		}
	}
	region := SectorRange{Start: low, End: high}
	return &Constraint{
		StartRange: region,
		EndRange:   region,
		MinSize:    1,
		MaxSize:    min(dev.SectorCount, region.Length()),
	}
}
