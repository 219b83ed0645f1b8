package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// twoPartitionTable has partition 1 at 2048-500000, free space up to
// 599999 and partition 2 at 600000-700000.
func twoPartitionTable() *PartitionTable {
	return &PartitionTable{
		Usable: SectorRange{Start: 1, End: 999999},
		Partitions: []*Partition{
			{Number: 1, Range: SectorRange{Start: 2048, End: 500000}},
			{Number: 2, Range: SectorRange{Start: 600000, End: 700000}},
		},
	}
}

func TestSnapToBoundaries(t *testing.T) {
	old := SectorRange{Start: 2048, End: 500000}
	tests := []struct {
		name       string
		geom       SectorRange
		startRange SectorRange
		endRange   SectorRange
		want       SectorRange
	}{
		{
			name:       "unchanged",
			geom:       old,
			startRange: sectorRangeAt(2048, 1),
			endRange:   sectorRangeAt(500000, 1),
			want:       old,
		},
		{
			name:       "rounding back to old end",
			geom:       SectorRange{Start: 2048, End: 499990},
			startRange: sectorRangeAt(2048, 1),
			endRange:   SectorRange{Start: 499000, End: 501000},
			want:       old,
		},
		{
			name:       "free space sliver absorbed",
			geom:       SectorRange{Start: 2048, End: 599990},
			startRange: sectorRangeAt(2048, 1),
			endRange:   SectorRange{Start: 599000, End: 599999},
			want:       SectorRange{Start: 2048, End: 599999},
		},
		{
			name:       "pulled back before neighbor",
			geom:       SectorRange{Start: 2048, End: 600010},
			startRange: sectorRangeAt(2048, 1),
			endRange:   SectorRange{Start: 599500, End: 600500},
			want:       SectorRange{Start: 2048, End: 599999},
		},
		{
			name:       "no candidate in range",
			geom:       SectorRange{Start: 2048, End: 550000},
			startRange: sectorRangeAt(2048, 1),
			endRange:   SectorRange{Start: 549000, End: 551000},
			want:       SectorRange{Start: 2048, End: 550000},
		},
		{
			name:       "end beyond device left alone",
			geom:       SectorRange{Start: 2050, End: 2000000},
			startRange: SectorRange{Start: 2000, End: 2100},
			endRange:   SectorRange{Start: 1999000, End: 2001000},
			want:       SectorRange{Start: 2050, End: 2000000},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			geom, oldGeom := tt.geom, old
			snapToBoundaries(&geom, &oldGeom, twoPartitionTable(), tt.startRange, tt.endRange)
			assert.Equal(t, tt.want, geom)
			assert.Equal(t, old, oldGeom)
		})
	}
}

func TestSnapIsIdempotent(t *testing.T) {
	old := SectorRange{Start: 2048, End: 500000}
	startRange, endRange := SectorRange{Start: 2000, End: 2100}, SectorRange{Start: 599000, End: 599999}

	geom := SectorRange{Start: 2050, End: 599500}
	snapToBoundaries(&geom, &old, twoPartitionTable(), startRange, endRange)
	first := geom
	snapToBoundaries(&geom, &old, twoPartitionTable(), startRange, endRange)
	assert.Equal(t, first, geom)
	assert.Equal(t, SectorRange{Start: 2048, End: 599999}, geom)
}

func TestSnapWithoutOldGeometry(t *testing.T) {
	geom := SectorRange{Start: 2050, End: 499990}
	snapToBoundaries(&geom, nil, twoPartitionTable(), SectorRange{Start: 2000, End: 2100}, SectorRange{Start: 499000, End: 500000})
	assert.Equal(t, SectorRange{Start: 2048, End: 500000}, geom)
}

func TestSnapStartOutsideTablePanics(t *testing.T) {
	geom := SectorRange{Start: 0, End: 5000}
	assert.Panics(t, func() {
		snapToBoundaries(&geom, nil, twoPartitionTable(), sectorRangeAt(0, 1), sectorRangeAt(5000, 1))
	})
}

func TestSnapCandidates(t *testing.T) {
	part := &Partition{Range: SectorRange{Start: 0, End: 99}}
	c := endCandidates(nil, part)
	assert.Equal(t, []snapCandidate{at(99), {}}, c)

	old := SectorRange{Start: 10, End: 50}
	assert.Equal(t, []snapCandidate{at(10), at(0), at(100)}, startCandidates(&old, part))
}
