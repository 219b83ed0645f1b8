package main

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Binary units accepted on input besides displayUnits.
var binaryUnits = []Unit{
	{"TiB", tb},
	{"GiB", gb},
	{"MiB", mb},
	{"KiB", kb},
}

// compactUnit picks the largest display unit the byte count reaches ten of.
func compactUnit(bytes uint64) Unit {
	for _, u := range displayUnits {
		if bytes >= 10*u.Threshold {
			return u
		}
	}
	return displayUnits[len(displayUnits)-1]
}

// formatUnit renders the byte position of sector, e.g. "537MB".
func formatUnit(dev *Device, sector uint64) string {
	bytes := sector * uint64(dev.SectorSize)
	u := compactUnit(bytes)
	v := float64(bytes) / float64(u.Threshold)

	prec := 0
	switch {
	case v < 10:
		prec = 2
	case v < 100:
		prec = 1
	}
	if u.Threshold == 1 {
		prec = 0
	}
	return fmt.Sprintf("%.*f%s", prec, v, u.Name)
}

func lookupUnit(dev *Device, name string) (size uint64, binary, ok bool) {
	switch {
	case name == "":
		return 1000 * 1000, false, true
	case name == "s":
		return uint64(dev.SectorSize), false, true
	}
	for _, u := range displayUnits {
		if strings.EqualFold(name, u.Name) {
			return u.Threshold, false, true
		}
	}
	for _, u := range binaryUnits {
		if strings.EqualFold(name, u.Name) {
			return u.Threshold, true, true
		}
	}
	return 0, false, false
}

// parseUnit reads a position such as "537MB" back into the nearest sector and
// the range of sectors the text stands for. The range is half a unit wide on
// either side, less one sector. Binary units such as MiB name one exact sector.
func parseUnit(dev *Device, text string) (uint64, SectorRange, error) {
	text = strings.TrimSpace(text)
	i := 0
	for i < len(text) && (text[i] >= '0' && text[i] <= '9' || text[i] == '.') {
		i++
	}
	num, err := strconv.ParseFloat(text[:i], 64)
	if err != nil {
		return 0, SectorRange{}, errors.Wrapf(err, "invalid position %q", text)
	}
	unitSize, binary, ok := lookupUnit(dev, strings.TrimSpace(text[i:]))
	if !ok {
		return 0, SectorRange{}, errors.Errorf("unknown unit in %q", text)
	}

	ss := uint64(dev.SectorSize)
	exact := num * float64(unitSize) / float64(ss)
	if exact > math.MaxInt64 {
		return 0, SectorRange{}, errors.Errorf("position %q out of range", text)
	}
	sector := uint64(math.Round(exact))

	radius := uint64(0)
	if half := (unitSize + ss - 1) / ss / 2; !binary && half > 1 {
		radius = half - 1
	}

	r := SectorRange{Start: 0, End: sector + radius}
	if sector > radius {
		r.Start = sector - radius
	}
	if sector < dev.SectorCount {
		r.End = min(r.End, dev.SectorCount-1)
	}
	return sector, r, nil
}
