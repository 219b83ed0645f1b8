package main

import (
	"fmt"
	"math"
	"strconv"

	"github.com/pkg/errors"
)

const maxSizeString = "max"

// sizeMax requests the largest size the filesystem constraint allows. Parsed
// sizes never exceed math.MaxInt64, so the sentinel cannot collide with one.
const sizeMax = ^uint64(0)

// parseSize turns "1024", "10k", "512Mi" or "max" into a byte count.
func parseSize(s string) (uint64, error) {
	if s == maxSizeString {
		return sizeMax, nil
	}

	i := 0
	if i < len(s) && (s[i] == '-' || s[i] == '+') {
		i++
	}
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	digits, suffix := s[:i], s[i:]

	size, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || size <= 0 {
		return 0, errors.Wrapf(ErrInvalidSize, "illegal new volume size %q", s)
	}

	if suffix == "" {
		return uint64(size), nil
	}

	kind := int64(1000)
	if len(suffix) == 2 && suffix[1] == 'i' {
		kind = 1024
	} else if len(suffix) > 1 {
		return 0, errors.Wrapf(ErrInvalidSize, "unknown size suffix %q", suffix)
	}

	switch suffix[0] {
	case 'G':
		if size, err = scaleSize(size, kind); err != nil {
			return 0, err
		}
		fallthrough
	case 'M':
		if size, err = scaleSize(size, kind); err != nil {
			return 0, err
		}
		fallthrough
	case 'k':
		if size, err = scaleSize(size, kind); err != nil {
			return 0, err
		}
	default:
		return 0, errors.Wrapf(ErrInvalidSize, "unknown size suffix %q", suffix)
	}

	return uint64(size), nil
}

func scaleSize(size, factor int64) (int64, error) {
	if size > math.MaxInt64/factor {
		return 0, errors.Wrap(ErrInvalidSize, "size overflows")
	}
	return size * factor, nil
}

// formatBytes renders n using the largest binary unit it reaches.
func formatBytes[T dataSizeNumber](n T) string {
	v := uint64(n)
	for _, u := range units {
		if v >= u.Threshold {
			if u.Threshold == 1 {
				return fmt.Sprintf("%d %s", v, u.Name)
			}
			return fmt.Sprintf("%.2f %s", float64(v)/float64(u.Threshold), u.Name)
		}
	}
	return "0 bytes"
}
