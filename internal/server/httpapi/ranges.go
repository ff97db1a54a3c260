package httpapi

import (
	"strconv"
	"strings"

	"github.com/dmitrijs2005/chanvault/internal/common"
)

// byteRange is an inclusive window [Start, End] of a resource.
type byteRange struct {
	Start int64
	End   int64
}

func (r byteRange) length() int64 { return r.End - r.Start + 1 }

// parseRange interprets a single-range Range header against a resource of
// size bytes. Open ranges ("a-") are capped at window bytes when window > 0.
// Malformed, inverted, multi-part and out-of-bounds ranges return
// common.ErrRangeNotSatisfiable.
func parseRange(header string, size, window int64) (byteRange, error) {
	set, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes=")
	if !ok || strings.Contains(set, ",") || size <= 0 {
		return byteRange{}, common.ErrRangeNotSatisfiable
	}
	first, last, ok := strings.Cut(strings.TrimSpace(set), "-")
	if !ok {
		return byteRange{}, common.ErrRangeNotSatisfiable
	}

	if first == "" {
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n <= 0 {
			return byteRange{}, common.ErrRangeNotSatisfiable
		}
		return byteRange{Start: max(size-n, 0), End: size - 1}, nil
	}

	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 || start >= size {
		return byteRange{}, common.ErrRangeNotSatisfiable
	}

	if last == "" {
		end := size - 1
		if window > 0 && start+window-1 < end {
			end = start + window - 1
		}
		return byteRange{Start: start, End: end}, nil
	}

	end, err := strconv.ParseInt(last, 10, 64)
	if err != nil || end < start {
		return byteRange{}, common.ErrRangeNotSatisfiable
	}
	return byteRange{Start: start, End: min(end, size-1)}, nil
}
