package playback

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrInvalidRange  = errors.New("invalid range format")
	ErrUnsatisfiable = errors.New("range not satisfiable")
)

// ByteRange is an inclusive byte span of a file.
type ByteRange struct {
	Start int64
	End   int64
}

// Length is the number of bytes in the span.
func (b ByteRange) Length() int64 {
	return b.End - b.Start + 1
}

// Header renders the Content-Range value for a file of total bytes.
func (b ByteRange) Header(total int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", b.Start, b.End, total)
}

// ParseRange parses a single-range Range header. Only the first range of a
// multi-range request is honoured. An empty header returns nil, nil.
func ParseRange(header string, size int64) (*ByteRange, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, nil
	}
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return nil, ErrInvalidRange
	}
	if first, _, multi := strings.Cut(spec, ","); multi {
		spec = first
	}
	startStr, endStr, ok := strings.Cut(strings.TrimSpace(spec), "-")
	if !ok {
		return nil, ErrInvalidRange
	}

	if startStr == "" {
		suffix, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || suffix <= 0 {
			return nil, ErrInvalidRange
		}
		if size == 0 {
			return nil, ErrUnsatisfiable
		}
		return &ByteRange{Start: max(size-suffix, 0), End: size - 1}, nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return nil, ErrInvalidRange
	}
	end := size - 1
	if endStr != "" {
		if end, err = strconv.ParseInt(endStr, 10, 64); err != nil {
			return nil, ErrInvalidRange
		}
	}
	if start > end || start >= size {
		return nil, ErrUnsatisfiable
	}
	return &ByteRange{Start: start, End: min(end, size-1)}, nil
}
