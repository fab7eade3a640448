package storage

import (
	"fmt"
	"strconv"
	"strings"

	s3err "github.com/s3sfs/s3sfs/internal/errors"
)

// Range is an inclusive byte range [Start, End].
type Range struct {
	Start int64
	End   int64
}

func (r Range) Length() int64 { return r.End - r.Start + 1 }

// ContentRange formats the Content-Range header value for an object of size.
func (r Range) ContentRange(size int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, size)
}

// ParseRange parses a single-range Range header against an object of the
// given size. Supported forms:
//   - bytes=0-4   (first 5 bytes)
//   - bytes=5-    (from byte 5 to end)
//   - bytes=-10   (last 10 bytes)
//
// Headers that are malformed or ask for several ranges return (nil, nil)
// and the whole object is served. Syntactically valid ranges that do not
// overlap the object return InvalidRange.
func ParseRange(header string, size int64) (*Range, error) {
	ranges, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes=")
	if !ok || strings.Contains(ranges, ",") {
		return nil, nil
	}
	startStr, endStr, ok := strings.Cut(ranges, "-")
	if !ok {
		return nil, nil
	}
	startStr, endStr = strings.TrimSpace(startStr), strings.TrimSpace(endStr)

	unsatisfiable := s3err.Wrapf(s3err.ErrInvalidRange, "range %q on %d bytes", header, size)

	if startStr == "" {
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n < 0 {
			return nil, nil
		}
		if n == 0 || size == 0 {
			return nil, unsatisfiable
		}
		if n > size {
			n = size
		}
		return &Range{Start: size - n, End: size - 1}, nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return nil, nil
	}
	end := size - 1
	if endStr != "" {
		end, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil || end < start {
			return nil, nil
		}
		if end >= size {
			end = size - 1
		}
	}
	if start >= size {
		return nil, unsatisfiable
	}
	return &Range{Start: start, End: end}, nil
}

// ParseCopySourceRange parses x-amz-copy-source-range, which must be the
// bytes=a-b form and lie inside the source object.
func ParseCopySourceRange(header string, size int64) (*Range, error) {
	ranges, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return nil, s3err.Wrapf(s3err.ErrInvalidArgument, "invalid copy source range %q", header)
	}
	startStr, endStr, ok := strings.Cut(ranges, "-")
	start, err1 := strconv.ParseInt(startStr, 10, 64)
	end, err2 := strconv.ParseInt(endStr, 10, 64)
	if !ok || err1 != nil || err2 != nil || start < 0 || end < start {
		return nil, s3err.Wrapf(s3err.ErrInvalidArgument, "invalid copy source range %q", header)
	}
	if end >= size {
		return nil, s3err.Wrapf(s3err.ErrInvalidRange, "copy source range %q on %d bytes", header, size)
	}
	return &Range{Start: start, End: end}, nil
}
