// Package chunk frames slices of a reference file as message text for the
// servercompare/clientcompare pair. Messages may arrive in any order, so
// every chunk carries the file offset it was read from.
package chunk

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mr-tron/base58"
)

var ErrMalformed = errors.New("malformed chunk message")

// Encode formats data read at offset as "<offset>:<base58 data>". Message
// text travels as a JSON string, so raw file bytes are not safe to send.
func Encode(offset int64, data []byte) string {
	return strconv.FormatInt(offset, 10) + ":" + base58.Encode(data)
}

func Decode(msg string) (int64, []byte, error) {
	off, enc, ok := strings.Cut(msg, ":")
	if !ok {
		return 0, nil, ErrMalformed
	}
	offset, err := strconv.ParseInt(off, 10, 64)
	if err != nil || offset < 0 {
		return 0, nil, fmt.Errorf("%w: bad offset %q", ErrMalformed, off)
	}
	data, err := base58.Decode(enc)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return offset, data, nil
}

// Result is the server's verdict on one chunk.
type Result struct {
	Offset int64
	Diff   int // differing bytes, 0 means the chunk matched
}

func (r Result) String() string {
	if r.Diff == 0 {
		return "ok " + strconv.FormatInt(r.Offset, 10)
	}
	return fmt.Sprintf("bad %d %d", r.Offset, r.Diff)
}

func ParseResult(msg string) (Result, error) {
	fields := strings.Fields(msg)
	switch {
	case len(fields) == 2 && fields[0] == "ok":
		offset, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return Result{}, fmt.Errorf("%w: %q", ErrMalformed, msg)
		}
		return Result{Offset: offset}, nil
	case len(fields) == 3 && fields[0] == "bad":
		offset, err1 := strconv.ParseInt(fields[1], 10, 64)
		diff, err2 := strconv.Atoi(fields[2])
		if err1 != nil || err2 != nil || diff <= 0 {
			return Result{}, fmt.Errorf("%w: %q", ErrMalformed, msg)
		}
		return Result{Offset: offset, Diff: diff}, nil
	}
	return Result{}, fmt.Errorf("%w: %q", ErrMalformed, msg)
}

// Differences counts mismatched bytes; every byte past the shorter slice
// counts as a mismatch.
func Differences(a, b []byte) int {
	if len(a) > len(b) {
		a, b = b, a
	}
	diff := len(b) - len(a)
	for i := range a {
		if a[i] != b[i] {
			diff++
		}
	}
	return diff
}
