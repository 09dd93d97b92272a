package profile

import (
	"errors"
	"fmt"
)

// DefaultSegmentSize is the profile download segment size in bytes.
const DefaultSegmentSize = 1024

// ErrSegmentSequence is returned when reassembling segments that are
// missing, duplicated or inconsistently numbered.
var ErrSegmentSequence = errors.New("profile: bad segment sequence")

// Segment is one fixed-size slice of an encoded profile, delivered and
// acknowledged independently during segmented download.
type Segment struct {
	Index int    `json:"index"`
	Total int    `json:"total"`
	Data  []byte `json:"data"`
}

// Split cuts data into segments of at most size bytes. The final
// segment carries the remainder; splitting no data yields no segments.
func Split(data []byte, size int) ([]Segment, error) {
	if size <= 0 {
		return nil, fmt.Errorf("profile: segment size %d", size)
	}

	total := (len(data) + size - 1) / size
	segments := make([]Segment, 0, total)
	for i := 0; i < total; i++ {
		start := i * size
		end := start + size
		if end > len(data) {
			end = len(data)
		}
		segments = append(segments, Segment{
			Index: i,
			Total: total,
			Data:  append([]byte(nil), data[start:end]...),
		})
	}
	return segments, nil
}

// Reassemble joins segments back into the original data.
//
// Returns ErrSegmentSequence unless the segments arrive in order,
// numbered 0..Total-1 with a consistent Total.
func Reassemble(segments []Segment) ([]byte, error) {
	if len(segments) == 0 {
		return nil, nil
	}

	var out []byte
	for i, seg := range segments {
		if seg.Total != len(segments) {
			return nil, fmt.Errorf("%w: segment %d declares total %d of %d",
				ErrSegmentSequence, i, seg.Total, len(segments))
		}
		if seg.Index != i {
			return nil, fmt.Errorf("%w: segment %d numbered %d", ErrSegmentSequence, i, seg.Index)
		}
		out = append(out, seg.Data...)
	}
	return out, nil
}
