package presence

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/presence.report/internal/transport"
)

// Stream body markers.
const (
	streamStart    byte = 0xFD
	resultInfoEnd  byte = 0xFE
	resultInfoBase      = 3
	resultSkip          = 3
	sampleSize          = 9
)

// ErrDecode indicates a stream body that is too short or malformed.
var ErrDecode = errors.New("stream decode error")

// Sample is one presence measurement.
type Sample struct {
	Presence bool    `json:"presence"`
	Score    float32 `json:"score"`
	Distance float32 `json:"distance"`
}

// TimedSample is a Sample with the host time it was decoded.
type TimedSample struct {
	Time time.Time `json:"time"`
	Sample
}

// ResultInfo holds the address/value pairs that precede the sample in a
// stream frame.
type ResultInfo map[uint8]uint32

// Decode parses a stream frame body:
//
//	FD ?? ?? [addr val(4)]* FE ?? ?? ?? presence(1) score(f32) distance(f32)
//
// A body not starting with FD fails with both ErrDecode and
// transport.ErrFraming. Anything other than exactly nine bytes after the
// result info fails with ErrDecode.
func Decode(body []byte) (Sample, ResultInfo, error) {
	if len(body) == 0 || body[0] != streamStart {
		return Sample{}, nil, fmt.Errorf("%w: %w: stream body does not start with 0x%02X", ErrDecode, transport.ErrFraming, streamStart)
	}

	info := ResultInfo{}
	i := resultInfoBase
	for {
		if i >= len(body) {
			return Sample{}, info, fmt.Errorf("%w: result info not terminated", ErrDecode)
		}
		addr := body[i]
		i++
		if addr == resultInfoEnd {
			break
		}
		if i+4 > len(body) {
			return Sample{}, info, fmt.Errorf("%w: truncated result info at 0x%02X", ErrDecode, addr)
		}
		info[addr] = binary.LittleEndian.Uint32(body[i:])
		i += 4
	}

	i += resultSkip
	if i > len(body) || len(body)-i != sampleSize {
		return Sample{}, info, fmt.Errorf("%w: %d sample bytes, want %d", ErrDecode, max(len(body)-i, 0), sampleSize)
	}
	data := body[i:]
	return Sample{
		Presence: data[0] != 0,
		Score:    math.Float32frombits(binary.LittleEndian.Uint32(data[1:5])),
		Distance: math.Float32frombits(binary.LittleEndian.Uint32(data[5:9])),
	}, info, nil
}
