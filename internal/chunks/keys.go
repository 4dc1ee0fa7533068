package chunks

import (
	"fmt"
	"math"
)

// DefaultGranularity is the snapping step, in seconds, applied to window bounds.
const DefaultGranularity = 10.0

// Key identifies one cached chunk.
type Key struct {
	Channel    string
	Start      float64
	End        float64
	Downsample int
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%g-%g@%d", k.Channel, k.Start, k.End, k.Downsample)
}

// Snap widens [start, end] outward to multiples of granularity so small pans
// land on the same key.
func Snap(start, end, granularity float64) (float64, float64) {
	if granularity <= 0 {
		return start, end
	}
	s := math.Floor(start/granularity) * granularity
	e := math.Ceil(end/granularity) * granularity
	if e <= s {
		e = s + granularity
	}
	return s, e
}

// KeyFor builds the snapped key for a channel window.
func KeyFor(channel string, start, end float64, downsample int, granularity float64) Key {
	if downsample < 1 {
		downsample = 1
	}
	s, e := Snap(start, end, granularity)
	return Key{Channel: channel, Start: s, End: e, Downsample: downsample}
}
