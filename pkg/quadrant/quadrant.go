// Package quadrant holds the fixed mapping from detector readout channel to
// physical quadrant, and the flips that bring each readout into the
// as-mounted orientation.
package quadrant

import (
	"fmt"

	"fitsproc/internal/models"
)

// Entry maps one readout channel to its physical quadrant
type Entry struct {
	Channel  int
	Quadrant models.Quadrant
	FlipRows bool
	FlipCols bool
}

// Map is the four-entry table for one detector family
type Map [4]Entry

// Default is the table for the four-amplifier detector family. Channels 1
// and 2 read out in mounted orientation; channel 3 is rotated by 180
// degrees and channel 4 is mirrored top to bottom.
var Default = Map{
	{Channel: 1, Quadrant: models.Q1},
	{Channel: 2, Quadrant: models.Q2},
	{Channel: 3, Quadrant: models.Q3, FlipRows: true, FlipCols: true},
	{Channel: 4, Quadrant: models.Q4, FlipRows: true},
}

// Validate checks that every quadrant and every channel 1..4 appears once.
func (m Map) Validate() error {
	var seenQ [5]bool
	var seenCh [5]bool
	for _, e := range m {
		if e.Channel < 1 || e.Channel > 4 {
			return fmt.Errorf("channel %d out of range", e.Channel)
		}
		if e.Quadrant < models.Q1 || e.Quadrant > models.Q4 {
			return fmt.Errorf("channel %d: invalid quadrant %d", e.Channel, int(e.Quadrant))
		}
		if seenCh[e.Channel] {
			return fmt.Errorf("channel %d mapped twice", e.Channel)
		}
		if seenQ[e.Quadrant] {
			return fmt.Errorf("quadrant %s mapped twice", e.Quadrant)
		}
		seenCh[e.Channel] = true
		seenQ[e.Quadrant] = true
	}
	return nil
}

// ForChannel returns the entry for a 1-based readout channel.
func (m Map) ForChannel(ch int) (Entry, error) {
	for _, e := range m {
		if e.Channel == ch {
			return e, nil
		}
	}
	return Entry{}, fmt.Errorf("no quadrant mapped to readout channel %d", ch)
}

// Origin returns the zero-based (row, col) of the quadrant's lower-left
// corner inside a mosaic built from ny x nx quadrants.
func (e Entry) Origin(nx, ny int) (row, col int) {
	colOff, rowOff := e.Quadrant.Offsets()
	if colOff {
		col = nx
	}
	if rowOff {
		row = ny
	}
	return row, col
}
