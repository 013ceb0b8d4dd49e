// Package header implements the metadata repair stages run on every
// acquisition before it is archived. Stages touch header entries only and
// are safe to re-run on an already repaired image.
package header

import (
	"fmt"
	"log/slog"

	"fitsproc/internal/models"
)

// Stage is one named, independently skippable header repair.
type Stage struct {
	Name  string
	Apply func(img *models.RawImage) error
}

// Run applies stages in order. A failing or panicking stage is logged at
// warning level and the remaining stages still run. It returns one log line
// per stage and the number of stages that failed.
func Run(img *models.RawImage, stages []Stage, logger *slog.Logger) ([]string, int) {
	lines := make([]string, 0, len(stages))
	failures := 0
	for _, st := range stages {
		if err := apply(img, st); err != nil {
			failures++
			logger.Warn("header stage failed", "stage", st.Name, "error", err)
			lines = append(lines, fmt.Sprintf("%s: failed: %v", st.Name, err))
			continue
		}
		logger.Debug("header stage applied", "stage", st.Name)
		lines = append(lines, st.Name+": ok")
	}
	return lines, failures
}

func apply(img *models.RawImage, st Stage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return st.Apply(img)
}

// section formats an IRAF-style section string.
func section(x0, x1, y0, y1 int) string {
	return fmt.Sprintf("[%d:%d,%d:%d]", x0, x1, y0, y1)
}

// referencePixel returns the 1-based detector coordinate of the lower-left
// illuminated pixel, from REFPIX1/REFPIX2 (default 1,1).
func referencePixel(p *models.Header) (rx, ry int) {
	rx, ry = 1, 1
	if v, ok := p.Int("REFPIX1"); ok {
		rx = v
	}
	if v, ok := p.Int("REFPIX2"); ok {
		ry = v
	}
	return rx, ry
}
