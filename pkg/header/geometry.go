package header

import (
	"errors"
	"fmt"

	"fitsproc/internal/models"
	"fitsproc/pkg/quadrant"
)

// Geometry rewrites each raw section's detector window and its linear
// pixel-to-detector transform from the reference pixel, the section size
// and the overscan width.
//
// Channels sit at different corners of the detector, so the window is
// shifted by one quadrant in columns, rows, or both. Axes that are read out
// reversed are written as a descending range with a negative DTM term.
func Geometry(qmap quadrant.Map) Stage {
	return Stage{
		Name: "geometry",
		Apply: func(img *models.RawImage) error {
			return repairGeometry(img, qmap)
		},
	}
}

func repairGeometry(img *models.RawImage, qmap quadrant.Map) error {
	cols, rows, overscan, err := img.RawGeometry()
	if err != nil {
		return err
	}
	nx, ny := cols-overscan, rows
	rx, ry := referencePixel(img.Primary)

	var errs []error
	for i, sec := range img.RawSections() {
		e, err := qmap.ForChannel(i + 1)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		row0, col0 := e.Origin(nx, ny)
		xa, xb, dtv1, dtm1 := axis(rx+col0, nx, e.FlipCols)
		ya, yb, dtv2, dtm2 := axis(ry+row0, ny, e.FlipRows)

		h := sec.Header
		h.Set("DETSEC", section(xa, xb, ya, yb), "detector section")
		h.Set("DATASEC", section(1, nx, 1, ny), "illuminated data section")
		h.Set("TRIMSEC", section(1, nx, 1, ny), "section kept after trimming")
		if overscan > 0 {
			h.Set("BIASSEC", section(nx+1, cols, 1, ny), "overscan section")
		}
		h.Set("DTV1", dtv1, "detector transform offset, axis 1")
		h.Set("DTV2", dtv2, "detector transform offset, axis 2")
		h.Set("DTM1_1", dtm1, "detector transform matrix")
		h.Set("DTM2_2", dtm2, "detector transform matrix")
	}
	if len(errs) > 0 {
		return fmt.Errorf("geometry: %w", errors.Join(errs...))
	}
	return nil
}

// axis returns the window bounds for n pixels starting at detector
// coordinate start, and the transform det = dtm*pixel + dtv.
func axis(start, n int, flip bool) (a, b int, dtv, dtm float64) {
	end := start + n - 1
	if flip {
		return end, start, float64(end + 1), -1
	}
	return start, end, float64(start - 1), 1
}
