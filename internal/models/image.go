package models

import (
	"fmt"
	"time"

	"gonum.org/v1/gonum/mat"
)

// Keywords shared across packages.
const (
	KeyExtName  = "EXTNAME"
	KeyOverscan = "OVRSCAN1"
	KeyQuadrant = "QUADRANT"
)

// GeometryTag marks whether a section holds raw readout or the merged mosaic
type GeometryTag int

const (
	Raw GeometryTag = iota
	Merged
)

func (g GeometryTag) String() string {
	if g == Merged {
		return "MERGED"
	}
	return "RAW"
}

// ImageSection is one image extension of a RawImage
type ImageSection struct {
	// Header holds the extension keywords, structural ones excluded
	Header *Header

	// Pixels are physical values (BZERO/BSCALE applied). Row 0 is the
	// first row stored in the file; column index runs along NAXIS1.
	Pixels *mat.Dense

	// Bitpix is the on-disk pixel type the section was read with
	Bitpix int

	Tag GeometryTag
}

// Dims returns (cols, rows), i.e. NAXIS1 and NAXIS2.
func (s *ImageSection) Dims() (cols, rows int) {
	if s.Pixels == nil {
		return 0, 0
	}
	rows, cols = s.Pixels.Dims()
	return cols, rows
}

// RawImage is the in-memory form of one multi-extension acquisition file.
// It is owned by a single worker for the duration of one call.
type RawImage struct {
	Path     string
	Primary  *Header
	Sections []*ImageSection

	// Status is the optional tabular status snapshot (nil when absent)
	Status map[string]string
}

// NewRawImage creates an empty image with a primary header
func NewRawImage(path string) *RawImage {
	return &RawImage{Path: path, Primary: NewHeader()}
}

// RawSections returns the sections tagged Raw, in file order.
func (r *RawImage) RawSections() []*ImageSection {
	var out []*ImageSection
	for _, s := range r.Sections {
		if s.Tag == Raw {
			out = append(out, s)
		}
	}
	return out
}

// MergedSection returns the mosaic section, if assembled.
func (r *RawImage) MergedSection() (*ImageSection, int) {
	for i, s := range r.Sections {
		if s.Tag == Merged {
			return s, i
		}
	}
	return nil, -1
}

// RawGeometry returns the common size and overscan width of the raw
// sections, failing when they disagree.
func (r *RawImage) RawGeometry() (cols, rows, overscan int, err error) {
	raws := r.RawSections()
	if len(raws) == 0 {
		return 0, 0, 0, fmt.Errorf("image has no raw sections")
	}
	for i, s := range raws {
		c, rw := s.Dims()
		ov, ok := s.Header.Int(KeyOverscan)
		if !ok {
			return 0, 0, 0, fmt.Errorf("section %d: missing %s", i+1, KeyOverscan)
		}
		if i == 0 {
			cols, rows, overscan = c, rw, ov
			continue
		}
		if c != cols || rw != rows || ov != overscan {
			return 0, 0, 0, fmt.Errorf("section %d: geometry %dx%d/%d differs from %dx%d/%d",
				i+1, c, rw, ov, cols, rows, overscan)
		}
	}
	if overscan < 0 || overscan >= cols {
		return 0, 0, 0, fmt.Errorf("overscan width %d invalid for %d columns", overscan, cols)
	}
	return cols, rows, overscan, nil
}

// Quadrant identifies one physical quadrant of the detector.
// Numbering runs counter-clockwise from the lower left.
type Quadrant int

const (
	Q1 Quadrant = iota + 1 // lower left
	Q2                     // lower right
	Q3                     // upper right
	Q4                     // upper left
)

func (q Quadrant) String() string {
	if q < Q1 || q > Q4 {
		return fmt.Sprintf("Quadrant(%d)", int(q))
	}
	return fmt.Sprintf("Q%d", int(q))
}

// Offsets reports whether the quadrant sits right of (column offset) and
// above (row offset) the reference corner.
func (q Quadrant) Offsets() (col, row bool) {
	switch q {
	case Q2:
		return true, false
	case Q3:
		return true, true
	case Q4:
		return false, true
	}
	return false, false
}

// BiasEstimate is the overscan-derived bias of one quadrant
type BiasEstimate struct {
	Quadrant Quadrant
	Median   float64
	StdDev   float64
}

// ProcessingOutcome summarizes one worker call
type ProcessingOutcome struct {
	TaskID         string        `msgpack:"task_id"`
	Path           string        `msgpack:"path"`
	UniqueName     string        `msgpack:"unique_name"`
	ProcessedPath  string        `msgpack:"processed_path"`
	RepositoryPath string        `msgpack:"repository_path"`
	ErrorCount     int           `msgpack:"error_count"`
	StageLog       []string      `msgpack:"stage_log"`
	Duration       time.Duration `msgpack:"duration"`
}

// Logf appends a formatted line to the stage log.
func (o *ProcessingOutcome) Logf(format string, args ...interface{}) {
	o.StageLog = append(o.StageLog, fmt.Sprintf(format, args...))
}
