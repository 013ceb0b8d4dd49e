// Package mosaic removes the overscan bias of each readout channel and
// reassembles the four channels into one image in mounted orientation.
package mosaic

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"fitsproc/internal/models"
	"fitsproc/pkg/quadrant"
)

// ErrEmptyOverscan is returned when skip/margin trimming leaves no overscan pixels
var ErrEmptyOverscan = errors.New("overscan region is empty after trimming")

// ExtName is the EXTNAME of the assembled section
const ExtName = "MOSAIC"

// Options control the overscan sub-region used for the bias estimate
type Options struct {
	// OverscanSkip is the number of leading overscan columns ignored
	OverscanSkip int

	// RowMargin is the number of rows ignored at both ends
	RowMargin int
}

// Assemble debiases the four raw sections of img, places them into one
// mosaic and stores it as the image's Merged section, replacing a previous
// one. Each raw section is tagged with its physical quadrant.
func Assemble(img *models.RawImage, qmap quadrant.Map, opts Options) ([]models.BiasEstimate, error) {
	raws := img.RawSections()
	if len(raws) != 4 {
		return nil, fmt.Errorf("expected 4 raw sections, found %d", len(raws))
	}
	cols, rows, overscan, err := img.RawGeometry()
	if err != nil {
		return nil, err
	}
	nx := cols - overscan

	out := mat.NewDense(2*rows, 2*nx, nil)
	estimates := make([]models.BiasEstimate, 0, 4)
	placed := make([]quadrant.Entry, len(raws))

	for i, sec := range raws {
		entry, err := qmap.ForChannel(i + 1)
		if err != nil {
			return nil, err
		}

		bias, err := EstimateBias(sec.Pixels, nx, opts)
		if err != nil {
			return nil, fmt.Errorf("channel %d: %w", i+1, err)
		}
		bias.Quadrant = entry.Quadrant

		q := debias(sec.Pixels, nx, bias.Median)
		q = orient(q, entry.FlipRows, entry.FlipCols)

		r0, c0 := entry.Origin(nx, rows)
		out.Slice(r0, r0+rows, c0, c0+nx).(*mat.Dense).Copy(q)

		placed[i] = entry
		estimates = append(estimates, bias)
	}

	// sections are only tagged once every channel made it into the mosaic
	for i, sec := range raws {
		sec.Header.Set(models.KeyQuadrant, placed[i].Quadrant.String(), "physical quadrant")
	}

	sort.Slice(estimates, func(a, b int) bool { return estimates[a].Quadrant < estimates[b].Quadrant })

	h := models.NewHeader()
	h.Set(models.KeyExtName, ExtName, "assembled debiased image")
	h.Set("DATASEC", fmt.Sprintf("[1:%d,1:%d]", 2*nx, 2*rows), "")
	h.SetCard(models.Card{Key: "BUNIT", Value: "ADU", Comment: "pixel units"})
	for _, e := range estimates {
		h.SetCard(models.Card{Key: e.Quadrant.String() + "BIAS", Value: round(e.Median), Unit: "ADU", Comment: "overscan bias level"})
		h.SetCard(models.Card{Key: e.Quadrant.String() + "STD", Value: round(e.StdDev), Unit: "ADU", Comment: "overscan bias noise"})
	}

	merged := &models.ImageSection{Header: h, Pixels: out, Bitpix: -32, Tag: models.Merged}
	if _, idx := img.MergedSection(); idx >= 0 {
		img.Sections[idx] = merged
	} else {
		img.Sections = append(img.Sections, merged)
	}

	return estimates, nil
}

// EstimateBias reduces each overscan row (columns from nx+skip to the edge,
// rows inside the margin) to its median, then returns the median and
// population standard deviation of those row medians.
func EstimateBias(px *mat.Dense, nx int, opts Options) (models.BiasEstimate, error) {
	rows, cols := px.Dims()
	c0 := nx + opts.OverscanSkip
	r0, r1 := opts.RowMargin, rows-opts.RowMargin
	if c0 >= cols || r0 >= r1 || c0 < 0 || r0 < 0 {
		return models.BiasEstimate{}, fmt.Errorf("%w: columns [%d,%d) rows [%d,%d)", ErrEmptyOverscan, c0, cols, r0, r1)
	}

	rowMedians := make([]float64, 0, r1-r0)
	buf := make([]float64, cols-c0)
	for r := r0; r < r1; r++ {
		mat.Row(buf, r, px.Slice(0, rows, c0, cols))
		rowMedians = append(rowMedians, median(buf))
	}

	return models.BiasEstimate{
		Median: median(rowMedians),
		StdDev: math.Sqrt(stat.PopVariance(rowMedians, nil)),
	}, nil
}

// debias subtracts bias from the section and drops the overscan columns.
func debias(px *mat.Dense, nx int, bias float64) *mat.Dense {
	rows, _ := px.Dims()
	q := mat.NewDense(rows, nx, nil)
	q.Apply(func(_, _ int, v float64) float64 { return v - bias }, px.Slice(0, rows, 0, nx))
	return q
}

// orient applies the readout flips of one channel.
func orient(q *mat.Dense, flipRows, flipCols bool) *mat.Dense {
	if !flipRows && !flipCols {
		return q
	}
	rows, cols := q.Dims()
	out := mat.NewDense(rows, cols, nil)
	for r := 0; r < rows; r++ {
		sr := r
		if flipRows {
			sr = rows - 1 - r
		}
		for c := 0; c < cols; c++ {
			sc := c
			if flipCols {
				sc = cols - 1 - c
			}
			out.Set(r, c, q.At(sr, sc))
		}
	}
	return out
}

// median returns the middle value of values, or the mean of the two middle
// values for an even count, so alternating row levels a and b give (a+b)/2.
// values is left unsorted; an empty slice yields 0.
func median(values []float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func round(v float64) float64 {
	return math.Round(v*1000) / 1000
}
