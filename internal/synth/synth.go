// Package synth builds synthetic four-channel acquisitions for tests.
package synth

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"fitsproc/internal/models"
)

// Options describe a synthetic acquisition. Each channel's illuminated
// region reads Level[i]; its overscan reads Bias[i], offset by -Jitter on
// even rows and +Jitter on odd rows.
type Options struct {
	Cols     int // NAXIS1, overscan included
	Rows     int
	Overscan int
	Level    [4]float64
	Bias     [4]float64
	Jitter   float64
}

// DefaultOptions is a small acquisition with overscan median 100, row
// scatter 2 and a 1000 count illuminated level.
func DefaultOptions() Options {
	return Options{
		Cols:     40,
		Rows:     24,
		Overscan: 8,
		Level:    [4]float64{1000, 1000, 1000, 1000},
		Bias:     [4]float64{100, 100, 100, 100},
		Jitter:   2,
	}
}

// FourChannel builds a RawImage with four raw sections in readout-channel
// order, a populated primary header and a status table.
func FourChannel(opts Options) *models.RawImage {
	img := models.NewRawImage("")
	p := img.Primary
	p.Set("INSTRUME", "MDM4K", "instrument")
	p.Set("CHANNEL", "BLUE", "spectrograph channel")
	p.Set("DETECTOR", "STA0500", "detector serial")
	p.Set("DATE-OBS", "2024-03-01", "UT date of observation")
	p.Set("UT", "03:04:05.5", "UT at start of exposure")
	p.Set("RA", "05:34:31.94", "target right ascension")
	p.Set("DEC", "+22:00:52.2", "target declination")
	p.Set("EXPTIME", 30.0, "exposure time")
	p.Set("AIRMASS", 1.2, "")
	p.Set("CCDSUM", "2 2", "binning")
	p.Set("SHUTTER", "T", "")

	visible := opts.Cols - opts.Overscan
	for ch := 0; ch < 4; ch++ {
		px := mat.NewDense(opts.Rows, opts.Cols, nil)
		for r := 0; r < opts.Rows; r++ {
			bias := opts.Bias[ch] + opts.Jitter
			if r%2 == 0 {
				bias = opts.Bias[ch] - opts.Jitter
			}
			for c := 0; c < opts.Cols; c++ {
				if c < visible {
					px.Set(r, c, opts.Level[ch])
				} else {
					px.Set(r, c, bias)
				}
			}
		}
		h := models.NewHeader()
		h.Set(models.KeyExtName, fmt.Sprintf("CH%d", ch+1), "readout channel")
		h.Set(models.KeyOverscan, opts.Overscan, "overscan columns")
		h.Set("BZERO", 32768, "")
		h.Set("BSCALE", 1, "")
		img.Sections = append(img.Sections, &models.ImageSection{
			Header: h,
			Pixels: px,
			Bitpix: 16,
			Tag:    models.Raw,
		})
	}

	img.Status = map[string]string{
		"TEMP_CCD":  "-110.5",
		"TEMP_COLD": "-150.2",
		"TEMP_AUX":  "-20.0",
		"TEMP_BP":   "18.4",
	}
	return img
}
