package header

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"fitsproc/internal/models"
)

// Miscellaneous runs the small, order-insensitive keyword fixups. Each one
// is isolated; their errors are joined.
func Miscellaneous(site Site) Stage {
	fixups := []struct {
		name string
		fn   func(img *models.RawImage) error
	}{
		{"pointing", fixPointing},
		{"zenith distance", fixZenithDistance},
		{"shutter", fixShutter},
		{"readout window", fixReadoutWindow},
		{"binning", fixBinning},
		{"placeholders", func(img *models.RawImage) error { return fillPlaceholders(img, site) }},
	}
	return Stage{
		Name: "miscellaneous",
		Apply: func(img *models.RawImage) error {
			var errs []error
			for _, f := range fixups {
				if err := apply(img, Stage{Name: f.name, Apply: f.fn}); err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", f.name, err))
				}
			}
			return errors.Join(errs...)
		},
	}
}

func fixPointing(img *models.RawImage) error {
	p := img.Primary
	var errs []error
	if ra, ok, err := rightAscension(p); err != nil {
		errs = append(errs, err)
	} else if ok {
		p.SetCard(models.Card{Key: "RA_DEG", Value: roundTo(ra, 6), Unit: "deg", Comment: "right ascension"})
	}
	if dec, ok, err := declination(p); err != nil {
		errs = append(errs, err)
	} else if ok {
		p.SetCard(models.Card{Key: "DEC_DEG", Value: roundTo(dec, 6), Unit: "deg", Comment: "declination"})
	}
	return errors.Join(errs...)
}

func fixZenithDistance(img *models.RawImage) error {
	p := img.Primary
	for _, key := range []string{"ALT", "ELEVAT"} {
		if alt, ok := p.Float(key); ok {
			if alt < -90 || alt > 90 {
				return fmt.Errorf("%s %.3f out of range", key, alt)
			}
			p.SetCard(models.Card{Key: "ZD", Value: roundTo(90-alt, 4), Unit: "deg", Comment: "zenith distance"})
			return nil
		}
	}
	x, ok := p.Float("AIRMASS")
	if !ok {
		return nil
	}
	if x < 1 {
		return fmt.Errorf("airmass %.3f below 1", x)
	}
	zd := math.Acos(1/x) * 180 / math.Pi
	p.SetCard(models.Card{Key: "ZD", Value: roundTo(zd, 4), Unit: "deg", Comment: "zenith distance from airmass"})
	return nil
}

func fixShutter(img *models.RawImage) error {
	p := img.Primary
	if !p.Has("SHUTTER") {
		return nil
	}
	if s, ok := p.String("SHUTTER"); ok {
		switch strings.ToUpper(s) {
		case "OPEN", "CLOSED":
			p.Set("SHUTTER", strings.ToUpper(s), "")
			return nil
		}
	}
	open, ok := p.Bool("SHUTTER")
	if !ok {
		c, _ := p.Get("SHUTTER")
		return fmt.Errorf("unrecognized shutter state %v", c.Value)
	}
	state := "CLOSED"
	if open {
		state = "OPEN"
	}
	p.Set("SHUTTER", state, "shutter state during exposure")
	return nil
}

func fixReadoutWindow(img *models.RawImage) error {
	cols, rows, overscan, err := img.RawGeometry()
	if err != nil {
		return err
	}
	nx := cols - overscan
	rx, ry := referencePixel(img.Primary)
	img.Primary.Set("CCDSEC", section(rx, rx+2*nx-1, ry, ry+2*rows-1), "readout window on the detector")
	return nil
}

func fixBinning(img *models.RawImage) error {
	p := img.Primary
	sum, ok := p.String("CCDSUM")
	if !ok || sum == "" {
		return nil
	}
	fields := strings.FieldsFunc(sum, func(r rune) bool { return r == ' ' || r == 'x' || r == 'X' || r == ',' })
	if len(fields) != 2 {
		return fmt.Errorf("malformed CCDSUM %q", sum)
	}
	var bins [2]int
	for i, f := range fields {
		b, err := strconv.Atoi(f)
		if err != nil || b < 1 {
			return fmt.Errorf("malformed CCDSUM %q", sum)
		}
		bins[i] = b
	}
	p.Set("CCDBIN1", bins[0], "binning along axis 1")
	p.Set("CCDBIN2", bins[1], "binning along axis 2")
	return nil
}

func fillPlaceholders(img *models.RawImage, site Site) error {
	p := img.Primary
	setDefault := func(key string, value interface{}, comment string) {
		if !p.Has(key) {
			p.Set(key, value, comment)
		}
	}
	setDefault("OBSERVER", "unknown", "observer")
	setDefault("OBJECT", "unknown", "target name")
	setDefault("OBSERVAT", site.Name, "observatory")
	setDefault("EQUINOX", 2000.0, "equinox of coordinates")
	setDefault("RADESYS", "FK5", "coordinate reference frame")

	// older reduction scripts read EPOCH and EXPOSURE
	if eq, ok := p.Get("EQUINOX"); ok {
		setDefault("EPOCH", eq.Value, "same as EQUINOX")
	}
	if exp, ok := p.Get("EXPTIME"); ok {
		setDefault("EXPOSURE", exp.Value, "same as EXPTIME")
	}
	return nil
}
