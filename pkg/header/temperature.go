package header

import (
	"strconv"
	"strings"

	"fitsproc/internal/models"
)

// MissingTemperature is written when a sensor reading is unavailable.
const MissingTemperature = -999.9

const backplaneSensor = "TEMP_BP"

type wiring struct {
	ccd  string
	cold string
}

var standardWiring = wiring{ccd: "TEMP_CCD", cold: "TEMP_COLD"}

// Detectors whose sensor harness was rebuilt: the CCD sensor moved to the
// auxiliary input and the cold-plate sensor took the CCD input.
var rewired = map[string]wiring{
	"STA0500B": {ccd: "TEMP_AUX", cold: "TEMP_CCD"},
	"STA1600":  {ccd: "TEMP_AUX", cold: "TEMP_CCD"},
}

func wiringFor(detector string) wiring {
	if w, ok := rewired[strings.ToUpper(strings.TrimSpace(detector))]; ok {
		return w
	}
	return standardWiring
}

// Temperature copies the CCD, cold-plate and backplane temperatures from
// the status table into the primary header.
func Temperature() Stage {
	return Stage{
		Name: "temperature",
		Apply: func(img *models.RawImage) error {
			extractTemperatures(img)
			return nil
		},
	}
}

func extractTemperatures(img *models.RawImage) {
	detector, _ := img.Primary.String("DETECTOR")
	w := wiringFor(detector)

	read := func(key string) float64 {
		raw, ok := img.Status[key]
		if !ok {
			return MissingTemperature
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return MissingTemperature
		}
		return v
	}

	p := img.Primary
	p.SetCard(models.Card{Key: "CCDTEMP", Value: read(w.ccd), Unit: "C", Comment: "CCD temperature"})
	p.SetCard(models.Card{Key: "COLDTEMP", Value: read(w.cold), Unit: "C", Comment: "cold plate temperature"})
	p.SetCard(models.Card{Key: "BPLTEMP", Value: read(backplaneSensor), Unit: "C", Comment: "backplane temperature"})
}
