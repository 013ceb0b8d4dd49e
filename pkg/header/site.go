package header

import "github.com/soniakeys/unit"

// Site is an observatory location on the reference ellipsoid.
type Site struct {
	Name      string
	Latitude  unit.Angle
	Longitude unit.Angle // east positive
	Elevation float64    // metres
}

// KittPeak is the site all timing corrections are computed for.
var KittPeak = Site{
	Name:      "kpno",
	Latitude:  unit.AngleFromDeg(31.9583),
	Longitude: unit.AngleFromDeg(-111.5967),
	Elevation: 2096,
}
