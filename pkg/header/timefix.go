package header

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/soniakeys/meeus/v3/base"
	"github.com/soniakeys/meeus/v3/julian"
	"github.com/soniakeys/meeus/v3/solar"

	"fitsproc/internal/models"
)

const (
	isoLayout = "2006-01-02T15:04:05.000"

	// light travel time over one astronomical unit, in days
	auLightDays = 499.004783836 / 86400
	// mean obliquity of the ecliptic at J2000, radians
	obliquityJ2000 = 23.4392911 * math.Pi / 180
	earthRadiusAU  = 6378.137 / 149597870.7
)

// Time merges the separate date and time-of-day keywords into one ISO-8601
// DATE-OBS, derives MJD-OBS and, when the target position is known,
// heliocentric (UTC) and barycentric (TDB) Julian dates for site.
// An already merged DATE-OBS is parsed as is and never recombined.
func Time(site Site) Stage {
	return Stage{
		Name: "time",
		Apply: func(img *models.RawImage) error {
			return repairTime(img.Primary, site)
		},
	}
}

func repairTime(p *models.Header, site Site) error {
	obs, ok, err := observationTime(p)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	p.Set("DATE-OBS", obs.Format(isoLayout), "UTC start of exposure")
	p.Set("TIMESYS", "UTC", "time scale of DATE-OBS")

	jd := julian.TimeToJD(obs)
	p.SetCard(models.Card{Key: "MJD-OBS", Value: roundTo(jd-2400000.5, 8), Unit: "d", Comment: "modified Julian date of DATE-OBS"})

	ra, okRA, err := rightAscension(p)
	if err != nil {
		return err
	}
	dec, okDec, err := declination(p)
	if err != nil {
		return err
	}
	if !okRA || !okDec {
		return nil
	}

	hjd, bjd := lightTravelCorrected(jd, ra, dec, site)
	p.SetCard(models.Card{Key: "HJD_UTC", Value: roundTo(hjd, 8), Unit: "d", Comment: "heliocentric Julian date (UTC)"})
	p.SetCard(models.Card{Key: "BJD_TDB", Value: roundTo(bjd, 8), Unit: "d", Comment: "barycentric Julian date (TDB)"})
	return nil
}

// observationTime returns the exposure start. ok is false when the inputs
// needed are absent.
func observationTime(p *models.Header) (time.Time, bool, error) {
	date, ok := p.String("DATE-OBS")
	if !ok || date == "" {
		return time.Time{}, false, nil
	}
	if strings.Contains(date, "T") {
		t, err := parseISO(date)
		if err != nil {
			return time.Time{}, true, err
		}
		return t, true, nil
	}

	tod, ok := p.String("UT")
	if !ok || tod == "" {
		tod, ok = p.String("TIME-OBS")
	}
	if !ok || tod == "" {
		return time.Time{}, false, nil
	}
	t, err := parseISO(date + "T" + tod)
	if err != nil {
		return time.Time{}, true, err
	}
	return t, true, nil
}

func parseISO(s string) (time.Time, error) {
	for _, layout := range []string{"2006-01-02T15:04:05.999999999", "2006-01-02T15:04"} {
		if t, err := time.ParseInLocation(layout, strings.TrimSpace(s), time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}

// lightTravelCorrected returns the heliocentric JD on the UTC scale and the
// barycentric JD on the TDB scale for a UTC Julian date and a J2000 target
// position in degrees.
func lightTravelCorrected(jdUTC, raDeg, decDeg float64, site Site) (hjd, bjd float64) {
	ra := raDeg * math.Pi / 180
	dec := decDeg * math.Pi / 180
	target := [3]float64{math.Cos(dec) * math.Cos(ra), math.Cos(dec) * math.Sin(ra), math.Sin(dec)}

	ttMinusUTC := 32.184 + leapSeconds(jdUTC)
	jdTT := jdUTC + ttMinusUTC/86400
	T := base.J2000Century(jdTT)

	earth := earthHeliocentric(T)
	hjd = jdUTC + dot(earth, target)*auLightDays

	sun := sunBarycentric(T)
	obs := observerGeocentric(jdUTC, site)
	var bary [3]float64
	for i := range bary {
		bary[i] = earth[i] + sun[i] + obs[i]
	}
	g := (357.53 + 0.98560028*(jdTT-base.J2000)) * math.Pi / 180
	tdbMinusTT := 0.001657*math.Sin(g) + 0.000014*math.Sin(2*g)
	bjd = jdTT + tdbMinusTT/86400 + dot(bary, target)*auLightDays
	return hjd, bjd
}

// earthHeliocentric is the Earth's position in AU, equatorial J2000 axes.
func earthHeliocentric(T float64) [3]float64 {
	s, _ := solar.True(T)
	r := solar.Radius(T)
	// refer the longitude of date back to the J2000 equinox
	lon := s.Rad() + math.Pi - 1.3969713*T*math.Pi/180
	return eclipticToEquatorial(r*math.Cos(lon), r*math.Sin(lon), 0)
}

// sunBarycentric approximates the Sun's offset from the solar-system
// barycentre from the mean orbits of Jupiter and Saturn.
func sunBarycentric(T float64) [3]float64 {
	planets := []struct {
		l0, rate, a, mass float64
	}{
		{34.35151874, 3034.90567464, 5.20288700, 9.547919e-4},
		{50.07744430, 1222.11494724, 9.53667594, 2.858860e-4},
	}
	var x, y float64
	for _, p := range planets {
		l := (p.l0 + p.rate*T) * math.Pi / 180
		x -= p.mass * p.a * math.Cos(l)
		y -= p.mass * p.a * math.Sin(l)
	}
	return eclipticToEquatorial(x, y, 0)
}

// observerGeocentric is the site's position relative to the geocentre in AU.
func observerGeocentric(jdUTC float64, site Site) [3]float64 {
	gmst := math.Mod(280.46061837+360.98564736629*(jdUTC-base.J2000), 360) * math.Pi / 180
	lst := gmst + site.Longitude.Rad()
	rho := earthRadiusAU + site.Elevation/1000/149597870.7
	lat := site.Latitude.Rad()
	return [3]float64{
		rho * math.Cos(lat) * math.Cos(lst),
		rho * math.Cos(lat) * math.Sin(lst),
		rho * math.Sin(lat),
	}
}

func eclipticToEquatorial(x, y, z float64) [3]float64 {
	ce, se := math.Cos(obliquityJ2000), math.Sin(obliquityJ2000)
	return [3]float64{x, y*ce - z*se, y*se + z*ce}
}

func dot(a, b [3]float64) float64 {
	return a[0]*b[0] + a[1]*b[1] + a[2]*b[2]
}

// leapSeconds returns TAI-UTC for dates after 2009.
func leapSeconds(jdUTC float64) float64 {
	switch {
	case jdUTC >= 2457754.5: // 2017-01-01
		return 37
	case jdUTC >= 2457204.5: // 2015-07-01
		return 36
	case jdUTC >= 2456109.5: // 2012-07-01
		return 35
	}
	return 34
}

func roundTo(v float64, digits int) float64 {
	p := math.Pow(10, float64(digits))
	return math.Round(v*p) / p
}
