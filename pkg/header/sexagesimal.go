package header

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"fitsproc/internal/models"
)

// parseSexagesimal converts "dd:mm:ss.s" (colons or blanks) to decimal units
// of its leading field. A leading sign applies to the whole value.
func parseSexagesimal(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty sexagesimal value")
	}
	neg := false
	switch s[0] {
	case '-':
		neg = true
		s = s[1:]
	case '+':
		s = s[1:]
	}
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ':' || r == ' ' })
	if len(fields) == 0 || len(fields) > 3 {
		return 0, fmt.Errorf("malformed sexagesimal value %q", s)
	}
	v := 0.0
	scale := 1.0
	for i, f := range fields {
		x, err := strconv.ParseFloat(f, 64)
		if err != nil || x < 0 {
			return 0, fmt.Errorf("malformed sexagesimal field %q", f)
		}
		if i > 0 && x >= 60 {
			return 0, fmt.Errorf("sexagesimal field %q out of range", f)
		}
		v += x / scale
		scale *= 60
	}
	if neg {
		v = -v
	}
	return v, nil
}

// rightAscension reads RA in degrees. Sexagesimal strings are hours;
// plain numbers are already degrees.
func rightAscension(p *models.Header) (float64, bool, error) {
	return angle(p, "RA", 15)
}

// declination reads DEC in degrees.
func declination(p *models.Header) (float64, bool, error) {
	return angle(p, "DEC", 1)
}

func angle(p *models.Header, key string, sexaScale float64) (float64, bool, error) {
	c, ok := p.Get(key)
	if !ok || c.Value == nil {
		return 0, false, nil
	}
	if s, isString := c.Value.(string); isString && strings.ContainsAny(strings.TrimSpace(s), ": ") {
		v, err := parseSexagesimal(s)
		if err != nil {
			return 0, true, fmt.Errorf("%s: %w", key, err)
		}
		return v * sexaScale, true, nil
	}
	v, ok := models.ToFloat(c.Value)
	if !ok || math.IsNaN(v) {
		return 0, true, fmt.Errorf("%s: unreadable value %v", key, c.Value)
	}
	return v, true, nil
}
