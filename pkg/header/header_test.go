package header

import (
	"errors"
	"io"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"fitsproc/internal/models"
	"fitsproc/internal/synth"
	"fitsproc/pkg/quadrant"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

var sectionRe = regexp.MustCompile(`^\[(\d+):(\d+),(\d+):(\d+)\]$`)

func parseSection(t *testing.T, s string) (x0, x1, y0, y1 int) {
	t.Helper()
	m := sectionRe.FindStringSubmatch(s)
	require.NotNil(t, m, "bad section %q", s)
	v := make([]int, 4)
	for i := range v {
		n, err := strconv.Atoi(m[i+1])
		require.NoError(t, err)
		v[i] = n
	}
	return v[0], v[1], v[2], v[3]
}

func TestRunIsolatesFailures(t *testing.T) {
	img := synth.FourChannel(synth.DefaultOptions())
	stages := []Stage{
		{Name: "boom", Apply: func(*models.RawImage) error { panic("index out of range") }},
		{Name: "broken", Apply: func(*models.RawImage) error { return errors.New("missing keyword") }},
		{Name: "marker", Apply: func(img *models.RawImage) error {
			img.Primary.Set("MARKER", true, "")
			return nil
		}},
	}

	lines, failures := Run(img, stages, discard)
	require.Equal(t, 2, failures)
	require.Len(t, lines, 3)
	require.Equal(t, "marker: ok", lines[2])
	require.True(t, img.Primary.Has("MARKER"))
}

func TestGeometryHandComputed(t *testing.T) {
	img := synth.FourChannel(synth.DefaultOptions()) // 40x24, 8 overscan columns
	img.Primary.Set("REFPIX1", 5, "")
	img.Primary.Set("REFPIX2", 3, "")

	require.NoError(t, Geometry(quadrant.Default).Apply(img))

	want := []struct {
		detsec     string
		dtv1, dtv2 float64
		dtm1, dtm2 float64
	}{
		{"[5:36,3:26]", 4, 2, 1, 1},
		{"[37:68,3:26]", 36, 2, 1, 1},
		{"[68:37,50:27]", 69, 51, -1, -1},
		{"[5:36,50:27]", 4, 51, 1, -1},
	}
	for i, w := range want {
		h := img.Sections[i].Header
		detsec, _ := h.String("DETSEC")
		require.Equal(t, w.detsec, detsec, "channel %d", i+1)

		x0, x1, y0, y1 := parseSection(t, detsec)
		require.Equal(t, 32, int(math.Abs(float64(x1-x0)))+1)
		require.Equal(t, 24, int(math.Abs(float64(y1-y0)))+1)

		for key, v := range map[string]float64{"DTV1": w.dtv1, "DTV2": w.dtv2, "DTM1_1": w.dtm1, "DTM2_2": w.dtm2} {
			got, ok := h.Float(key)
			require.True(t, ok, key)
			require.Equal(t, v, got, "channel %d %s", i+1, key)
		}

		datasec, _ := h.String("DATASEC")
		require.Equal(t, "[1:32,1:24]", datasec)
		biassec, _ := h.String("BIASSEC")
		require.Equal(t, "[33:40,1:24]", biassec)
	}
}

func TestGeometryTransformMapsCorners(t *testing.T) {
	img := synth.FourChannel(synth.DefaultOptions())
	require.NoError(t, Geometry(quadrant.Default).Apply(img))

	for i, sec := range img.Sections {
		h := sec.Header
		dtv1, _ := h.Float("DTV1")
		dtm1, _ := h.Float("DTM1_1")
		detsec, _ := h.String("DETSEC")
		x0, x1, _, _ := parseSection(t, detsec)

		// pixel 1 lands on the first bound, pixel nx on the second
		require.Equal(t, float64(x0), dtm1*1+dtv1, "channel %d", i+1)
		require.Equal(t, float64(x1), dtm1*32+dtv1, "channel %d", i+1)
	}
}

func TestGeometryIdempotent(t *testing.T) {
	img := synth.FourChannel(synth.DefaultOptions())
	stage := Geometry(quadrant.Default)
	require.NoError(t, stage.Apply(img))
	first := img.Sections[2].Header.Cards()
	require.NoError(t, stage.Apply(img))
	require.Equal(t, first, img.Sections[2].Header.Cards())
}

func TestTimeRepair(t *testing.T) {
	img := synth.FourChannel(synth.DefaultOptions())
	stage := Time(KittPeak)
	require.NoError(t, stage.Apply(img))

	p := img.Primary
	date, _ := p.String("DATE-OBS")
	require.Equal(t, "2024-03-01T03:04:05.500", date)

	mjd, ok := p.Float("MJD-OBS")
	require.True(t, ok)
	require.InDelta(t, 60370+11045.5/86400, mjd, 1e-6)

	jd := mjd + 2400000.5
	hjd, ok := p.Float("HJD_UTC")
	require.True(t, ok)
	require.Less(t, math.Abs(hjd-jd), 0.0058)

	bjd, ok := p.Float("BJD_TDB")
	require.True(t, ok)
	require.InDelta(t, 69.184/86400, bjd-hjd, 1e-4)
}

func TestTimeRepairDoesNotRecombine(t *testing.T) {
	img := synth.FourChannel(synth.DefaultOptions())
	stage := Time(KittPeak)
	require.NoError(t, stage.Apply(img))
	before := img.Primary.Cards()

	img.Primary.Set("UT", "10:00:00", "")
	require.NoError(t, stage.Apply(img))

	date, _ := img.Primary.String("DATE-OBS")
	require.Equal(t, "2024-03-01T03:04:05.500", date)
	for _, c := range before {
		if c.Key == "UT" {
			continue
		}
		got, ok := img.Primary.Get(c.Key)
		require.True(t, ok)
		require.Equal(t, c.Value, got.Value, c.Key)
	}
}

func TestTimeRepairMissingInputs(t *testing.T) {
	img := synth.FourChannel(synth.DefaultOptions())
	img.Primary.Delete("UT")
	img.Primary.Delete("RA")
	require.NoError(t, Time(KittPeak).Apply(img))
	require.False(t, img.Primary.Has("MJD-OBS"))

	img = synth.FourChannel(synth.DefaultOptions())
	img.Primary.Delete("RA")
	require.NoError(t, Time(KittPeak).Apply(img))
	require.True(t, img.Primary.Has("MJD-OBS"))
	require.False(t, img.Primary.Has("HJD_UTC"))
	require.False(t, img.Primary.Has("BJD_TDB"))

	img = synth.FourChannel(synth.DefaultOptions())
	img.Primary.Set("UT", "noon", "")
	require.Error(t, Time(KittPeak).Apply(img))
}

func TestTemperatureWiring(t *testing.T) {
	img := synth.FourChannel(synth.DefaultOptions())
	require.NoError(t, Temperature().Apply(img))
	requireFloat(t, img.Primary, "CCDTEMP", -110.5)
	requireFloat(t, img.Primary, "COLDTEMP", -150.2)
	requireFloat(t, img.Primary, "BPLTEMP", 18.4)

	img = synth.FourChannel(synth.DefaultOptions())
	img.Primary.Set("DETECTOR", "sta0500b", "")
	require.NoError(t, Temperature().Apply(img))
	requireFloat(t, img.Primary, "CCDTEMP", -20.0)
	requireFloat(t, img.Primary, "COLDTEMP", -110.5)
}

func TestTemperatureSentinel(t *testing.T) {
	img := synth.FourChannel(synth.DefaultOptions())
	img.Status = nil
	require.NoError(t, Temperature().Apply(img))
	for _, key := range []string{"CCDTEMP", "COLDTEMP", "BPLTEMP"} {
		requireFloat(t, img.Primary, key, MissingTemperature)
	}

	img = synth.FourChannel(synth.DefaultOptions())
	img.Status["TEMP_COLD"] = "n/a"
	require.NoError(t, Temperature().Apply(img))
	requireFloat(t, img.Primary, "COLDTEMP", MissingTemperature)
}

func TestMiscellaneous(t *testing.T) {
	img := synth.FourChannel(synth.DefaultOptions())
	stage := Miscellaneous(KittPeak)
	require.NoError(t, stage.Apply(img))

	p := img.Primary
	ra, _ := p.Float("RA_DEG")
	require.InDelta(t, 83.633083, ra, 1e-6)
	dec, _ := p.Float("DEC_DEG")
	require.InDelta(t, 22.0145, dec, 1e-6)
	zd, _ := p.Float("ZD")
	require.InDelta(t, 33.5573, zd, 1e-3)

	shutter, _ := p.String("SHUTTER")
	require.Equal(t, "OPEN", shutter)
	ccdsec, _ := p.String("CCDSEC")
	require.Equal(t, "[1:64,1:48]", ccdsec)
	requireFloat(t, p, "CCDBIN1", 2)
	requireFloat(t, p, "CCDBIN2", 2)

	observat, _ := p.String("OBSERVAT")
	require.Equal(t, "kpno", observat)
	requireFloat(t, p, "EPOCH", 2000)
	requireFloat(t, p, "EXPOSURE", 30)

	before := p.Cards()
	require.NoError(t, stage.Apply(img))
	require.Equal(t, before, p.Cards())
}

func TestMiscellaneousIsolatesFixups(t *testing.T) {
	img := synth.FourChannel(synth.DefaultOptions())
	img.Primary.Set("CCDSUM", "two by two", "")
	img.Primary.Set("SHUTTER", "maybe", "")
	img.Primary.Set("ALT", 60.0, "")

	err := Miscellaneous(KittPeak).Apply(img)
	require.Error(t, err)
	require.Contains(t, err.Error(), "binning")
	require.Contains(t, err.Error(), "shutter")

	zd, ok := img.Primary.Float("ZD")
	require.True(t, ok)
	require.InDelta(t, 30, zd, 1e-9)
	require.True(t, img.Primary.Has("RA_DEG"))
	require.False(t, img.Primary.Has("CCDBIN1"))
}

func TestParseSexagesimal(t *testing.T) {
	cases := map[string]float64{
		"05:34:31.94": 5.5755389,
		"-00:30:00":   -0.5,
		"+12 15":      12.25,
		"7":           7,
	}
	for in, want := range cases {
		got, err := parseSexagesimal(in)
		require.NoError(t, err, in)
		require.InDelta(t, want, got, 1e-6, in)
	}
	for _, bad := range []string{"", "12:61:00", "aa:bb", "1:2:3:4"} {
		_, err := parseSexagesimal(bad)
		require.Error(t, err, bad)
	}
}

func requireFloat(t *testing.T, h *models.Header, key string, want float64) {
	t.Helper()
	got, ok := h.Float(key)
	require.True(t, ok, key)
	require.InDelta(t, want, got, 1e-9, key)
}
