package stager

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fitsproc/internal/synth"
)

func fixedClock(times ...time.Time) func() time.Time {
	i := 0
	return func() time.Time {
		t := times[i]
		if i < len(times)-1 {
			i++
		}
		return t
	}
}

func newTestStager(t *testing.T, now func() time.Time) (*Stager, string, string) {
	t.Helper()
	root := t.TempDir()
	processed := filepath.Join(root, "processed")
	repository := filepath.Join(root, "repository")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(Options{ProcessedRoot: processed, RepositoryRoot: repository, Now: now}, logger), processed, repository
}

func TestUniqueName(t *testing.T) {
	img := synth.FourChannel(synth.DefaultOptions())
	img.Primary.Set("INSTRUME", "MDM 4K", "")
	now := time.Date(2024, 3, 1, 3, 4, 5, 123456789, time.FixedZone("MST", -7*3600))
	require.Equal(t, "mdm4k.20240301T100405.123456.fits", UniqueName(img, now))

	img.Primary.Delete("INSTRUME")
	require.Equal(t, "unknown.20240301T100405.123456.fits", UniqueName(img, now))
}

func TestStageLayout(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s, processed, repository := newTestStager(t, fixedClock(now))
	img := synth.FourChannel(synth.DefaultOptions())

	res := s.Stage(img, "/data/incoming/raw.fits")
	require.Zero(t, res.Errors, res.Log)
	require.Equal(t, filepath.Join(processed, "20240301", "raw.fits"), res.ProcessedPath)
	require.Equal(t, filepath.Join(repository, "raw.fits"), res.RepositoryPath)

	unique, _ := img.Primary.String("UNIQNAME")
	require.Equal(t, res.UniqueName, unique)
	orig, _ := img.Primary.String("ORIGNAME")
	require.Equal(t, "raw.fits", orig)

	a, err := os.ReadFile(res.ProcessedPath)
	require.NoError(t, err)
	b, err := os.ReadFile(res.RepositoryPath)
	require.NoError(t, err)
	require.Equal(t, a, b)

	pointer, err := os.ReadFile(PointerPath(repository, "blue"))
	require.NoError(t, err)
	require.Equal(t, "raw.fits\n", string(pointer))

	entries, err := os.ReadDir(repository)
	require.NoError(t, err)
	require.Len(t, entries, 2, "no temporary pointer files left behind")
}

func TestStageCollisionFallsBackToUniqueName(t *testing.T) {
	first := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	second := first.Add(1500 * time.Microsecond)
	s, processed, repository := newTestStager(t, fixedClock(first, second))

	r1 := s.Stage(synth.FourChannel(synth.DefaultOptions()), "raw.fits")
	require.Zero(t, r1.Errors, r1.Log)
	before, err := os.ReadFile(r1.RepositoryPath)
	require.NoError(t, err)

	r2 := s.Stage(synth.FourChannel(synth.DefaultOptions()), "raw.fits")
	require.Zero(t, r2.Errors, r2.Log)
	require.Equal(t, "mdm4k.20240301T120000.001500.fits", r2.UniqueName)
	require.Equal(t, filepath.Join(processed, "20240301", r2.UniqueName), r2.ProcessedPath)
	require.Equal(t, filepath.Join(repository, r2.UniqueName), r2.RepositoryPath)

	after, err := os.ReadFile(r1.RepositoryPath)
	require.NoError(t, err)
	require.Equal(t, before, after, "first file must not be overwritten")

	pointer, err := os.ReadFile(PointerPath(repository, "BLUE"))
	require.NoError(t, err)
	require.Equal(t, r2.UniqueName+"\n", string(pointer))
}

func TestStageCountsIndependentFailures(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s, processed, repository := newTestStager(t, fixedClock(now))
	require.NoError(t, os.WriteFile(repository, []byte("not a directory"), 0644))

	res := s.Stage(synth.FourChannel(synth.DefaultOptions()), "raw.fits")
	require.Equal(t, 2, res.Errors, res.Log)
	require.Equal(t, filepath.Join(processed, "20240301", "raw.fits"), res.ProcessedPath)
	require.Empty(t, res.RepositoryPath)
	require.FileExists(t, res.ProcessedPath)
}

func TestStageFallsBackToClockDate(t *testing.T) {
	now := time.Date(2025, 12, 31, 23, 0, 0, 0, time.UTC)
	s, processed, _ := newTestStager(t, fixedClock(now))
	img := synth.FourChannel(synth.DefaultOptions())
	img.Primary.Delete("DATE-OBS")

	res := s.Stage(img, "raw.fits")
	require.Zero(t, res.Errors, res.Log)
	require.Equal(t, filepath.Join(processed, "20251231", "raw.fits"), res.ProcessedPath)
}
