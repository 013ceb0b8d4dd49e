package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"fitsproc/internal/models"
	"fitsproc/internal/synth"
	"fitsproc/pkg/config"
	"fitsproc/pkg/fitsfile"
	"fitsproc/pkg/stager"
)

type recordingSink struct {
	mu       sync.Mutex
	outcomes []models.ProcessingOutcome
	err      error
}

func (s *recordingSink) Publish(_ context.Context, o models.ProcessingOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, o)
	return s.err
}

func testOptions(t *testing.T) (Options, string) {
	t.Helper()
	root := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Paths.ProcessedRoot = filepath.Join(root, "processed")
	cfg.Paths.RepositoryRoot = filepath.Join(root, "repository")
	return OptionsFromConfig(cfg), root
}

func writeRaw(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "raw.fits")
	require.NoError(t, fitsfile.Save(path, synth.FourChannel(synth.DefaultOptions())))
	return path
}

func newTestWorker(t *testing.T, opts Options, sink OutcomeSink) *Worker {
	t.Helper()
	w, err := NewWorker(opts, sink, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return w
}

func TestProcessEndToEnd(t *testing.T) {
	opts, root := testOptions(t)
	sink := &recordingSink{}
	w := newTestWorker(t, opts, sink)

	outcome := w.Process(context.Background(), writeRaw(t, root))
	require.Zero(t, outcome.ErrorCount, outcome.StageLog)
	_, err := uuid.Parse(outcome.TaskID)
	require.NoError(t, err)
	require.Positive(t, outcome.Duration)
	require.Contains(t, outcome.StageLog, "geometry: ok")
	require.Contains(t, outcome.StageLog, "mosaic: ok")

	require.Equal(t, filepath.Join(opts.Stager.RepositoryRoot, "raw.fits"), outcome.RepositoryPath)
	img, err := fitsfile.Load(outcome.RepositoryPath)
	require.NoError(t, err)

	date, _ := img.Primary.String("DATE-OBS")
	require.Equal(t, "2024-03-01T03:04:05.500", date)
	unique, _ := img.Primary.String("UNIQNAME")
	require.Equal(t, outcome.UniqueName, unique)
	ccd, _ := img.Primary.Float("CCDTEMP")
	require.Equal(t, -110.5, ccd)

	merged, _ := img.MergedSection()
	require.NotNil(t, merged)
	rows, cols := merged.Pixels.Dims()
	require.Equal(t, 48, rows)
	require.Equal(t, 64, cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			require.InDelta(t, 900, merged.Pixels.At(r, c), 1e-3)
		}
	}
	bias, _ := merged.Header.Float("Q1BIAS")
	require.Equal(t, 100.0, bias)
	std, _ := merged.Header.Float("Q1STD")
	require.Equal(t, 2.0, std)

	pointer, err := os.ReadFile(stager.PointerPath(opts.Stager.RepositoryRoot, "BLUE"))
	require.NoError(t, err)
	require.Equal(t, "raw.fits\n", string(pointer))

	require.Len(t, sink.outcomes, 1)
	require.Equal(t, outcome, sink.outcomes[0])
}

func TestProcessMissingFile(t *testing.T) {
	opts, root := testOptions(t)
	sink := &recordingSink{}
	w := newTestWorker(t, opts, sink)

	outcome := w.Process(context.Background(), filepath.Join(root, "absent.fits"))
	require.Equal(t, 1, outcome.ErrorCount)
	require.Len(t, outcome.StageLog, 1)
	require.Contains(t, outcome.StageLog[0], "load: failed")
	require.Empty(t, outcome.UniqueName)
	require.Len(t, sink.outcomes, 1)
}

// writeBadAxes writes a primary HDU and an image extension whose NAXIS1 is
// negative, followed by one data block.
func writeBadAxes(t *testing.T, dir string) string {
	t.Helper()
	unit := func(cards ...string) string {
		var b strings.Builder
		for _, c := range append(cards, "END") {
			b.WriteString(fmt.Sprintf("%-80s", c))
		}
		for b.Len()%2880 != 0 {
			b.WriteByte(' ')
		}
		return b.String()
	}
	kv := func(k string, v interface{}) string { return fmt.Sprintf("%-8s= %20v", k, v) }

	data := unit(kv("SIMPLE", "T"), kv("BITPIX", 8), kv("NAXIS", 0), kv("EXTEND", "T")) +
		unit(kv("XTENSION", "'IMAGE'"), kv("BITPIX", 16), kv("NAXIS", 2), kv("NAXIS1", -5), kv("NAXIS2", 4), kv("PCOUNT", 0), kv("GCOUNT", 1)) +
		strings.Repeat("\x00", 2880)
	path := filepath.Join(dir, "bad.fits")
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))
	return path
}

func TestProcessCorruptFileIsFatalToFileOnly(t *testing.T) {
	opts, root := testOptions(t)
	sink := &recordingSink{}
	w := newTestWorker(t, opts, sink)

	outcome := w.Process(context.Background(), writeBadAxes(t, root))
	require.Equal(t, 1, outcome.ErrorCount)
	require.Contains(t, outcome.StageLog[0], "load: failed")

	good := w.Process(context.Background(), writeRaw(t, root))
	require.Zero(t, good.ErrorCount, good.StageLog)
	require.Len(t, sink.outcomes, 2)
}

func TestProcessRecoversPanic(t *testing.T) {
	opts, root := testOptions(t)
	sink := &recordingSink{}
	w := newTestWorker(t, opts, sink)
	w.load = func(string) (*models.RawImage, error) { panic("decoder blew up") }

	var outcome models.ProcessingOutcome
	require.NotPanics(t, func() { outcome = w.Process(context.Background(), filepath.Join(root, "x.fits")) })
	require.Equal(t, 1, outcome.ErrorCount)
	require.Equal(t, "panic: decoder blew up", outcome.StageLog[len(outcome.StageLog)-1])
	require.Len(t, sink.outcomes, 1)
}

type panickingSink struct{}

func (panickingSink) Publish(context.Context, models.ProcessingOutcome) error { panic("sink down") }

func TestProcessSurvivesPanickingSink(t *testing.T) {
	opts, root := testOptions(t)
	w := newTestWorker(t, opts, panickingSink{})

	var outcome models.ProcessingOutcome
	require.NotPanics(t, func() { outcome = w.Process(context.Background(), writeRaw(t, root)) })
	require.Zero(t, outcome.ErrorCount, outcome.StageLog)
}

func TestProcessCountsMosaicFailure(t *testing.T) {
	opts, root := testOptions(t)
	opts.Mosaic.RowMargin = 100
	w := newTestWorker(t, opts, nil)

	outcome := w.Process(context.Background(), writeRaw(t, root))
	require.Equal(t, 1, outcome.ErrorCount, outcome.StageLog)
	require.NotEmpty(t, outcome.RepositoryPath, "staging still runs")
}

func TestProcessStagesDisabled(t *testing.T) {
	opts, root := testOptions(t)
	opts.Stages = StageFlags{}
	w := newTestWorker(t, opts, nil)

	outcome := w.Process(context.Background(), writeRaw(t, root))
	require.Zero(t, outcome.ErrorCount, outcome.StageLog)

	img, err := fitsfile.Load(outcome.ProcessedPath)
	require.NoError(t, err)
	date, _ := img.Primary.String("DATE-OBS")
	require.Equal(t, "2024-03-01", date)
	require.False(t, img.Primary.Has("CCDTEMP"))
	merged, _ := img.MergedSection()
	require.Nil(t, merged)
}

func TestProcessSinkFailureIsNotCounted(t *testing.T) {
	opts, root := testOptions(t)
	sink := &recordingSink{err: errors.New("broker down")}
	w := newTestWorker(t, opts, sink)

	outcome := w.Process(context.Background(), writeRaw(t, root))
	require.Zero(t, outcome.ErrorCount)
	require.Len(t, sink.outcomes, 1)
}

func TestProcessSameBaseNameTwice(t *testing.T) {
	opts, root := testOptions(t)
	w := newTestWorker(t, opts, nil)
	path := writeRaw(t, root)

	first := w.Process(context.Background(), path)
	second := w.Process(context.Background(), path)
	require.Zero(t, first.ErrorCount)
	require.Zero(t, second.ErrorCount)
	require.Equal(t, "raw.fits", filepath.Base(first.RepositoryPath))
	require.Equal(t, second.UniqueName, filepath.Base(second.RepositoryPath))
	require.NotEqual(t, first.TaskID, second.TaskID)
}

func TestNewWorkerRejectsBadQuadrantMap(t *testing.T) {
	opts, _ := testOptions(t)
	opts.QuadrantMap[1] = opts.QuadrantMap[0]
	_, err := NewWorker(opts, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.Error(t, err)
}
