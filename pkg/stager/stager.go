// Package stager places a processed acquisition into the date-keyed
// processed store and the flat repository, and points the per-channel
// pointer file at it.
package stager

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"fitsproc/internal/models"
	"fitsproc/pkg/fitsfile"
)

const (
	timestampLayout = "20060102T150405.000000"
	pointerSuffix   = ".new"
)

// Options locate the two destinations.
type Options struct {
	ProcessedRoot  string
	RepositoryRoot string
	// Now is the clock used for unique names (time.Now when nil)
	Now func() time.Time
}

// Stager writes processed images to disk.
type Stager struct {
	opts   Options
	logger *slog.Logger
}

// Result reports where the image landed and how many steps failed.
type Result struct {
	UniqueName     string
	ProcessedPath  string
	RepositoryPath string
	Errors         int
	Log            []string
}

func (r *Result) fail(step string, err error) {
	r.Errors++
	r.Log = append(r.Log, fmt.Sprintf("%s: failed: %v", step, err))
}

func (r *Result) ok(step, detail string) {
	r.Log = append(r.Log, fmt.Sprintf("%s: %s", step, detail))
}

// New creates a Stager.
func New(opts Options, logger *slog.Logger) *Stager {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Stager{opts: opts, logger: logger.With("component", "stager")}
}

// WithLogger returns a copy of s that logs through logger.
func (s *Stager) WithLogger(logger *slog.Logger) *Stager {
	c := *s
	c.logger = logger.With("component", "stager")
	return &c
}

// UniqueName builds "<instrument>.<UTC timestamp>.fits" for img.
func UniqueName(img *models.RawImage, now time.Time) string {
	inst, _ := img.Primary.String("INSTRUME")
	inst = strings.ToLower(strings.Join(strings.Fields(inst), ""))
	if inst == "" {
		inst = "unknown"
	}
	return fmt.Sprintf("%s.%s.fits", inst, now.UTC().Format(timestampLayout))
}

// observingDate is the YYYYMMDD directory for img, from DATE-OBS when it
// parses and from now otherwise.
func observingDate(img *models.RawImage, now time.Time) string {
	if d, ok := img.Primary.String("DATE-OBS"); ok && len(d) >= 10 {
		if t, err := time.Parse("2006-01-02", d[:10]); err == nil {
			return t.Format("20060102")
		}
	}
	return now.UTC().Format("20060102")
}

// Stage writes img under baseName to the processed store, copies the result
// to the repository and updates the channel pointer. Every step is attempted
// even when an earlier one failed.
func (s *Stager) Stage(img *models.RawImage, baseName string) Result {
	now := s.opts.Now()
	baseName = filepath.Base(baseName)
	res := Result{UniqueName: UniqueName(img, now)}

	img.Primary.Set("UNIQNAME", res.UniqueName, "collision-safe file name")
	img.Primary.Set("ORIGNAME", baseName, "file name at acquisition")

	processedDir := filepath.Join(s.opts.ProcessedRoot, observingDate(img, now))
	if err := s.write(img, processedDir, baseName, res.UniqueName, &res); err != nil {
		res.fail("write", err)
		s.logger.Error("failed to write processed file", "dir", processedDir, "error", err)
	}

	if err := s.copy(res.ProcessedPath, baseName, res.UniqueName, &res); err != nil {
		res.fail("copy", err)
		s.logger.Error("failed to copy to repository", "dir", s.opts.RepositoryRoot, "error", err)
	}

	target := res.UniqueName
	if res.RepositoryPath != "" {
		target = filepath.Base(res.RepositoryPath)
	}
	channel, _ := img.Primary.String("CHANNEL")
	if err := s.point(channel, target); err != nil {
		res.fail("pointer", err)
		s.logger.Error("failed to update pointer file", "channel", channel, "error", err)
	} else {
		res.ok("pointer", target)
	}

	s.logger.Info("staging finished",
		"unique_name", res.UniqueName,
		"processed", res.ProcessedPath,
		"repository", res.RepositoryPath,
		"errors", res.Errors)
	return res
}

func (s *Stager) write(img *models.RawImage, dir, baseName, unique string, res *Result) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	f, path, err := claim(dir, baseName, unique)
	if err != nil {
		return err
	}
	if err := fitsfile.Encode(f, img); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	res.ProcessedPath = path
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	res.ok("write", path)
	return nil
}

func (s *Stager) copy(src, baseName, unique string, res *Result) error {
	if src == "" {
		return errors.New("no processed file to copy")
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	if err := os.MkdirAll(s.opts.RepositoryRoot, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", s.opts.RepositoryRoot, err)
	}
	out, path, err := claim(s.opts.RepositoryRoot, baseName, unique)
	if err != nil {
		return err
	}
	res.RepositoryPath = path
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(path)
		return fmt.Errorf("failed to copy to %s: %w", path, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	res.ok("copy", path)
	return nil
}

// point replaces <repositoryRoot>/<CHANNEL>.new with a single line naming
// target. The file is written beside the pointer and renamed over it.
func (s *Stager) point(channel, target string) error {
	channel = strings.ToUpper(strings.TrimSpace(channel))
	if channel == "" {
		channel = "UNKNOWN"
	}
	if err := os.MkdirAll(s.opts.RepositoryRoot, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", s.opts.RepositoryRoot, err)
	}
	tmp, err := os.CreateTemp(s.opts.RepositoryRoot, "."+channel+pointerSuffix+"-*")
	if err != nil {
		return fmt.Errorf("failed to create pointer: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(target + "\n"); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write pointer: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close pointer: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return fmt.Errorf("failed to set pointer mode: %w", err)
	}
	return os.Rename(tmp.Name(), PointerPath(s.opts.RepositoryRoot, channel))
}

// PointerPath is the pointer file for channel inside repositoryRoot.
func PointerPath(repositoryRoot, channel string) string {
	return filepath.Join(repositoryRoot, strings.ToUpper(channel)+pointerSuffix)
}

// claim exclusively creates name in dir, falling back to unique when name
// is taken.
func claim(dir, name, unique string) (*os.File, string, error) {
	for _, n := range []string{name, unique} {
		path := filepath.Join(dir, n)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err == nil {
			return f, path, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, "", fmt.Errorf("failed to create %s: %w", path, err)
		}
	}
	return nil, "", fmt.Errorf("both %s and %s already exist in %s", name, unique, dir)
}
