// Package fitsfile converts between multi-extension FITS files and the
// in-memory RawImage model. The on-disk encoding is delegated to
// github.com/astrogo/fitsio.
package fitsfile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/astrogo/fitsio"
	"gonum.org/v1/gonum/mat"

	"fitsproc/internal/models"
)

// StatusExtName is the EXTNAME of the tabular status snapshot
const StatusExtName = "STATUS"

// ErrNotImage is returned for image extensions that are not two-dimensional
var ErrNotImage = errors.New("extension is not a 2D image")

// structural keywords are regenerated by the encoder and never enter the model
var structural = map[string]bool{
	"SIMPLE": true, "XTENSION": true, "BITPIX": true, "NAXIS": true,
	"EXTEND": true, "PCOUNT": true, "GCOUNT": true, "END": true,
	"TFIELDS": true,
}

func isStructural(key string) bool {
	if structural[key] {
		return true
	}
	if strings.HasPrefix(key, "NAXIS") {
		return true
	}
	for _, p := range []string{"TTYPE", "TFORM", "TUNIT", "TDIM", "TNULL", "TSCAL", "TZERO", "TDISP"} {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

// Load reads the FITS file at path.
func Load(path string) (*models.RawImage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	img, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	img.Path = path
	return img, nil
}

// Decode reads a multi-extension FITS stream. The primary HDU supplies the
// primary header; image extensions become Raw sections (or the Merged one
// when EXTNAME is MOSAIC), and a STATUS binary table becomes the status map.
func Decode(r io.Reader) (img *models.RawImage, err error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read FITS stream: %w", err)
	}
	if err := checkLayout(data); err != nil {
		return nil, err
	}

	defer func() {
		if p := recover(); p != nil {
			img, err = nil, fmt.Errorf("%w: decoder panic: %v", ErrCorrupt, p)
		}
	}()

	ff, err := fitsio.Open(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to open FITS stream: %w", err)
	}
	defer ff.Close()

	hdus := ff.HDUs()
	if len(hdus) == 0 {
		return nil, fmt.Errorf("no HDUs found")
	}

	img = models.NewRawImage("")
	img.Primary = headerFrom(hdus[0].Header())

	for i, hdu := range hdus[1:] {
		hdr := headerFrom(hdu.Header())
		switch hdu.Type() {
		case fitsio.IMAGE_HDU:
			im, ok := hdu.(fitsio.Image)
			if !ok {
				return nil, fmt.Errorf("HDU %d: unexpected image type %T", i+1, hdu)
			}
			sec, err := readSection(im, hdr)
			if err != nil {
				return nil, fmt.Errorf("HDU %d: %w", i+1, err)
			}
			img.Sections = append(img.Sections, sec)
		case fitsio.BINARY_TBL, fitsio.ASCII_TBL:
			name, _ := hdr.String(models.KeyExtName)
			if !strings.EqualFold(name, StatusExtName) {
				continue
			}
			tbl, ok := hdu.(*fitsio.Table)
			if !ok {
				return nil, fmt.Errorf("HDU %d: unexpected table type %T", i+1, hdu)
			}
			status, err := readStatus(tbl)
			if err != nil {
				return nil, fmt.Errorf("HDU %d: %w", i+1, err)
			}
			img.Status = status
		}
	}

	return img, nil
}

func headerFrom(h *fitsio.Header) *models.Header {
	out := models.NewHeader()
	for _, key := range h.Keys() {
		k := strings.ToUpper(strings.TrimSpace(key))
		if k == "" || k == "COMMENT" || k == "HISTORY" || isStructural(k) {
			continue
		}
		card := h.Get(key)
		if card == nil {
			continue
		}
		unit, comment := splitUnit(card.Comment)
		out.SetCard(models.Card{Key: k, Value: card.Value, Unit: unit, Comment: comment})
	}
	return out
}

// splitUnit separates the "[unit] comment" convention.
func splitUnit(comment string) (unit, rest string) {
	c := strings.TrimSpace(comment)
	if strings.HasPrefix(c, "[") {
		if end := strings.Index(c, "]"); end > 0 {
			return strings.TrimSpace(c[1:end]), strings.TrimSpace(c[end+1:])
		}
	}
	return "", c
}

func joinUnit(unit, comment string) string {
	if unit == "" {
		return comment
	}
	if comment == "" {
		return "[" + unit + "]"
	}
	return "[" + unit + "] " + comment
}

func scaling(h *models.Header) (bzero, bscale float64) {
	bscale = 1
	if v, ok := h.Float("BZERO"); ok {
		bzero = v
	}
	if v, ok := h.Float("BSCALE"); ok && v != 0 {
		bscale = v
	}
	return bzero, bscale
}

func readSection(im fitsio.Image, hdr *models.Header) (*models.ImageSection, error) {
	fh := im.Header()
	axes := fh.Axes()
	if len(axes) != 2 || axes[0] <= 0 || axes[1] <= 0 {
		return nil, ErrNotImage
	}
	nx, ny := axes[0], axes[1]
	n := nx * ny
	data := make([]float64, n)

	var err error
	switch fh.Bitpix() {
	case 8:
		raw := make([]uint8, n)
		if err = im.Read(&raw); err == nil {
			for i, v := range raw {
				data[i] = float64(v)
			}
		}
	case 16:
		raw := make([]int16, n)
		if err = im.Read(&raw); err == nil {
			for i, v := range raw {
				data[i] = float64(v)
			}
		}
	case 32:
		raw := make([]int32, n)
		if err = im.Read(&raw); err == nil {
			for i, v := range raw {
				data[i] = float64(v)
			}
		}
	case 64:
		raw := make([]int64, n)
		if err = im.Read(&raw); err == nil {
			for i, v := range raw {
				data[i] = float64(v)
			}
		}
	case -32:
		raw := make([]float32, n)
		if err = im.Read(&raw); err == nil {
			for i, v := range raw {
				data[i] = float64(v)
			}
		}
	case -64:
		err = im.Read(&data)
	default:
		return nil, fmt.Errorf("unsupported BITPIX %d", fh.Bitpix())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read pixels: %w", err)
	}

	bzero, bscale := scaling(hdr)
	if bzero != 0 || bscale != 1 {
		for i := range data {
			data[i] = bzero + bscale*data[i]
		}
	}

	tag := models.Raw
	if name, ok := hdr.String(models.KeyExtName); ok && strings.EqualFold(name, "MOSAIC") {
		tag = models.Merged
	}

	return &models.ImageSection{
		Header: hdr,
		Pixels: mat.NewDense(ny, nx, data),
		Bitpix: fh.Bitpix(),
		Tag:    tag,
	}, nil
}

func readStatus(tbl *fitsio.Table) (map[string]string, error) {
	if tbl.NumCols() != 2 {
		return nil, fmt.Errorf("status table has %d columns, want 2", tbl.NumCols())
	}
	rows, err := tbl.Read(0, tbl.NumRows())
	if err != nil {
		return nil, fmt.Errorf("failed to read status table: %w", err)
	}
	defer rows.Close()

	status := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan status row: %w", err)
		}
		status[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("status table iteration failed: %w", err)
	}
	return status, nil
}

// Save writes img to path, truncating any existing file.
func Save(path string, img *models.RawImage) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Encode writes img as a multi-extension FITS stream: an empty primary HDU,
// one image extension per section and, when present, the status table.
func Encode(w io.Writer, img *models.RawImage) error {
	ff, err := fitsio.Create(w)
	if err != nil {
		return fmt.Errorf("failed to create FITS stream: %w", err)
	}

	phdr := fitsio.NewHeader(toCards(img.Primary), fitsio.IMAGE_HDU, 8, []int{})
	phdu, err := fitsio.NewPrimaryHDU(phdr)
	if err != nil {
		ff.Close()
		return fmt.Errorf("failed to build primary HDU: %w", err)
	}
	if err := ff.Write(phdu); err != nil {
		ff.Close()
		return fmt.Errorf("failed to write primary HDU: %w", err)
	}

	for i, sec := range img.Sections {
		if err := writeSection(ff, sec); err != nil {
			ff.Close()
			return fmt.Errorf("section %d: %w", i+1, err)
		}
	}

	if img.Status != nil {
		if err := writeStatus(ff, img.Status); err != nil {
			ff.Close()
			return err
		}
	}

	if err := ff.Close(); err != nil {
		return fmt.Errorf("failed to finalize FITS stream: %w", err)
	}
	return nil
}

func toCards(h *models.Header) []fitsio.Card {
	if h == nil {
		return nil
	}
	var cards []fitsio.Card
	for _, c := range h.Cards() {
		if isStructural(c.Key) {
			continue
		}
		cards = append(cards, fitsio.Card{
			Name:    c.Key,
			Value:   c.Value,
			Comment: joinUnit(c.Unit, c.Comment),
		})
	}
	return cards
}

func writeSection(ff *fitsio.File, sec *models.ImageSection) error {
	if sec.Pixels == nil {
		return fmt.Errorf("section has no pixels")
	}
	rows, cols := sec.Pixels.Dims()
	bitpix := sec.Bitpix
	if bitpix == 0 {
		bitpix = -32
	}
	bzero, bscale := scaling(sec.Header)

	n := rows * cols
	scaled := make([]float64, 0, n)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			scaled = append(scaled, (sec.Pixels.At(r, c)-bzero)/bscale)
		}
	}

	im := fitsio.NewImage(bitpix, []int{cols, rows})
	defer im.Close()
	if err := im.Header().Append(toCards(sec.Header)...); err != nil {
		return fmt.Errorf("failed to build header: %w", err)
	}

	var err error
	switch bitpix {
	case 8:
		raw := make([]uint8, n)
		for i, v := range scaled {
			raw[i] = uint8(clamp(v, 0, math.MaxUint8))
		}
		err = im.Write(raw)
	case 16:
		raw := make([]int16, n)
		for i, v := range scaled {
			raw[i] = int16(clamp(v, math.MinInt16, math.MaxInt16))
		}
		err = im.Write(raw)
	case 32:
		raw := make([]int32, n)
		for i, v := range scaled {
			raw[i] = int32(clamp(v, math.MinInt32, math.MaxInt32))
		}
		err = im.Write(raw)
	case 64:
		raw := make([]int64, n)
		for i, v := range scaled {
			raw[i] = int64(math.Round(v))
		}
		err = im.Write(raw)
	case -32:
		raw := make([]float32, n)
		for i, v := range scaled {
			raw[i] = float32(v)
		}
		err = im.Write(raw)
	case -64:
		err = im.Write(scaled)
	default:
		return fmt.Errorf("unsupported BITPIX %d", bitpix)
	}
	if err != nil {
		return fmt.Errorf("failed to encode pixels: %w", err)
	}
	if err := ff.Write(im); err != nil {
		return fmt.Errorf("failed to write image HDU: %w", err)
	}
	return nil
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, math.Round(v)))
}

func writeStatus(ff *fitsio.File, status map[string]string) error {
	keys := make([]string, 0, len(status))
	kw, vw := 1, 1
	for k, v := range status {
		keys = append(keys, k)
		if len(k) > kw {
			kw = len(k)
		}
		if len(v) > vw {
			vw = len(v)
		}
	}
	sort.Strings(keys)

	cols := []fitsio.Column{
		{Name: "KEY", Format: fmt.Sprintf("%dA", kw)},
		{Name: "VALUE", Format: fmt.Sprintf("%dA", vw)},
	}
	tbl, err := fitsio.NewTable(StatusExtName, cols, fitsio.BINARY_TBL)
	if err != nil {
		return fmt.Errorf("failed to create status table: %w", err)
	}
	defer tbl.Close()

	for _, k := range keys {
		key, value := k, status[k]
		if err := tbl.Write(&key, &value); err != nil {
			return fmt.Errorf("failed to write status row %q: %w", k, err)
		}
	}
	if err := ff.Write(tbl); err != nil {
		return fmt.Errorf("failed to write status table: %w", err)
	}
	return nil
}
