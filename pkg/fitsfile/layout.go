package fitsfile

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	blockSize = 2880
	cardSize  = 80
	maxAxes   = 999
)

// ErrCorrupt is returned when a file's declared structure does not match its
// contents, or when the decoder fails on it.
var ErrCorrupt = errors.New("corrupt FITS file")

// checkLayout walks the header blocks of data and verifies that every HDU's
// declared data size is sane and fits in the bytes that follow it. The
// decoder allocates from these sizes before reading, so they are checked
// first.
func checkLayout(data []byte) error {
	size := int64(len(data))
	if size < blockSize {
		return fmt.Errorf("%w: %d bytes is shorter than one header block", ErrCorrupt, size)
	}

	var off int64
	for hdu := 0; off+blockSize <= size; hdu++ {
		dataStart, dataLen, err := scanHeader(data, off)
		if err != nil {
			return fmt.Errorf("%w: HDU %d: %v", ErrCorrupt, hdu, err)
		}
		if dataLen > size-dataStart {
			return fmt.Errorf("%w: HDU %d declares %d data bytes, only %d remain",
				ErrCorrupt, hdu, dataLen, size-dataStart)
		}
		off = dataStart + padded(dataLen)
	}
	return nil
}

// scanHeader reads the header starting at off and returns where its data
// begins and how many data bytes it declares.
func scanHeader(data []byte, off int64) (dataStart, dataLen int64, err error) {
	vals := make(map[string]int64)
	pos := off
	for ; ; pos += cardSize {
		if pos+cardSize > int64(len(data)) {
			return 0, 0, errors.New("header has no END card")
		}
		card := string(data[pos : pos+cardSize])
		key := strings.TrimSpace(card[:8])
		if key == "END" {
			break
		}
		if card[8:10] != "= " || !sizeKeyword(key) {
			continue
		}
		v := card[10:]
		if i := strings.IndexByte(v, '/'); i >= 0 {
			v = v[:i]
		}
		n, perr := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if perr != nil {
			return 0, 0, fmt.Errorf("%s value %q is not an integer", key, strings.TrimSpace(v))
		}
		vals[key] = n
	}
	dataStart = off + padded(pos+cardSize-off)

	bitpix, ok := vals["BITPIX"]
	if !ok {
		return 0, 0, errors.New("missing BITPIX")
	}
	switch bitpix {
	case 8, 16, 32, 64, -32, -64:
	default:
		return 0, 0, fmt.Errorf("invalid BITPIX %d", bitpix)
	}

	naxis := vals["NAXIS"]
	if naxis < 0 || naxis > maxAxes {
		return 0, 0, fmt.Errorf("invalid NAXIS %d", naxis)
	}
	if naxis == 0 {
		return dataStart, 0, nil
	}

	elems := int64(1)
	for i := int64(1); i <= naxis; i++ {
		key := "NAXIS" + strconv.FormatInt(i, 10)
		n, ok := vals[key]
		if !ok {
			return 0, 0, fmt.Errorf("missing %s", key)
		}
		if n < 0 {
			return 0, 0, fmt.Errorf("negative %s %d", key, n)
		}
		if elems, ok = mul(elems, n); !ok {
			return 0, 0, errors.New("declared data size overflows")
		}
	}

	pcount, gcount := vals["PCOUNT"], int64(1)
	if g, ok := vals["GCOUNT"]; ok {
		gcount = g
	}
	if pcount < 0 || gcount < 0 {
		return 0, 0, fmt.Errorf("invalid PCOUNT %d or GCOUNT %d", pcount, gcount)
	}
	if elems > math.MaxInt64-pcount {
		return 0, 0, errors.New("declared data size overflows")
	}
	total, ok := mul(elems+pcount, gcount)
	if ok {
		total, ok = mul(total, abs(bitpix)/8)
	}
	if !ok {
		return 0, 0, errors.New("declared data size overflows")
	}
	return dataStart, total, nil
}

func sizeKeyword(key string) bool {
	switch key {
	case "BITPIX", "PCOUNT", "GCOUNT":
		return true
	}
	return strings.HasPrefix(key, "NAXIS")
}

func padded(n int64) int64 {
	return (n + blockSize - 1) / blockSize * blockSize
}

func mul(a, b int64) (int64, bool) {
	if a != 0 && b > math.MaxInt64/a {
		return 0, false
	}
	return a * b, true
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
