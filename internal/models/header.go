package models

import (
	"fmt"
	"strconv"
	"strings"
)

// Card is a single header entry: keyword, value and optional unit/comment.
type Card struct {
	Key     string
	Value   interface{}
	Unit    string
	Comment string
}

// Header is an ordered keyword/value mapping. Keywords are case-insensitive
// and stored upper-case. Commentary keywords (COMMENT, HISTORY, blank) may
// repeat and are never indexed.
type Header struct {
	cards []Card
	index map[string]int
}

// NewHeader creates an empty header
func NewHeader() *Header {
	return &Header{index: make(map[string]int)}
}

func normalizeKey(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}

func isCommentary(key string) bool {
	return key == "" || key == "COMMENT" || key == "HISTORY"
}

// Len returns the number of cards, commentary included.
func (h *Header) Len() int {
	return len(h.cards)
}

// Cards returns a copy of the cards in order.
func (h *Header) Cards() []Card {
	out := make([]Card, len(h.cards))
	copy(out, h.cards)
	return out
}

// Has reports whether key is present.
func (h *Header) Has(key string) bool {
	_, ok := h.index[normalizeKey(key)]
	return ok
}

// Get returns the card stored under key.
func (h *Header) Get(key string) (Card, bool) {
	i, ok := h.index[normalizeKey(key)]
	if !ok {
		return Card{}, false
	}
	return h.cards[i], true
}

// Set replaces the value and comment of key, keeping its position and unit,
// or appends a new card when key is absent.
func (h *Header) Set(key string, value interface{}, comment string) {
	k := normalizeKey(key)
	if i, ok := h.index[k]; ok {
		h.cards[i].Value = value
		if comment != "" {
			h.cards[i].Comment = comment
		}
		return
	}
	h.SetCard(Card{Key: k, Value: value, Comment: comment})
}

// SetCard stores c, replacing any card with the same key.
func (h *Header) SetCard(c Card) {
	c.Key = normalizeKey(c.Key)
	if isCommentary(c.Key) {
		h.cards = append(h.cards, c)
		return
	}
	if i, ok := h.index[c.Key]; ok {
		h.cards[i] = c
		return
	}
	h.index[c.Key] = len(h.cards)
	h.cards = append(h.cards, c)
}

// AppendCommentary adds a COMMENT or HISTORY line.
func (h *Header) AppendCommentary(key, text string) {
	h.cards = append(h.cards, Card{Key: normalizeKey(key), Value: text})
}

// Delete removes key if present.
func (h *Header) Delete(key string) {
	k := normalizeKey(key)
	i, ok := h.index[k]
	if !ok {
		return
	}
	h.cards = append(h.cards[:i], h.cards[i+1:]...)
	delete(h.index, k)
	for j := i; j < len(h.cards); j++ {
		if !isCommentary(h.cards[j].Key) {
			h.index[h.cards[j].Key] = j
		}
	}
}

// Clone returns a deep copy of the header.
func (h *Header) Clone() *Header {
	out := &Header{
		cards: h.Cards(),
		index: make(map[string]int, len(h.index)),
	}
	for k, v := range h.index {
		out.index[k] = v
	}
	return out
}

// String returns the value of key rendered as a trimmed string.
func (h *Header) String(key string) (string, bool) {
	c, ok := h.Get(key)
	if !ok || c.Value == nil {
		return "", false
	}
	switch v := c.Value.(type) {
	case string:
		return strings.TrimSpace(v), true
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64), true
	default:
		return fmt.Sprint(v), true
	}
}

// Float returns the numeric value of key. Strings holding numbers are parsed.
func (h *Header) Float(key string) (float64, bool) {
	c, ok := h.Get(key)
	if !ok {
		return 0, false
	}
	return ToFloat(c.Value)
}

// Int returns the integer value of key.
func (h *Header) Int(key string) (int, bool) {
	f, ok := h.Float(key)
	if !ok {
		return 0, false
	}
	return int(f), true
}

// Bool interprets key as a logical value. FITS logicals, numbers and the
// usual textual spellings are accepted.
func (h *Header) Bool(key string) (bool, bool) {
	c, ok := h.Get(key)
	if !ok {
		return false, false
	}
	switch v := c.Value.(type) {
	case bool:
		return v, true
	case string:
		switch strings.ToUpper(strings.TrimSpace(v)) {
		case "T", "TRUE", "Y", "YES", "1", "ON":
			return true, true
		case "F", "FALSE", "N", "NO", "0", "OFF":
			return false, true
		}
		return false, false
	}
	if f, ok := ToFloat(c.Value); ok {
		return f != 0, true
	}
	return false, false
}

// ToFloat converts the numeric kinds a FITS decoder may produce to float64.
func ToFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}
