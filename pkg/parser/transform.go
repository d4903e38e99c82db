package parser

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
)

// transformer converts raw field values into their display form. Each field
// has its own memo table, emptied whenever it reaches maxSize.
type transformer struct {
	mu        sync.Mutex
	maxSize   int
	timestamp map[string]string
	gender    map[[2]string]string
	score     map[string]string
	age       map[string]string
}

func newTransformer(maxSize int) *transformer {
	return &transformer{
		maxSize:   maxSize,
		timestamp: make(map[string]string),
		gender:    make(map[[2]string]string),
		score:     make(map[string]string),
		age:       make(map[string]string),
	}
}

func (t *transformer) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.timestamp)
	clear(t.gender)
	clear(t.score)
	clear(t.age)
}

func memo[K comparable](t *transformer, table map[K]string, key K, compute func() string) string {
	t.mu.Lock()
	if v, ok := table[key]; ok {
		t.mu.Unlock()
		return v
	}
	t.mu.Unlock()

	v := compute()

	t.mu.Lock()
	if len(table) >= t.maxSize {
		clear(table)
	}
	table[key] = v
	t.mu.Unlock()
	return v
}

func isNullish(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "null", "none", "nan", "<na>":
		return true
	}
	return false
}

// Timestamp accepts "2024-01-15T10:30:00.123Z" style values and returns
// "2024-01-15 10:30:00". Values without a T are passed through.
func (t *transformer) Timestamp(raw string) string {
	return memo(t, t.timestamp, raw, func() string {
		if isNullish(raw) {
			return NotAvailable
		}
		value := raw
		if strings.Contains(value, "$date") && strings.HasPrefix(strings.TrimSpace(value), "{") {
			var wrapped map[string]interface{}
			if err := jsonAPI.UnmarshalFromString(value, &wrapped); err == nil {
				s, _ := stringify(wrapped["$date"])
				value = s
			}
		}
		if isNullish(value) {
			return NotAvailable
		}
		if !strings.Contains(value, "T") {
			return value
		}
		value = strings.TrimSuffix(value, "Z")
		parts := strings.Split(value, "T")
		if len(parts) != 2 {
			return value
		}
		clock, _, _ := strings.Cut(parts[1], ".")
		return parts[0] + " " + clock
	})
}

var genderLookup = map[string]string{
	"female": "Female",
	"f":      "Female",
	"0":      "Female",
	"жен":    "Female",
	"male":   "Male",
	"m":      "Male",
	"1":      "Male",
	"муж":    "Male",
}

// Gender consults evaSex first and falls back to sex
func (t *transformer) Gender(evaSex, sex string) string {
	return memo(t, t.gender, [2]string{evaSex, sex}, func() string {
		if g, ok := genderLookup[strings.ToLower(strings.TrimSpace(evaSex))]; ok {
			return g
		}
		if g, ok := genderLookup[strings.ToLower(strings.TrimSpace(sex))]; ok {
			return g
		}
		return NotAvailable
	})
}

// Score keeps digits and dots and formats the value as a one-decimal percentage
func (t *transformer) Score(raw string) string {
	return memo(t, t.score, raw, func() string {
		if isNullish(raw) {
			return NotAvailable
		}
		clean := strings.Map(func(r rune) rune {
			if (r >= '0' && r <= '9') || r == '.' {
				return r
			}
			return -1
		}, raw)
		if clean == "" {
			return NotAvailable
		}
		f, err := strconv.ParseFloat(clean, 64)
		if err != nil {
			return NotAvailable
		}
		return fmt.Sprintf("%.1f%%", f)
	})
}

// Age truncates a numeric value to its integer part. NaN, infinities and
// values outside the int32 range yield NotAvailable.
func (t *transformer) Age(raw string) string {
	return memo(t, t.age, raw, func() string {
		if isNullish(raw) {
			return NotAvailable
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return NotAvailable
		}
		n := math.Trunc(f)
		if n < math.MinInt32 || n > math.MaxInt32 {
			return NotAvailable
		}
		return strconv.FormatInt(int64(n), 10)
	})
}

// text returns a trimmed string form of v, or def when it is empty
func text(v interface{}, def string) string {
	s, ok := stringify(v)
	if !ok {
		return def
	}
	if s = strings.TrimSpace(s); s == "" {
		return def
	}
	return s
}

// stringify renders a decoded JSON value as text. Objects and arrays are
// rendered as compact JSON. Null yields false.
func stringify(v interface{}) (string, bool) {
	switch val := v.(type) {
	case nil:
		return "", false
	case string:
		return val, true
	case json.Number:
		return val.String(), true
	case bool:
		return strconv.FormatBool(val), true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case fmt.Stringer:
		return val.String(), true
	default:
		s, err := jsonAPI.MarshalToString(val)
		if err != nil {
			return "", false
		}
		return s, true
	}
}
