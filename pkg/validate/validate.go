// Package validate checks the shape and range of inbound event payload values.
//
// Inputs are values as produced by a JSON decoder: numbers arrive as float64,
// strings as string and null as nil. None of the functions panic; each returns
// nil or an error whose message is safe to show to the client.
package validate

import (
	"errors"
	"math"
	"strings"
	"sync"
	"unicode"

	"github.com/go-playground/validator/v10"
)

// VibeTypes is the fixed, case-sensitive set of accepted vibe tags.
var VibeTypes = []string{"chill", "intense", "busy"}

var (
	ErrNotNumber    = errors.New("lat and lng must be numbers")
	ErrNotFinite    = errors.New("lat and lng must be finite numbers")
	ErrLatRange     = errors.New("lat must be between -90 and 90")
	ErrLngRange     = errors.New("lng must be between -180 and 180")
	ErrUserID       = errors.New("userId must be a non-empty string")
	ErrRoomID       = errors.New("roomId must be a non-empty string")
	ErrVibeType     = errors.New("vibeType must be one of: " + strings.Join(VibeTypes, ", "))
	vibeTypeOneOf   = "oneof=" + strings.Join(VibeTypes, " ")
	latitudeBounds  = "gte=-90,lte=90"
	longitudeBounds = "gte=-180,lte=180"
)

var (
	rules     *validator.Validate
	rulesOnce sync.Once
)

func engine() *validator.Validate {
	rulesOnce.Do(func() {
		rules = validator.New(validator.WithRequiredStructEnabled())
	})
	return rules
}

// Coordinates succeeds iff both values are finite numbers with lat in [-90, 90]
// and lng in [-180, 180].
func Coordinates(lat, lng any) error {
	la, ok1 := number(lat)
	lo, ok2 := number(lng)
	if !ok1 || !ok2 {
		return ErrNotNumber
	}
	if !finite(la) || !finite(lo) {
		return ErrNotFinite
	}
	if engine().Var(la, latitudeBounds) != nil {
		return ErrLatRange
	}
	if engine().Var(lo, longitudeBounds) != nil {
		return ErrLngRange
	}
	return nil
}

// UserID succeeds for any string with a non-blank trimmed value.
func UserID(id any) error {
	if !nonBlank(id) {
		return ErrUserID
	}
	return nil
}

// RoomID succeeds for any string with a non-blank trimmed value.
func RoomID(id any) error {
	if !nonBlank(id) {
		return ErrRoomID
	}
	return nil
}

// VibeType succeeds iff v is exactly one of VibeTypes.
func VibeType(v any) error {
	s, ok := v.(string)
	if !ok || s == "" {
		return ErrVibeType
	}
	if engine().Var(s, vibeTypeOneOf) != nil {
		return ErrVibeType
	}
	return nil
}

func nonBlank(v any) bool {
	s, ok := v.(string)
	return ok && strings.TrimFunc(s, isBlank) != ""
}

// isBlank reports the runes String.prototype.trim removes, so ids that look
// blank to a browser client look blank here. U+0085 is not one of them.
func isBlank(r rune) bool {
	switch r {
	case '\t', '\n', '\v', '\f', '\r', '\u2028', '\u2029', '\uFEFF':
		return true
	}
	return unicode.Is(unicode.Zs, r)
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// number widens the numeric kinds a caller may hand us. bool, string and
// json.Number are deliberately not coerced.
func number(v any) (float64, bool) {
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
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
