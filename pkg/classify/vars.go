package classify

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// varString formats a variable for use inside a tag. Integral numbers are
// written without a fraction and strings are lower-cased, so 5, 5.0 and "5"
// produce the same tag. Missing, nil and empty values report false.
func varString(vars map[string]any, name string) (string, bool) {
	v, ok := vars[name]
	if !ok || v == nil {
		return "", false
	}

	var s string
	switch val := v.(type) {
	case string:
		s = strings.ToLower(strings.TrimSpace(val))
	case int:
		s = strconv.Itoa(val)
	case int32:
		s = strconv.FormatInt(int64(val), 10)
	case int64:
		s = strconv.FormatInt(val, 10)
	case uint:
		s = strconv.FormatUint(uint64(val), 10)
	case uint32:
		s = strconv.FormatUint(uint64(val), 10)
	case uint64:
		s = strconv.FormatUint(val, 10)
	case float32:
		s = formatFloat(float64(val))
	case float64:
		s = formatFloat(val)
	case json.Number:
		if f, err := val.Float64(); err == nil {
			s = formatFloat(f)
		} else {
			s = val.String()
		}
	case bool:
		s = strconv.FormatBool(val)
	default:
		return "", false
	}

	if s == "" {
		return "", false
	}
	return s, true
}

func formatFloat(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}
