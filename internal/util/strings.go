package util

import (
	"fmt"
	"strconv"
)

// Stringify renders a parameter value the way the Android client does when
// joining k=v pairs: strings pass through, numbers without exponent notation.
func Stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprint(val)
	}
}
