package polling

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

type valueClass int

const (
	classInfer valueClass = iota
	classBool
	classString
	classInt
	classFloat
)

func classify(dataType string) valueClass {
	switch strings.ToLower(strings.TrimSpace(dataType)) {
	case "":
		return classInfer
	case "bool", "boolean", "bit":
		return classBool
	case "string", "str", "text", "localizedtext", "char", "wstring":
		return classString
	case "sint", "int", "dint", "lint", "usint", "uint", "udint", "ulint",
		"int8", "int16", "int32", "int64", "uint8", "uint16", "uint32", "uint64",
		"byte", "word", "dword", "lword", "sbyte", "integer":
		return classInt
	default:
		return classFloat
	}
}

// NormalizeValue coerces a raw device value to the catalog data type.
// Non-finite numbers become the zero value of the target class.
func NormalizeValue(v any, dataType string) any {
	class := classify(dataType)
	if class == classInfer {
		switch v.(type) {
		case nil:
			return nil
		case bool:
			class = classBool
		case string, []byte:
			class = classString
		default:
			class = classFloat
		}
	}

	switch class {
	case classBool:
		return toBool(v)
	case classString:
		return toString(v)
	case classInt:
		return toInt(v)
	default:
		f, ok := toFloat(v)
		if !ok {
			return nil
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return float64(0)
		}
		return f
	}
}

// toInt returns int64, or uint64 for unsigned values above math.MaxInt64.
// Integer inputs convert exactly; floats are truncated and clamped.
func toInt(v any) any {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case int64:
		return x
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint:
		return toInt(uint64(x))
	case uint64:
		if x > math.MaxInt64 {
			return x
		}
		return int64(x)
	}
	f, ok := toFloat(v)
	switch {
	case !ok:
		return nil
	case math.IsNaN(f) || math.IsInf(f, 0):
		return int64(0)
	case f >= math.MaxInt64:
		return int64(math.MaxInt64)
	case f <= math.MinInt64:
		return int64(math.MinInt64)
	}
	return int64(f)
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float32:
		return float64(x), true
	case float64:
		return x, true
	case int:
		return float64(x), true
	case int8:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint8:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toBool(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(x))
		return err == nil && b
	case nil:
		return false
	}
	f, ok := toFloat(v)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return false
	}
	return f != 0
}

func toString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case float32:
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return ""
		}
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return ""
		}
	}
	return fmt.Sprint(v)
}
