// Package s7 polls Siemens S7 PLCs over ISO-on-TCP.
package s7

import (
	"encoding/binary"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/dataforeman/connectivity/internal/domain"
)

// Memory areas as used on the wire.
const (
	areaInputs  = 0x81
	areaOutputs = 0x82
	areaMarkers = 0x83
	areaDB      = 0x84

	wordLenByte = 0x02
)

// Address is a parsed S7 operand such as DB10.DBD4, MW20 or I0.3.
type Address struct {
	Area     int
	DBNumber int
	Start    int
	Bit      int
	// Width is the operand width letter: X, B, W or D.
	Width    byte
	DataType string
}

var (
	dbPattern   = regexp.MustCompile(`^DB(\d+)\.DB([XBWD])(\d+)(?:\.([0-7]))?$`)
	areaPattern = regexp.MustCompile(`^([MIEQA])([BWD]?)(\d+)(?:\.([0-7]))?$`)
)

// ParseAddress parses an operand; dataType overrides the width-implied type.
func ParseAddress(raw, dataType string) (Address, error) {
	s := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(raw), " ", ""))
	var (
		a     Address
		width string
		start string
		bit   string
	)
	if m := dbPattern.FindStringSubmatch(s); m != nil {
		a.Area = areaDB
		a.DBNumber, _ = strconv.Atoi(m[1])
		width, start, bit = m[2], m[3], m[4]
	} else if m := areaPattern.FindStringSubmatch(s); m != nil {
		switch m[1] {
		case "M":
			a.Area = areaMarkers
		case "I", "E":
			a.Area = areaInputs
		default:
			a.Area = areaOutputs
		}
		width, start, bit = m[2], m[3], m[4]
		if width == "" {
			width = "X"
		}
	} else {
		return Address{}, fmt.Errorf("s7 address %q: unrecognized operand", raw)
	}

	a.Width = width[0]
	a.Start, _ = strconv.Atoi(start)
	if a.Width == 'X' {
		if bit == "" {
			return Address{}, fmt.Errorf("s7 address %q: bit operand needs .0-.7", raw)
		}
		a.Bit, _ = strconv.Atoi(bit)
	} else if bit != "" {
		return Address{}, fmt.Errorf("s7 address %q: bit offset on %c operand", raw, a.Width)
	}

	a.DataType = strings.ToUpper(strings.TrimSpace(dataType))
	if a.DataType == "" {
		a.DataType = defaultType(a.Width)
	}
	if _, ok := typeSizes[a.DataType]; !ok {
		return Address{}, fmt.Errorf("s7 address %q: data type %q: %w", raw, dataType, domain.ErrUnsupported)
	}
	return a, nil
}

func defaultType(width byte) string {
	switch width {
	case 'X':
		return "BOOL"
	case 'B':
		return "BYTE"
	case 'W':
		return "INT"
	default:
		return "DINT"
	}
}

var typeSizes = map[string]int{
	"BOOL":   1,
	"BYTE":   1,
	"USINT":  1,
	"SINT":   1,
	"CHAR":   1,
	"INT":    2,
	"WORD":   2,
	"UINT":   2,
	"DINT":   4,
	"DWORD":  4,
	"UDINT":  4,
	"REAL":   4,
	"LREAL":  8,
	"STRING": 256,
}

// Size is the number of bytes read for the operand.
func (a Address) Size() int { return typeSizes[a.DataType] }

// Decode converts the big-endian bytes read for a into a Go value.
func (a Address) Decode(b []byte) (any, error) {
	if len(b) < a.Size() && a.DataType != "STRING" {
		return nil, fmt.Errorf("s7 decode %s: got %d bytes", a.DataType, len(b))
	}
	switch a.DataType {
	case "BOOL":
		return b[0]>>uint(a.Bit)&1 == 1, nil
	case "BYTE", "USINT":
		return b[0], nil
	case "SINT":
		return int8(b[0]), nil
	case "CHAR":
		return string(b[:1]), nil
	case "INT":
		return int16(binary.BigEndian.Uint16(b)), nil
	case "WORD", "UINT":
		return binary.BigEndian.Uint16(b), nil
	case "DINT":
		return int32(binary.BigEndian.Uint32(b)), nil
	case "DWORD", "UDINT":
		return binary.BigEndian.Uint32(b), nil
	case "REAL":
		return math.Float32frombits(binary.BigEndian.Uint32(b)), nil
	case "LREAL":
		return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
	case "STRING":
		if len(b) < 2 {
			return nil, fmt.Errorf("s7 decode STRING: got %d bytes", len(b))
		}
		n := int(b[1])
		if n > len(b)-2 {
			n = len(b) - 2
		}
		return string(b[2 : 2+n]), nil
	}
	return nil, fmt.Errorf("s7 decode %s: %w", a.DataType, domain.ErrUnsupported)
}
