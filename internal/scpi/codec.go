package scpi

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	ArrayFormatASCII  = "ascii"
	ArrayFormatBinary = "binary"
)

// Format substitutes {token} placeholders in template with args.
func Format(template string, args map[string]any) (string, error) {
	var b strings.Builder
	rest := template
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			b.WriteString(rest)
			break
		}
		end := strings.IndexByte(rest[open:], '}')
		if end < 0 {
			return "", fmt.Errorf("unterminated placeholder in %q", template)
		}
		token := rest[open+1 : open+end]
		value, ok := args[token]
		if !ok {
			return "", fmt.Errorf("missing value for token %q in %q", token, template)
		}
		b.WriteString(rest[:open])
		b.WriteString(FormatValue(value))
		rest = rest[open+end+1:]
	}
	return b.String(), nil
}

// FormatValue renders a value the way SCPI parameters are written.
func FormatValue(v any) string {
	switch x := v.(type) {
	case bool:
		if x {
			return "1"
		}
		return "0"
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32)
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}

// ParseValue converts a scalar response according to valueType.
func ParseValue(raw, valueType string) (any, error) {
	s := strings.TrimSpace(raw)
	switch valueType {
	case "float":
		return ParseFloat(s)
	case "int":
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid int response %q: %w", s, err)
		}
		return v, nil
	case "bool":
		switch strings.ToUpper(s) {
		case "1", "ON", "TRUE":
			return true, nil
		case "0", "OFF", "FALSE":
			return false, nil
		}
		return nil, fmt.Errorf("invalid bool response %q", s)
	case "string":
		return s, nil
	case "", "auto":
		if f, err := ParseFloat(s); err == nil {
			return f, nil
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown value type %q", valueType)
	}
}

func ParseFloat(raw string) (float64, error) {
	s := strings.TrimSpace(raw)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid numeric response %q: %w", s, err)
	}
	return v, nil
}

// ParseASCIIArray parses comma separated numbers.
func ParseASCIIArray(raw string) ([]float64, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return []float64{}, nil
	}
	values := make([]float64, 0, strings.Count(s, ",")+1)
	elem, remain, found := strings.Cut(s, ",")
	for {
		elem = strings.TrimSpace(elem)
		if elem != "" {
			v, err := strconv.ParseFloat(elem, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid array element %d %q: %w", len(values), elem, err)
			}
			values = append(values, v)
		}
		if !found {
			break
		}
		elem, remain, found = strings.Cut(remain, ",")
	}
	return values, nil
}

// ParseBlock extracts the payload of an IEEE 488.2 definite length block
// (#<n><length><payload>). A #0 header means the payload runs to the end.
func ParseBlock(raw []byte) ([]byte, error) {
	if len(raw) < 2 || raw[0] != '#' {
		return nil, fmt.Errorf("not a block: missing # header")
	}
	digits := int(raw[1] - '0')
	if digits == 0 {
		return raw[2:], nil
	}
	if digits < 0 || digits > 9 || len(raw) < 2+digits {
		return nil, fmt.Errorf("invalid block header %q", raw[:2])
	}
	length, err := blockLength(raw[2 : 2+digits])
	if err != nil {
		return nil, err
	}
	start := 2 + digits
	if len(raw) < start+length {
		return nil, fmt.Errorf("block truncated: want %d bytes, have %d", length, len(raw)-start)
	}
	return raw[start : start+length], nil
}

// MaxBlockLength bounds the payload of a definite length block.
const MaxBlockLength = 64 << 20

// blockLength parses the length field of a block header.
func blockLength(field []byte) (int, error) {
	length, err := strconv.Atoi(string(field))
	if err != nil {
		return 0, fmt.Errorf("invalid block length %q: %w", field, err)
	}
	if length < 0 || length > MaxBlockLength {
		return 0, fmt.Errorf("block length %d out of range [0, %d]", length, MaxBlockLength)
	}
	return length, nil
}

// DecodeArray turns an array response into numeric values. For binary
// responses the raw payload is returned as well, one value per byte.
func DecodeArray(raw, format string) ([]float64, []byte, error) {
	switch format {
	case "", ArrayFormatASCII:
		values, err := ParseASCIIArray(raw)
		return values, nil, err
	case ArrayFormatBinary:
		payload, err := ParseBlock([]byte(raw))
		if err != nil {
			return nil, nil, err
		}
		values := make([]float64, len(payload))
		for i, b := range payload {
			values[i] = float64(b)
		}
		return values, payload, nil
	default:
		return nil, nil, fmt.Errorf("unknown array format %q", format)
	}
}
