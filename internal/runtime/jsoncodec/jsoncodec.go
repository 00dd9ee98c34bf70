package jsoncodec

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/shopspring/decimal"
)

var (
	defaultConfig = sonic.ConfigStd

	// numberConfig keeps number literals as json.Number so Restore can decide
	// between int64 and decimal.
	numberConfig = sonic.Config{
		EscapeHTML:       true,
		SortMapKeys:      true,
		CompactMarshaler: true,
		CopyString:       true,
		ValidateString:   true,
		UseNumber:        true,
	}.Froze()
)

// ErrUnsupportedNumber is returned when a NaN or infinite float is encoded.
var ErrUnsupportedNumber = errors.New("gobflow: NaN and Infinity cannot be encoded as JSON")

// Marshal normalises generic values (decimals, times, floats) and encodes them.
func Marshal(v any) ([]byte, error) {
	normalized, err := Normalize(v)
	if err != nil {
		return nil, err
	}
	return defaultConfig.Marshal(normalized)
}

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	normalized, err := Normalize(v)
	if err != nil {
		return nil, err
	}
	return defaultConfig.MarshalIndent(normalized, prefix, indent)
}

// Unmarshal decodes into a typed destination.
func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

// UnmarshalValue decodes an untyped JSON document. Fractional numbers become
// decimal.Decimal and integral numbers become int64.
func UnmarshalValue(data []byte) (any, error) {
	var v any
	if err := numberConfig.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return Restore(v)
}

func Encode(w io.Writer, v any) error {
	normalized, err := Normalize(v)
	if err != nil {
		return err
	}
	enc := defaultConfig.NewEncoder(w)
	return enc.Encode(normalized)
}

func Decode(r io.Reader, v any) error {
	dec := defaultConfig.NewDecoder(r)
	return dec.Decode(v)
}

// Normalize rewrites a generic value tree into something the encoder writes
// with the wire conventions: decimals as JSON numbers, times as ISO 8601.
func Normalize(v any) (any, error) {
	switch value := v.(type) {
	case nil:
		return nil, nil
	case float64:
		if math.IsNaN(value) || math.IsInf(value, 0) {
			return nil, ErrUnsupportedNumber
		}
		return value, nil
	case float32:
		f := float64(value)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, ErrUnsupportedNumber
		}
		return value, nil
	case decimal.Decimal:
		return json.Number(value.String()), nil
	case *decimal.Decimal:
		if value == nil {
			return nil, nil
		}
		return json.Number(value.String()), nil
	case time.Time:
		return value.Format(time.RFC3339Nano), nil
	case map[string]any:
		out := make(map[string]any, len(value))
		for k, item := range value {
			n, err := Normalize(item)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case []any:
		out := make([]any, len(value))
		for i, item := range value {
			n, err := Normalize(item)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case []map[string]any:
		out := make([]any, len(value))
		for i, item := range value {
			n, err := Normalize(item)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	default:
		return v, nil
	}
}

// Restore converts json.Number leaves produced by a UseNumber decoder.
func Restore(v any) (any, error) {
	switch value := v.(type) {
	case json.Number:
		return restoreNumber(value)
	case map[string]any:
		for k, item := range value {
			r, err := Restore(item)
			if err != nil {
				return nil, err
			}
			value[k] = r
		}
		return value, nil
	case []any:
		for i, item := range value {
			r, err := Restore(item)
			if err != nil {
				return nil, err
			}
			value[i] = r
		}
		return value, nil
	default:
		return v, nil
	}
}

func restoreNumber(n json.Number) (any, error) {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i, nil
		}
	}
	return decimal.NewFromString(s)
}
