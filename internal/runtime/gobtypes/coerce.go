package gobtypes

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/geojson"
	"github.com/shopspring/decimal"

	"github.com/drblury/gobflow/internal/runtime/jsoncodec"
)

// CoercionError reports a raw value that cannot be represented as a kind.
type CoercionError struct {
	Kind Kind
	Raw  any
	Err  error
}

func (e *CoercionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gobflow: cannot coerce %v (%T) to %s: %v", e.Raw, e.Raw, e.Kind, e.Err)
	}
	return fmt.Sprintf("gobflow: cannot coerce %v (%T) to %s", e.Raw, e.Raw, e.Kind)
}

func (e *CoercionError) Unwrap() error { return e.Err }

var dateTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// Coerce infers the kind of a decoded JSON value. nil stays nil.
func Coerce(raw any) (Value, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case Value:
		return v, nil
	case string:
		return String(v), nil
	case bool:
		return Boolean(v), nil
	case int:
		return Integer(v), nil
	case int32:
		return Integer(v), nil
	case int64:
		return Integer(v), nil
	case float64:
		return Decimal{Value: decimal.NewFromFloat(v)}, nil
	case decimal.Decimal:
		return Decimal{Value: v}, nil
	case json.Number:
		restored, err := jsoncodec.Restore(v)
		if err != nil {
			return nil, &CoercionError{Kind: KindDecimal, Raw: raw, Err: err}
		}
		return Coerce(restored)
	case time.Time:
		return DateTime(v), nil
	case map[string]any:
		return JSON{Value: v}, nil
	case []any:
		return JSON{Value: v}, nil
	default:
		return nil, &CoercionError{Kind: "", Raw: raw}
	}
}

// CoerceAs converts raw into the requested kind.
func CoerceAs(kind Kind, raw any) (Value, error) {
	if raw == nil {
		return nil, nil
	}
	if v, ok := raw.(Value); ok {
		if v.Kind() == kind {
			return v, nil
		}
		if s, ok := v.(Secure); ok && IsSecure(kind) {
			s.SecureKind = kind
			return s, nil
		}
		raw = v.Raw()
	}

	if IsSecure(kind) {
		return secureFromRaw(kind, raw)
	}

	switch kind {
	case KindString:
		return coerceString(raw), nil
	case KindInteger:
		return coerceInteger(raw)
	case KindDecimal:
		return coerceDecimal(raw)
	case KindBoolean:
		return coerceBoolean(raw)
	case KindDate:
		t, err := coerceTime(raw)
		if err != nil {
			return nil, &CoercionError{Kind: kind, Raw: raw, Err: err}
		}
		y, m, d := t.Date()
		return Date(time.Date(y, m, d, 0, 0, 0, 0, time.UTC)), nil
	case KindDateTime:
		t, err := coerceTime(raw)
		if err != nil {
			return nil, &CoercionError{Kind: kind, Raw: raw, Err: err}
		}
		return DateTime(t), nil
	case KindGeometry:
		return coerceGeometry(raw)
	case KindJSON:
		return JSON{Value: raw}, nil
	case KindReference:
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, &CoercionError{Kind: kind, Raw: raw}
		}
		return Reference{Value: m}, nil
	default:
		return nil, &CoercionError{Kind: kind, Raw: raw, Err: fmt.Errorf("unknown kind")}
	}
}

func coerceString(raw any) Value {
	switch v := raw.(type) {
	case string:
		return String(v)
	case decimal.Decimal:
		return String(v.String())
	case time.Time:
		return String(v.Format(DateTimeLayout))
	default:
		return String(fmt.Sprint(v))
	}
}

func coerceInteger(raw any) (Value, error) {
	switch v := raw.(type) {
	case int:
		return Integer(v), nil
	case int32:
		return Integer(v), nil
	case int64:
		return Integer(v), nil
	case float64:
		if v != float64(int64(v)) {
			return nil, &CoercionError{Kind: KindInteger, Raw: raw}
		}
		return Integer(int64(v)), nil
	case decimal.Decimal:
		if !v.IsInteger() {
			return nil, &CoercionError{Kind: KindInteger, Raw: raw}
		}
		return Integer(v.IntPart()), nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return nil, &CoercionError{Kind: KindInteger, Raw: raw, Err: err}
		}
		return Integer(i), nil
	default:
		return nil, &CoercionError{Kind: KindInteger, Raw: raw}
	}
}

func coerceDecimal(raw any) (Value, error) {
	switch v := raw.(type) {
	case decimal.Decimal:
		return Decimal{Value: v}, nil
	case int:
		return Decimal{Value: decimal.NewFromInt(int64(v))}, nil
	case int64:
		return Decimal{Value: decimal.NewFromInt(v)}, nil
	case float64:
		return Decimal{Value: decimal.NewFromFloat(v)}, nil
	case string:
		d, err := decimal.NewFromString(strings.Replace(strings.TrimSpace(v), ",", ".", 1))
		if err != nil {
			return nil, &CoercionError{Kind: KindDecimal, Raw: raw, Err: err}
		}
		return Decimal{Value: d}, nil
	default:
		return nil, &CoercionError{Kind: KindDecimal, Raw: raw}
	}
}

func coerceBoolean(raw any) (Value, error) {
	switch v := raw.(type) {
	case bool:
		return Boolean(v), nil
	case string:
		switch strings.ToUpper(strings.TrimSpace(v)) {
		case "TRUE", "J", "Y", "1":
			return Boolean(true), nil
		case "FALSE", "N", "0":
			return Boolean(false), nil
		}
	case int64:
		return Boolean(v != 0), nil
	}
	return nil, &CoercionError{Kind: KindBoolean, Raw: raw}
}

func coerceTime(raw any) (time.Time, error) {
	switch v := raw.(type) {
	case time.Time:
		return v, nil
	case string:
		s := strings.TrimSpace(v)
		if t, err := time.Parse(DateLayout, s); err == nil {
			return t, nil
		}
		var lastErr error
		for _, layout := range dateTimeLayouts {
			t, err := time.Parse(layout, s)
			if err == nil {
				return t, nil
			}
			lastErr = err
		}
		return time.Time{}, lastErr
	default:
		return time.Time{}, fmt.Errorf("unsupported time value %T", raw)
	}
}

func coerceGeometry(raw any) (Value, error) {
	switch v := raw.(type) {
	case string:
		if _, err := wkt.Unmarshal(v); err != nil {
			return nil, &CoercionError{Kind: KindGeometry, Raw: raw, Err: err}
		}
		return Geometry{WKT: v}, nil
	case map[string]any:
		data, err := jsoncodec.Marshal(v)
		if err != nil {
			return nil, &CoercionError{Kind: KindGeometry, Raw: raw, Err: err}
		}
		g, err := geojson.UnmarshalGeometry(data)
		if err != nil {
			return nil, &CoercionError{Kind: KindGeometry, Raw: raw, Err: err}
		}
		return Geometry{WKT: wkt.MarshalString(g.Geometry())}, nil
	default:
		return nil, &CoercionError{Kind: KindGeometry, Raw: raw}
	}
}
