package gobtypes

import (
	"bytes"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"

	"github.com/drblury/gobflow/internal/runtime/jsoncodec"
)

// Equal compares two values after coercing b to the kind of a. A nil value
// equals only another nil value.
func Equal(a, b Value) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.Kind() != b.Kind() {
		coerced, err := CoerceAs(a.Kind(), b.Raw())
		if err != nil || coerced == nil {
			return false
		}
		b = coerced
	}

	switch av := a.(type) {
	case Decimal:
		return av.Value.Equal(b.(Decimal).Value)
	case Date:
		return time.Time(av).Equal(time.Time(b.(Date)))
	case DateTime:
		return time.Time(av).Equal(time.Time(b.(DateTime)))
	case Geometry:
		return geometryEqual(av.WKT, b.(Geometry).WKT)
	case JSON, Reference:
		return jsonEqual(a, b)
	case Secure:
		bs := b.(Secure)
		return av.KeyIndex == bs.KeyIndex && av.Level == bs.Level && av.Ciphertext == bs.Ciphertext
	default:
		return a == b
	}
}

// EqualRaw coerces both raw values and compares them.
func EqualRaw(a, b any) bool {
	av, err := Coerce(a)
	if err != nil {
		return false
	}
	bv, err := Coerce(b)
	if err != nil {
		return false
	}
	return Equal(av, bv)
}

func geometryEqual(a, b string) bool {
	if a == b {
		return true
	}
	ga, err := wkt.Unmarshal(a)
	if err != nil {
		return false
	}
	gb, err := wkt.Unmarshal(b)
	if err != nil {
		return false
	}
	return orb.Equal(ga, gb)
}

func jsonEqual(a, b Value) bool {
	ad, err := jsoncodec.Marshal(a.Raw())
	if err != nil {
		return false
	}
	bd, err := jsoncodec.Marshal(b.Raw())
	if err != nil {
		return false
	}
	return bytes.Equal(ad, bd)
}
