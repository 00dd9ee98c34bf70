// Package gobtypes is the closed set of attribute value kinds carried by
// entities and events, plus the secure envelope variants.
package gobtypes

import (
	"strconv"
	"time"

	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/geojson"
	"github.com/shopspring/decimal"

	"github.com/drblury/gobflow/internal/runtime/jsoncodec"
)

// Kind names a value type as it appears in collection models.
type Kind string

const (
	KindString    Kind = "GOB.String"
	KindInteger   Kind = "GOB.Integer"
	KindDecimal   Kind = "GOB.Decimal"
	KindBoolean   Kind = "GOB.Boolean"
	KindDate      Kind = "GOB.Date"
	KindDateTime  Kind = "GOB.DateTime"
	KindGeometry  Kind = "GOB.Geometry"
	KindJSON      Kind = "GOB.JSON"
	KindReference Kind = "GOB.Reference"

	KindSecureString   Kind = "GOB.SecureString"
	KindSecureDecimal  Kind = "GOB.SecureDecimal"
	KindSecureDate     Kind = "GOB.SecureDate"
	KindSecureDateTime Kind = "GOB.SecureDateTime"
)

const (
	DateLayout     = "2006-01-02"
	DateTimeLayout = time.RFC3339Nano
)

// Value is implemented only by the types in this package.
type Value interface {
	Kind() Kind
	// Raw returns the plain Go value (string, int64, decimal.Decimal, bool,
	// time.Time, map or slice).
	Raw() any
	String() string
	MarshalJSON() ([]byte, error)
	gobValue()
}

type (
	String  string
	Integer int64
	Boolean bool
	Date    time.Time

	DateTime time.Time

	Decimal struct {
		Value decimal.Decimal
	}

	// Geometry holds its well-known-text form and encodes as GeoJSON.
	Geometry struct {
		WKT string
	}

	JSON struct {
		Value any
	}

	// Reference points at another entity, e.g. {"bronwaarde": "...", "id": "..."}.
	Reference struct {
		Value map[string]any
	}
)

func (String) gobValue()    {}
func (Integer) gobValue()   {}
func (Boolean) gobValue()   {}
func (Date) gobValue()      {}
func (DateTime) gobValue()  {}
func (Decimal) gobValue()   {}
func (Geometry) gobValue()  {}
func (JSON) gobValue()      {}
func (Reference) gobValue() {}

func (String) Kind() Kind    { return KindString }
func (Integer) Kind() Kind   { return KindInteger }
func (Boolean) Kind() Kind   { return KindBoolean }
func (Date) Kind() Kind      { return KindDate }
func (DateTime) Kind() Kind  { return KindDateTime }
func (Decimal) Kind() Kind   { return KindDecimal }
func (Geometry) Kind() Kind  { return KindGeometry }
func (JSON) Kind() Kind      { return KindJSON }
func (Reference) Kind() Kind { return KindReference }

func (v String) Raw() any    { return string(v) }
func (v Integer) Raw() any   { return int64(v) }
func (v Boolean) Raw() any   { return bool(v) }
func (v Date) Raw() any      { return time.Time(v) }
func (v DateTime) Raw() any  { return time.Time(v) }
func (v Decimal) Raw() any   { return v.Value }
func (v Geometry) Raw() any  { return v.WKT }
func (v JSON) Raw() any      { return v.Value }
func (v Reference) Raw() any { return v.Value }

func (v String) String() string   { return string(v) }
func (v Integer) String() string  { return strconv.FormatInt(int64(v), 10) }
func (v Boolean) String() string  { return strconv.FormatBool(bool(v)) }
func (v Date) String() string     { return time.Time(v).Format(DateLayout) }
func (v DateTime) String() string { return time.Time(v).Format(DateTimeLayout) }
func (v Decimal) String() string  { return v.Value.String() }
func (v Geometry) String() string { return v.WKT }

func (v JSON) String() string {
	data, err := jsoncodec.Marshal(v.Value)
	if err != nil {
		return ""
	}
	return string(data)
}

func (v Reference) String() string {
	data, err := jsoncodec.Marshal(v.Value)
	if err != nil {
		return ""
	}
	return string(data)
}

func (v String) MarshalJSON() ([]byte, error)  { return jsoncodec.Marshal(string(v)) }
func (v Integer) MarshalJSON() ([]byte, error) { return []byte(v.String()), nil }
func (v Boolean) MarshalJSON() ([]byte, error) { return []byte(v.String()), nil }
func (v Date) MarshalJSON() ([]byte, error)    { return strconv.AppendQuote(nil, v.String()), nil }
func (v DateTime) MarshalJSON() ([]byte, error) {
	return strconv.AppendQuote(nil, v.String()), nil
}
func (v Decimal) MarshalJSON() ([]byte, error)   { return []byte(v.Value.String()), nil }
func (v JSON) MarshalJSON() ([]byte, error)      { return jsoncodec.Marshal(v.Value) }
func (v Reference) MarshalJSON() ([]byte, error) { return jsoncodec.Marshal(v.Value) }

// MarshalJSON writes the geometry as a GeoJSON object.
func (v Geometry) MarshalJSON() ([]byte, error) {
	if v.WKT == "" {
		return []byte("null"), nil
	}
	g, err := wkt.Unmarshal(v.WKT)
	if err != nil {
		return nil, err
	}
	return geojson.NewGeometry(g).MarshalJSON()
}
