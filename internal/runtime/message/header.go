package message

import (
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
)

// Header keys shared by every service.
const (
	HeaderSource      = "source"
	HeaderApplication = "application"
	HeaderCatalogue   = "catalogue"
	HeaderCollection  = "collection"
	HeaderEntity      = "entity"
	HeaderAttribute   = "attribute"
	HeaderTimestamp   = "timestamp"
	HeaderVersion     = "version"
	HeaderProcessID   = "process_id"
	HeaderJobID       = "jobid"
	HeaderStepID      = "stepid"
	HeaderMode        = "mode"
	HeaderRetryTime   = "retry_time"
)

// NotificationHeaderKeys is the subset of the header forwarded with a
// notification.
var NotificationHeaderKeys = []string{
	HeaderSource,
	HeaderCatalogue,
	HeaderCollection,
	HeaderApplication,
	HeaderEntity,
	HeaderVersion,
	HeaderProcessID,
}

// Header is the string to scalar map carried by every message.
type Header map[string]any

func (h Header) cloneWithExtra(extra int) Header {
	size := len(h) + extra
	if size <= 0 {
		return Header{}
	}

	cloned := make(Header, size)
	for k, v := range h {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy of the header.
func (h Header) Clone() Header {
	return h.cloneWithExtra(0)
}

// With returns a cloned header containing the provided key/value pair.
func (h Header) With(key string, value any) Header {
	cloned := h.cloneWithExtra(1)
	cloned[key] = value
	return cloned
}

// WithAll returns a cloned header containing the supplied entries.
func (h Header) WithAll(entries Header) Header {
	cloned := h.cloneWithExtra(len(entries))
	for k, v := range entries {
		cloned[k] = v
	}
	return cloned
}

// Subset copies only the named keys that are present.
func (h Header) Subset(keys ...string) Header {
	out := make(Header, len(keys))
	for _, k := range keys {
		if v, ok := h[k]; ok {
			out[k] = v
		}
	}
	return out
}

// Get renders a header value as a string; missing keys and nil give "".
func (h Header) Get(key string) string {
	v, ok := h[key]
	if !ok || v == nil {
		return ""
	}
	switch value := v.(type) {
	case string:
		return value
	case int64:
		return strconv.FormatInt(value, 10)
	case int:
		return strconv.Itoa(value)
	case decimal.Decimal:
		return value.String()
	case bool:
		return strconv.FormatBool(value)
	default:
		return fmt.Sprint(value)
	}
}

// Has reports whether the key is present with a non-empty value.
func (h Header) Has(key string) bool {
	return h.Get(key) != ""
}

func (h Header) Source() string      { return h.Get(HeaderSource) }
func (h Header) Application() string { return h.Get(HeaderApplication) }
func (h Header) Catalogue() string   { return h.Get(HeaderCatalogue) }
func (h Header) Collection() string  { return h.Get(HeaderCollection) }
func (h Header) Entity() string      { return h.Get(HeaderEntity) }
func (h Header) Version() string     { return h.Get(HeaderVersion) }
func (h Header) ProcessID() string   { return h.Get(HeaderProcessID) }
func (h Header) JobID() string       { return h.Get(HeaderJobID) }
func (h Header) StepID() string      { return h.Get(HeaderStepID) }

// NewHeader constructs a Header from alternating key/value pairs.
func NewHeader(pairs ...string) Header {
	h := make(Header, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		h[pairs[i]] = pairs[i+1]
	}
	return h
}
