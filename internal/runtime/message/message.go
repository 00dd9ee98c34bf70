// Package message is the envelope exchanged between services: a header, the
// contents (inline or by reference into the offload store), a summary and an
// optional notification.
package message

import (
	"errors"
	"fmt"
	"iter"
	"maps"

	"github.com/drblury/gobflow/internal/runtime/jsoncodec"
)

const (
	keyHeader       = "header"
	keyContents     = "contents"
	keyContentsRef  = "contents_ref"
	keySummary      = "summary"
	keyNotification = "notification"
	keyWorkflow     = "workflow"
)

// ErrNotAnObject is returned by Decode when the body is valid JSON but not an
// object.
var ErrNotAnObject = errors.New("gobflow: message body is not a JSON object")

// Message is the unit published on the workflow exchange.
type Message struct {
	Header       Header
	Contents     any
	ContentsRef  string
	Summary      *Summary
	Notification *Notification
	Workflow     map[string]any

	// Stream is set when contents were attached lazily; it takes precedence
	// over Contents.
	Stream Contents
	// Raw keeps a body that could not be decoded.
	Raw []byte
	// Extra preserves unknown top-level keys.
	Extra map[string]any
}

// Notification is a broadcast side effect of a handler result.
type Notification struct {
	Type     string
	Contents any
	Header   Header
}

// New returns a message with the given header and inline contents.
func New(header Header, contents any) *Message {
	if header == nil {
		header = Header{}
	}
	return &Message{Header: header, Contents: contents}
}

// HasContents reports whether inline or streamed contents are attached.
func (m *Message) HasContents() bool {
	return m.Contents != nil || m.Stream != nil
}

// Records iterates the contents regardless of how they are attached.
func (m *Message) Records() iter.Seq2[any, error] {
	if m.Stream != nil {
		return m.Stream.Records()
	}
	return InlineContents{Value: m.Contents}.Records()
}

// Clone copies the envelope; contents are shared.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	c.Header = m.Header.Clone()
	if m.Summary != nil {
		s := m.Summary.Clone()
		c.Summary = &s
	}
	if m.Notification != nil {
		n := *m.Notification
		c.Notification = &n
	}
	if m.Workflow != nil {
		c.Workflow = maps.Clone(m.Workflow)
	}
	if m.Extra != nil {
		c.Extra = maps.Clone(m.Extra)
	}
	return &c
}

// ToMap renders the wire shape. Absent parts are omitted.
func (m *Message) ToMap() map[string]any {
	out := make(map[string]any, len(m.Extra)+6)
	maps.Copy(out, m.Extra)
	header := m.Header
	if header == nil {
		header = Header{}
	}
	out[keyHeader] = map[string]any(header)
	if m.Contents != nil {
		out[keyContents] = m.Contents
	}
	if m.ContentsRef != "" {
		out[keyContentsRef] = m.ContentsRef
	}
	if m.Summary != nil {
		out[keySummary] = m.Summary.ToMap()
	}
	if m.Notification != nil {
		n := map[string]any{"type": m.Notification.Type, "contents": m.Notification.Contents}
		if m.Notification.Header != nil {
			n[keyHeader] = map[string]any(m.Notification.Header)
		}
		out[keyNotification] = n
	}
	if m.Workflow != nil {
		out[keyWorkflow] = m.Workflow
	}
	return out
}

// FromMap builds a message from a decoded JSON object.
func FromMap(in map[string]any) (*Message, error) {
	m := &Message{Header: Header{}}
	for k, v := range in {
		switch k {
		case keyHeader:
			h, ok := v.(map[string]any)
			if !ok && v != nil {
				return nil, fmt.Errorf("gobflow: header must be an object, got %T", v)
			}
			if h != nil {
				m.Header = Header(h)
			}
		case keyContents:
			m.Contents = v
		case keyContentsRef:
			ref, _ := v.(string)
			m.ContentsRef = ref
		case keySummary:
			if s, ok := v.(map[string]any); ok {
				summary := SummaryFromMap(s)
				m.Summary = &summary
			}
		case keyNotification:
			if n, ok := v.(map[string]any); ok {
				m.Notification = notificationFromMap(n)
			}
		case keyWorkflow:
			if w, ok := v.(map[string]any); ok {
				m.Workflow = w
			}
		default:
			if m.Extra == nil {
				m.Extra = map[string]any{}
			}
			m.Extra[k] = v
		}
	}
	return m, nil
}

func notificationFromMap(in map[string]any) *Notification {
	n := &Notification{Contents: in["contents"]}
	n.Type, _ = in["type"].(string)
	if h, ok := in[keyHeader].(map[string]any); ok {
		n.Header = Header(h)
	}
	return n
}

func (m *Message) MarshalJSON() ([]byte, error) {
	return jsoncodec.Marshal(m.ToMap())
}

func (m *Message) UnmarshalJSON(data []byte) error {
	decoded, err := Decode(data)
	if err != nil {
		return err
	}
	*m = *decoded
	return nil
}

// Encode renders the wire form of m.
func Encode(m *Message) ([]byte, error) {
	return jsoncodec.Marshal(m.ToMap())
}

// Decode parses a message body. When the body is not a JSON object the
// returned message carries the body in Raw alongside the error.
func Decode(body []byte) (*Message, error) {
	v, err := jsoncodec.UnmarshalValue(body)
	if err != nil {
		return &Message{Header: Header{}, Raw: body}, err
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return &Message{Header: Header{}, Raw: body}, ErrNotAnObject
	}
	m, err := FromMap(obj)
	if err != nil {
		return &Message{Header: Header{}, Raw: body}, err
	}
	return m, nil
}
