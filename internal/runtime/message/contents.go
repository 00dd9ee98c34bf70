package message

import "iter"

// Contents is the common shape of attached message contents, whether they
// were inline or are read lazily from an offload file.
type Contents interface {
	Records() iter.Seq2[any, error]
	Close() error
}

// InlineContents wraps a value that is already in memory. A slice yields its
// elements, anything else yields itself.
type InlineContents struct {
	Value any
}

func (c InlineContents) Records() iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		switch v := c.Value.(type) {
		case nil:
			return
		case []any:
			for _, item := range v {
				if !yield(item, nil) {
					return
				}
			}
		case []map[string]any:
			for _, item := range v {
				if !yield(item, nil) {
					return
				}
			}
		default:
			yield(v, nil)
		}
	}
}

func (c InlineContents) Close() error { return nil }
