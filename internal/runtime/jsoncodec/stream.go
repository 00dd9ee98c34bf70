package jsoncodec

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
)

// StreamArray yields the elements of a top-level JSON array one at a time.
// A document that is not an array yields its single value.
func StreamArray(r io.Reader) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		dec := json.NewDecoder(r)
		dec.UseNumber()

		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			yield(nil, err)
			return
		}

		delim, isDelim := tok.(json.Delim)
		if !isDelim || delim != '[' {
			value, err := scalarOrRest(dec, tok)
			if err != nil {
				yield(nil, err)
				return
			}
			yield(value, nil)
			return
		}

		for dec.More() {
			var raw any
			if err := dec.Decode(&raw); err != nil {
				yield(nil, fmt.Errorf("decode array element: %w", err))
				return
			}
			value, err := Restore(raw)
			if !yield(value, err) || err != nil {
				return
			}
		}
		if _, err := dec.Token(); err != nil {
			yield(nil, fmt.Errorf("read array end: %w", err))
		}
	}
}

// scalarOrRest rebuilds a non-array document whose first token was already
// consumed.
func scalarOrRest(dec *json.Decoder, first json.Token) (any, error) {
	if delim, ok := first.(json.Delim); ok && delim == '{' {
		obj := map[string]any{}
		for dec.More() {
			keyTok, err := dec.Token()
			if err != nil {
				return nil, err
			}
			key, _ := keyTok.(string)
			var raw any
			if err := dec.Decode(&raw); err != nil {
				return nil, err
			}
			obj[key] = raw
		}
		if _, err := dec.Token(); err != nil {
			return nil, err
		}
		return Restore(obj)
	}
	return Restore(first)
}
