// Package offload moves oversized message contents to shared storage and
// brings them back on the consuming side.
package offload

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/drblury/gobflow/internal/runtime/ids"
	"github.com/drblury/gobflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/gobflow/internal/runtime/logging"
	messagepkg "github.com/drblury/gobflow/internal/runtime/message"
)

const (
	// DirName is the sub directory of the shared dir holding offload files.
	DirName = "message_broker"
	// DefaultThreshold is the encoded size above which contents are spilled.
	DefaultThreshold = 1024
)

// Encoder turns contents into the bytes written to an offload file.
type Encoder func(v any) ([]byte, error)

// Decoder turns offload file bytes back into contents.
type Decoder func(data []byte) (any, error)

var (
	DefaultEncoder Encoder = jsoncodec.Marshal
	DefaultDecoder Decoder = jsoncodec.UnmarshalValue
)

// ReadError reports an offload file that could not be reattached.
type ReadError struct {
	Ref string
	Err error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("gobflow: read offloaded contents %q: %v", e.Ref, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// LoadParams controls how contents are reattached.
type LoadParams struct {
	// Stream attaches a lazy reader instead of decoding the whole file.
	Stream bool
}

// Handle tracks what Load opened so End can release it.
type Handle struct {
	ref    string
	path   string
	reader *StreamingContents
}

// Ref returns the offload name the handle refers to.
func (h *Handle) Ref() string {
	if h == nil {
		return ""
	}
	return h.ref
}

// Option configures a Store.
type Option func(*Store)

func WithThreshold(n int) Option {
	return func(s *Store) { s.threshold = n }
}

func WithLogger(log loggingpkg.ServiceLogger) Option {
	return func(s *Store) { s.logger = log }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithSpillHook is called after every successful spill.
func WithSpillHook(fn func(ref string, size int)) Option {
	return func(s *Store) { s.onSpill = fn }
}

// Store is a filesystem backed offload area under <shared>/message_broker.
type Store struct {
	dir       string
	threshold int
	logger    loggingpkg.ServiceLogger
	now       func() time.Time
	onSpill   func(ref string, size int)
}

func NewStore(sharedDir string, opts ...Option) *Store {
	s := &Store{
		dir:       filepath.Join(sharedDir, DirName),
		threshold: DefaultThreshold,
		logger:    loggingpkg.NewNopLogger(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Dir() string { return s.dir }

func (s *Store) Threshold() int { return s.threshold }

// Path returns the file backing an offload name.
func (s *Store) Path(ref string) string {
	return filepath.Join(s.dir, ref)
}

// Offload spills msg.Contents when the encoded size exceeds the threshold.
// Streamed contents are always spilled. Any failure leaves the message
// untouched.
func (s *Store) Offload(msg *messagepkg.Message, enc Encoder) *messagepkg.Message {
	return s.offload(msg, enc, s.threshold)
}

// OffloadAlways spills any contents regardless of size.
func (s *Store) OffloadAlways(msg *messagepkg.Message, enc Encoder) *messagepkg.Message {
	return s.offload(msg, enc, -1)
}

func (s *Store) offload(msg *messagepkg.Message, enc Encoder, threshold int) *messagepkg.Message {
	if msg == nil {
		return msg
	}
	if enc == nil {
		enc = DefaultEncoder
	}
	if msg.Stream != nil {
		return s.offloadStream(msg, enc)
	}
	if msg.Contents == nil {
		return msg
	}

	data, err := enc(msg.Contents)
	if err != nil {
		s.logger.Error("Failed to encode contents for offload", err, loggingpkg.LogFields{"process_id": msg.Header.ProcessID()})
		return msg
	}
	if len(data) <= threshold {
		return msg
	}

	name := ids.TimestampedUUID(s.now())
	if err := s.write(name, data); err != nil {
		s.logger.Error("Failed to write offload file, keeping contents inline", err, loggingpkg.LogFields{"ref": name})
		return msg
	}

	out := msg.Clone()
	out.Contents = nil
	out.Stream = nil
	out.ContentsRef = name
	if s.onSpill != nil {
		s.onSpill(name, len(data))
	}
	return out
}

// offloadStream copies streamed contents record by record into a new
// offload file. When the file cannot be written the records are collected
// inline instead; when they cannot be read the message is returned as is.
func (s *Store) offloadStream(msg *messagepkg.Message, enc Encoder) *messagepkg.Message {
	fields := loggingpkg.LogFields{"process_id": msg.Header.ProcessID()}
	ref, _, err := s.WriteContents(enc, func(w *ContentsWriter) error {
		for record, err := range msg.Stream.Records() {
			if err != nil {
				return err
			}
			if err := w.Write(record); err != nil {
				return err
			}
		}
		return nil
	})
	out := msg.Clone()
	out.Stream = nil
	if err == nil {
		out.Contents = nil
		out.ContentsRef = ref
		if s.onSpill != nil {
			if info, statErr := os.Stat(s.Path(ref)); statErr == nil {
				s.onSpill(ref, int(info.Size()))
			}
		}
		return out
	}
	s.logger.Error("Failed to offload streamed contents, collecting them inline", err, fields)

	records := []any{}
	for record, err := range msg.Stream.Records() {
		if err != nil {
			s.logger.Error("Failed to read streamed contents", err, fields)
			return msg
		}
		records = append(records, record)
	}
	out.Contents = records
	return out
}

func (s *Store) write(name string, data []byte) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	path := s.Path(name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		_ = os.Remove(path)
		return err
	}
	return nil
}

// Load reattaches offloaded contents. Messages without a contents_ref are
// returned as is with a nil handle.
func (s *Store) Load(msg *messagepkg.Message, dec Decoder, params LoadParams) (*messagepkg.Message, *Handle, error) {
	if msg == nil || msg.ContentsRef == "" {
		return msg, nil, nil
	}
	if dec == nil {
		dec = DefaultDecoder
	}

	ref := msg.ContentsRef
	path := s.Path(ref)
	out := msg.Clone()
	out.ContentsRef = ""

	if params.Stream {
		f, err := os.Open(path)
		if err != nil {
			return msg, nil, &ReadError{Ref: ref, Err: err}
		}
		reader := &StreamingContents{file: f}
		out.Stream = reader
		out.Contents = nil
		return out, &Handle{ref: ref, path: path, reader: reader}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return msg, nil, &ReadError{Ref: ref, Err: err}
	}
	contents, err := dec(data)
	if err != nil {
		return msg, nil, &ReadError{Ref: ref, Err: err}
	}
	out.Contents = contents
	return out, &Handle{ref: ref, path: path}, nil
}

// End closes any reader opened by Load and removes the offload file.
// Failures are logged, never returned. A nil handle is a no-op.
func (s *Store) End(msg *messagepkg.Message, h *Handle) {
	if h == nil {
		return
	}
	if h.reader != nil {
		if err := h.reader.Close(); err != nil {
			s.logger.Error("Failed to close offload reader", err, loggingpkg.LogFields{"ref": h.ref})
		}
		if msg != nil && msg.Stream == h.reader {
			msg.Stream = nil
		}
	}
	s.remove(h.ref, h.path)
}

// Release closes any reader opened by Load but keeps the offload file, so a
// redelivered message can load it again.
func (s *Store) Release(msg *messagepkg.Message, h *Handle) {
	if h == nil || h.reader == nil {
		return
	}
	if err := h.reader.Close(); err != nil {
		s.logger.Error("Failed to close offload reader", err, loggingpkg.LogFields{"ref": h.ref})
	}
	if msg != nil && msg.Stream == h.reader {
		msg.Stream = nil
	}
}

// Remove unlinks an offload file by name.
func (s *Store) Remove(ref string) {
	if ref == "" {
		return
	}
	s.remove(ref, s.Path(ref))
}

func (s *Store) remove(ref, path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Error("Failed to remove offload file", err, loggingpkg.LogFields{"ref": ref})
	}
}

// With loads msg, runs fn and always releases the offload file afterwards,
// also when fn panics.
func (s *Store) With(msg *messagepkg.Message, dec Decoder, params LoadParams, fn func(*messagepkg.Message) error) error {
	loaded, h, err := s.Load(msg, dec, params)
	if err != nil {
		return err
	}
	defer s.End(loaded, h)
	return fn(loaded)
}
