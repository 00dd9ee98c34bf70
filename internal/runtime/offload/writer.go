package offload

import (
	"bufio"
	"errors"
	"os"

	"github.com/drblury/gobflow/internal/runtime/ids"
)

var ErrWriterClosed = errors.New("gobflow: contents writer is closed")

// ContentsWriter streams records into a new offload file as one JSON array.
type ContentsWriter struct {
	store  *Store
	ref    string
	path   string
	file   *os.File
	buf    *bufio.Writer
	enc    Encoder
	count  int
	closed bool
}

// NewContentsWriter creates the offload file and returns a writer for it.
// The caller must Commit or Abort.
func (s *Store) NewContentsWriter(enc Encoder) (*ContentsWriter, error) {
	if enc == nil {
		enc = DefaultEncoder
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, err
	}
	ref := ids.TimestampedUUID(s.now())
	path := s.Path(ref)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	w := &ContentsWriter{store: s, ref: ref, path: path, file: f, buf: bufio.NewWriter(f), enc: enc}
	if err := w.buf.WriteByte('['); err != nil {
		w.Abort()
		return nil, err
	}
	return w, nil
}

func (w *ContentsWriter) Ref() string { return w.ref }

// Count returns the number of records written so far.
func (w *ContentsWriter) Count() int { return w.count }

// Write appends one record.
func (w *ContentsWriter) Write(record any) error {
	if w.closed {
		return ErrWriterClosed
	}
	data, err := w.enc(record)
	if err != nil {
		return err
	}
	if w.count > 0 {
		if err := w.buf.WriteByte(','); err != nil {
			return err
		}
	}
	if _, err := w.buf.Write(data); err != nil {
		return err
	}
	w.count++
	return nil
}

// Commit terminates the array, closes the file and returns its name.
func (w *ContentsWriter) Commit() (string, error) {
	if w.closed {
		return "", ErrWriterClosed
	}
	w.closed = true
	if err := w.buf.WriteByte(']'); err != nil {
		w.discard()
		return "", err
	}
	if err := w.buf.Flush(); err != nil {
		w.discard()
		return "", err
	}
	if err := w.file.Close(); err != nil {
		_ = os.Remove(w.path)
		return "", err
	}
	return w.ref, nil
}

// Abort closes and removes the partial file. Safe after Commit failures.
func (w *ContentsWriter) Abort() {
	if w.closed {
		return
	}
	w.closed = true
	w.discard()
}

func (w *ContentsWriter) discard() {
	_ = w.file.Close()
	w.store.remove(w.ref, w.path)
}

// WriteContents runs fn with a fresh writer. On success the file is committed
// and its name returned with the record count; on error or panic the partial
// file is removed.
func (s *Store) WriteContents(enc Encoder, fn func(w *ContentsWriter) error) (ref string, count int, err error) {
	w, err := s.NewContentsWriter(enc)
	if err != nil {
		return "", 0, err
	}
	defer w.Abort()

	if err := fn(w); err != nil {
		return "", 0, err
	}
	ref, err = w.Commit()
	if err != nil {
		return "", 0, err
	}
	return ref, w.count, nil
}
