package offload

import (
	"bufio"
	"errors"
	"io"
	"iter"
	"os"
	"sync"

	"github.com/drblury/gobflow/internal/runtime/jsoncodec"
)

var ErrReaderClosed = errors.New("gobflow: offload reader is closed")

// StreamingContents yields the top-level array elements of an offload file
// without loading the file at once. Every call to Records starts from the
// beginning of the file.
type StreamingContents struct {
	mu     sync.Mutex
	file   *os.File
	closed bool
}

func (c *StreamingContents) Records() iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			yield(nil, ErrReaderClosed)
			return
		}
		if _, err := c.file.Seek(0, io.SeekStart); err != nil {
			c.mu.Unlock()
			yield(nil, err)
			return
		}
		c.mu.Unlock()

		for v, err := range jsoncodec.StreamArray(bufio.NewReader(c.file)) {
			if !yield(v, err) || err != nil {
				return
			}
		}
	}
}

func (c *StreamingContents) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.file.Close()
}
