package shell

import "bytes"

// tailSize is how much of the end of stdout is always retained, so the
// epilogue can be found even when the head was capped.
const tailSize = 8192

// capture keeps the first limit bytes of a stream and, separately, its last
// tailSize bytes. Writes never fail so a chatty process is not killed by
// io.ErrShortWrite.
type capture struct {
	head    bytes.Buffer
	limit   int
	tail    []byte
	written int64
}

func newCapture(limit int) *capture {
	return &capture{limit: limit}
}

func (c *capture) Write(p []byte) (int, error) {
	c.written += int64(len(p))

	if c.limit <= 0 {
		c.head.Write(p)
	} else if remaining := c.limit - c.head.Len(); remaining > 0 {
		if len(p) <= remaining {
			c.head.Write(p)
		} else {
			c.head.Write(p[:remaining])
		}
	}

	c.tail = append(c.tail, p...)
	if len(c.tail) > tailSize {
		c.tail = append(c.tail[:0], c.tail[len(c.tail)-tailSize:]...)
	}
	return len(p), nil
}

func (c *capture) String() string { return c.head.String() }

func (c *capture) Tail() string { return string(c.tail) }

// Truncated reports whether anything was dropped from the head.
func (c *capture) Truncated() bool {
	return c.limit > 0 && c.written > int64(c.limit)
}
