package gateway

import (
	"bufio"
	"io"
)

const maxLine = 1 << 20

// scanLines calls fn for every line of r. When a line exceeds maxLine the
// rest of r is discarded, so the writer never blocks on a full pipe.
func scanLines(r io.Reader, fn func(line string)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	for sc.Scan() {
		fn(sc.Text())
	}
	if err := sc.Err(); err != nil {
		_, _ = io.Copy(io.Discard, r)
		return err
	}
	return nil
}
