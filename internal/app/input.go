package app

import (
	"bufio"
	"context"
	"io"
	"strings"
)

// scanLines sends every non-blank line of r, trimmed, to lines until r is
// exhausted or ctx is cancelled. It returns the scanner error, or nil at end
// of input.
func scanLines(ctx context.Context, r io.Reader, lines chan<- string) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		select {
		case lines <- line:
		case <-ctx.Done():
			return nil
		}
	}
	return sc.Err()
}
