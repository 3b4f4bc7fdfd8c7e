package faults

import (
	"bufio"
	"fmt"

	"github.com/spf13/afero"

	"github.com/fllarpy/reqorder/domain"
)

const (
	snippetLines  = 6
	snippetBefore = 3
	maxLineBytes  = 1 << 20
)

// SourceSnippet reads up to six lines of path starting three lines above
// line, keyed by their 1-based line number.
func SourceSnippet(fs afero.Fs, path string, line int) (map[int]string, error) {
	snippet := make(map[int]string, snippetLines)
	if fs == nil || path == "" || line <= 0 {
		return snippet, fmt.Errorf("%w: %s:%d", domain.ErrSourceUnavailable, path, line)
	}

	f, err := fs.Open(path)
	if err != nil {
		return snippet, fmt.Errorf("%w: %w", domain.ErrSourceUnavailable, err)
	}
	defer f.Close()

	start := max(line-snippetBefore, 1)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 4096), maxLineBytes)
	for n := 1; scanner.Scan(); n++ {
		if n < start {
			continue
		}
		snippet[n] = scanner.Text()
		if len(snippet) == snippetLines {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return snippet, fmt.Errorf("%w: %w", domain.ErrSourceUnavailable, err)
	}
	return snippet, nil
}
