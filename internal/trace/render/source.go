package render

import (
	"bufio"
	"os"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// SourceUnavailable replaces source text that cannot be read.
const SourceUnavailable = "<source unavailable>"

const defaultCachedFiles = 128

// SourceReader returns trimmed source lines. Whole files are read once and
// kept in an LRU cache, so per-statement lookups do not touch the disk.
type SourceReader struct {
	files *lru.Cache[string, []string]
}

// NewSourceReader returns a reader caching up to size files.
func NewSourceReader(size int) *SourceReader {
	if size <= 0 {
		size = defaultCachedFiles
	}
	c, err := lru.New[string, []string](size)
	if err != nil {
		// Only returned for a non-positive size.
		panic(err)
	}
	return &SourceReader{files: c}
}

// Line returns the trimmed text of line n (1-based) in file. It reports
// false, with SourceUnavailable as text, when the file cannot be read or
// has no such line.
func (r *SourceReader) Line(file string, n int) (string, bool) {
	lines, ok := r.files.Get(file)
	if !ok {
		var err error
		lines, err = readLines(file)
		if err != nil {
			lines = nil
		}
		// Failures are cached too; a missing file stays missing.
		r.files.Add(file, lines)
	}

	if n <= 0 || n > len(lines) {
		return SourceUnavailable, false
	}
	return strings.TrimSpace(lines[n-1]), true
}

func readLines(file string) ([]string, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines, sc.Err()
}
