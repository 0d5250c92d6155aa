package summary

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Format is a summary file encoding.
type Format string

// Supported formats.
const (
	FormatJSON    Format = "json"
	FormatMsgpack Format = "msgpack"
)

// ParseFormat parses a format name. Empty selects JSON.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatMsgpack, "mp", "msgp":
		return FormatMsgpack, nil
	default:
		return "", errors.Errorf("unknown summary format %q", s)
	}
}

// FormatForPath guesses the format from a file extension.
func FormatForPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".msgpack", ".mp", ".msgp":
		return FormatMsgpack
	default:
		return FormatJSON
	}
}

// Encode writes doc to w.
func Encode(w io.Writer, doc *Document, format Format) error {
	switch format {
	case FormatMsgpack:
		return errors.Wrap(msgpack.NewEncoder(w).Encode(doc), "encode msgpack summary")
	default:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		enc.SetEscapeHTML(false)
		return errors.Wrap(enc.Encode(doc), "encode json summary")
	}
}

// Decode reads a Document from r.
func Decode(r io.Reader, format Format) (*Document, error) {
	var doc Document
	switch format {
	case FormatMsgpack:
		if err := msgpack.NewDecoder(r).Decode(&doc); err != nil {
			return nil, errors.Wrap(err, "decode msgpack summary")
		}
	default:
		if err := json.NewDecoder(r).Decode(&doc); err != nil {
			return nil, errors.Wrap(err, "decode json summary")
		}
	}
	return &doc, nil
}

// Write stores doc at path atomically: it is encoded into a temporary file
// in the same directory, which then replaces path.
func Write(path string, doc *Document, format Format) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "create summary directory")
	}

	f, err := os.CreateTemp(dir, ".summary-*")
	if err != nil {
		return errors.Wrap(err, "create temp summary")
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	if err := Encode(f, doc, format); err != nil {
		f.Close()
		return err
	}
	// CreateTemp makes the file 0600; summaries are read by other tools.
	if err := f.Chmod(0o644); err != nil {
		f.Close()
		return errors.Wrap(err, "chmod temp summary")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "close temp summary")
	}
	return errors.Wrap(os.Rename(tmp, path), "replace summary")
}

// Read loads a summary written by Write. The format is sniffed from the
// content: JSON documents start with '{'.
func Read(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read summary")
	}

	format := FormatMsgpack
	if trimmed := bytes.TrimLeft(data, " \t\r\n"); len(trimmed) > 0 && trimmed[0] == '{' {
		format = FormatJSON
	}
	return Decode(bytes.NewReader(data), format)
}
