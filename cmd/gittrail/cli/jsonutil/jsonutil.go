// Package jsonutil holds small JSON helpers shared by the ledger and the CLI.
package jsonutil

import (
	"bytes"
	"encoding/json"
)

// MarshalIndentWithNewline is json.MarshalIndent with a trailing newline and
// without HTML escaping, so paths like "a&b.csv" stay readable on disk.
func MarshalIndentWithNewline(v any, prefix, indent string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent(prefix, indent)
	if err := enc.Encode(v); err != nil {
		return nil, err //nolint:wrapcheck // thin wrapper around encoding/json
	}
	return buf.Bytes(), nil
}
