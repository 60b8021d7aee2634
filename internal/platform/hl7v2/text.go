package hl7v2

import (
	"bytes"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// Text returns raw as UTF-8 text that Postgres accepts. Valid UTF-8 is kept
// as is; anything else is read as Latin-1, which many analyzers send for
// names such as PEÑA. NUL bytes are dropped in both cases.
func Text(raw []byte) []byte {
	if !utf8.Valid(raw) {
		decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(raw)
		if err != nil {
			decoded = bytes.ToValidUTF8(raw, nil)
		}
		raw = decoded
	}
	if bytes.IndexByte(raw, 0) >= 0 {
		raw = bytes.ReplaceAll(raw, []byte{0}, nil)
	}
	return raw
}
