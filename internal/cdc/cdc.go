// Package cdc defines how source-specific change messages become canonical
// rows and how row images are serialized for the destination bulk loader.
package cdc

import (
	"strings"

	"github.com/mehmetymw/cdcsync/internal/types"
)

// Decoder turns one raw message into a row. It returns false with a nil
// error when the message carries no row change and must be skipped.
type Decoder interface {
	Decode(msg *types.Message, row *types.Row) (bool, error)
}

// Record is one row image. ok is false for NULL or absent fields.
type Record interface {
	Field(name string) (value string, ok bool)
}

// ColumnDecoder applies the source-specific encoding rules for a column.
type ColumnDecoder interface {
	DecodeColumn(col types.Column, value string) string
}

type ColumnDecoderFunc func(col types.Column, value string) string

func (f ColumnDecoderFunc) DecodeColumn(col types.Column, value string) string {
	return f(col, value)
}

// Passthrough leaves every value unchanged.
var Passthrough = ColumnDecoderFunc(func(_ types.Column, value string) string { return value })

const (
	Delimiter = '|'
	Quote     = '"'
	Escape    = '\\'
)

// CopyOptions must match Formatter output.
const CopyOptions = `(FORMAT csv, DELIMITER '|', QUOTE '"', ESCAPE '\', NULL '')`

// Formatter serializes row images into the delimited text the sink copies
// into the destination.
type Formatter struct {
	decoder ColumnDecoder
}

func NewFormatter(decoder ColumnDecoder) *Formatter {
	if decoder == nil {
		decoder = Passthrough
	}
	return &Formatter{decoder: decoder}
}

func (f *Formatter) Tuple(rec Record, table *types.Table) string {
	var sb strings.Builder
	for i, col := range table.Columns {
		if i > 0 {
			sb.WriteByte(Delimiter)
		}
		f.writeField(&sb, rec, col)
	}
	return sb.String()
}

func (f *Formatter) Keys(rec Record, table *types.Table) string {
	var sb strings.Builder
	for i, idx := range table.KeyIndexes {
		if i > 0 {
			sb.WriteByte(Delimiter)
		}
		f.writeField(&sb, rec, table.Columns[idx])
	}
	return sb.String()
}

// HasKeys reports whether every key column is present and not NULL.
func HasKeys(rec Record, table *types.Table) bool {
	for _, idx := range table.KeyIndexes {
		if _, ok := rec.Field(table.Columns[idx].Name); !ok {
			return false
		}
	}
	return true
}

func (f *Formatter) writeField(sb *strings.Builder, rec Record, col types.Column) {
	value, ok := rec.Field(col.Name)
	if !ok {
		return
	}
	value = f.decoder.DecodeColumn(col, value)
	if col.Type == types.String || needsQuote(value) {
		writeQuoted(sb, value)
		return
	}
	sb.WriteString(value)
}

func needsQuote(s string) bool {
	return strings.ContainsAny(s, "|\"\\\r\n")
}

func writeQuoted(sb *strings.Builder, s string) {
	sb.WriteByte(Quote)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == Quote || c == Escape {
			sb.WriteByte(Escape)
		}
		sb.WriteByte(c)
	}
	sb.WriteByte(Quote)
}

// MapRecord is a Record backed by already stringified values; nil means NULL.
type MapRecord map[string]*string

func (m MapRecord) Field(name string) (string, bool) {
	v, ok := m[name]
	if !ok || v == nil {
		return "", false
	}
	return *v, true
}
