package types

import (
	"sync/atomic"
)

type RowType int

const (
	Unknown RowType = iota
	Insert
	Update
	Delete
)

func (t RowType) String() string {
	switch t {
	case Insert:
		return "INSERT"
	case Update:
		return "UPDATE"
	case Delete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// Row is the canonical change unit. Keys and Tuple hold the serialized bulk-load text.
type Row struct {
	Type        RowType
	OriginTable string
	MappedTable string
	Keys        string
	// OldKeys is set when an update moved the row to a different key.
	OldKeys string
	Tuple   string
}

func (r *Row) Reset() {
	r.Type = Unknown
	r.OriginTable = ""
	r.MappedTable = ""
	r.Keys = ""
	r.OldKeys = ""
	r.Tuple = ""
}

type ColumnType int

const (
	Other ColumnType = iota
	String
	Binary
	Bit
	Time
	Date
	Timestamp
	Numeric
	Boolean
)

var columnTypeNames = map[ColumnType]string{
	Other:     "other",
	String:    "string",
	Binary:    "binary",
	Bit:       "bit",
	Time:      "time",
	Date:      "date",
	Timestamp: "timestamp",
	Numeric:   "numeric",
	Boolean:   "boolean",
}

func (t ColumnType) String() string {
	if s, ok := columnTypeNames[t]; ok {
		return s
	}
	return "other"
}

type Column struct {
	Name      string
	Type      ColumnType
	Precision int
	Scale     int
}

// Table is destination schema metadata; it is read-only once loaded.
type Table struct {
	Name       string
	Columns    []Column
	KeyIndexes []int
}

func (t *Table) NColumns() int {
	return len(t.Columns)
}

func (t *Table) KeyColumns() []Column {
	cols := make([]Column, 0, len(t.KeyIndexes))
	for _, i := range t.KeyIndexes {
		cols = append(cols, t.Columns[i])
	}
	return cols
}

// Callback is notified once the rows it covers are durably applied.
type Callback interface {
	Done()
}

// RowSet is one flush unit for a single table.
type RowSet struct {
	Table     string
	Rows      []*Row
	Callbacks []Callback
}

func (s *RowSet) Reset() {
	s.Table = ""
	for i := range s.Rows {
		s.Rows[i] = nil
	}
	s.Rows = s.Rows[:0]
	for i := range s.Callbacks {
		s.Callbacks[i] = nil
	}
	s.Callbacks = s.Callbacks[:0]
}

var changeSetSeq atomic.Uint64

// ChangeSet is the batch of RowSets a loader applies in one go.
type ChangeSet struct {
	ID      uint64
	RowSets []*RowSet
}

func NextChangeSetID() uint64 {
	return changeSetSeq.Add(1)
}

func (c *ChangeSet) Reset() {
	c.ID = 0
	for i := range c.RowSets {
		c.RowSets[i] = nil
	}
	c.RowSets = c.RowSets[:0]
}

func (c *ChangeSet) RowCount() int {
	n := 0
	for _, rs := range c.RowSets {
		n += len(rs.Rows)
	}
	return n
}

// Message is a raw change message as delivered by a source.
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
}
