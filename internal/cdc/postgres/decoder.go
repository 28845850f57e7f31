package postgres

import (
	"fmt"

	"github.com/jackc/pglogrepl"
	"go.uber.org/zap"

	"github.com/mehmetymw/cdcsync/internal/cdc"
	"github.com/mehmetymw/cdcsync/internal/errs"
	"github.com/mehmetymw/cdcsync/internal/types"
)

type relation struct {
	id      uint32
	schema  string
	table   string
	columns map[string]int
}

func (r *relation) name() string {
	return r.schema + "." + r.table
}

// tupleRecord exposes a pgoutput tuple in text format. NULL and unchanged
// TOAST values are both absent.
type tupleRecord struct {
	rel   *relation
	tuple *pglogrepl.TupleData
}

func (t tupleRecord) Field(name string) (string, bool) {
	if t.tuple == nil {
		return "", false
	}
	i, ok := t.rel.columns[name]
	if !ok || i >= len(t.tuple.Columns) {
		return "", false
	}
	col := t.tuple.Columns[i]
	if col.DataType != 't' {
		return "", false
	}
	return string(col.Data), true
}

// Decoder converts pgoutput row messages into rows. Values already are in
// PostgreSQL text format, so columns pass through unchanged.
type Decoder struct {
	tableMap  map[string]string
	tables    map[string]*types.Table
	relations map[uint32]*relation
	formatter *cdc.Formatter
	logger    *zap.Logger
}

var _ cdc.Decoder = (*Decoder)(nil)

// NewDecoder creates a decoder. tableMap maps schema.table on the source to
// the destination table.
func NewDecoder(tableMap map[string]string, tables map[string]*types.Table, logger *zap.Logger) *Decoder {
	return &Decoder{
		tableMap:  tableMap,
		tables:    tables,
		relations: make(map[uint32]*relation),
		formatter: cdc.NewFormatter(cdc.Passthrough),
		logger:    logger,
	}
}

// Decode parses the WAL data in msg.Value.
func (d *Decoder) Decode(msg *types.Message, row *types.Row) (bool, error) {
	logical, err := pglogrepl.Parse(msg.Value)
	if err != nil {
		return false, errs.Wrap(err, errs.KindData, "parse logical replication message")
	}
	return d.DecodeMessage(logical, row)
}

// DecodeMessage fills row from an insert, update or delete. Relation
// messages update the relation cache; everything else is skipped.
func (d *Decoder) DecodeMessage(logical pglogrepl.Message, row *types.Row) (bool, error) {
	switch m := logical.(type) {
	case *pglogrepl.RelationMessage:
		rel := &relation{
			id:      m.RelationID,
			schema:  m.Namespace,
			table:   m.RelationName,
			columns: make(map[string]int, len(m.Columns)),
		}
		for i, col := range m.Columns {
			rel.columns[col.Name] = i
		}
		d.relations[rel.id] = rel
		d.logger.Debug("Added relation",
			zap.Uint32("id", rel.id),
			zap.String("table", rel.name()),
			zap.Int("columns", len(m.Columns)))
		return false, nil
	case *pglogrepl.InsertMessage:
		return d.fill(row, types.Insert, m.RelationID, m.Tuple, nil)
	case *pglogrepl.UpdateMessage:
		return d.fill(row, types.Update, m.RelationID, m.NewTuple, m.OldTuple)
	case *pglogrepl.DeleteMessage:
		return d.fill(row, types.Delete, m.RelationID, m.OldTuple, nil)
	case *pglogrepl.TruncateMessage:
		d.logger.Warn("Ignoring truncate", zap.Int("relations", len(m.RelationIDs)))
		return false, nil
	default:
		return false, nil
	}
}

func (d *Decoder) fill(row *types.Row, tp types.RowType, relID uint32, image, before *pglogrepl.TupleData) (bool, error) {
	rel, ok := d.relations[relID]
	if !ok {
		return false, errs.New(errs.KindData, fmt.Sprintf("unknown relation %d", relID))
	}
	mapped, ok := d.tableMap[rel.name()]
	if !ok {
		d.logger.Debug("No mapping for table, skipping", zap.String("table", rel.name()))
		return false, nil
	}
	table, ok := d.tables[mapped]
	if !ok {
		return false, errs.New(errs.KindData, "no metadata for table "+mapped)
	}
	if image == nil {
		return false, errs.New(errs.KindData, "missing row image for "+tp.String()+" on "+rel.name())
	}

	rec := tupleRecord{rel: rel, tuple: image}
	row.Type = tp
	row.OriginTable = rel.name()
	row.MappedTable = mapped
	row.Keys = d.formatter.Keys(rec, table)
	if tp != types.Delete {
		row.Tuple = d.formatter.Tuple(rec, table)
	}
	if before != nil {
		old := tupleRecord{rel: rel, tuple: before}
		if cdc.HasKeys(old, table) {
			if keys := d.formatter.Keys(old, table); keys != row.Keys {
				row.OldKeys = keys
			}
		}
	}
	return true, nil
}
