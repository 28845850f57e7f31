// Package debezium decodes Debezium change envelopes read from Kafka.
package debezium

import (
	"bytes"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/mehmetymw/cdcsync/internal/cdc"
	"github.com/mehmetymw/cdcsync/internal/errs"
	"github.com/mehmetymw/cdcsync/internal/types"
)

const (
	OpRead   = "r"
	OpCreate = "c"
	OpUpdate = "u"
	OpDelete = "d"
)

type envelope struct {
	Payload *payload `json:"payload"`
}

type payload struct {
	Op     string         `json:"op"`
	Before map[string]any `json:"before"`
	After  map[string]any `json:"after"`
}

// image is a Debezium row image decoded with UseNumber.
type image map[string]any

func (m image) Field(name string) (string, bool) {
	v, ok := m[name]
	if !ok || v == nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	case bool:
		if t {
			return "true", true
		}
		return "false", true
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return "", false
		}
		return string(b), true
	}
}

type Decoder struct {
	tableMap  map[string]string
	tables    map[string]*types.Table
	formatter *cdc.Formatter
	logger    *zap.Logger
}

var _ cdc.Decoder = (*Decoder)(nil)

// NewDecoder creates a decoder. tableMap maps topic -> destination table and
// tables holds the destination metadata keyed by destination table.
func NewDecoder(tableMap map[string]string, tables map[string]*types.Table, logger *zap.Logger) *Decoder {
	return &Decoder{
		tableMap:  tableMap,
		tables:    tables,
		formatter: cdc.NewFormatter(columnDecoder{logger: logger}),
		logger:    logger,
	}
}

func (d *Decoder) Decode(msg *types.Message, row *types.Row) (bool, error) {
	if len(msg.Value) == 0 {
		return false, nil
	}

	var env envelope
	dec := json.NewDecoder(bytes.NewReader(msg.Value))
	dec.UseNumber()
	if err := dec.Decode(&env); err != nil {
		return false, errs.Wrap(err, errs.KindData, "parse debezium envelope")
	}
	if env.Payload == nil {
		return false, nil
	}

	p := env.Payload
	var (
		tp  types.RowType
		img image
	)
	switch p.Op {
	case OpRead, OpCreate:
		tp, img = types.Insert, p.After
	case OpUpdate:
		tp, img = types.Update, p.After
	case OpDelete:
		tp, img = types.Delete, p.Before
	default:
		d.logger.Debug("Skipping message with unknown op",
			zap.String("topic", msg.Topic),
			zap.String("op", p.Op),
			zap.Int64("offset", msg.Offset))
		return false, nil
	}
	if img == nil {
		return false, errs.New(errs.KindData, "missing row image for op "+p.Op)
	}

	mapped, ok := d.tableMap[msg.Topic]
	if !ok {
		return false, errs.New(errs.KindData, "no table mapping for topic "+msg.Topic)
	}
	table, ok := d.tables[mapped]
	if !ok {
		return false, errs.New(errs.KindData, "no metadata for table "+mapped)
	}

	row.Type = tp
	row.OriginTable = msg.Topic
	row.MappedTable = mapped
	row.Keys = d.formatter.Keys(img, table)
	if tp != types.Delete {
		row.Tuple = d.formatter.Tuple(img, table)
	}
	if tp == types.Update && p.Before != nil && cdc.HasKeys(image(p.Before), table) {
		if old := d.formatter.Keys(image(p.Before), table); old != row.Keys {
			row.OldKeys = old
		}
	}
	return true, nil
}
