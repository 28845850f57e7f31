package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mehmetymw/cdcsync/internal/errs"
	"github.com/mehmetymw/cdcsync/internal/types"
	"github.com/mehmetymw/cdcsync/internal/util"
)

const columnsSQL = `
SELECT column_name, data_type,
       COALESCE(character_maximum_length, 0),
       COALESCE(numeric_precision, 0),
       COALESCE(numeric_scale, 0),
       COALESCE(datetime_precision, 0)
FROM information_schema.columns
WHERE table_schema = $1 AND table_name = $2
ORDER BY ordinal_position`

const keysSQL = `
SELECT a.attname
FROM pg_index i
JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY(i.indkey)
WHERE i.indrelid = $1::regclass AND i.indisprimary
ORDER BY a.attnum`

// LoadTables reads the column and primary key metadata of every named
// destination table.
func LoadTables(ctx context.Context, dsn string, names []string, logger *zap.Logger) (map[string]*types.Table, error) {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "connect destination for metadata")
	}
	defer conn.Close(ctx)

	tables := make(map[string]*types.Table, len(names))
	for _, name := range names {
		t, err := loadTable(ctx, conn, name)
		if err != nil {
			return nil, err
		}
		tables[name] = t
		logger.Info("Loaded table metadata",
			zap.String("table", name),
			zap.Int("columns", t.NColumns()),
			zap.Int("keys", len(t.KeyIndexes)))
	}
	return tables, nil
}

func loadTable(ctx context.Context, conn *pgx.Conn, name string) (*types.Table, error) {
	schema, relation := util.SplitTableName(name)
	rows, err := conn.Query(ctx, columnsSQL, schema, relation)
	if err != nil {
		return nil, errors.Wrapf(err, "query columns of %s", name)
	}
	t := &types.Table{Name: name}
	for rows.Next() {
		var (
			colName, dataType          string
			charLen, numPrec, numScale int
			timePrec                   int
		)
		if err := rows.Scan(&colName, &dataType, &charLen, &numPrec, &numScale, &timePrec); err != nil {
			rows.Close()
			return nil, errors.Wrapf(err, "scan columns of %s", name)
		}
		t.Columns = append(t.Columns, NewColumn(colName, dataType, charLen, numPrec, numScale, timePrec))
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "read columns of %s", name)
	}
	if len(t.Columns) == 0 {
		return nil, errs.New(errs.KindConfig, "destination table "+name+" not found")
	}

	keyRows, err := conn.Query(ctx, keysSQL, util.QuoteTableName(name))
	if err != nil {
		return nil, errors.Wrapf(err, "query primary key of %s", name)
	}
	keys, err := pgx.CollectRows(keyRows, pgx.RowTo[string])
	if err != nil {
		return nil, errors.Wrapf(err, "read primary key of %s", name)
	}
	if err := SetKeys(t, keys); err != nil {
		return nil, err
	}
	return t, nil
}

// SetKeys resolves key column names to indexes.
func SetKeys(t *types.Table, keys []string) error {
	if len(keys) == 0 {
		return errs.New(errs.KindConfig, "destination table "+t.Name+" has no primary key")
	}
	t.KeyIndexes = t.KeyIndexes[:0]
	for _, k := range keys {
		found := false
		for i, c := range t.Columns {
			if c.Name == k {
				t.KeyIndexes = append(t.KeyIndexes, i)
				found = true
				break
			}
		}
		if !found {
			return errs.New(errs.KindConfig, "key column "+k+" missing from "+t.Name)
		}
	}
	return nil
}

// NewColumn maps an information_schema data type to a column descriptor.
func NewColumn(name, dataType string, charLen, numPrec, numScale, timePrec int) types.Column {
	col := types.Column{Name: name, Type: ColumnType(dataType)}
	switch col.Type {
	case types.Bit:
		col.Precision = charLen
	case types.Time, types.Timestamp:
		col.Precision = timePrec
		col.Scale = timePrec
	case types.Numeric:
		col.Precision = numPrec
		col.Scale = numScale
	}
	return col
}

func ColumnType(dataType string) types.ColumnType {
	switch dataType {
	case "text", "character varying", "character", "json", "jsonb", "xml", "citext", "USER-DEFINED":
		return types.String
	case "bytea":
		return types.Binary
	case "bit", "bit varying":
		return types.Bit
	case "time without time zone":
		return types.Time
	case "date":
		return types.Date
	case "timestamp without time zone", "timestamp with time zone":
		return types.Timestamp
	case "smallint", "integer", "bigint", "numeric", "real", "double precision":
		return types.Numeric
	case "boolean":
		return types.Boolean
	default:
		return types.Other
	}
}
