package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mehmetymw/cdcsync/internal/errs"
	"github.com/mehmetymw/cdcsync/internal/types"
)

func orderLines() *types.Table {
	return &types.Table{
		Name: "sales.order_lines",
		Columns: []types.Column{
			{Name: "order_id", Type: types.Numeric},
			{Name: "line", Type: types.Numeric},
			{Name: "sku", Type: types.String},
		},
		KeyIndexes: []int{0, 1},
	}
}

func TestSQLBuilders(t *testing.T) {
	table := orderLines()
	temp := TempTableName(table, 2)
	assert.Equal(t, "cdcsync_keys_sales_order_lines_2", temp)

	assert.Equal(t,
		`CREATE TEMP TABLE IF NOT EXISTS "cdcsync_keys_sales_order_lines_2" AS SELECT "order_id", "line" FROM "sales"."order_lines" WITH NO DATA`,
		CreateTempSQL(temp, table))
	assert.Equal(t,
		`COPY "cdcsync_keys_sales_order_lines_2" ("order_id", "line") FROM STDIN WITH (FORMAT csv, DELIMITER '|', QUOTE '"', ESCAPE '\', NULL '')`,
		CopyKeysSQL(temp, table))
	assert.Equal(t,
		`COPY "sales"."order_lines" ("order_id", "line", "sku") FROM STDIN WITH (FORMAT csv, DELIMITER '|', QUOTE '"', ESCAPE '\', NULL '')`,
		CopyRowsSQL(table))
	assert.Equal(t,
		`DELETE FROM "sales"."order_lines" t WHERE EXISTS (SELECT 1 FROM "cdcsync_keys_sales_order_lines_2" k WHERE t."order_id" = k."order_id" AND t."line" = k."line")`,
		DeleteSQL(temp, table))
}

func TestSplit(t *testing.T) {
	rows := []*types.Row{
		{Type: types.Insert, Keys: "1|1", Tuple: `1|1|"a"`},
		{Type: types.Delete, Keys: "1|2"},
		{Type: types.Update, Keys: "2|1", OldKeys: "1|1", Tuple: `2|1|"b"`},
	}
	keys, tuples := Split(rows)
	assert.Equal(t, []string{"1|1", "1|2", "2|1"}, keys)
	assert.Equal(t, []string{`1|1|"a"`, `2|1|"b"`}, tuples)
}

func TestLines(t *testing.T) {
	assert.Equal(t, "a\nb\n", lines([]string{"a", "b"}).String())
	assert.Equal(t, "", lines(nil).String())
}

func TestColumnMapping(t *testing.T) {
	assert.Equal(t, types.String, ColumnType("character varying"))
	assert.Equal(t, types.Binary, ColumnType("bytea"))
	assert.Equal(t, types.Other, ColumnType("interval"))

	bit := NewColumn("flags", "bit varying", 12, 0, 0, 0)
	assert.Equal(t, types.Bit, bit.Type)
	assert.Equal(t, 12, bit.Precision)

	tm := NewColumn("at", "time without time zone", 0, 0, 0, 3)
	assert.Equal(t, types.Time, tm.Type)
	assert.Equal(t, 3, tm.Precision)

	tz := NewColumn("at", "time with time zone", 0, 0, 0, 6)
	assert.Equal(t, types.Other, tz.Type)
	assert.Equal(t, types.Timestamp, ColumnType("timestamp with time zone"))

	num := NewColumn("amount", "numeric", 0, 12, 2, 0)
	assert.Equal(t, 12, num.Precision)
	assert.Equal(t, 2, num.Scale)
}

func TestSetKeys(t *testing.T) {
	table := orderLines()
	require.NoError(t, SetKeys(table, []string{"line", "order_id"}))
	assert.Equal(t, []int{1, 0}, table.KeyIndexes)

	err := SetKeys(table, nil)
	assert.True(t, errs.Is(err, errs.KindConfig))

	err = SetKeys(table, []string{"missing"})
	assert.True(t, errs.Is(err, errs.KindConfig))
}
