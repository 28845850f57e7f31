// Package postgres applies RowSets to a PostgreSQL or Greenplum destination.
package postgres

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mehmetymw/cdcsync/internal/cdc"
	"github.com/mehmetymw/cdcsync/internal/errs"
	"github.com/mehmetymw/cdcsync/internal/types"
	"github.com/mehmetymw/cdcsync/internal/util"
)

// Conn is one destination connection owned by at most one loader at a time.
type Conn struct {
	id     int
	conn   *pgx.Conn
	tables map[string]*types.Table
	temps  map[string]string
	logger *zap.Logger
}

func Connect(ctx context.Context, dsn string, id int, tables map[string]*types.Table, logger *zap.Logger) (*Conn, error) {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "connect destination (conn %d)", id)
	}
	return &Conn{
		id:     id,
		conn:   conn,
		tables: tables,
		temps:  make(map[string]string),
		logger: logger.With(zap.Int("conn", id)),
	}, nil
}

func (c *Conn) ID() int {
	return c.id
}

func (c *Conn) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}

// Apply deletes every key touched by rs and copies the surviving tuples in
// one transaction.
func (c *Conn) Apply(ctx context.Context, rs *types.RowSet) error {
	table, ok := c.tables[rs.Table]
	if !ok {
		return errs.New(errs.KindData, "no metadata for table "+rs.Table)
	}
	temp, err := c.ensureTemp(ctx, table)
	if err != nil {
		return err
	}

	keys, tuples := Split(rs.Rows)
	tx, err := c.conn.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer tx.Rollback(ctx)

	if len(keys) > 0 {
		if _, err := tx.Conn().PgConn().CopyFrom(ctx, lines(keys), CopyKeysSQL(temp, table)); err != nil {
			return errors.Wrapf(err, "copy keys of %s", table.Name)
		}
		tag, err := tx.Exec(ctx, DeleteSQL(temp, table))
		if err != nil {
			return errors.Wrapf(err, "delete from %s", table.Name)
		}
		if _, err := tx.Exec(ctx, "TRUNCATE "+util.QuoteIdent(temp)); err != nil {
			return errors.Wrap(err, "truncate key table")
		}
		c.logger.Debug("Deleted keys",
			zap.String("table", table.Name),
			zap.Int("keys", len(keys)),
			zap.Int64("deleted", tag.RowsAffected()))
	}
	if len(tuples) > 0 {
		if _, err := tx.Conn().PgConn().CopyFrom(ctx, lines(tuples), CopyRowsSQL(table)); err != nil {
			return errors.Wrapf(err, "copy rows into %s", table.Name)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit")
	}
	return nil
}

// ensureTemp creates the session-local key table for table once per
// connection.
func (c *Conn) ensureTemp(ctx context.Context, table *types.Table) (string, error) {
	if name, ok := c.temps[table.Name]; ok {
		return name, nil
	}
	name := TempTableName(table, c.id)
	if _, err := c.conn.Exec(ctx, CreateTempSQL(name, table)); err != nil {
		return "", errors.Wrapf(err, "create key table for %s", table.Name)
	}
	c.temps[table.Name] = name
	return name, nil
}

// Split returns the distinct keys to delete and the tuples to copy, in row
// order.
func Split(rows []*types.Row) (keys, tuples []string) {
	keys = make([]string, 0, len(rows))
	for _, r := range rows {
		keys = append(keys, r.Keys)
		if r.OldKeys != "" {
			keys = append(keys, r.OldKeys)
		}
		if r.Type != types.Delete {
			tuples = append(tuples, r.Tuple)
		}
	}
	return util.Dedupe(keys), tuples
}

func lines(values []string) *bytes.Buffer {
	var buf bytes.Buffer
	for _, v := range values {
		buf.WriteString(v)
		buf.WriteByte('\n')
	}
	return &buf
}

func columnNames(cols []types.Column) []string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return names
}

func TempTableName(table *types.Table, conn int) string {
	return fmt.Sprintf("cdcsync_keys_%s_%d", strings.ReplaceAll(table.Name, ".", "_"), conn)
}

func CreateTempSQL(temp string, table *types.Table) string {
	return fmt.Sprintf("CREATE TEMP TABLE IF NOT EXISTS %s AS SELECT %s FROM %s WITH NO DATA",
		util.QuoteIdent(temp), util.QuoteColumns(columnNames(table.KeyColumns())), util.QuoteTableName(table.Name))
}

func CopyKeysSQL(temp string, table *types.Table) string {
	return fmt.Sprintf("COPY %s (%s) FROM STDIN WITH %s",
		util.QuoteIdent(temp), util.QuoteColumns(columnNames(table.KeyColumns())), cdc.CopyOptions)
}

func CopyRowsSQL(table *types.Table) string {
	return fmt.Sprintf("COPY %s (%s) FROM STDIN WITH %s",
		util.QuoteTableName(table.Name), util.QuoteColumns(columnNames(table.Columns)), cdc.CopyOptions)
}

func DeleteSQL(temp string, table *types.Table) string {
	conds := make([]string, 0, len(table.KeyIndexes))
	for _, col := range table.KeyColumns() {
		q := util.QuoteIdent(col.Name)
		conds = append(conds, "t."+q+" = k."+q)
	}
	return fmt.Sprintf("DELETE FROM %s t WHERE EXISTS (SELECT 1 FROM %s k WHERE %s)",
		util.QuoteTableName(table.Name), util.QuoteIdent(temp), strings.Join(conds, " AND "))
}
