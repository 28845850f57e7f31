// Package postgres reads row changes from a PostgreSQL logical replication
// slot using the pgoutput plugin.
package postgres

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mehmetymw/cdcsync/internal/bookkeeping"
	"github.com/mehmetymw/cdcsync/internal/cdc"
	"github.com/mehmetymw/cdcsync/internal/config"
	"github.com/mehmetymw/cdcsync/internal/errs"
	"github.com/mehmetymw/cdcsync/internal/pool"
	"github.com/mehmetymw/cdcsync/internal/types"
	"github.com/mehmetymw/cdcsync/internal/util"
)

const (
	standbyTimeout = 10 * time.Second
	retryDelay     = 5 * time.Second
)

type Provider struct {
	name     string
	cfg      config.PostgresSource
	tableMap map[string]string
	decoder  *Decoder
	ingestor *cdc.Ingestor
	pools    *pool.Pools
	tracker  *bookkeeping.Tracker
	logger   *zap.Logger

	// acked is the end LSN of the last transaction applied downstream.
	acked   atomic.Uint64
	pending []*types.Row
}

// New creates a provider for one slot. out receives the commit requests.
func New(name string, cfg config.PostgresSource, tableMap map[string]string, tables map[string]*types.Table,
	ingestor *cdc.Ingestor, pools *pool.Pools, out func(bookkeeping.Request), logger *zap.Logger) *Provider {
	logger = logger.With(zap.String("source", name))
	logger.Info("Creating postgres provider",
		zap.String("slot", cfg.Slot),
		zap.String("publication", cfg.Publication),
		zap.Int("tables", len(tableMap)))

	p := &Provider{
		name:     name,
		cfg:      cfg,
		tableMap: tableMap,
		decoder:  NewDecoder(tableMap, tables, logger),
		ingestor: ingestor,
		pools:    pools,
		logger:   logger,
	}
	p.tracker = bookkeeping.NewTracker(name+"/"+cfg.Slot, p.ack, out)
	return p
}

func (p *Provider) Name() string {
	return p.name
}

func (p *Provider) ack(_ context.Context, position int64) error {
	p.acked.Store(uint64(position))
	return nil
}

// Acked returns the LSN reported to the server as flushed.
func (p *Provider) Acked() pglogrepl.LSN {
	return pglogrepl.LSN(p.acked.Load())
}

// Run streams changes until ctx is done. Replication errors are retried
// from the last acknowledged LSN; pool failures end the task.
func (p *Provider) Run(ctx context.Context) error {
	p.logger.Info("Starting postgres replication")
	for {
		err := p.run(ctx)
		p.releasePending()
		if ctx.Err() != nil {
			p.logger.Info("Postgres provider stopped", zap.String("acked_lsn", p.Acked().String()))
			return nil
		}
		if errs.Is(err, errs.KindResource) {
			return err
		}
		p.logger.Error("Replication failed, retrying", zap.Duration("delay", retryDelay), zap.Error(err))
		select {
		case <-time.After(retryDelay):
		case <-ctx.Done():
			return nil
		}
	}
}

func (p *Provider) Close() error {
	return nil
}

func (p *Provider) run(ctx context.Context) error {
	cfg, err := pgconn.ParseConfig(p.cfg.DSN)
	if err != nil {
		return errors.Wrap(err, "parse dsn")
	}
	if cfg.RuntimeParams == nil {
		cfg.RuntimeParams = map[string]string{}
	}
	cfg.RuntimeParams["replication"] = "database"

	p.logger.Info("Connecting to PostgreSQL for replication",
		zap.String("host", cfg.Host),
		zap.Uint16("port", cfg.Port),
		zap.String("database", cfg.Database),
		zap.String("user", cfg.User))
	conn, err := pgconn.ConnectConfig(ctx, cfg)
	if err != nil {
		return errors.Wrap(err, "connect for replication")
	}
	defer conn.Close(context.Background())

	if p.cfg.CreatePublication {
		p.createPublication(ctx)
	}
	if p.cfg.CreateSlot {
		if _, err := pglogrepl.CreateReplicationSlot(ctx, conn, p.cfg.Slot, "pgoutput", pglogrepl.CreateReplicationSlotOptions{}); err != nil {
			p.logger.Warn("Failed to create replication slot (may already exist)",
				zap.String("slot", p.cfg.Slot), zap.Error(err))
		} else {
			p.logger.Info("Replication slot created", zap.String("slot", p.cfg.Slot))
		}
	}

	startLSN, err := p.startLSN()
	if err != nil {
		return err
	}
	opts := pglogrepl.StartReplicationOptions{
		PluginArgs: []string{
			"proto_version '1'",
			fmt.Sprintf("publication_names '%s'", p.cfg.Publication),
		},
	}
	if err := pglogrepl.StartReplication(ctx, conn, p.cfg.Slot, startLSN, opts); err != nil {
		return errors.Wrap(err, "start replication")
	}
	p.logger.Info("Started replication", zap.String("start_lsn", startLSN.String()))

	deadline := time.Now().Add(standbyTimeout)
	for {
		if time.Now().After(deadline) {
			if err := p.sendStatus(ctx, conn, startLSN); err != nil {
				return err
			}
			deadline = time.Now().Add(standbyTimeout)
		}

		recvCtx, cancel := context.WithDeadline(ctx, deadline)
		msg, err := conn.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if pgconn.Timeout(err) {
				continue
			}
			return errors.Wrap(err, "receive replication message")
		}

		switch msg := msg.(type) {
		case *pgproto3.CopyData:
			if len(msg.Data) == 0 {
				continue
			}
			switch msg.Data[0] {
			case pglogrepl.XLogDataByteID:
				x, err := pglogrepl.ParseXLogData(msg.Data[1:])
				if err != nil {
					return errors.Wrap(err, "parse xlog data")
				}
				if err := p.handleXLog(ctx, x.WALData); err != nil {
					return err
				}
			case pglogrepl.PrimaryKeepaliveMessageByteID:
				ka, err := pglogrepl.ParsePrimaryKeepaliveMessage(msg.Data[1:])
				if err != nil {
					return errors.Wrap(err, "parse keepalive")
				}
				if ka.ReplyRequested {
					deadline = time.Time{}
				}
			}
		case *pgproto3.ErrorResponse:
			return errors.Errorf("replication error: %s", msg.Message)
		default:
			p.logger.Debug("Ignoring backend message", zap.String("type", fmt.Sprintf("%T", msg)))
		}
	}
}

func (p *Provider) startLSN() (pglogrepl.LSN, error) {
	var lsn pglogrepl.LSN
	if p.cfg.StartLSN != "" {
		parsed, err := pglogrepl.ParseLSN(p.cfg.StartLSN)
		if err != nil {
			return 0, errs.Wrap(err, errs.KindConfig, "parse start_lsn")
		}
		lsn = parsed
	}
	if acked := p.Acked(); acked > lsn {
		lsn = acked
	}
	return lsn, nil
}

func (p *Provider) sendStatus(ctx context.Context, conn *pgconn.PgConn, start pglogrepl.LSN) error {
	lsn := p.Acked()
	if lsn == 0 {
		lsn = start
	}
	err := pglogrepl.SendStandbyStatusUpdate(ctx, conn, pglogrepl.StandbyStatusUpdate{WALWritePosition: lsn})
	if err != nil {
		return errors.Wrap(err, "send standby status")
	}
	p.logger.Debug("Sent standby status", zap.String("lsn", lsn.String()))
	return nil
}

func (p *Provider) createPublication(ctx context.Context) {
	std, err := pgx.Connect(ctx, p.cfg.DSN)
	if err != nil {
		p.logger.Error("Failed to connect for publication creation", zap.Error(err))
		return
	}
	defer std.Close(ctx)

	tables := make([]string, 0, len(p.tableMap))
	for _, origin := range util.SortedKeys(p.tableMap) {
		tables = append(tables, util.QuoteTableName(origin))
	}
	sql := "CREATE PUBLICATION " + util.QuoteIdent(p.cfg.Publication) + " FOR TABLE " + strings.Join(tables, ", ")
	if _, err := std.Exec(ctx, sql); err != nil {
		p.logger.Warn("Failed to create publication (may already exist)",
			zap.String("publication", p.cfg.Publication), zap.Error(err))
		return
	}
	p.logger.Info("Publication created", zap.String("publication", p.cfg.Publication))
}

// handleXLog buffers the rows of the current transaction and hands them to
// the caches on commit.
func (p *Provider) handleXLog(ctx context.Context, data []byte) error {
	logical, err := pglogrepl.Parse(data)
	if err != nil {
		return errors.Wrap(err, "parse logical message")
	}
	return p.handleMessage(ctx, logical)
}

func (p *Provider) handleMessage(ctx context.Context, logical pglogrepl.Message) error {
	switch m := logical.(type) {
	case *pglogrepl.BeginMessage:
		p.releasePending()
	case *pglogrepl.CommitMessage:
		rows := p.pending
		p.pending = nil
		if err := p.ingestor.Put(ctx, p.tracker, int64(m.TransactionEndLSN), rows); err != nil {
			return err
		}
		p.logger.Debug("Transaction handed off",
			zap.String("end_lsn", m.TransactionEndLSN.String()),
			zap.Int("rows", len(rows)))
	default:
		row, err := p.pools.Rows.Borrow()
		if err != nil {
			return err
		}
		ok, err := p.decoder.DecodeMessage(logical, row)
		if err != nil {
			p.logger.Warn("Skipping undecodable change", zap.Error(err))
		}
		if err != nil || !ok {
			p.pools.Rows.Return(row)
			return nil
		}
		p.pending = append(p.pending, row)
	}
	return nil
}

func (p *Provider) releasePending() {
	for _, r := range p.pending {
		p.pools.Rows.Return(r)
	}
	p.pending = nil
}
