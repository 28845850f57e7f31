package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/mehmetymw/cdcsync/internal/cdc/debezium"
	"github.com/mehmetymw/cdcsync/internal/cdc/kafka"
	"github.com/mehmetymw/cdcsync/internal/cdc/postgres"
	"github.com/mehmetymw/cdcsync/internal/config"
	"github.com/mehmetymw/cdcsync/internal/pipeline"
	sinkpg "github.com/mehmetymw/cdcsync/internal/sink/postgres"
)

var version = "0.1.0"

type healthz struct {
	Status    string          `json:"status"`
	Timestamp string          `json:"timestamp"`
	Pipeline  pipeline.Status `json:"pipeline"`
}

func main() {
	root := &cobra.Command{
		Use:   "cdcsync",
		Short: "Replicate change streams into PostgreSQL and Greenplum",
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("cdcsync v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	var configPath string
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the replication pipeline",
		Long: `Run the replication pipeline described by a YAML configuration file.
Without --config the path is read from CONFIG_PATH.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}
	runCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file")
	root.AddCommand(runCmd)

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and the target tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Log)
			if err != nil {
				return err
			}
			defer logger.Sync()
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			tables, err := sinkpg.LoadTables(ctx, cfg.Target.DSN, cfg.MappedTables(), logger)
			if err != nil {
				return err
			}
			for name, t := range tables {
				keys := make([]string, 0, len(t.KeyIndexes))
				for _, c := range t.KeyColumns() {
					keys = append(keys, c.Name)
				}
				fmt.Printf("%s: %d columns, key %v\n", name, t.NColumns(), keys)
			}
			return nil
		},
	}
	checkCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file")
	root.AddCommand(checkCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.LoadFromEnv()
	}
	return config.Load(path)
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, errors.Wrap(err, "log level")
	}
	zapConfig := zap.NewProductionConfig()
	zapConfig.Level = zap.NewAtomicLevelAt(level)
	zapConfig.Encoding = cfg.Encoding
	return zapConfig.Build()
}

func run(cfg config.Config) error {
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("Starting cdcsync", zap.String("version", version), zap.Int("sources", len(cfg.Sources)))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	tables, err := sinkpg.LoadTables(ctx, cfg.Target.DSN, cfg.MappedTables(), logger)
	cancel()
	if err != nil {
		return errors.Wrap(err, "load target tables")
	}

	p := pipeline.New(cfg.Pipeline, tables, prometheus.DefaultRegisterer, logger)
	for _, s := range cfg.Sources {
		src, err := newSource(cfg, s, p, logger)
		if err != nil {
			return err
		}
		p.AddSource(src)
	}

	connect := func(ctx context.Context, id int) (pipeline.Conn, error) {
		conn, err := sinkpg.Connect(ctx, cfg.Target.DSN, id, tables, logger)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
	if err := p.Start(context.Background(), connect); err != nil {
		p.Stop()
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		st := p.Status()
		resp := healthz{Status: "running", Timestamp: time.Now().Format(time.RFC3339), Pipeline: st}
		code := http.StatusOK
		if st.Stopped {
			resp.Status = "stopped"
			code = http.StatusServiceUnavailable
		}
		b, _ := json.Marshal(resp)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		w.Write(b)
	})
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: cfg.HTTP.Addr, Handler: mux}

	var g errgroup.Group
	g.Go(func() error {
		logger.Info("Starting HTTP server", zap.String("addr", cfg.HTTP.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", zap.Error(err))
			return err
		}
		return nil
	})
	g.Go(func() error {
		err := p.Wait()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if serr := server.Shutdown(shutdownCtx); serr != nil {
			logger.Error("HTTP server shutdown error", zap.Error(serr))
		}
		return err
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-quit
		logger.Info("Shutting down gracefully...", zap.String("signal", sig.String()))
		p.Stop()
	}()

	err = g.Wait()
	signal.Stop(quit)
	if err != nil {
		logger.Error("Pipeline failed", zap.Error(err))
		return err
	}
	logger.Info("Shutdown complete")
	return nil
}

func newSource(cfg config.Config, s config.SourceConfig, p *pipeline.Pipeline, logger *zap.Logger) (pipeline.Source, error) {
	switch s.Type {
	case config.SourceKafka:
		logger.Info("Creating kafka source",
			zap.String("name", s.Name),
			zap.Strings("brokers", s.Kafka.Brokers),
			zap.Strings("topics", s.Kafka.Topics))
		reader := kafka.NewReader(s.Kafka, logger)
		decoder := debezium.NewDecoder(s.TableMap, p.Tables(), logger)
		return kafka.New(kafka.Options{
			Name:         s.Name,
			BatchSize:    cfg.Pipeline.BatchSize,
			FetchTimeout: cfg.Pipeline.FetchTimeout(),
		}, reader, decoder, p.Ingestor(), p.Pools(), p.CommitRequests, logger), nil
	case config.SourcePostgres:
		return postgres.New(s.Name, s.Postgres, s.TableMap, p.Tables(), p.Ingestor(), p.Pools(), p.CommitRequests, logger), nil
	default:
		return nil, errors.Errorf("unknown source type %q", s.Type)
	}
}
