package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/mehmetymw/cdcsync/internal/errs"
)

const (
	SourceKafka    = "kafka"
	SourcePostgres = "postgres"
)

type KafkaSource struct {
	Brokers  []string `yaml:"brokers"`
	GroupID  string   `yaml:"group_id"`
	MinBytes int      `yaml:"min_bytes"`
	MaxBytes int      `yaml:"max_bytes"`
	// Topics default to the origin names of the table map.
	Topics []string `yaml:"topics"`
}

type PostgresSource struct {
	DSN         string `yaml:"dsn"`
	Slot        string `yaml:"slot"`
	Publication string `yaml:"publication"`
	StartLSN    string `yaml:"start_lsn"`
	CreateSlot  bool   `yaml:"create_slot"`
	// CreatePublication creates the publication for the mapped tables.
	CreatePublication bool `yaml:"create_publication"`
}

type SourceConfig struct {
	Name     string         `yaml:"name"`
	Type     string         `yaml:"type"`
	Kafka    KafkaSource    `yaml:"kafka"`
	Postgres PostgresSource `yaml:"postgres"`
	// TableMap maps origin tables (topics or schema.table) to destination tables.
	TableMap map[string]string `yaml:"table_map"`
}

type TargetConfig struct {
	DSN string `yaml:"dsn"`
}

type PipelineConfig struct {
	Loaders            int `yaml:"loaders"`
	LoaderConnSize     int `yaml:"loader_conn_size"`
	ChangeSetQueueSize int `yaml:"changeset_queue_size"`
	PositionQueueSize  int `yaml:"position_queue_size"`
	RowCacheSize       int `yaml:"row_cache_size"`
	BatchSize          int `yaml:"batch_size"`
	FetchTimeoutMs     int `yaml:"fetch_timeout_ms"`
	FlushIntervalMs    int `yaml:"flush_interval_ms"`
	CommitIntervalMs   int `yaml:"commit_interval_ms"`
	PoolMaxIdle        int `yaml:"pool_max_idle"`
}

func (p PipelineConfig) FlushInterval() time.Duration {
	return time.Duration(p.FlushIntervalMs) * time.Millisecond
}

func (p PipelineConfig) CommitInterval() time.Duration {
	return time.Duration(p.CommitIntervalMs) * time.Millisecond
}

func (p PipelineConfig) FetchTimeout() time.Duration {
	return time.Duration(p.FetchTimeoutMs) * time.Millisecond
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level    string `yaml:"level"`
	Encoding string `yaml:"encoding"`
}

type Config struct {
	Sources  []SourceConfig `yaml:"sources"`
	Target   TargetConfig   `yaml:"target"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	HTTP     HTTPConfig     `yaml:"http"`
	Log      LogConfig      `yaml:"log"`
}

// TableMap merges the table maps of all sources.
func (c Config) TableMap() map[string]string {
	m := make(map[string]string)
	for _, s := range c.Sources {
		for origin, mapped := range s.TableMap {
			m[origin] = mapped
		}
	}
	return m
}

// MappedTables returns the distinct destination tables.
func (c Config) MappedTables() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, s := range c.Sources {
		for _, mapped := range s.TableMap {
			if _, ok := seen[mapped]; ok {
				continue
			}
			seen[mapped] = struct{}{}
			out = append(out, mapped)
		}
	}
	return out
}

func LoadFromEnv() (Config, error) {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		return Config{}, errs.New(errs.KindConfig, "CONFIG_PATH is not set")
	}
	return Load(path)
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "read config %s", path)
	}
	return Parse(b)
}

func Parse(b []byte) (Config, error) {
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return Config{}, errs.Wrap(err, errs.KindConfig, "parse config")
	}
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) ApplyDefaults() {
	p := &c.Pipeline
	if p.Loaders <= 0 {
		p.Loaders = 4
	}
	if p.LoaderConnSize <= 0 {
		p.LoaderConnSize = p.Loaders
	}
	if p.ChangeSetQueueSize <= 0 {
		p.ChangeSetQueueSize = 16
	}
	if p.PositionQueueSize <= 0 {
		p.PositionQueueSize = 1024
	}
	if p.RowCacheSize <= 0 {
		p.RowCacheSize = 100000
	}
	if p.BatchSize <= 0 {
		p.BatchSize = 5000
	}
	if p.FetchTimeoutMs <= 0 {
		p.FetchTimeoutMs = 500
	}
	if p.FlushIntervalMs <= 0 {
		p.FlushIntervalMs = 1000
	}
	if p.CommitIntervalMs <= 0 {
		p.CommitIntervalMs = 1000
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Encoding == "" {
		c.Log.Encoding = "json"
	}
	for i := range c.Sources {
		s := &c.Sources[i]
		if s.Name == "" {
			s.Name = s.Type
		}
		if s.Type == SourceKafka && len(s.Kafka.Topics) == 0 {
			for origin := range s.TableMap {
				s.Kafka.Topics = append(s.Kafka.Topics, origin)
			}
		}
	}
}

func (c Config) Validate() error {
	if len(c.Sources) == 0 {
		return errs.New(errs.KindConfig, "at least one source is required")
	}
	if c.Target.DSN == "" {
		return errs.New(errs.KindConfig, "target.dsn is required")
	}
	names := make(map[string]struct{})
	origins := make(map[string]string)
	for _, s := range c.Sources {
		if _, dup := names[s.Name]; dup {
			return errs.New(errs.KindConfig, "duplicate source name "+s.Name)
		}
		names[s.Name] = struct{}{}
		if len(s.TableMap) == 0 {
			return errs.New(errs.KindConfig, "source "+s.Name+" has an empty table_map")
		}
		for origin := range s.TableMap {
			if other, dup := origins[origin]; dup {
				return errs.New(errs.KindConfig, "origin table "+origin+" is mapped by sources "+other+" and "+s.Name)
			}
			origins[origin] = s.Name
		}
		switch s.Type {
		case SourceKafka:
			if len(s.Kafka.Brokers) == 0 {
				return errs.New(errs.KindConfig, "source "+s.Name+": kafka.brokers is required")
			}
			if s.Kafka.GroupID == "" {
				return errs.New(errs.KindConfig, "source "+s.Name+": kafka.group_id is required")
			}
		case SourcePostgres:
			if s.Postgres.DSN == "" || s.Postgres.Slot == "" || s.Postgres.Publication == "" {
				return errs.New(errs.KindConfig, "source "+s.Name+": postgres.dsn, slot and publication are required")
			}
		default:
			return errs.New(errs.KindConfig, "source "+s.Name+": unknown type "+s.Type)
		}
	}
	return nil
}
