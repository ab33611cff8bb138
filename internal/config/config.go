// Package config loads flowq configuration.
//
// A configuration file is YAML (.yaml, .yml) or CUE (.cue). Either way the
// decoded value is unified with the embedded #Config schema, which fills
// defaults, closes the set of fields and checks enums and ranges. Errors
// name the offending field path.
package config

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaSource string

// Config is the full server configuration.
type Config struct {
	Server ServerConfig `json:"server" yaml:"server"`
	State  StateConfig  `json:"state" yaml:"state"`
	Engine EngineConfig `json:"engine" yaml:"engine"`
	FlowDB FlowDBConfig `json:"flowdb" yaml:"flowdb"`
	Log    LogConfig    `json:"log" yaml:"log"`
}

type ServerConfig struct {
	ListenAddr     string   `json:"listen_addr" yaml:"listen_addr"`
	MaxInFlight    int      `json:"max_in_flight" yaml:"max_in_flight"`
	RequestTimeout Duration `json:"request_timeout" yaml:"request_timeout"`
	// MaxMessageBytes bounds one inbound websocket frame.
	MaxMessageBytes int64 `json:"max_message_bytes" yaml:"max_message_bytes"`
	// PongWait is how long a silent client is kept before it is dropped.
	PongWait Duration `json:"pong_wait" yaml:"pong_wait"`
}

// StateConfig selects the shared state store.
type StateConfig struct {
	Backend    string `json:"backend" yaml:"backend"` // memory | sqlite | redis
	SQLitePath string `json:"sqlite_path" yaml:"sqlite_path"`
	RedisAddr  string `json:"redis_addr" yaml:"redis_addr"`
	RedisDB    int    `json:"redis_db" yaml:"redis_db"`
	KeyPrefix  string `json:"key_prefix" yaml:"key_prefix"`
}

type EngineConfig struct {
	Workers         int      `json:"workers" yaml:"workers"`
	QueueCapacity   int      `json:"queue_capacity" yaml:"queue_capacity"`
	MaxRunning      Duration `json:"max_running" yaml:"max_running"`
	ReclaimInterval Duration `json:"reclaim_interval" yaml:"reclaim_interval"`
	GraphCacheSize  int      `json:"graph_cache_size" yaml:"graph_cache_size"`
}

// FlowDBConfig locates the PostgreSQL data source. With DryRun set,
// statements are logged instead of executed and DSN may be empty.
type FlowDBConfig struct {
	DSN         string `json:"dsn" yaml:"dsn"`
	CacheSchema string `json:"cache_schema" yaml:"cache_schema"`
	DryRun      bool   `json:"dry_run" yaml:"dry_run"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// State backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Duration is a time.Duration written as "30s", "1h" and so on.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Error is a configuration problem at a field path.
type Error struct {
	Path    string
	Message string
	Pos     token.Pos
}

func (e *Error) Error() string {
	loc := e.Path
	if loc == "" {
		loc = "config"
	}
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), loc, e.Message)
	}
	return fmt.Sprintf("%s: %s", loc, e.Message)
}

// Default returns the configuration with every default applied.
func Default() Config {
	cfg, err := decode(cuecontext.New().CompileString("{}"))
	if err != nil {
		panic(fmt.Sprintf("config: embedded schema: %v", err))
	}
	return cfg
}

// Load reads and validates the file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return ParseYAML(data)
	case ".cue":
		return ParseCUE(path, data)
	default:
		return Config{}, fmt.Errorf("unsupported config file type %q", ext)
	}
}

// ParseYAML validates a YAML document.
func ParseYAML(data []byte) (Config, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("parse yaml: %w", err)
	}
	if raw == nil {
		raw = map[string]any{}
	}
	ctx := cuecontext.New()
	v := ctx.Encode(raw)
	if err := v.Err(); err != nil {
		return Config{}, formatCUEError(err)
	}
	return decode(v)
}

// ParseCUE validates a CUE source. filename is used in positions.
func ParseCUE(filename string, data []byte) (Config, error) {
	v := cuecontext.New().CompileBytes(data, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return Config{}, formatCUEError(err)
	}
	return decode(v)
}

// decode unifies v with #Config and converts the result.
func decode(v cue.Value) (Config, error) {
	ctx := v.Context()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return Config{}, formatCUEError(err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	unified := def.Unify(v)
	if err := unified.Validate(cue.Concrete(true), cue.Final()); err != nil {
		return Config{}, formatCUEError(err)
	}
	b, err := unified.MarshalJSON()
	if err != nil {
		return Config{}, formatCUEError(err)
	}

	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks constraints that span fields. Load and the parse
// functions call it; callers that change a Config afterwards should call it
// again.
func (c Config) Validate() error {
	switch c.State.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.State.SQLitePath == "" {
			return &Error{Path: "state.sqlite_path", Message: "required for the sqlite backend"}
		}
	case BackendRedis:
		if c.State.RedisAddr == "" {
			return &Error{Path: "state.redis_addr", Message: "required for the redis backend"}
		}
	default:
		return &Error{Path: "state.backend", Message: fmt.Sprintf("unknown backend %q", c.State.Backend)}
	}
	if c.Engine.Workers < 1 {
		return &Error{Path: "engine.workers", Message: "must be at least 1"}
	}
	return nil
}

// YAML renders c as a YAML document.
func (c Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// formatCUEError converts the first CUE error into an *Error.
func formatCUEError(err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	format, args := first.Msg()
	e := &Error{
		Path:    strings.Join(first.Path(), "."),
		Message: fmt.Sprintf(format, args...),
	}
	if pos := cueerrors.Positions(first); len(pos) > 0 {
		e.Pos = pos[0]
	}
	return e
}

// IsError reports whether err is a configuration error.
func IsError(err error) bool {
	var ce *Error
	return errors.As(err, &ce)
}
