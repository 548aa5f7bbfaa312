package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/caarlos0/env/v11"
	"golang.org/x/time/rate"

	"github.com/roach88/govern/internal/bulk"
	"github.com/roach88/govern/internal/engine"
	"github.com/roach88/govern/internal/guard"
	"github.com/roach88/govern/internal/jobs"
	"github.com/roach88/govern/internal/quota"
	"github.com/roach88/govern/internal/record"
)

//go:embed schema.cue
var schemaCUE string

// EnvPrefix prefixes every environment override.
const EnvPrefix = "GOVERN_"

// Limits mirrors quota.Limits with configuration tags.
type Limits struct {
	Queries   int64 `json:"queries" env:"QUERIES"`
	Mutations int64 `json:"mutations" env:"MUTATIONS"`
	CPUMillis int64 `json:"cpuMillis" env:"CPU_MILLIS"`
	HeapBytes int64 `json:"heapBytes" env:"HEAP_BYTES"`
}

// Quota converts l to tracker ceilings.
func (l Limits) Quota() quota.Limits {
	return quota.Limits{Queries: l.Queries, Mutations: l.Mutations, CPUMillis: l.CPUMillis, HeapBytes: l.HeapBytes}
}

func limitsFrom(q quota.Limits) Limits {
	return Limits{Queries: q.Queries, Mutations: q.Mutations, CPUMillis: q.CPUMillis, HeapBytes: q.HeapBytes}
}

// Guard configures the recursion guard.
type Guard struct {
	Ceiling int `json:"ceiling" env:"CEILING"`
}

// Jobs configures the orchestrator.
type Jobs struct {
	ChunkSize        int      `json:"chunkSize" env:"CHUNK_SIZE"`
	MaxActiveBatches int      `json:"maxActiveBatches" env:"MAX_ACTIVE_BATCHES"`
	MaxQueuedBatches int      `json:"maxQueuedBatches" env:"MAX_QUEUED_BATCHES"`
	MaxChainDepth    int      `json:"maxChainDepth" env:"MAX_CHAIN_DEPTH"`
	ChunkRetries     int      `json:"chunkRetries" env:"CHUNK_RETRIES"`
	SubmitRate       float64  `json:"submitRate" env:"SUBMIT_RATE"`
	SubmitBurst      int      `json:"submitBurst" env:"SUBMIT_BURST"`
	TickInterval     Duration `json:"tickInterval" env:"TICK_INTERVAL"`
}

// Schedule declares a scheduled-recurring job.
type Schedule struct {
	Name    string         `json:"name"`
	Cron    string         `json:"cron"`
	Task    string         `json:"task"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Store configures the SQLite database. An empty path selects the
// in-memory backend.
type Store struct {
	Path string `json:"path" env:"PATH"`
}

// Log configures the logger.
type Log struct {
	Level string `json:"level" env:"LEVEL"`
}

// Config is the engine configuration.
type Config struct {
	Sync      Limits     `json:"sync" envPrefix:"SYNC_"`
	Async     Limits     `json:"async" envPrefix:"ASYNC_"`
	Guard     Guard      `json:"guard" envPrefix:"GUARD_"`
	Jobs      Jobs       `json:"jobs" envPrefix:"JOBS_"`
	Schedules []Schedule `json:"schedules,omitempty"`
	Store     Store      `json:"store" envPrefix:"STORE_"`
	Log       Log        `json:"log" envPrefix:"LOG_"`
}

// Duration is a time.Duration written as "500ms", "1s", "5m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns the classic platform governor limits.
func Default() Config {
	return Config{
		Sync:  limitsFrom(quota.DefaultSync()),
		Async: limitsFrom(quota.DefaultAsync()),
		Guard: Guard{Ceiling: guard.DefaultCeiling},
		Jobs: Jobs{
			ChunkSize:        bulk.DefaultChunkSize,
			MaxActiveBatches: jobs.DefaultMaxActiveBatches,
			MaxQueuedBatches: jobs.DefaultMaxQueuedBatches,
			ChunkRetries:     jobs.DefaultChunkTries,
			SubmitRate:       jobs.DefaultSubmitRate,
			SubmitBurst:      jobs.DefaultSubmitBurst,
			TickInterval:     Duration{time.Second},
		},
		Log: Log{Level: "info"},
	}
}

// Error reports every problem found in a configuration document.
type Error struct {
	File     string
	Problems []string
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid config %s: %s", e.File, strings.Join(e.Problems, "; "))
}

// Load reads a CUE configuration file, applies GOVERN_ environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data, path)
	if err != nil {
		return Config{}, err
	}
	if err := ApplyEnv(&cfg, nil); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse unifies a CUE document with the schema and decodes it over the
// defaults. Fields the document leaves out keep their default values.
func Parse(data []byte, filename string) (Config, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue")).LookupPath(cue.ParsePath("#Config"))
	if err := schema.Err(); err != nil {
		return Config{}, fmt.Errorf("compile schema: %w", err)
	}

	doc := ctx.CompileBytes(data, cue.Filename(filename))
	if err := doc.Err(); err != nil {
		return Config{}, schemaError(filename, err)
	}

	v := schema.Unify(doc)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return Config{}, schemaError(filename, err)
	}

	raw, err := v.MarshalJSON()
	if err != nil {
		return Config{}, schemaError(filename, err)
	}

	cfg := Default()
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config %s: %w", filename, err)
	}
	return cfg, nil
}

func schemaError(filename string, err error) error {
	out := &Error{File: filename}
	for _, e := range cueerrors.Errors(err) {
		msg := e.Error()
		if pos := e.Position(); pos.IsValid() {
			msg = fmt.Sprintf("%d:%d: %s", pos.Line(), pos.Column(), msg)
		}
		out.Problems = append(out.Problems, msg)
	}
	if len(out.Problems) == 0 {
		out.Problems = []string{err.Error()}
	}
	return out
}

// ApplyEnv overrides cfg from GOVERN_-prefixed variables, for example
// GOVERN_SYNC_QUERIES or GOVERN_JOBS_CHUNK_SIZE. A nil environment reads
// the process environment.
func ApplyEnv(cfg *Config, environment map[string]string) error {
	opts := env.Options{Prefix: EnvPrefix, Environment: environment}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate checks constraints that must also hold after environment
// overrides.
func (c Config) Validate() error {
	var problems []string
	check := func(ok bool, format string, args ...any) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}

	for _, l := range []struct {
		name string
		v    Limits
	}{{"sync", c.Sync}, {"async", c.Async}} {
		check(l.v.Queries > 0 && l.v.Mutations > 0 && l.v.CPUMillis > 0 && l.v.HeapBytes > 0,
			"%s: every ceiling must be positive", l.name)
	}
	check(c.Guard.Ceiling > 0, "guard.ceiling must be positive")
	check(c.Jobs.ChunkSize >= 1 && c.Jobs.ChunkSize <= bulk.MaxChunkSize,
		"jobs.chunkSize must be between 1 and %d", bulk.MaxChunkSize)
	check(c.Jobs.MaxActiveBatches > 0, "jobs.maxActiveBatches must be positive")
	check(c.Jobs.MaxQueuedBatches >= 0, "jobs.maxQueuedBatches must not be negative")
	check(c.Jobs.MaxChainDepth >= 0, "jobs.maxChainDepth must not be negative")
	check(c.Jobs.ChunkRetries > 0, "jobs.chunkRetries must be positive")
	check(c.Jobs.SubmitRate >= 0, "jobs.submitRate must not be negative")
	check(c.Jobs.TickInterval.Duration > 0, "jobs.tickInterval must be positive")
	if _, err := c.Level(); err != nil {
		problems = append(problems, err.Error())
	}

	seen := make(map[string]bool, len(c.Schedules))
	for i, s := range c.Schedules {
		check(!seen[s.Name], "schedules[%d]: duplicate name %q", i, s.Name)
		seen[s.Name] = true
		if _, err := jobs.ParseCron(s.Cron); err != nil {
			problems = append(problems, fmt.Sprintf("schedules[%d]: %v", i, err))
		}
	}

	if len(problems) > 0 {
		return &Error{File: "config", Problems: problems}
	}
	return nil
}

// Level returns the configured log level.
func (c Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return lvl, nil
}

// EngineOptions returns the dispatcher options cfg implies.
func (c Config) EngineOptions() []engine.Option {
	return []engine.Option{
		engine.WithSyncLimits(c.Sync.Quota()),
		engine.WithGuardCeiling(c.Guard.Ceiling),
	}
}

// JobOptions returns the orchestrator options cfg implies.
func (c Config) JobOptions() []jobs.Option {
	limit := rate.Limit(c.Jobs.SubmitRate)
	if c.Jobs.SubmitRate == 0 {
		limit = rate.Inf
	}
	return []jobs.Option{
		jobs.WithAsyncLimits(c.Async.Quota()),
		jobs.WithGuardCeiling(c.Guard.Ceiling),
		jobs.WithBatchLimits(c.Jobs.MaxActiveBatches, c.Jobs.MaxQueuedBatches),
		jobs.WithMaxChainDepth(c.Jobs.MaxChainDepth),
		jobs.WithChunkSize(c.Jobs.ChunkSize),
		jobs.WithChunkRetry(uint(c.Jobs.ChunkRetries), nil),
		jobs.WithSubmitRate(limit, c.Jobs.SubmitBurst),
		jobs.WithTickInterval(c.Jobs.TickInterval.Duration),
	}
}

// ScheduleSpecs converts the declared schedules into job specs.
func (c Config) ScheduleSpecs() ([]jobs.Schedule, error) {
	out := make([]jobs.Schedule, 0, len(c.Schedules))
	for _, s := range c.Schedules {
		payload, err := record.ObjectFromGo(s.Payload)
		if err != nil {
			return nil, fmt.Errorf("schedule %s: %w", s.Name, err)
		}
		out = append(out, jobs.Schedule{Name: s.Name, Cron: s.Cron, Task: s.Task, Payload: payload})
	}
	return out, nil
}
