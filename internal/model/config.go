package model

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	ClaimsFS     = "fs"
	ClaimsSQLite = "sqlite"
	ClaimsRedis  = "redis"

	PathTrackingNone    = "none"
	PathTrackingForward = "forward"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource, cue.Filename("config.cue"))
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}

	// the defaults must form a valid config on their own
	if _, err := decode(cueCtx.CompileString("{}")); err != nil {
		panic(err)
	}
}

type Config struct {
	Version       int      `json:"version"` // fixed 0 for now
	Verbose       bool     `json:"verbose"`
	InputSuffix   string   `json:"inputSuffix"`
	OutputDir     string   `json:"outputDir"` // wiped on every start
	ReportDir     string   `json:"reportDir"`
	ReportPrefix  string   `json:"reportPrefix"`
	ErrorPrefix   string   `json:"errorPrefix"`
	TaintWrappers []string `json:"taintWrappers"` // first existing wins, last one is the fallback
	SourcesSinks  string   `json:"sourcesSinks"`
	PathTracking  string   `json:"pathTracking"`
	TimeoutBinary string   `json:"timeoutBinary"`
	KillGrace     Duration `json:"killGrace"` // extra time before the parent kills a stuck timeout wrapper
	Engine        Engine   `json:"engine"`
	Claims        Claims   `json:"claims"`
}

// Engine is the external analysis command.
type Engine struct {
	Path string            `json:"path"`
	Args []string          `json:"args,omitempty"`
	Env  map[string]string `json:"env,omitempty"`
}

// Claims selects where claim markers are stored.
type Claims struct {
	Driver string `json:"driver"`           // fs | sqlite | redis
	Dir    string `json:"dir,omitempty"`    // fs
	Prefix string `json:"prefix,omitempty"` // marker file name or key prefix
	DSN    string `json:"dsn,omitempty"`    // sqlite database path
	Addr   string `json:"addr,omitempty"`   // redis host:port
}

// DefaultConfig returns the defaults of the config.cue schema.
func DefaultConfig() Config {
	cfg, err := decode(cueCtx.CompileString("{}"))
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadConfig validates YAML from r against the CUE schema and decodes it to
// Config. Fields missing in r get the schema defaults, unknown fields are
// rejected. An empty document is the default config.
func LoadConfig(r io.Reader) (Config, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return Config{}, fmt.Errorf("%w: reading config: %w", ErrConfiguration, err)
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return DefaultConfig(), nil
	}
	yamlFile, err := yaml.Extract("analyze.yaml", b)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	return decode(cueCtx.BuildFile(yamlFile))
}

func decode(value cue.Value) (Config, error) {
	unified := schema.Unify(value)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	return out, nil
}

// Timeouts picks the timeout mode from the --timeout and --systimeout values,
// both in minutes. Zero means not set.
func Timeouts(soft, hard int) (TimeoutMode, time.Duration, error) {
	switch {
	case soft < 0 || hard < 0:
		return TimeoutNone, 0, fmt.Errorf("%w: timeout must not be negative", ErrConfiguration)
	case soft > 0 && hard > 0:
		return TimeoutNone, 0, fmt.Errorf("%w: timeout and system timeout cannot be used together", ErrConfiguration)
	case soft > 0:
		return TimeoutSoft, time.Duration(soft) * time.Minute, nil
	case hard > 0:
		return TimeoutHard, time.Duration(hard) * time.Minute, nil
	default:
		return TimeoutNone, 0, nil
	}
}
