package model

import (
	"errors"
	"fmt"
	"io"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"
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
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version int     `json:"version"` // fixed 0 for now
	Service Service `json:"service"`
	Plugins Plugins `json:"plugins"`
	Jobs    Jobs    `json:"jobs"`
	Reports Reports `json:"reports"`
}

type Service struct {
	Verbose      bool     `json:"verbose"`
	Log          string   `json:"log"` // "stderr"|"stdout"|"discard"|path
	Listen       string   `json:"listen"`
	Database     string   `json:"database"`
	CheckoutPath string   `json:"checkout_path"`
	Schedule     Schedule `json:"schedule"`
}

// Schedule of the scan sweeps. Cron takes precedence over Interval.
type Schedule struct {
	Interval Duration `json:"interval"`
	Cron     *string  `json:"cron,omitempty"`
}

type Plugins struct {
	Paths      []string `json:"paths"`
	UploadPath string   `json:"upload_path"` // loaded as one of the paths
	Watch      bool     `json:"watch"`
	Reclaim    Reclaim  `json:"reclaim"`
}

type Reclaim struct {
	Attempts int      `json:"attempts"`
	Interval Duration `json:"interval"`
}

type Jobs struct {
	Retention Duration `json:"retention"`
	Cleanup   Duration `json:"cleanup"`
}

// Reports are forwarded to an external collector when ForwardURL is set.
type Reports struct {
	ForwardURL *string `json:"forward_url,omitempty"`
	Token      *string `json:"token,omitempty"`
}

// Duration is decoded from an ISO 8601 duration like PT5M.
type Duration time.Duration

func (d *Duration) UnmarshalText(b []byte) error {
	x, err := ParseISODuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(x)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// ConfigError is returned by LoadConfig for configurations not matching the
// schema, see CueErrDetails.
type ConfigError struct {
	err     error
	details []CueErrorDetail
}

func (e *ConfigError) Error() string { return e.err.Error() }
func (e *ConfigError) Unwrap() error { return e.err }

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
// Missing values are filled with defaults.
func LoadConfig(r io.Reader) (*Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return nil, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return nil, &ConfigError{err: err, details: humanize(err, yamlValue)}
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return nil, err
	}

	// cron syntax is out of reach of the schema
	if c := out.Service.Schedule.Cron; c != nil {
		if _, err := ParseCron(*c); err != nil {
			const path = "service.schedule.cron"
			return nil, &ConfigError{
				err:     fmt.Errorf("%s: %w", path, err),
				details: []CueErrorDetail{explain(path, err.Error(), yamlValue)},
			}
		}
	}

	return &out, nil
}

// DefaultConfig returns the configuration of an empty file.
func DefaultConfig() (*Config, []byte, error) {
	v := schema.Unify(cueCtx.CompileString("{}"))
	b, err := yaml.Encode(v)
	if err != nil {
		return nil, nil, err
	}
	var out Config
	if err := v.Decode(&out); err != nil {
		return nil, nil, err
	}
	return &out, b, nil
}

// CueErrDetails explains a ConfigError, it returns nil for other errors.
func CueErrDetails(err error) []CueErrorDetail {
	var ce *ConfigError
	if !errors.As(err, &ce) {
		return nil
	}
	return ce.details
}
