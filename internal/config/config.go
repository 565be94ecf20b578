// Package config loads and validates job files.
//
// A job describes one task: its source, the fork operator and its properties,
// one writer per branch, the watermark storage backend and commit timing.
// Jobs are written in YAML or CUE; CUE jobs are checked against an embedded
// schema. After decoding, defaults are applied, BRANCHLINE_* environment
// variables override the tunables, and the result is validated.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/roach88/branchline/internal/record"
)

//go:embed job.cue
var jobSchema string

// Defaults applied to unset tunables.
const (
	DefaultBufferCapacity  = 64
	DefaultCommitInterval  = Duration(time.Second)
	DefaultShutdownTimeout = Duration(5 * time.Second)
	DefaultOperator        = "identity"
	DefaultStorageBackend  = "memory"
	DefaultWriter          = "discard"

	// DefaultFlushEvery bounds how many records a jsonl branch holds
	// unacknowledged, so periodic commits advance on long-running jobs.
	DefaultFlushEvery = 100
)

// Job is a complete task description.
type Job struct {
	Name     string         `yaml:"name" json:"name" validate:"required"`
	Source   SourceConfig   `yaml:"source" json:"source"`
	Fork     ForkConfig     `yaml:"fork" json:"fork"`
	Branches []BranchConfig `yaml:"branches" json:"branches" validate:"min=1,dive"`
	Storage  StorageConfig  `yaml:"storage" json:"storage"`
	Commit   CommitConfig   `yaml:"commit" json:"commit"`
}

// SourceConfig names the source and how record positions are derived.
type SourceConfig struct {
	Name   string        `yaml:"name" json:"name" validate:"required"`
	Schema record.Schema `yaml:"schema" json:"schema"`

	// PositionField names an integer record field holding the offset.
	// Empty means the 1-based line number.
	PositionField string `yaml:"position_field,omitempty" json:"position_field,omitempty"`
}

// ForkConfig selects the fork operator and sizes the branch queues.
type ForkConfig struct {
	Operator       string            `yaml:"operator" json:"operator" validate:"required"`
	Props          map[string]string `yaml:"props,omitempty" json:"props,omitempty"`
	BufferCapacity int               `yaml:"buffer_capacity" json:"buffer_capacity" validate:"gt=0"`
	AttachTimeout  Duration          `yaml:"attach_timeout" json:"attach_timeout" validate:"gte=0"`
}

// BranchConfig configures the writer of one branch, by index.
type BranchConfig struct {
	Writer string `yaml:"writer" json:"writer" validate:"oneof=discard jsonl"`
	Path   string `yaml:"path,omitempty" json:"path,omitempty" validate:"required_if=Writer jsonl"`
	// FlushEvery is the number of records a jsonl writer buffers before it
	// flushes and acknowledges them. Zero means DefaultFlushEvery.
	FlushEvery int `yaml:"flush_every,omitempty" json:"flush_every,omitempty" validate:"gte=0"`
}

// StorageConfig selects the watermark storage backend.
type StorageConfig struct {
	Backend string `yaml:"backend" json:"backend" validate:"oneof=memory sqlite"`
	DSN     string `yaml:"dsn,omitempty" json:"dsn,omitempty" validate:"required_if=Backend sqlite"`
}

// CommitConfig times the watermark manager.
type CommitConfig struct {
	Interval        Duration `yaml:"interval" json:"interval" validate:"gt=0"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" validate:"gt=0"`
}

// Overrides are read from the environment. Zero values leave the job as is.
type Overrides struct {
	BufferCapacity  int           `env:"BRANCHLINE_FORK_BUFFER_CAPACITY"`
	AttachTimeout   time.Duration `env:"BRANCHLINE_FORK_ATTACH_TIMEOUT"`
	CommitInterval  time.Duration `env:"BRANCHLINE_COMMIT_INTERVAL"`
	ShutdownTimeout time.Duration `env:"BRANCHLINE_SHUTDOWN_TIMEOUT"`
	StorageBackend  string        `env:"BRANCHLINE_STORAGE_BACKEND"`
	StorageDSN      string        `env:"BRANCHLINE_STORAGE_DSN"`
}

// ErrorCode categorizes load failures.
type ErrorCode string

const (
	ErrCodeRead       ErrorCode = "READ"
	ErrCodeParse      ErrorCode = "PARSE"
	ErrCodeSchema     ErrorCode = "SCHEMA"
	ErrCodeEnv        ErrorCode = "ENV"
	ErrCodeValidation ErrorCode = "VALIDATION"
)

// Error reports why a job could not be loaded.
type Error struct {
	Code    ErrorCode
	Path    string
	Message string

	// Fields lists per-field problems for validation errors.
	Fields []string
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Path != "" {
		msg = e.Path + ": " + msg
	}
	if len(e.Fields) > 0 {
		msg += " (" + strings.Join(e.Fields, "; ") + ")"
	}
	return msg
}

// IsValidationError reports whether err is a validation failure.
func IsValidationError(err error) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Code == ErrCodeValidation
}

// Load reads a job from path. Files ending in .cue are CUE; anything else
// is YAML.
func Load(path string) (*Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Code: ErrCodeRead, Path: path, Message: err.Error()}
	}
	var job *Job
	if filepath.Ext(path) == ".cue" {
		job, err = ParseCUE(path, data)
	} else {
		job, err = ParseYAML(data)
	}
	if err != nil {
		var ce *Error
		if errors.As(err, &ce) && ce.Path == "" {
			ce.Path = path
		}
		return nil, err
	}
	return job, nil
}

// ParseYAML decodes, completes and validates a YAML job. Unknown fields are
// rejected.
func ParseYAML(data []byte) (*Job, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var job Job
	if err := dec.Decode(&job); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &Error{Code: ErrCodeParse, Message: "empty job file"}
		}
		return nil, &Error{Code: ErrCodeParse, Message: err.Error()}
	}
	return finish(&job)
}

// ParseCUE checks a CUE job against the embedded schema, then decodes,
// completes and validates it. filename is used in error positions.
func ParseCUE(filename string, data []byte) (*Job, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(jobSchema, cue.Filename("job.cue"))
	if err := schema.Err(); err != nil {
		return nil, &Error{Code: ErrCodeSchema, Message: fmt.Sprintf("embedded schema: %v", err)}
	}

	v := ctx.CompileBytes(data, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, &Error{Code: ErrCodeParse, Message: err.Error()}
	}

	unified := schema.LookupPath(cue.ParsePath("#Job")).Unify(v)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, &Error{Code: ErrCodeSchema, Message: err.Error()}
	}

	raw, err := unified.MarshalJSON()
	if err != nil {
		return nil, &Error{Code: ErrCodeSchema, Message: err.Error()}
	}
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, &Error{Code: ErrCodeParse, Message: err.Error()}
	}
	return finish(&job)
}

func finish(job *Job) (*Job, error) {
	job.ApplyDefaults()
	if err := job.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := job.Validate(); err != nil {
		return nil, err
	}
	return job, nil
}

// ApplyDefaults fills unset tunables.
func (j *Job) ApplyDefaults() {
	if j.Fork.Operator == "" {
		j.Fork.Operator = DefaultOperator
	}
	if j.Fork.BufferCapacity == 0 {
		j.Fork.BufferCapacity = DefaultBufferCapacity
	}
	if j.Storage.Backend == "" {
		j.Storage.Backend = DefaultStorageBackend
	}
	if j.Commit.Interval == 0 {
		j.Commit.Interval = DefaultCommitInterval
	}
	if j.Commit.ShutdownTimeout == 0 {
		j.Commit.ShutdownTimeout = DefaultShutdownTimeout
	}
	for i := range j.Branches {
		b := &j.Branches[i]
		if b.Writer == "" {
			b.Writer = DefaultWriter
		}
		if b.Writer == "jsonl" && b.FlushEvery == 0 {
			b.FlushEvery = DefaultFlushEvery
		}
	}
}

// ApplyEnv overrides tunables from BRANCHLINE_* environment variables.
func (j *Job) ApplyEnv() error {
	var o Overrides
	if err := env.Parse(&o); err != nil {
		return &Error{Code: ErrCodeEnv, Message: fmt.Sprintf("parse env: %v", err)}
	}
	if o.BufferCapacity != 0 {
		j.Fork.BufferCapacity = o.BufferCapacity
	}
	if o.AttachTimeout != 0 {
		j.Fork.AttachTimeout = Duration(o.AttachTimeout)
	}
	if o.CommitInterval != 0 {
		j.Commit.Interval = Duration(o.CommitInterval)
	}
	if o.ShutdownTimeout != 0 {
		j.Commit.ShutdownTimeout = Duration(o.ShutdownTimeout)
	}
	if o.StorageBackend != "" {
		j.Storage.Backend = o.StorageBackend
	}
	if o.StorageDSN != "" {
		j.Storage.DSN = o.StorageDSN
	}
	return nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

// Validate checks every field constraint and reports all violations.
func (j *Job) Validate() error {
	err := validate.Struct(j)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &Error{Code: ErrCodeValidation, Message: err.Error()}
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, describe(fe))
	}
	return &Error{Code: ErrCodeValidation, Message: "invalid job", Fields: fields}
}

// describe renders one violation with the field's yaml path.
func describe(fe validator.FieldError) string {
	path := fe.Namespace()
	if _, rest, ok := strings.Cut(path, "."); ok {
		path = rest
	}
	switch fe.Tag() {
	case "required", "required_if":
		return path + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", path, fe.Param())
	case "min":
		return fmt.Sprintf("%s needs at least %s entries", path, fe.Param())
	default:
		return fmt.Sprintf("%s must be %s %s", path, fe.Tag(), fe.Param())
	}
}
