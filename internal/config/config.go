// Package config loads operator configuration from CUE.
//
// A configuration document is unified with the embedded #Config schema,
// which supplies defaults and rejects unknown fields, then checked for
// cross-field constraints the schema cannot express.
package config

import (
	_ "embed"
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
	"github.com/google/uuid"
)

//go:embed schema.cue
var schemaSource string

// Config is the decoded operator configuration.
type Config struct {
	SourceID    string `json:"source_id"`
	Workers     int    `json:"workers"`
	Disk        bool   `json:"disk"`
	ScratchDir  string `json:"scratch_dir"`
	KeyIndices  []int  `json:"key_indices"`
	ResumeUpper uint64 `json:"resume_upper"`
}

// Error codes.
const (
	ErrCodeRead     = "E004" // file could not be read
	ErrCodeBuild    = "E006" // CUE syntax or unification error
	ErrCodeSchema   = "E010" // value violates #Config
	ErrCodeConflict = "E011" // cross-field constraint violated
)

// Error is a configuration error with a CUE position when available.
type Error struct {
	Code    string
	Message string
	Pos     token.Pos
}

func (e *Error) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Load reads and parses the CUE file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Code: ErrCodeRead, Message: err.Error()}
	}
	return Parse(data, path)
}

// Parse unifies a CUE document with #Config and decodes it. filename is
// used in error positions only.
func Parse(data []byte, filename string) (*Config, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile config schema: %w", err)
	}

	doc := ctx.CompileBytes(data, cue.Filename(filename))
	if err := doc.Err(); err != nil {
		return nil, cueError(ErrCodeBuild, err)
	}

	v := schema.LookupPath(cue.ParsePath("#Config")).Unify(doc)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, cueError(ErrCodeSchema, err)
	}

	var cfg Config
	if err := v.Decode(&cfg); err != nil {
		return nil, cueError(ErrCodeSchema, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks constraints spanning several fields. It is also run by
// callers after applying flag overrides.
func (c *Config) Validate() error {
	if c.Workers < 1 {
		return &Error{Code: ErrCodeConflict, Message: fmt.Sprintf("workers must be at least 1, got %d", c.Workers)}
	}
	if len(c.KeyIndices) == 0 {
		return &Error{Code: ErrCodeConflict, Message: "key_indices must name at least one column"}
	}
	seen := make(map[int]bool, len(c.KeyIndices))
	for _, i := range c.KeyIndices {
		if i < 0 {
			return &Error{Code: ErrCodeConflict, Message: fmt.Sprintf("key index %d is negative", i)}
		}
		if seen[i] {
			return &Error{Code: ErrCodeConflict, Message: fmt.Sprintf("key index %d listed twice", i)}
		}
		seen[i] = true
	}
	if c.Disk && c.ScratchDir == "" {
		return &Error{Code: ErrCodeConflict, Message: "disk state requires scratch_dir"}
	}
	return nil
}

// Resolve fills generated defaults: an empty SourceID becomes a fresh
// time-ordered UUID.
func (c *Config) Resolve() error {
	if c.SourceID != "" {
		return nil
	}
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate source id: %w", err)
	}
	c.SourceID = id.String()
	return nil
}

// cueError converts the first CUE error into an Error with its position.
func cueError(code string, err error) *Error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return &Error{Code: code, Message: err.Error()}
	}
	first := errs[0]
	return &Error{
		Code:    code,
		Message: cueerrors.Details(first, nil),
		Pos:     first.Position(),
	}
}
