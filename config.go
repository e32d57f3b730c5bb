// Copyright 2025 Patrick J. Scruggs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package slogdd

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"reflect"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	envLogLevel         = "SLOGDD_LEVEL"
	envMaxMessageLength = "SLOGDD_MAX_MESSAGE_LENGTH"
	envThreadName       = "SLOGDD_THREAD_NAME"
	envPID              = "SLOGDD_PID"
	envAllAttributes    = "SLOGDD_ALL_ATTRIBUTES"
	envPretty           = "SLOGDD_PRETTY"
	envFieldMappingFile = "SLOGDD_FIELD_MAPPING_FILE"
)

// ErrInvalidConfig is wrapped by every error Validate returns.
var ErrInvalidConfig = errors.New("slogdd: invalid configuration")

// ThreadNameMode selects what, if anything, is emitted as logger.thread_name.
type ThreadNameMode int

const (
	// ThreadNameOff emits no thread name.
	ThreadNameOff ThreadNameMode = iota
	// ThreadNameOn emits the name of the logging goroutine, e.g. "goroutine-17".
	ThreadNameOn
	// ThreadNameGlobal emits an identifier unique across hosts and processes.
	ThreadNameGlobal
)

// String returns the environment spelling of the mode.
func (m ThreadNameMode) String() string {
	switch m {
	case ThreadNameOff:
		return "off"
	case ThreadNameOn:
		return "on"
	case ThreadNameGlobal:
		return "global"
	default:
		return "ThreadNameMode(" + strconv.Itoa(int(m)) + ")"
	}
}

// PIDMode selects what is emitted as pid.
type PIDMode int

const (
	// PIDOn emits the operating system process id.
	PIDOn PIDMode = iota
	// PIDOff omits pid.
	PIDOff
	// PIDGlobal emits a host-qualified process identifier instead of the OS pid.
	PIDGlobal
)

// String returns the environment spelling of the mode.
func (m PIDMode) String() string {
	switch m {
	case PIDOn:
		return "on"
	case PIDOff:
		return "off"
	case PIDGlobal:
		return "global"
	default:
		return "PIDMode(" + strconv.Itoa(int(m)) + ")"
	}
}

// BacktraceCleaner post-processes stack lines before they are stored in an
// ErrorDecomposition.
type BacktraceCleaner interface {
	Clean(lines []string) []string
}

// BacktraceCleanerFunc adapts a function to BacktraceCleaner.
type BacktraceCleanerFunc func(lines []string) []string

// Clean calls f.
func (f BacktraceCleanerFunc) Clean(lines []string) []string {
	return f(lines)
}

type tag struct {
	key   string
	value any
}

// Config collects handler settings inside the callback passed to
// [NewHandler]. It is validated once when the callback returns and is not
// consulted afterwards, so retaining it has no effect on the handler.
type Config struct {
	maxMessageLength    int
	hasMaxMessageLength bool
	backtraceCleaner    BacktraceCleaner
	threadNameMode      ThreadNameMode
	pidMode             PIDMode
	passThrough         bool
	fieldMapping        map[string]TransformSpec
	pretty              bool
	traceCorrelation    bool
	tags                []tag
	messageFormatters   *Registry
	attributeFormatters *Registry

	level *slog.Level
}

// newConfig returns the defaults: pid on, thread name off, pass-through on,
// compact output and trace correlation on.
func newConfig() *Config {
	return &Config{
		pidMode:             PIDOn,
		passThrough:         true,
		fieldMapping:        make(map[string]TransformSpec),
		traceCorrelation:    true,
		messageFormatters:   NewRegistry(),
		attributeFormatters: NewRegistry(),
	}
}

// SetMaxMessageLength truncates messages longer than n characters.
func (c *Config) SetMaxMessageLength(n int) {
	c.maxMessageLength = n
	c.hasMaxMessageLength = true
}

// ClearMaxMessageLength removes the message length limit.
func (c *Config) ClearMaxMessageLength() {
	c.maxMessageLength = 0
	c.hasMaxMessageLength = false
}

// SetBacktraceCleaner installs a cleaner applied to decomposed error stacks.
// A nil interface clears it.
func (c *Config) SetBacktraceCleaner(cleaner BacktraceCleaner) {
	c.backtraceCleaner = cleaner
}

// SetThreadNameMode selects the logger.thread_name behaviour.
func (c *Config) SetThreadNameMode(m ThreadNameMode) {
	c.threadNameMode = m
}

// SetPIDMode selects the pid behaviour.
func (c *Config) SetPIDMode(m PIDMode) {
	c.pidMode = m
}

// SetPassThroughAllAttributes controls whether unmapped attributes are emitted
// at the top level of the document.
func (c *Config) SetPassThroughAllAttributes(enabled bool) {
	c.passThrough = enabled
}

// RemapFields merges mapping into the field mapping. Later calls win per key.
// Entries for time, severity, progname and pid are accepted but always
// replaced by [StandardFieldMapping].
func (c *Config) RemapFields(mapping map[string]TransformSpec) {
	for k, v := range mapping {
		if p, ok := v.(Path); ok {
			v = append(Path(nil), p...)
		}
		c.fieldMapping[k] = v
	}
}

// LoadFieldMapping reads a YAML document from r and merges it like
// RemapFields. A string value names a literal output key, a list of strings
// names a nested path and "*" is the wildcard:
//
//	user_id: usr.id
//	request_id: [http, request_id]
//	attributes: "*"
func (c *Config) LoadFieldMapping(r io.Reader) error {
	var doc map[string]any
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: field mapping: %w", ErrInvalidConfig, err)
	}

	mapping := make(map[string]TransformSpec, len(doc))
	var errs []error
	for field, raw := range doc {
		spec, err := specFromYAML(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: field mapping %q: %w", ErrInvalidConfig, field, err))
			continue
		}
		mapping[field] = spec
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	c.RemapFields(mapping)
	return nil
}

// specFromYAML converts a decoded YAML value to a TransformSpec.
func specFromYAML(raw any) (TransformSpec, error) {
	switch v := raw.(type) {
	case string:
		if v == "*" {
			return Wildcard, nil
		}
		return Key(v), nil
	case []any:
		path := make(Path, 0, len(v))
		for _, elem := range v {
			s, ok := elem.(string)
			if !ok {
				return nil, fmt.Errorf("path element %v is %T, want string", elem, elem)
			}
			path = append(path, s)
		}
		return path, nil
	default:
		return nil, fmt.Errorf("unsupported value %v of type %T", raw, raw)
	}
}

// SetPretty switches to indented multi-line output.
func (c *Config) SetPretty(enabled bool) {
	c.pretty = enabled
}

// SetTraceCorrelation controls whether dd.trace_id and dd.span_id are added
// from the OpenTelemetry span in the logging context.
func (c *Config) SetTraceCorrelation(enabled bool) {
	c.traceCorrelation = enabled
}

// Tag attaches key to every record. value may be a [ValueProvider], in which
// case it is resolved once per record. Tags precede bound and record
// attributes, so those win on collision.
func (c *Config) Tag(key string, value any) {
	c.tags = append(c.tags, tag{key: key, value: value})
}

// MessageFormatters returns the registry consulted for messages passed to the
// package logging helpers. Registrations made here take precedence over the
// built-in error handler.
func (c *Config) MessageFormatters() *Registry {
	return c.messageFormatters
}

// AttributeFormatters returns the registry applied to every attribute value.
// Registrations made here take precedence over the built-in error handler.
func (c *Config) AttributeFormatters() *Registry {
	return c.attributeFormatters
}

// Validate reports every invalid setting. The returned error wraps
// [ErrInvalidConfig].
func (c *Config) Validate() error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	if c.hasMaxMessageLength && c.maxMessageLength <= 0 {
		invalid("max message length must be a positive integer, got %d", c.maxMessageLength)
	}
	if c.backtraceCleaner != nil && isNilValue(c.backtraceCleaner) {
		invalid("backtrace cleaner %T cannot clean", c.backtraceCleaner)
	}
	if c.threadNameMode < ThreadNameOff || c.threadNameMode > ThreadNameGlobal {
		invalid("unknown thread name mode %d", int(c.threadNameMode))
	}
	if c.pidMode < PIDOn || c.pidMode > PIDGlobal {
		invalid("unknown pid mode %d", int(c.pidMode))
	}
	for field, spec := range c.fieldMapping {
		if err := validateSpec(field, spec); err != nil {
			invalid("field mapping %q: %v", field, err)
		}
	}
	for _, t := range c.tags {
		if t.key == "" {
			invalid("tag with empty key")
		}
	}
	return errors.Join(errs...)
}

// validateSpec checks a single mapping entry.
func validateSpec(field string, spec TransformSpec) error {
	if field == "" {
		return errors.New("empty field name")
	}
	switch s := spec.(type) {
	case nil:
		return errors.New("nil transform")
	case Key:
		if s == "" {
			return errors.New("empty output key")
		}
	case Path:
		if len(s) == 0 {
			return errors.New("empty path")
		}
		for _, elem := range s {
			if elem == "" {
				return errors.New("empty path element")
			}
		}
	case TransformFunc:
		if s == nil {
			return errors.New("nil transform function")
		}
	}
	return nil
}

// isNilValue reports whether v holds a typed nil.
func isNilValue(v any) bool {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Func, reflect.Map, reflect.Slice, reflect.Chan, reflect.Interface:
		return rv.IsNil()
	default:
		return false
	}
}

// settings is the frozen copy of a validated Config shared by every handler
// derived from one NewHandler call.
type settings struct {
	maxMessageLength int
	cleaner          BacktraceCleaner
	threadNameMode   ThreadNameMode
	pidMode          PIDMode
	passThrough      bool
	fieldMapping     map[string]TransformSpec
	pretty           bool
	traceCorrelation bool
	tags             []tag
	messages         *Registry
	attributes       *Registry
}

// freeze copies c into settings and installs the global providers and the
// built-in formatters.
func (c *Config) freeze() *settings {
	s := &settings{
		cleaner:          c.backtraceCleaner,
		threadNameMode:   c.threadNameMode,
		pidMode:          c.pidMode,
		passThrough:      c.passThrough,
		fieldMapping:     make(map[string]TransformSpec, len(c.fieldMapping)),
		pretty:           c.pretty,
		traceCorrelation: c.traceCorrelation,
	}
	if c.hasMaxMessageLength {
		s.maxMessageLength = c.maxMessageLength
	}
	for k, v := range c.fieldMapping {
		s.fieldMapping[k] = v
	}

	switch s.threadNameMode {
	case ThreadNameOn:
		s.tags = append(s.tags, tag{key: ThreadNameKey, value: GoroutineName})
	case ThreadNameGlobal:
		s.tags = append(s.tags, tag{key: ThreadNameKey, value: GlobalThreadID})
	}
	if s.pidMode == PIDGlobal {
		s.tags = append(s.tags, tag{key: FieldPID, value: GlobalPID})
	}
	s.tags = append(s.tags, c.tags...)

	s.messages = NewRegistry()
	Register(s.messages, formatErrorMessage)
	s.messages.merge(c.messageFormatters)

	s.attributes = NewRegistry()
	Register(s.attributes, func(err error) any {
		return decomposeError(err, s.cleaner)
	})
	s.attributes.merge(c.attributeFormatters)
	return s
}

// applyEnv overlays SLOGDD_* variables onto c. Invalid values are reported
// to logger and ignored; an unreadable mapping file is returned as an error.
func (c *Config) applyEnv(logger *slog.Logger) error {
	if lv, ok := parseLevelEnv(os.Getenv(envLogLevel), logger); ok {
		c.level = &lv
	}
	if raw := strings.TrimSpace(os.Getenv(envMaxMessageLength)); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			logDiagnostic(logger, slog.LevelWarn, "invalid max message length environment variable", slog.String("value", raw))
		} else {
			c.SetMaxMessageLength(n)
		}
	}
	if raw := os.Getenv(envThreadName); strings.TrimSpace(raw) != "" {
		switch parseModeEnv(raw) {
		case "off":
			c.threadNameMode = ThreadNameOff
		case "on":
			c.threadNameMode = ThreadNameOn
		case "global":
			c.threadNameMode = ThreadNameGlobal
		default:
			logDiagnostic(logger, slog.LevelWarn, "invalid thread name mode environment variable", slog.String("value", raw))
		}
	}
	if raw := os.Getenv(envPID); strings.TrimSpace(raw) != "" {
		switch parseModeEnv(raw) {
		case "off":
			c.pidMode = PIDOff
		case "on":
			c.pidMode = PIDOn
		case "global":
			c.pidMode = PIDGlobal
		default:
			logDiagnostic(logger, slog.LevelWarn, "invalid pid mode environment variable", slog.String("value", raw))
		}
	}
	c.passThrough = parseBoolEnv(os.Getenv(envAllAttributes), c.passThrough, logger)
	c.pretty = parseBoolEnv(os.Getenv(envPretty), c.pretty, logger)

	if path := strings.TrimSpace(os.Getenv(envFieldMappingFile)); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("slogdd: open field mapping %q: %w", path, err)
		}
		defer f.Close()
		if err := c.LoadFieldMapping(f); err != nil {
			return fmt.Errorf("slogdd: load field mapping %q: %w", path, err)
		}
	}
	return nil
}

// parseModeEnv normalizes off/on/global spellings, accepting booleans for the
// first two.
func parseModeEnv(raw string) string {
	v := strings.ToLower(strings.TrimSpace(raw))
	if v == "global" {
		return v
	}
	if b, err := strconv.ParseBool(v); err == nil {
		if b {
			return "on"
		}
		return "off"
	}
	switch v {
	case "on", "off":
		return v
	}
	return ""
}
