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
	"context"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pjscruggs/slogdd/internal/jsondevice"
	"github.com/pjscruggs/slogdd/slogddasync"
)

// Option mutates Handler construction behaviour when supplied to [NewHandler].
//
// Options follow the functional options pattern and are applied in the order
// they are provided by the caller.
type Option func(*options)

// Middleware adapts a [slog.Handler] before it is exposed by [Handler].
// Middleware functions run in the order they are supplied, wrapping the core
// handler from last to first to mirror idiomatic HTTP middleware composition.
type Middleware func(slog.Handler) slog.Handler

// Handler routes slog records through the Datadog field mapping with optional
// middlewares, async delivery and trace correlation.
type Handler struct {
	slog.Handler

	internalLogger *slog.Logger
	levelVar       *slog.LevelVar
	device         *jsondevice.Device
	messages       *Registry
	closer         func() error

	closeOnce sync.Once
	closeErr  error
}

type handlerConfig struct {
	Progname            string
	PID                 int
	ReplaceAttr         func([]string, slog.Attr) slog.Attr
	Middlewares         []Middleware
	InitialGroupedAttrs []groupedAttr
	InitialGroups       []string
	Runtime             RuntimeInfo
}

type options struct {
	level               *slog.Level
	levelVar            *slog.LevelVar
	progname            string
	replaceAttr         func([]string, slog.Attr) slog.Attr
	middlewares         []Middleware
	initialGroupedAttrs []groupedAttr
	groups              []string
	internalLogger      *slog.Logger
	asyncEnabled        bool
	asyncOpts           []slogddasync.Option
}

// NewHandler builds a Datadog shaped slog [Handler] writing one JSON document
// per record to w (os.Stdout when nil).
//
// SLOGDD_* environment variables are applied to the defaults first, then
// configure runs against the resulting [Config]. The configuration is
// validated once when configure returns; on failure NewHandler returns nil
// and an error wrapping [ErrInvalidConfig].
//
// Example:
//
//	h, err := slogdd.NewHandler(os.Stdout, func(c *slogdd.Config) {
//		c.SetMaxMessageLength(2048)
//		c.SetThreadNameMode(slogdd.ThreadNameOn)
//	}, slogdd.WithProgname("billing"))
//	if err != nil {
//		log.Fatal(err)
//	}
//	logger := slog.New(h)
//	logger.Info("ready")
func NewHandler(w io.Writer, configure func(*Config), opts ...Option) (*Handler, error) {
	builder := &options{}
	for _, opt := range opts {
		if opt != nil {
			opt(builder)
		}
	}

	internalLogger := builder.internalLogger
	if internalLogger == nil {
		internalLogger = slog.New(slog.DiscardHandler)
	}

	c := newConfig()
	if err := c.applyEnv(internalLogger); err != nil {
		return nil, err
	}
	if configure != nil {
		configure(c)
	}
	if err := c.Validate(); err != nil {
		logDiagnostic(internalLogger, slog.LevelError, "invalid handler configuration", slog.Any("error", err))
		return nil, err
	}
	s := c.freeze()

	level := slog.LevelInfo
	if c.level != nil {
		level = *c.level
	}
	if builder.level != nil {
		level = *builder.level
	}
	levelVar := builder.levelVar
	if levelVar == nil {
		levelVar = new(slog.LevelVar)
	}
	levelVar.Set(level)

	if w == nil {
		w = os.Stdout
	}

	cfg := &handlerConfig{
		Progname:            builder.progname,
		PID:                 os.Getpid(),
		ReplaceAttr:         builder.replaceAttr,
		Middlewares:         append([]Middleware(nil), builder.middlewares...),
		InitialGroupedAttrs: builder.initialGroupedAttrs,
		InitialGroups:       builder.groups,
		Runtime:             DetectRuntimeInfo(),
	}

	device := jsondevice.New(w, resolveMapping(s), s.pretty, internalLogger)
	core := newJSONHandler(cfg, s, device, levelVar, internalLogger)

	handler := slog.Handler(core)
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

	var closer func() error
	if builder.asyncEnabled {
		asyncOpts := append([]slogddasync.Option(nil), builder.asyncOpts...)
		asyncOpts = append(asyncOpts, slogddasync.WithContextSnapshot(func(ctx context.Context) context.Context {
			return snapshotTags(ctx, s)
		}))
		handler = slogddasync.Wrap(handler, asyncOpts...)
		if ah, ok := handler.(interface{ Close() error }); ok {
			closer = ah.Close
		}
	}

	return &Handler{
		Handler:        registryHandler{Handler: handler, messages: s.messages},
		internalLogger: internalLogger,
		levelVar:       levelVar,
		device:         device,
		messages:       s.messages,
		closer:         closer,
	}, nil
}

// Close flushes the async queue when one is configured. The writer passed to
// NewHandler is owned by the caller and is never closed. It is safe to call
// multiple times; only the first invocation performs work.
func (h *Handler) Close() error {
	if h == nil {
		return nil
	}
	h.closeOnce.Do(func() {
		if h.closer == nil {
			return
		}
		if err := h.closer(); err != nil {
			h.closeErr = err
			h.internalLogger.Error("failed to flush async handler", slog.Any("error", err))
		}
	})
	return h.closeErr
}

// SetLevel updates the minimum slog level accepted by the handler at runtime.
// Calls are safe for concurrent use.
func (h *Handler) SetLevel(level slog.Level) {
	if h == nil || h.levelVar == nil {
		return
	}
	h.levelVar.Set(level)
}

// Level reports the handler's current minimum slog level.
func (h *Handler) Level() slog.Level {
	if h == nil || h.levelVar == nil {
		return slog.LevelInfo
	}
	return h.levelVar.Level()
}

// LevelVar returns the underlying slog.LevelVar used to gate records.
func (h *Handler) LevelVar() *slog.LevelVar {
	if h == nil {
		return nil
	}
	return h.levelVar
}

// Mapping returns a copy of the resolved mapping table. Changing the result
// has no effect on the handler.
func (h *Handler) Mapping() map[string]TransformSpec {
	if h == nil || h.device == nil {
		return nil
	}
	m := h.device.Mapping()
	fields := m.Fields()
	out := make(map[string]TransformSpec, len(fields))
	for _, field := range fields {
		spec, _ := m.Lookup(field)
		if p, ok := spec.(Path); ok {
			spec = append(Path(nil), p...)
		}
		out[field] = spec
	}
	return out
}

// MessageFormatters returns the frozen message registry consulted by [Log]
// and the other package helpers.
func (h *Handler) MessageFormatters() *Registry {
	if h == nil {
		return defaultMessages
	}
	return h.messages
}

// WithInternalLogger injects an internal logger used for diagnostics during
// handler setup and lifecycle operations.
func WithInternalLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.internalLogger = logger
	}
}

// WithLevel sets the minimum slog level accepted by the handler. It overrides
// SLOGDD_LEVEL.
func WithLevel(level slog.Level) Option {
	return func(o *options) {
		o.level = &level
	}
}

// WithLevelVar shares the provided slog.LevelVar with the handler, allowing
// external code to adjust log levels at runtime. The LevelVar is set to the
// resolved level during construction.
func WithLevelVar(levelVar *slog.LevelVar) Option {
	return func(o *options) {
		if levelVar != nil {
			o.levelVar = levelVar
		}
	}
}

// WithProgname sets the program name emitted as logger.name.
func WithProgname(name string) Option {
	trimmed := strings.TrimSpace(name)
	return func(o *options) {
		o.progname = trimmed
	}
}

// WithReplaceAttr installs a slog attribute replacer mirroring
// [slog.HandlerOptions.ReplaceAttr]. It runs before the attribute registry.
func WithReplaceAttr(fn func([]string, slog.Attr) slog.Attr) Option {
	return func(o *options) {
		o.replaceAttr = fn
	}
}

// WithMiddleware appends a middleware that can modify or short-circuit record
// handling.
func WithMiddleware(mw Middleware) Option {
	return func(o *options) {
		if mw != nil {
			o.middlewares = append(o.middlewares, mw)
		}
	}
}

// WithAsync wraps the constructed handler in slogddasync. Lazy tags are
// resolved on the logging goroutine before records are queued.
func WithAsync(opts ...slogddasync.Option) Option {
	return func(o *options) {
		o.asyncEnabled = true
		o.asyncOpts = append(o.asyncOpts, opts...)
	}
}

// WithAttrs preloads static attributes to be attached to every record emitted
// by the handler.
func WithAttrs(attrs []slog.Attr) Option {
	return func(o *options) {
		if len(attrs) == 0 {
			return
		}
		currentGroups := append([]string(nil), o.groups...)
		for _, attr := range attrs {
			o.initialGroupedAttrs = append(o.initialGroupedAttrs, groupedAttr{
				groups: currentGroups,
				attr:   attr,
			})
		}
	}
}

// WithGroup nests subsequent attributes under the supplied group name. An
// empty name clears the groups configured so far.
func WithGroup(name string) Option {
	trimmed := strings.TrimSpace(name)
	return func(o *options) {
		if trimmed == "" {
			o.groups = nil
			return
		}
		o.groups = append(o.groups, trimmed)
	}
}

// parseBoolEnv interprets truthy environment variable values with validation
// diagnostics.
func parseBoolEnv(value string, current bool, logger *slog.Logger) bool {
	if strings.TrimSpace(value) == "" {
		return current
	}
	b, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		logDiagnostic(logger, slog.LevelWarn, "invalid boolean environment variable", slog.String("value", value), slog.Any("error", err))
		return current
	}
	return b
}

// parseLevelEnv parses slog levels from environment variables. The boolean is
// false when value is empty or invalid.
func parseLevelEnv(value string, logger *slog.Logger) (slog.Level, bool) {
	if strings.TrimSpace(value) == "" {
		return 0, false
	}
	if lv, ok := parseLevel(value); ok {
		return lv, true
	}
	logDiagnostic(logger, slog.LevelWarn, "invalid log level environment variable", slog.String("value", value))
	return 0, false
}

// logDiagnostic emits internal diagnostic messages, guarding against nil
// loggers in tests.
func logDiagnostic(logger *slog.Logger, level slog.Level, msg string, attrs ...slog.Attr) {
	if logger == nil {
		return
	}
	logger.LogAttrs(context.Background(), level, msg, attrs...)
}

type messageFormatterSource interface {
	MessageFormatters() *Registry
}

// registryHandler keeps the message registry reachable from handlers derived
// through slog.Logger.With and WithGroup, whatever middlewares sit beneath.
type registryHandler struct {
	slog.Handler
	messages *Registry
}

// MessageFormatters returns the registry captured at construction.
func (h registryHandler) MessageFormatters() *Registry { return h.messages }

// WithAttrs forwards attribute state while preserving the registry.
func (h registryHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	child := h.Handler.WithAttrs(attrs)
	if child == nil {
		return nil
	}
	return registryHandler{Handler: child, messages: h.messages}
}

// WithGroup groups attributes on the wrapped handler while preserving the
// registry.
func (h registryHandler) WithGroup(name string) slog.Handler {
	child := h.Handler.WithGroup(name)
	if child == nil {
		return nil
	}
	return registryHandler{Handler: child, messages: h.messages}
}

// messageRegistry finds the message registry behind h, falling back to the
// built-in one for foreign handlers.
func messageRegistry(h slog.Handler) *Registry {
	if src, ok := h.(messageFormatterSource); ok {
		if r := src.MessageFormatters(); r != nil {
			return r
		}
	}
	return defaultMessages
}

// logMessage formats msg through the logger's message registry and emits the
// record with the caller of the public helper as its source.
func logMessage(ctx context.Context, logger *slog.Logger, level slog.Level, msg any, args []any) {
	if logger == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if !logger.Enabled(ctx, level) {
		return
	}
	h := logger.Handler()
	text, attrs := formatMessage(messageRegistry(h), msg)

	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])
	r := slog.NewRecord(time.Now(), level, text, pcs[0])
	r.AddAttrs(attrs...)
	r.Add(args...)
	_ = h.Handle(ctx, r)
}

// Log emits msg at level. msg may be of any type: strings pass unchanged,
// registered types go through the message registry and anything else is
// rendered in its debug text form.
func Log(ctx context.Context, logger *slog.Logger, level slog.Level, msg any, args ...any) {
	logMessage(ctx, logger, level, msg, args)
}

// Debug logs msg at LevelDebug.
func Debug(logger *slog.Logger, msg any, args ...any) {
	logMessage(context.Background(), logger, slog.LevelDebug, msg, args)
}

// DebugContext logs msg at LevelDebug with ctx.
func DebugContext(ctx context.Context, logger *slog.Logger, msg any, args ...any) {
	logMessage(ctx, logger, slog.LevelDebug, msg, args)
}

// Info logs msg at LevelInfo.
func Info(logger *slog.Logger, msg any, args ...any) {
	logMessage(context.Background(), logger, slog.LevelInfo, msg, args)
}

// InfoContext logs msg at LevelInfo with ctx.
func InfoContext(ctx context.Context, logger *slog.Logger, msg any, args ...any) {
	logMessage(ctx, logger, slog.LevelInfo, msg, args)
}

// Warn logs msg at LevelWarn.
func Warn(logger *slog.Logger, msg any, args ...any) {
	logMessage(context.Background(), logger, slog.LevelWarn, msg, args)
}

// WarnContext logs msg at LevelWarn with ctx.
func WarnContext(ctx context.Context, logger *slog.Logger, msg any, args ...any) {
	logMessage(ctx, logger, slog.LevelWarn, msg, args)
}

// Error logs msg at LevelError. Passing an error as msg logs its text and
// attaches the error itself under "error".
func Error(logger *slog.Logger, msg any, args ...any) {
	logMessage(context.Background(), logger, slog.LevelError, msg, args)
}

// ErrorContext logs msg at LevelError with ctx.
func ErrorContext(ctx context.Context, logger *slog.Logger, msg any, args ...any) {
	logMessage(ctx, logger, slog.LevelError, msg, args)
}

// NoticeContext logs msg at notice status for notable but normal events.
func NoticeContext(ctx context.Context, logger *slog.Logger, msg any, args ...any) {
	logMessage(ctx, logger, LevelNotice.Level(), msg, args)
}

// CriticalContext logs msg at critical status.
func CriticalContext(ctx context.Context, logger *slog.Logger, msg any, args ...any) {
	logMessage(ctx, logger, LevelCritical.Level(), msg, args)
}

// AlertContext logs msg at alert status, for conditions needing immediate
// action.
func AlertContext(ctx context.Context, logger *slog.Logger, msg any, args ...any) {
	logMessage(ctx, logger, LevelAlert.Level(), msg, args)
}

// EmergencyContext logs msg at emergency status.
func EmergencyContext(ctx context.Context, logger *slog.Logger, msg any, args ...any) {
	logMessage(ctx, logger, LevelEmergency.Level(), msg, args)
}
