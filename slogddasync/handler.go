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

package slogddasync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultQueueSize = 1024

	envAsyncEnabled      = "SLOGDD_ASYNC_ENABLED"
	envAsyncQueueSize    = "SLOGDD_ASYNC_QUEUE_SIZE"
	envAsyncDropMode     = "SLOGDD_ASYNC_DROP_MODE"
	envAsyncWorkers      = "SLOGDD_ASYNC_WORKERS"
	envAsyncBatchSize    = "SLOGDD_ASYNC_BATCH_SIZE"
	envAsyncFlushTimeout = "SLOGDD_ASYNC_FLUSH_TIMEOUT"
)

// DropMode controls how the handler behaves when the queue is full.
type DropMode int

const (
	// DropModeBlock blocks the caller when the queue is full.
	DropModeBlock DropMode = iota
	// DropModeDropNewest drops the incoming record when the queue is full.
	DropModeDropNewest
	// DropModeDropOldest drops the oldest queued record when the queue is full.
	DropModeDropOldest
)

// String returns the env spelling of the mode.
func (m DropMode) String() string {
	switch m {
	case DropModeBlock:
		return "block"
	case DropModeDropNewest:
		return "drop_newest"
	case DropModeDropOldest:
		return "drop_oldest"
	default:
		return "DropMode(" + strconv.Itoa(int(m)) + ")"
	}
}

// ErrFlushTimeout indicates Close returned before the queue was fully drained.
var ErrFlushTimeout = errors.New("slogddasync: flush timeout")

// DropHandler observes dropped records.
type DropHandler func(ctx context.Context, rec slog.Record)

// ContextSnapshot runs on the logging goroutine before a record is queued.
// The context it returns is the one handed to the wrapped handler, which lets
// callers capture goroutine-bound values such as the caller's goroutine name.
type ContextSnapshot func(ctx context.Context) context.Context

// Config controls async handler behaviour.
type Config struct {
	Enabled      bool
	QueueSize    int
	WorkerCount  int
	BatchSize    int
	DropMode     DropMode
	OnDrop       DropHandler
	ErrorWriter  io.Writer
	FlushTimeout time.Duration
	Snapshots    []ContextSnapshot

	workerStarter func(func())
}

// Option customizes async handler configuration.
type Option func(*Config)

// WithEnabled toggles the async wrapper on or off.
func WithEnabled(enabled bool) Option {
	return func(cfg *Config) {
		cfg.Enabled = enabled
	}
}

// WithQueueSize adjusts the queue capacity. Zero yields an unbuffered queue.
func WithQueueSize(size int) Option {
	return func(cfg *Config) {
		cfg.QueueSize = size
	}
}

// WithWorkerCount configures the number of worker goroutines.
func WithWorkerCount(count int) Option {
	return func(cfg *Config) {
		cfg.WorkerCount = count
	}
}

// WithBatchSize sets how many queued records a worker drains per wake-up.
// Values less than 1 default to 1.
func WithBatchSize(size int) Option {
	return func(cfg *Config) {
		cfg.BatchSize = size
	}
}

// WithDropMode sets the queue overflow strategy.
func WithDropMode(mode DropMode) Option {
	return func(cfg *Config) {
		cfg.DropMode = mode
	}
}

// WithOnDrop registers a callback invoked when a record is dropped.
func WithOnDrop(fn DropHandler) Option {
	return func(cfg *Config) {
		cfg.OnDrop = fn
	}
}

// WithErrorWriter directs worker errors and panic reports to w. Use nil to
// silence error reporting.
func WithErrorWriter(w io.Writer) Option {
	return func(cfg *Config) {
		cfg.ErrorWriter = w
	}
}

// WithFlushTimeout limits how long Close waits for workers to finish.
func WithFlushTimeout(timeout time.Duration) Option {
	return func(cfg *Config) {
		cfg.FlushTimeout = timeout
	}
}

// WithContextSnapshot appends fn to the hooks run on the caller goroutine
// before enqueue. Hooks run in the order they were supplied.
func WithContextSnapshot(fn ContextSnapshot) Option {
	return func(cfg *Config) {
		if fn != nil {
			cfg.Snapshots = append(cfg.Snapshots, fn)
		}
	}
}

// WithEnv overlays configuration from SLOGDD_ASYNC_* environment variables.
func WithEnv() Option {
	return func(cfg *Config) {
		applyEnv(cfg)
	}
}

// Middleware wraps an existing slog.Handler with async behaviour.
func Middleware(opts ...Option) func(slog.Handler) slog.Handler {
	return func(inner slog.Handler) slog.Handler {
		return Wrap(inner, opts...)
	}
}

// Handler is an async slog.Handler wrapper.
type Handler struct {
	inner     slog.Handler
	dropMode  DropMode
	onDrop    DropHandler
	snapshots []ContextSnapshot
	state     *asyncState
}

type asyncState struct {
	queue        chan queuedRecord
	wg           sync.WaitGroup
	closed       atomic.Bool
	flushTimeout time.Duration
	closeOnce    sync.Once
	closeErr     error
	closer       func() error
	errWriter    io.Writer
	batchSize    int
}

type queuedRecord struct {
	ctx     context.Context
	rec     slog.Record
	handler slog.Handler
}

// Wrap returns an async handler around inner unless disabled.
func Wrap(inner slog.Handler, opts ...Option) slog.Handler {
	cfg := buildConfig(opts)
	if !cfg.Enabled {
		return inner
	}
	return newHandler(inner, cfg)
}

// newHandler constructs a Handler and spins up workers according to cfg.
func newHandler(inner slog.Handler, cfg Config) *Handler {
	state := &asyncState{
		queue:        make(chan queuedRecord, cfg.QueueSize),
		flushTimeout: cfg.FlushTimeout,
		closer:       closerFor(inner),
		errWriter:    cfg.ErrorWriter,
		batchSize:    cfg.BatchSize,
	}

	start := func() {
		state.wg.Add(cfg.WorkerCount)
		for range cfg.WorkerCount {
			go state.work()
		}
	}
	if cfg.workerStarter != nil {
		cfg.workerStarter(start)
	} else {
		start()
	}

	return &Handler{
		inner:     inner,
		dropMode:  cfg.DropMode,
		onDrop:    cfg.OnDrop,
		snapshots: append([]ContextSnapshot(nil), cfg.Snapshots...),
		state:     state,
	}
}

// work drains the queue until it is closed, handling up to batchSize records
// per wake-up.
func (s *asyncState) work() {
	defer s.wg.Done()
	for item := range s.queue {
		s.handle(item)
	batch:
		for n := 1; n < s.batchSize; n++ {
			select {
			case next, ok := <-s.queue:
				if !ok {
					return
				}
				s.handle(next)
			default:
				break batch
			}
		}
	}
}

// handle runs the wrapped handler, reporting errors and panics.
func (s *asyncState) handle(item queuedRecord) {
	defer func() {
		if r := recover(); r != nil {
			s.logError("slogddasync: recovered panic from handler: %v\n", r)
		}
	}()
	if err := item.handler.Handle(item.ctx, item.rec); err != nil {
		s.logError("slogddasync: handler error: %v\n", err)
	}
}

func (s *asyncState) logError(format string, args ...any) {
	if s.errWriter == nil {
		return
	}
	_, _ = fmt.Fprintf(s.errWriter, format, args...)
}

// Enabled defers to the inner handler.
func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle snapshots ctx on the calling goroutine and enqueues the record.
// The queued context is detached from the caller's cancellation so records
// logged at the end of a request are not lost when the request finishes.
func (h *Handler) Handle(ctx context.Context, rec slog.Record) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if h.state.closed.Load() {
		if h.onDrop != nil {
			h.onDrop(ctx, rec.Clone())
		}
		return nil
	}

	qctx := context.WithoutCancel(ctx)
	for _, snap := range h.snapshots {
		if next := snap(qctx); next != nil {
			qctx = next
		}
	}

	return h.enqueue(queuedRecord{
		ctx:     qctx,
		rec:     rec.Clone(),
		handler: h.inner,
	})
}

// WithAttrs returns a child handler sharing the same async queue.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h.derive(h.inner.WithAttrs(attrs))
}

// WithGroup returns a child handler sharing the same async queue.
func (h *Handler) WithGroup(name string) slog.Handler {
	return h.derive(h.inner.WithGroup(name))
}

func (h *Handler) derive(inner slog.Handler) *Handler {
	return &Handler{
		inner:     inner,
		dropMode:  h.dropMode,
		onDrop:    h.onDrop,
		snapshots: h.snapshots,
		state:     h.state,
	}
}

// Unwrap returns the wrapped handler.
func (h *Handler) Unwrap() slog.Handler {
	return h.inner
}

// enqueue routes a record into the queue respecting drop policies and recovers from closed channels.
func (h *Handler) enqueue(item queuedRecord) (err error) {
	defer func() {
		if recover() != nil {
			h.dropped(item)
			err = nil
		}
	}()

	queue := h.state.queue
	switch h.dropMode {
	case DropModeDropNewest:
		select {
		case queue <- item:
		default:
			h.dropped(item)
		}
	case DropModeDropOldest:
		select {
		case queue <- item:
		default:
			select {
			case evicted := <-queue:
				h.dropped(evicted)
			default:
			}
			select {
			case queue <- item:
			default:
				h.dropped(item)
			}
		}
	default:
		queue <- item
	}
	return nil
}

func (h *Handler) dropped(item queuedRecord) {
	if h.onDrop != nil && item.handler != nil {
		h.onDrop(item.ctx, item.rec)
	}
}

// Close flushes the queue then closes the inner handler if it exposes Close.
func (h *Handler) Close() error {
	if h.state == nil {
		return nil
	}

	h.state.closeOnce.Do(func() {
		if h.state.closed.CompareAndSwap(false, true) {
			close(h.state.queue)
		}

		done := make(chan struct{})
		go func() {
			h.state.wg.Wait()
			close(done)
		}()

		if h.state.flushTimeout > 0 {
			select {
			case <-done:
			case <-time.After(h.state.flushTimeout):
				h.state.closeErr = ErrFlushTimeout
			}
		} else {
			<-done
		}

		if h.state.closer != nil {
			if err := h.state.closer(); err != nil && h.state.closeErr == nil {
				h.state.closeErr = err
			}
		}
	})

	return h.state.closeErr
}

// closerFor returns the Close method of inner, adapting the no-error form.
func closerFor(inner slog.Handler) func() error {
	if c, ok := inner.(io.Closer); ok {
		return c.Close
	}
	if c, ok := inner.(interface{ Close() }); ok {
		return func() error {
			c.Close()
			return nil
		}
	}
	return nil
}

// defaultConfig is an enabled, blocking queue of defaultQueueSize records
// drained by one worker.
func defaultConfig() Config {
	return Config{
		Enabled:     true,
		QueueSize:   defaultQueueSize,
		WorkerCount: 1,
		BatchSize:   1,
		DropMode:    DropModeBlock,
		ErrorWriter: os.Stderr,
	}
}

// buildConfig applies opts over defaultConfig and clamps out-of-range sizes.
func buildConfig(opts []Option) Config {
	cfg := defaultConfig()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	cfg.QueueSize = atLeast(cfg.QueueSize, 0, defaultQueueSize)
	cfg.WorkerCount = atLeast(cfg.WorkerCount, 1, 1)
	cfg.BatchSize = atLeast(cfg.BatchSize, 1, 1)
	return cfg
}

func atLeast(v, floor, fallback int) int {
	if v < floor {
		return fallback
	}
	return v
}

// envSetting binds one SLOGDD_ASYNC_* variable to the Config field it sets.
// set reports false when raw does not parse.
type envSetting struct {
	name string
	set  func(cfg *Config, raw string) bool
}

var envSettings = []envSetting{
	{envAsyncEnabled, func(cfg *Config, raw string) bool {
		v, ok := parseAsyncBool(raw)
		if ok {
			cfg.Enabled = v
		}
		return ok
	}},
	{envAsyncQueueSize, intSetting(func(cfg *Config) *int { return &cfg.QueueSize })},
	{envAsyncWorkers, intSetting(func(cfg *Config) *int { return &cfg.WorkerCount })},
	{envAsyncBatchSize, intSetting(func(cfg *Config) *int { return &cfg.BatchSize })},
	{envAsyncDropMode, func(cfg *Config, raw string) bool {
		mode, ok := parseDropMode(raw)
		if ok {
			cfg.DropMode = mode
		}
		return ok
	}},
	{envAsyncFlushTimeout, func(cfg *Config, raw string) bool {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return false
		}
		cfg.FlushTimeout = d
		return true
	}},
}

func intSetting(field func(*Config) *int) func(*Config, string) bool {
	return func(cfg *Config, raw string) bool {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return false
		}
		*field(cfg) = n
		return true
	}
}

// applyEnv overlays the SLOGDD_ASYNC_* variables onto cfg. Values that do
// not parse leave the field unchanged and are reported to cfg.ErrorWriter.
func applyEnv(cfg *Config) {
	for _, setting := range envSettings {
		raw := strings.TrimSpace(os.Getenv(setting.name))
		if raw == "" || setting.set(cfg, raw) {
			continue
		}
		if cfg.ErrorWriter != nil {
			_, _ = fmt.Fprintf(cfg.ErrorWriter, "slogddasync: ignoring %s=%q\n", setting.name, raw)
		}
	}
}

// parseDropMode accepts the String spelling plus dash variants.
func parseDropMode(raw string) (DropMode, bool) {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), "-", "_") {
	case "block":
		return DropModeBlock, true
	case "drop_newest":
		return DropModeDropNewest, true
	case "drop_oldest":
		return DropModeDropOldest, true
	default:
		return 0, false
	}
}

// parseAsyncBool accepts yes/on/1/true and no/off/0/false tokens.
func parseAsyncBool(raw string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "t", "true", "yes", "on":
		return true, true
	case "0", "f", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}
