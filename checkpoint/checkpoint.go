// Package checkpoint persists a session's state to a directory of JSON
// artifacts and a plain-text log.
package checkpoint

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Artifact file names inside a checkpoint directory.
const (
	InfoFile        = "info.json"
	ConfigFile      = "config.json"
	MessagesFile    = "messages.json"
	RawMessagesFile = "raw_messages.json"
	LogFile         = "logging.log"
	TodosFile       = "todos.json"
)

// Category selects the artifact a Punch writes to.
type Category string

const (
	CategoryInfo        Category = "info"
	CategoryConfig      Category = "config"
	CategoryMessages    Category = "messages"
	CategoryRawMessages Category = "raw_messages"
	CategoryLogs        Category = "logs"
)

// Error reports a failed checkpoint operation.
type Error struct {
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("checkpoint %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrExists is returned by New when the directory already exists and
// WithForceReinit was not given.
var ErrExists = errors.New("checkpoint directory already exists")

// DirName returns the default checkpoint directory name for t.
func DirName(t time.Time) string {
	return "checkpoint_" + t.Format("2006-01-02_15:04:05")
}

type options struct {
	name        string
	forceReinit bool
	logger      *zap.Logger
	now         func() time.Time
}

// Option configures New.
type Option func(*options)

// WithName sets the directory name instead of the timestamped default.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithForceReinit removes an existing directory of the same name.
func WithForceReinit(force bool) Option {
	return func(o *options) { o.forceReinit = force }
}

// WithLogger sets the logger used for lifecycle messages.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Checkpoint is a session directory. All methods are safe for concurrent use.
type Checkpoint struct {
	dir    string
	logger *zap.Logger

	mu          sync.Mutex
	info        map[string]any
	config      map[string]any
	messages    []json.RawMessage
	rawMessages []json.RawMessage
	log         *os.File
}

// New creates and initializes a checkpoint directory under root.
func New(root string, opts ...Option) (*Checkpoint, error) {
	o := options{logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	now := o.now()
	name := o.name
	if name == "" {
		name = DirName(now)
	}
	dir := filepath.Join(root, name)

	if _, err := os.Stat(dir); err == nil {
		if !o.forceReinit {
			return nil, &Error{Op: "init", Path: dir, Err: ErrExists}
		}
		o.logger.Info("removing existing checkpoint directory", zap.String("dir", dir))
		if err := os.RemoveAll(dir); err != nil {
			return nil, &Error{Op: "remove", Path: dir, Err: err}
		}
	}
	o.logger.Info("creating checkpoint directory", zap.String("dir", dir))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &Error{Op: "mkdir", Path: dir, Err: err}
	}

	c := &Checkpoint{
		dir:         dir,
		logger:      o.logger,
		info:        hostInfo(),
		config:      map[string]any{},
		messages:    []json.RawMessage{},
		rawMessages: []json.RawMessage{},
	}
	c.info["create_datetime"] = now.Format("2006-01-02 15:04:05")

	for _, step := range []struct {
		file string
		v    any
	}{
		{InfoFile, c.info},
		{ConfigFile, c.config},
		{MessagesFile, c.messages},
		{RawMessagesFile, c.rawMessages},
	} {
		if err := writeJSON(filepath.Join(dir, step.file), step.v); err != nil {
			return nil, err
		}
	}

	logPath := filepath.Join(dir, LogFile)
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, &Error{Op: "create", Path: logPath, Err: err}
	}
	c.log = f
	return c, nil
}

// Dir returns the checkpoint directory.
func (c *Checkpoint) Dir() string { return c.dir }

// Path returns the path of name inside the checkpoint directory.
func (c *Checkpoint) Path(name string) string { return filepath.Join(c.dir, name) }

// Punch writes content to the artifact selected by category. Info and
// config merge a map shallowly, messages and raw_messages append, and logs
// appends text.
func (c *Checkpoint) Punch(category Category, content any) error {
	switch category {
	case CategoryInfo:
		return c.mergeInto(c.info, InfoFile, content)
	case CategoryConfig:
		return c.mergeInto(c.config, ConfigFile, content)
	case CategoryMessages:
		return c.appendTo(&c.messages, MessagesFile, content)
	case CategoryRawMessages:
		return c.appendTo(&c.rawMessages, RawMessagesFile, content)
	case CategoryLogs:
		var text string
		switch v := content.(type) {
		case string:
			text = v
		case []byte:
			text = string(v)
		case nil:
		default:
			text = fmt.Sprint(v)
		}
		_, err := c.Write([]byte(text))
		return err
	default:
		return &Error{Op: "punch", Path: c.dir, Err: fmt.Errorf("unknown category %q", category)}
	}
}

// PunchInfo merges fields into info.json.
func (c *Checkpoint) PunchInfo(fields any) error { return c.Punch(CategoryInfo, fields) }

// PunchConfig merges fields into config.json.
func (c *Checkpoint) PunchConfig(fields any) error { return c.Punch(CategoryConfig, fields) }

// PunchMessage appends msg to messages.json.
func (c *Checkpoint) PunchMessage(msg any) error { return c.Punch(CategoryMessages, msg) }

// PunchRawMessage appends raw to raw_messages.json.
func (c *Checkpoint) PunchRawMessage(raw any) error { return c.Punch(CategoryRawMessages, raw) }

// PunchLog appends text to logging.log.
func (c *Checkpoint) PunchLog(text string) error { return c.Punch(CategoryLogs, text) }

// Write appends p to logging.log, so the checkpoint can back a zap sink.
func (c *Checkpoint) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.log == nil {
		return 0, &Error{Op: "write", Path: c.Path(LogFile), Err: os.ErrClosed}
	}
	n, err := c.log.Write(p)
	if err != nil {
		return n, &Error{Op: "write", Path: c.Path(LogFile), Err: err}
	}
	return n, nil
}

// Sync flushes logging.log.
func (c *Checkpoint) Sync() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.log == nil {
		return nil
	}
	return c.log.Sync()
}

// Close closes logging.log. JSON artifacts are always up to date.
func (c *Checkpoint) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.log == nil {
		return nil
	}
	err := c.log.Close()
	c.log = nil
	if err != nil {
		return &Error{Op: "close", Path: c.Path(LogFile), Err: err}
	}
	return nil
}

// Info returns a copy of the current info fields.
func (c *Checkpoint) Info() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]any, len(c.info))
	for k, v := range c.info {
		out[k] = v
	}
	return out
}

func (c *Checkpoint) mergeInto(dst map[string]any, file string, content any) error {
	path := c.Path(file)
	fields, err := toMap(content)
	if err != nil {
		return &Error{Op: "punch", Path: path, Err: err}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range fields {
		dst[k] = v
	}
	return writeJSON(path, dst)
}

func (c *Checkpoint) appendTo(dst *[]json.RawMessage, file string, content any) error {
	path := c.Path(file)
	raw, err := marshal(content)
	if err != nil {
		return &Error{Op: "encode", Path: path, Err: err}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	*dst = append(*dst, raw)
	return writeJSON(path, *dst)
}

// LoadMessages decodes messages.json from a checkpoint directory into dst.
func LoadMessages(dir string, dst any) error {
	path := filepath.Join(dir, MessagesFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return &Error{Op: "read", Path: path, Err: err}
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return &Error{Op: "decode", Path: path, Err: err}
	}
	return nil
}

func toMap(content any) (map[string]any, error) {
	switch v := content.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return v, nil
	}
	raw, err := marshal(content)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("content must encode to a JSON object: %w", err)
	}
	return out, nil
}

func marshal(v any) (json.RawMessage, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return json.RawMessage(bytes.TrimRight(buf.Bytes(), "\n")), nil
}

// writeJSON replaces path with the indented encoding of v via a temporary
// file and rename.
func writeJSON(path string, v any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(v); err != nil {
		return &Error{Op: "encode", Path: path, Err: err}
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return &Error{Op: "write", Path: path, Err: err}
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &Error{Op: "write", Path: path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return &Error{Op: "write", Path: path, Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return &Error{Op: "rename", Path: path, Err: err}
	}
	return nil
}
