package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/aukern/mixbus"
	"github.com/aukern/mixbus/log"
)

// debounce coalesces the event bursts editors produce on save.
const debounce = 500 * time.Millisecond

type document struct {
	Channels []ChannelConfig `yaml:"channels"`
}

// File persists the channel set as a YAML document. Saves go through a
// temp file and rename, so readers never observe a partial write.
type File struct {
	path   string
	logger log.Logger
}

var (
	_ Store   = (*File)(nil)
	_ Watcher = (*File)(nil)
)

// FileOption configures a File store.
type FileOption func(*File)

// WithLogger sets the logger used for watch diagnostics.
func WithLogger(l log.Logger) FileOption {
	return func(f *File) { f.logger = l }
}

// NewFile returns a store backed by the YAML file at path.
func NewFile(path string, options ...FileOption) *File {
	f := &File{path: path, logger: log.New(false)}
	for _, option := range options {
		option(f)
	}
	return f
}

// LoadChannelConfigs reads and validates the channel set. A missing file
// is an empty set, not an error.
func (f *File) LoadChannelConfigs(_ context.Context) ([]ChannelConfig, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: read %s: %w", f.path, err)
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("store: parse %s: %w", f.path, err)
	}
	if err := validateAll(doc.Channels); err != nil {
		return nil, err
	}
	return doc.Channels, nil
}

// SaveChannelConfig upserts one config, assigning an id when it has none,
// and returns the id.
func (f *File) SaveChannelConfig(ctx context.Context, c ChannelConfig) (string, error) {
	if c.ID == "" {
		c.ID = mixbus.NewID()
	}
	if err := c.Validate(); err != nil {
		return "", err
	}

	configs, err := f.LoadChannelConfigs(ctx)
	if err != nil {
		return "", err
	}
	replaced := false
	for i := range configs {
		if configs[i].ID == c.ID {
			configs[i] = c
			replaced = true
			break
		}
	}
	if !replaced {
		configs = append(configs, c)
	}
	if err := f.write(configs); err != nil {
		return "", err
	}
	return c.ID, nil
}

// DeleteChannelConfig removes one config. Deleting an unknown id is not an
// error.
func (f *File) DeleteChannelConfig(ctx context.Context, id string) error {
	configs, err := f.LoadChannelConfigs(ctx)
	if err != nil {
		return err
	}
	kept := configs[:0]
	for _, c := range configs {
		if c.ID != id {
			kept = append(kept, c)
		}
	}
	if len(kept) == len(configs) {
		return nil
	}
	return f.write(kept)
}

// write persists the full set through a temp file and rename.
func (f *File) write(configs []ChannelConfig) error {
	data, err := yaml.Marshal(document{Channels: configs})
	if err != nil {
		return fmt.Errorf("store: marshal: %w", err)
	}

	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, ".channels-*.yaml")
	if err != nil {
		return fmt.Errorf("store: temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("store: write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("store: close %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("store: rename to %s: %w", f.path, err)
	}
	return nil
}

// Watch reports external edits of the file until ctx is done. The parent
// directory is watched so the atomic rename that editors and saves use is
// seen as a change. Configs that fail to parse are logged and skipped; the
// previous set stays in effect.
func (f *File) Watch(ctx context.Context, onChange func([]ChannelConfig)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("store: watch: %w", err)
	}
	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("store: watch %s: %w", f.path, err)
	}

	go f.watch(ctx, watcher, onChange)
	return nil
}

func (f *File) watch(ctx context.Context, watcher *fsnotify.Watcher, onChange func([]ChannelConfig)) {
	defer watcher.Close()

	base := filepath.Base(f.path)
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(debounce)
			timerC = timer.C

		case <-timerC:
			timerC = nil
			configs, err := f.LoadChannelConfigs(ctx)
			if err != nil {
				f.logger.Warnf("store: reload %s: %v", f.path, err)
				continue
			}
			onChange(configs)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			f.logger.Warnf("store: watch %s: %v", f.path, err)
		}
	}
}
