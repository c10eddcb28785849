// Package store persists channel configurations. Two backends are
// provided: File keeps a YAML document on disk and can watch it for edits,
// Postgres keeps a table and suits multi-node setups. Both validate on the
// way in and out, so the pipeline only ever sees well formed configs.
package store

import (
	"context"
	"fmt"
)

// Format is the channel layout of a capture stream.
type Format string

// Channel layouts understood by the pipeline.
const (
	FormatMono   Format = "mono"
	FormatStereo Format = "stereo"
)

// IsValid reports whether f is a known layout.
func (f Format) IsValid() bool {
	switch f {
	case FormatMono, FormatStereo:
		return true
	}
	return false
}

// Channels returns the number of interleaved channels of f, 0 if unknown.
func (f Format) Channels() int {
	switch f {
	case FormatMono:
		return 1
	case FormatStereo:
		return 2
	}
	return 0
}

// EQ holds the three band gains of a channel strip in dB.
type EQ struct {
	Low  float64 `yaml:"low"`
	Mid  float64 `yaml:"mid"`
	High float64 `yaml:"high"`
}

// ChannelConfig describes one input channel: where it captures from and
// the strip parameters applied to it. Gain is linear (1.0 = unity).
type ChannelConfig struct {
	ID         string  `yaml:"id"`
	Name       string  `yaml:"name,omitempty"`
	Device     string  `yaml:"device"`
	SampleRate int     `yaml:"sample_rate"`
	Format     Format  `yaml:"format"`
	Gain       float64 `yaml:"gain"`
	Pan        float64 `yaml:"pan"`
	Muted      bool    `yaml:"muted,omitempty"`
	Solo       bool    `yaml:"solo,omitempty"`
	EQ         EQ      `yaml:"eq,omitempty"`
}

// Validate checks the config against the ranges the pipeline accepts.
func (c ChannelConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("store: channel without id")
	}
	if c.SampleRate < 8000 || c.SampleRate > 192000 {
		return fmt.Errorf("store: channel %q: sample rate %d out of range", c.ID, c.SampleRate)
	}
	if !c.Format.IsValid() {
		return fmt.Errorf("store: channel %q: unknown format %q", c.ID, c.Format)
	}
	if c.Pan < -1 || c.Pan > 1 {
		return fmt.Errorf("store: channel %q: pan %v out of range", c.ID, c.Pan)
	}
	if c.Gain < 0 || c.Gain > 4 {
		return fmt.Errorf("store: channel %q: gain %v out of range", c.ID, c.Gain)
	}
	return nil
}

// Store persists channel configs. SaveChannelConfig upserts one config and
// returns its id, assigning a fresh one when the config carries none.
type Store interface {
	LoadChannelConfigs(ctx context.Context) ([]ChannelConfig, error)
	SaveChannelConfig(ctx context.Context, c ChannelConfig) (string, error)
	DeleteChannelConfig(ctx context.Context, id string) error
}

// Watcher is implemented by stores that can report external edits. The
// pipeline discovers it by type assertion.
type Watcher interface {
	Watch(ctx context.Context, onChange func([]ChannelConfig)) error
}

func validateAll(configs []ChannelConfig) error {
	seen := make(map[string]bool, len(configs))
	for _, c := range configs {
		if err := c.Validate(); err != nil {
			return err
		}
		if seen[c.ID] {
			return fmt.Errorf("store: duplicate channel id %q", c.ID)
		}
		seen[c.ID] = true
	}
	return nil
}
