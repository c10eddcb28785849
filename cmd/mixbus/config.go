package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// daemonConfig is the run command's YAML document.
type daemonConfig struct {
	// Listen is the metrics/health HTTP address. Default :9090.
	Listen string `yaml:"listen"`
	// Debug enables debug logging.
	Debug bool `yaml:"debug"`

	// SampleRate is the bus rate. Default 48000.
	SampleRate int `yaml:"sample_rate"`
	// FrameSize is the bus buffer length in frames. Default 480.
	FrameSize int `yaml:"frame_size"`
	// MasterGain is the initial master fader. Default 1.
	MasterGain float64 `yaml:"master_gain"`

	// Channels is the channel config document restored on start and watched
	// for edits. Default channels.yml.
	Channels string `yaml:"channels"`

	// Outputs are the sinks the master bus fans out to.
	Outputs []outputConfig `yaml:"outputs"`
}

// outputConfig describes one master bus sink.
type outputConfig struct {
	// Type is device, wav or mp3.
	Type string `yaml:"type"`
	// Device names the playback endpoint, empty for the host default.
	// Device outputs only.
	Device string `yaml:"device,omitempty"`
	// Path is the output file. File outputs only.
	Path string `yaml:"path,omitempty"`
	// SampleRate is the sink's native rate. Zero means the bus rate.
	SampleRate int `yaml:"sample_rate,omitempty"`
	// BitDepth is the wav sample depth, 16 or 32. Default 16.
	BitDepth int `yaml:"bit_depth,omitempty"`
	// BitRate is the mp3 rate in kbit/s. Default 192.
	BitRate int `yaml:"bit_rate,omitempty"`
}

func loadDaemonConfig(path string) (daemonConfig, error) {
	cfg := daemonConfig{
		Listen:     ":9090",
		SampleRate: 48000,
		FrameSize:  480,
		MasterGain: 1,
		Channels:   "channels.yml",
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	for i, out := range cfg.Outputs {
		switch out.Type {
		case "device":
		case "wav", "mp3":
			if out.Path == "" {
				return cfg, fmt.Errorf("config %s: outputs[%d]: %s output without path", path, i, out.Type)
			}
		default:
			return cfg, fmt.Errorf("config %s: outputs[%d]: unknown type %q", path, i, out.Type)
		}
	}
	return cfg, nil
}
