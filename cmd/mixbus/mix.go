package main

import (
	"context"
	"flag"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/aukern/mixbus"
	"github.com/aukern/mixbus/log"
	"github.com/aukern/mixbus/mp3"
	"github.com/aukern/mixbus/pipeline"
	"github.com/aukern/mixbus/signal"
	"github.com/aukern/mixbus/store"
	"github.com/aukern/mixbus/wav"
)

type mixCommand struct {
	in      stringList
	out     string
	mp3Out  string
	rate    int
	depth   int
	bitRate int
	gain    float64
	debug   bool
}

func (cmd *mixCommand) Name() string { return "mix" }

func (cmd *mixCommand) Help() string { return "Mix audio files through the pipeline into one master" }

func (cmd *mixCommand) Register(fs *flag.FlagSet) {
	fs.Var(&cmd.in, "in", "input wav or mp3 file, repeatable (required)")
	fs.StringVar(&cmd.out, "out", "", "output wav file")
	fs.StringVar(&cmd.mp3Out, "mp3", "", "output mp3 file")
	fs.IntVar(&cmd.rate, "rate", 48000, "bus sample rate")
	fs.IntVar(&cmd.depth, "depth", 16, "output wav bit depth, 16 or 32")
	fs.IntVar(&cmd.bitRate, "bitrate", 192, "output mp3 bit rate in kbit/s")
	fs.Float64Var(&cmd.gain, "gain", 1, "master gain")
	fs.BoolVar(&cmd.debug, "debug", false, "log debug detail")
}

func (cmd *mixCommand) Run() error {
	if len(cmd.in) == 0 {
		return fmt.Errorf("missing -in required flag")
	}
	if cmd.out == "" && cmd.mp3Out == "" {
		return fmt.Errorf("need -out or -mp3")
	}

	mgr, err := pipeline.NewManager(pipeline.Config{
		SampleRate: cmd.rate,
		Channels:   2,
		MasterGain: cmd.gain,
		Offline:    true,
	}, pipeline.WithLogger(log.New(cmd.debug)))
	if err != nil {
		return err
	}
	defer mgr.Close()

	// All file sources share one epoch so their synthetic timelines mix in
	// sync from sample zero.
	epoch := time.Now()
	for _, path := range cmd.in {
		src, cfg, err := openSource(path, epoch)
		if err != nil {
			return err
		}
		if _, err := mgr.AddChannel(context.Background(), cfg, src); err != nil {
			return err
		}
	}

	if cmd.out != "" {
		rec, err := wav.NewRecorder(cmd.out, signal.BitDepth(cmd.depth))
		if err != nil {
			return err
		}
		if _, err := mgr.BindOutput("wav", rec, pipeline.OutputConfig{}); err != nil {
			return err
		}
	}
	if cmd.mp3Out != "" {
		enc := mp3.NewEncoder(cmd.mp3Out, cmd.bitRate, 0)
		if _, err := mgr.BindOutput("mp3", enc, pipeline.OutputConfig{}); err != nil {
			return err
		}
	}

	if err := mgr.Start(); err != nil {
		return err
	}
	return mgr.Wait(context.Background())
}

// openSource builds a file capture source by extension together with the
// channel config describing it.
func openSource(path string, epoch time.Time) (mixbus.CaptureSource, store.ChannelConfig, error) {
	cfg := store.ChannelConfig{
		Name:   filepath.Base(path),
		Device: path,
		Gain:   1,
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav":
		src, err := wav.NewSource(path)
		if err != nil {
			return nil, cfg, err
		}
		src.Epoch = epoch
		cfg.SampleRate = src.SampleRate()
		cfg.Format = store.FormatStereo
		if src.Channels() == 1 {
			cfg.Format = store.FormatMono
		}
		return src, cfg, nil
	case ".mp3":
		src, err := mp3.NewSource(path)
		if err != nil {
			return nil, cfg, err
		}
		src.Epoch = epoch
		cfg.SampleRate = src.SampleRate()
		cfg.Format = store.FormatStereo
		return src, cfg, nil
	}
	return nil, cfg, fmt.Errorf("unsupported input %q, need .wav or .mp3", path)
}
