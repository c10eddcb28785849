package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/aukern/mixbus"
	"github.com/aukern/mixbus/log"
	"github.com/aukern/mixbus/meter"
	"github.com/aukern/mixbus/mp3"
	"github.com/aukern/mixbus/observe"
	"github.com/aukern/mixbus/pipeline"
	"github.com/aukern/mixbus/portaudio"
	sig "github.com/aukern/mixbus/signal"
	"github.com/aukern/mixbus/store"
	"github.com/aukern/mixbus/wav"
)

type runCommand struct {
	config string
}

func (cmd *runCommand) Name() string { return "run" }

func (cmd *runCommand) Help() string { return "Run the realtime mixing daemon" }

func (cmd *runCommand) Register(fs *flag.FlagSet) {
	fs.StringVar(&cmd.config, "config", "mixbus.yml", "daemon config file")
}

func (cmd *runCommand) Run() error {
	cfg, err := loadDaemonConfig(cmd.config)
	if err != nil {
		return err
	}
	logger := log.New(cfg.Debug)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry, shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer shutdown(context.Background())
	metrics, err := observe.New(otel.GetMeterProvider())
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	levels := meter.NewEvents()
	if cfg.Debug {
		defer subscribeLevelLog(levels, logger)()
	}

	fileStore := store.NewFile(cfg.Channels, store.WithLogger(logger))
	mgr, err := pipeline.NewManager(pipeline.Config{
		SampleRate: cfg.SampleRate,
		Channels:   2,
		FrameSize:  cfg.FrameSize,
		MasterGain: cfg.MasterGain,
	},
		pipeline.WithLogger(logger),
		pipeline.WithMeter(levels),
		pipeline.WithMetrics(metrics),
		pipeline.WithStore(fileStore),
		pipeline.WithSourceFactory(deviceFactory),
	)
	if err != nil {
		return err
	}
	defer mgr.Close()

	if err := mgr.Restore(ctx); err != nil {
		return err
	}
	for i, out := range cfg.Outputs {
		if err := bindOutput(mgr, cfg, out); err != nil {
			return fmt.Errorf("outputs[%d]: %w", i, err)
		}
	}
	if err := mgr.Start(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if err := fileStore.Watch(gctx, func(configs []store.ChannelConfig) {
		if err := mgr.Reconcile(configs); err != nil {
			logger.Warnf("reconcile: %v", err)
		}
	}); err != nil {
		logger.Warnf("config watch disabled: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(mgr.Health())
	})
	srv := &http.Server{Addr: cfg.Listen, Handler: mux}
	g.Go(func() error {
		logger.Infof("serving metrics on %s", cfg.Listen)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	err = g.Wait()
	if stopErr := mgr.Stop(); stopErr != nil && !errors.Is(stopErr, pipeline.ErrNotRunning) {
		logger.Errorf("stop: %v", stopErr)
		if err == nil {
			err = stopErr
		}
	}
	return err
}

// deviceFactory builds a capture source for a stored channel config.
func deviceFactory(cfg store.ChannelConfig) (mixbus.CaptureSource, error) {
	return portaudio.NewSource(cfg.Device, cfg.SampleRate, cfg.Format.Channels())
}

// bindOutput attaches one configured sink to the master bus.
func bindOutput(mgr *pipeline.Manager, cfg daemonConfig, out outputConfig) error {
	oc := pipeline.OutputConfig{SinkRate: out.SampleRate}
	switch out.Type {
	case "device":
		rate := out.SampleRate
		if rate == 0 {
			rate = cfg.SampleRate
		}
		sink, err := portaudio.NewSink(out.Device, rate, 2)
		if err != nil {
			return err
		}
		sink.FrameLen = cfg.FrameSize
		_, err = mgr.BindOutput("", sink, oc)
		return err
	case "wav":
		depth := out.BitDepth
		if depth == 0 {
			depth = 16
		}
		rec, err := wav.NewRecorder(out.Path, sig.BitDepth(depth))
		if err != nil {
			return err
		}
		_, err = mgr.BindOutput("", rec, oc)
		return err
	case "mp3":
		_, err := mgr.BindOutput("", mp3.NewEncoder(out.Path, out.BitRate, 0), oc)
		return err
	}
	return fmt.Errorf("unknown output type %q", out.Type)
}

// subscribeLevelLog logs the master bus level once a second at debug.
func subscribeLevelLog(levels *meter.Events, logger log.Logger) func() {
	var last time.Time
	return levels.Subscribe(func(l meter.Level) {
		if l.ChannelID != "" || l.Time.Sub(last) < time.Second {
			return
		}
		last = l.Time
		logger.Debugf("master peak %.1f dBFS rms %.1f dBFS", l.Peak, l.RMS)
	})
}
