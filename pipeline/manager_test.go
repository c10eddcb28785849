package pipeline_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/aukern/mixbus"
	"github.com/aukern/mixbus/mock"
	"github.com/aukern/mixbus/pipeline"
	"github.com/aukern/mixbus/store"
)

func stereoChannel(id string) store.ChannelConfig {
	return store.ChannelConfig{
		ID:         id,
		Name:       id,
		Device:     "mock:" + id,
		SampleRate: 48000,
		Format:     store.FormatStereo,
		Gain:       1,
	}
}

func newRunningSource(value float64) *mock.Source {
	return &mock.Source{
		SampleRate: 48000,
		Channels:   2,
		FrameLen:   48,
		Interval:   time.Millisecond,
		Value:      value,
	}
}

func TestManagerRealtimeLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t)

	mgr, err := pipeline.NewManager(pipeline.Config{FrameSize: 48})
	require.NoError(t, err)
	defer mgr.Close()

	ctx := context.Background()
	src := newRunningSource(0.2)
	id, err := mgr.AddChannel(ctx, stereoChannel("drums"), src)
	require.NoError(t, err)
	assert.Equal(t, "drums", id)

	sink := &mock.Sink{}
	sinkID, err := mgr.BindOutput("monitor", sink, pipeline.OutputConfig{})
	require.NoError(t, err)
	assert.Equal(t, "monitor", sinkID)

	require.NoError(t, mgr.Start())
	assert.ErrorIs(t, mgr.Start(), pipeline.ErrAlreadyRunning)

	time.Sleep(50 * time.Millisecond)

	h := mgr.Health()
	assert.True(t, h.Running)
	require.Contains(t, h.Channels, "drums")
	assert.Equal(t, pipeline.Running, h.Channels["drums"].Worker)
	assert.NotEqual(t, pipeline.Unhealthy, h.Channels["drums"].State)
	require.Contains(t, h.Sinks, "monitor")
	assert.Equal(t, pipeline.Running, h.Sinks["monitor"].Worker)

	require.NoError(t, mgr.Stop())
	assert.Greater(t, sink.Writes(), 0, "mixed frames must have reached the sink")
	assert.Equal(t, 1, sink.Flushes())
	assert.Greater(t, src.Pushed(), uint64(0))

	h = mgr.Health()
	assert.False(t, h.Running)
	assert.Equal(t, pipeline.Stopped, h.Channels["drums"].Worker)

	assert.NoError(t, mgr.Close())
}

func TestManagerOfflineBounce(t *testing.T) {
	defer goleak.VerifyNone(t)

	mgr, err := pipeline.NewManager(
		pipeline.Config{FrameSize: 480, Offline: true},
		pipeline.WithSinkCapacity(64),
	)
	require.NoError(t, err)
	defer mgr.Close()

	// sources share an epoch long in the past: offline alignment is relative,
	// the wall clock plays no part
	epoch := time.Unix(1000, 0)
	const frames = 20
	srcA := &mock.Source{SampleRate: 48000, Channels: 2, FrameLen: 480, Limit: frames, Value: 0.25, Epoch: epoch}
	srcB := &mock.Source{SampleRate: 48000, Channels: 2, FrameLen: 480, Limit: frames, Value: 0.5, Epoch: epoch}

	ctx := context.Background()
	_, err = mgr.AddChannel(ctx, stereoChannel("a"), srcA)
	require.NoError(t, err)
	_, err = mgr.AddChannel(ctx, stereoChannel("b"), srcB)
	require.NoError(t, err)

	sink := &mock.Sink{}
	_, err = mgr.BindOutput("bounce", sink, pipeline.OutputConfig{})
	require.NoError(t, err)

	require.NoError(t, mgr.Start())

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, mgr.Wait(waitCtx), "the bounce must finish on its own")

	got := sink.Frames()
	require.Len(t, got, frames, "a lossless bounce delivers every source frame exactly once")
	for i, f := range got {
		assert.Equal(t, uint64(i+1), f.Seq)
		assert.Len(t, f.Samples, 960)
		assert.Equal(t, 2, f.Channels)
		assert.Equal(t, 48000, f.SampleRate)
		assert.NotZero(t, f.Samples[0], "frame %d carries audio, not silence", i)
		for j, v := range f.Samples {
			if v > 1.0 {
				t.Fatalf("frame %d sample %d = %v, escaped the limiter", i, j, v)
			}
		}
	}
	assert.Equal(t, 1, sink.Flushes())

	h := mgr.Health()
	assert.False(t, h.Running, "Wait tears the graph down")
	assert.Zero(t, h.MixerDrops, "offline pacing never sheds at the alignment stage")
}

func TestManagerPersistsChannelChanges(t *testing.T) {
	defer goleak.VerifyNone(t)

	st := store.NewFile(filepath.Join(t.TempDir(), "channels.yaml"))
	mgr, err := pipeline.NewManager(pipeline.Config{}, pipeline.WithStore(st))
	require.NoError(t, err)
	defer mgr.Close()

	ctx := context.Background()
	cfg := stereoChannel("vox")
	cfg.Gain = 0.8
	_, err = mgr.AddChannel(ctx, cfg, &mock.Source{SampleRate: 48000, Channels: 2, FrameLen: 48})
	require.NoError(t, err)

	saved, err := st.LoadChannelConfigs(ctx)
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, 0.8, saved[0].Gain)

	require.NoError(t, mgr.SetGain(ctx, "vox", 1.5))
	require.NoError(t, mgr.SetPan(ctx, "vox", -0.5))
	require.NoError(t, mgr.SetMute(ctx, "vox", true))
	require.NoError(t, mgr.SetEQ(ctx, "vox", 3, 0, -2))

	saved, err = st.LoadChannelConfigs(ctx)
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, 1.5, saved[0].Gain)
	assert.Equal(t, -0.5, saved[0].Pan)
	assert.True(t, saved[0].Muted)
	assert.Equal(t, store.EQ{Low: 3, Mid: 0, High: -2}, saved[0].EQ)

	require.NoError(t, mgr.RemoveChannel(ctx, "vox"))
	saved, err = st.LoadChannelConfigs(ctx)
	require.NoError(t, err)
	assert.Empty(t, saved, "removing a channel deletes its persisted config")
}

func TestManagerSetGainClampsBeforePersisting(t *testing.T) {
	defer goleak.VerifyNone(t)

	st := store.NewFile(filepath.Join(t.TempDir(), "channels.yaml"))
	mgr, err := pipeline.NewManager(pipeline.Config{}, pipeline.WithStore(st))
	require.NoError(t, err)
	defer mgr.Close()

	ctx := context.Background()
	_, err = mgr.AddChannel(ctx, stereoChannel("hot"), &mock.Source{SampleRate: 48000, Channels: 2, FrameLen: 48})
	require.NoError(t, err)

	require.NoError(t, mgr.SetGain(ctx, "hot", 99), "out-of-range control values clamp, they do not fail")
	saved, err := st.LoadChannelConfigs(ctx)
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, 4.0, saved[0].Gain)
}

func TestManagerRestore(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx := context.Background()
	st := store.NewFile(filepath.Join(t.TempDir(), "channels.yaml"))
	for _, id := range []string{"a", "b", "bad"} {
		_, err := st.SaveChannelConfig(ctx, stereoChannel(id))
		require.NoError(t, err)
	}

	var built atomic.Int32
	factory := func(cfg store.ChannelConfig) (mixbus.CaptureSource, error) {
		if cfg.ID == "bad" {
			return nil, errors.New("no such device")
		}
		built.Add(1)
		return &mock.Source{SampleRate: cfg.SampleRate, Channels: 2, FrameLen: 48}, nil
	}
	mgr, err := pipeline.NewManager(pipeline.Config{},
		pipeline.WithStore(st),
		pipeline.WithSourceFactory(factory),
	)
	require.NoError(t, err)
	defer mgr.Close()

	require.NoError(t, mgr.Restore(ctx))
	configs := mgr.Channels()
	require.Len(t, configs, 2, "a channel whose source cannot be built is skipped")
	assert.Equal(t, "a", configs[0].ID)
	assert.Equal(t, "b", configs[1].ID)
	assert.Equal(t, int32(2), built.Load())

	// restoring again must not duplicate
	require.NoError(t, mgr.Restore(ctx))
	assert.Len(t, mgr.Channels(), 2)

	saved, err := st.LoadChannelConfigs(ctx)
	require.NoError(t, err)
	assert.Len(t, saved, 3, "restore reads the store, it never writes it")
}

func TestManagerReconcile(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx := context.Background()
	st := store.NewFile(filepath.Join(t.TempDir(), "channels.yaml"))
	factory := func(cfg store.ChannelConfig) (mixbus.CaptureSource, error) {
		return &mock.Source{SampleRate: cfg.SampleRate, Channels: 2, FrameLen: 48}, nil
	}
	mgr, err := pipeline.NewManager(pipeline.Config{},
		pipeline.WithStore(st),
		pipeline.WithSourceFactory(factory),
	)
	require.NoError(t, err)
	defer mgr.Close()

	_, err = mgr.AddChannel(ctx, stereoChannel("a"), &mock.Source{SampleRate: 48000, Channels: 2, FrameLen: 48})
	require.NoError(t, err)

	edited := stereoChannel("a")
	edited.Gain = 2
	fresh := stereoChannel("fresh")
	invalid := stereoChannel("broken")
	invalid.SampleRate = 100

	err = mgr.Reconcile([]store.ChannelConfig{edited, fresh, invalid})
	require.Error(t, err, "the invalid config is reported")

	configs := mgr.Channels()
	require.Len(t, configs, 2, "valid configs apply even when a sibling is broken")
	assert.Equal(t, 2.0, configs[0].Gain)
	assert.Equal(t, "fresh", configs[1].ID)

	saved, err := st.LoadChannelConfigs(ctx)
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, 1.0, saved[0].Gain, "reconcile applies external edits without writing them back")
}

func TestManagerRestartChannelRebuildsSource(t *testing.T) {
	defer goleak.VerifyNone(t)

	var built atomic.Int32
	factory := func(cfg store.ChannelConfig) (mixbus.CaptureSource, error) {
		built.Add(1)
		return newRunningSource(0.1), nil
	}
	mgr, err := pipeline.NewManager(pipeline.Config{FrameSize: 48},
		pipeline.WithSourceFactory(factory),
	)
	require.NoError(t, err)
	defer mgr.Close()

	ctx := context.Background()
	_, err = mgr.AddChannel(ctx, stereoChannel("live"), newRunningSource(0.1))
	require.NoError(t, err)
	require.NoError(t, mgr.Start())
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, mgr.RestartChannel("live"))
	assert.Equal(t, int32(1), built.Load(), "a restart builds a fresh source through the factory")

	time.Sleep(20 * time.Millisecond)
	h := mgr.Health()
	assert.Equal(t, pipeline.Running, h.Channels["live"].Worker)
	assert.NotEqual(t, pipeline.Unhealthy, h.Channels["live"].State)

	require.NoError(t, mgr.Stop())
}

func TestManagerUnbindOutputFlushes(t *testing.T) {
	defer goleak.VerifyNone(t)

	mgr, err := pipeline.NewManager(pipeline.Config{FrameSize: 48})
	require.NoError(t, err)
	defer mgr.Close()

	ctx := context.Background()
	_, err = mgr.AddChannel(ctx, stereoChannel("live"), newRunningSource(0.2))
	require.NoError(t, err)
	sink := &mock.Sink{}
	_, err = mgr.BindOutput("tap", sink, pipeline.OutputConfig{})
	require.NoError(t, err)

	require.NoError(t, mgr.Start())
	time.Sleep(30 * time.Millisecond)

	require.NoError(t, mgr.UnbindOutput("tap"))
	assert.Equal(t, 1, sink.Flushes(), "unbind flushes what was already queued")

	writes := sink.Writes()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, writes, sink.Writes(), "an unbound sink receives nothing further")

	require.NoError(t, mgr.Stop())
}

func TestManagerAddChannelWhileRunning(t *testing.T) {
	defer goleak.VerifyNone(t)

	mgr, err := pipeline.NewManager(pipeline.Config{FrameSize: 48})
	require.NoError(t, err)
	defer mgr.Close()

	sink := &mock.Sink{}
	_, err = mgr.BindOutput("out", sink, pipeline.OutputConfig{})
	require.NoError(t, err)
	require.NoError(t, mgr.Start())
	time.Sleep(10 * time.Millisecond)

	_, err = mgr.AddChannel(context.Background(), stereoChannel("late"), newRunningSource(0.3))
	require.NoError(t, err)

	deadline := time.Now().Add(time.Second)
	for {
		var live bool
		for _, v := range sink.Samples() {
			if v != 0 {
				live = true
				break
			}
		}
		if live {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("the late channel never reached the mix")
		}
		time.Sleep(5 * time.Millisecond)
	}

	require.NoError(t, mgr.Stop())
}

func TestManagerMasterGain(t *testing.T) {
	defer goleak.VerifyNone(t)

	mgr, err := pipeline.NewManager(pipeline.Config{})
	require.NoError(t, err)
	defer mgr.Close()

	require.NoError(t, mgr.SetMasterGain(2))
	assert.Equal(t, 2.0, mgr.MasterGain())
	require.NoError(t, mgr.SetMasterGain(9))
	assert.Equal(t, 4.0, mgr.MasterGain())
}

func TestManagerErrorPaths(t *testing.T) {
	defer goleak.VerifyNone(t)

	mgr, err := pipeline.NewManager(pipeline.Config{})
	require.NoError(t, err)

	ctx := context.Background()
	src := &mock.Source{SampleRate: 48000, Channels: 2, FrameLen: 48}

	_, err = mgr.AddChannel(ctx, stereoChannel("a"), nil)
	assert.ErrorIs(t, err, pipeline.ErrNoSource)

	_, err = mgr.AddChannel(ctx, stereoChannel("a"), src)
	require.NoError(t, err)
	_, err = mgr.AddChannel(ctx, stereoChannel("a"), src)
	assert.ErrorIs(t, err, pipeline.ErrChannelExists)

	assert.ErrorIs(t, mgr.SetGain(ctx, "ghost", 1), pipeline.ErrChannelNotFound)
	assert.ErrorIs(t, mgr.RemoveChannel(ctx, "ghost"), pipeline.ErrChannelNotFound)
	assert.ErrorIs(t, mgr.RestartChannel("a"), pipeline.ErrNotRunning)
	assert.ErrorIs(t, mgr.Stop(), pipeline.ErrNotRunning)
	assert.ErrorIs(t, mgr.Wait(ctx), pipeline.ErrNotRunning)

	_, err = mgr.BindOutput("s", nil, pipeline.OutputConfig{})
	assert.Error(t, err)
	_, err = mgr.BindOutput("s", &mock.Sink{}, pipeline.OutputConfig{})
	require.NoError(t, err)
	_, err = mgr.BindOutput("s", &mock.Sink{}, pipeline.OutputConfig{})
	assert.ErrorIs(t, err, pipeline.ErrSinkExists)
	assert.ErrorIs(t, mgr.UnbindOutput("ghost"), pipeline.ErrSinkNotFound)

	assert.Error(t, mgr.Restore(ctx), "restore needs a store")

	require.NoError(t, mgr.Close())
	assert.NoError(t, mgr.Close(), "close is idempotent")
	_, err = mgr.AddChannel(ctx, stereoChannel("b"), src)
	assert.ErrorIs(t, err, pipeline.ErrClosed)
	assert.ErrorIs(t, mgr.SetGain(ctx, "a", 1), pipeline.ErrClosed)
	assert.ErrorIs(t, mgr.Stop(), pipeline.ErrClosed)
}

func TestManagerValidatesBusConfig(t *testing.T) {
	_, err := pipeline.NewManager(pipeline.Config{Channels: 3})
	assert.Error(t, err)
	_, err = pipeline.NewManager(pipeline.Config{SampleRate: 1000})
	assert.Error(t, err)
	_, err = pipeline.NewManager(pipeline.Config{FrameSize: -1})
	assert.Error(t, err)
}
