package effects

import "sync/atomic"

// Chain is the fixed-topology per-channel effects sequence: equalizer,
// compressor, limiter, then the read-only analyzer tap. Each chain owns its
// state; state is never shared across channels.
type Chain struct {
	eq       *Equalizer
	comp     *Compressor
	lim      *Limiter
	analyzer *Analyzer
	bypass   atomic.Bool
}

// NewChain returns a chain with default stage settings for the given format.
func NewChain(sampleRate, channels int) *Chain {
	return &Chain{
		eq:       NewEqualizer(sampleRate, channels),
		comp:     NewCompressor(sampleRate),
		lim:      NewLimiter(sampleRate, channels, DefaultLookahead),
		analyzer: NewAnalyzer(sampleRate, channels),
	}
}

// Process runs the chain over an interleaved buffer in place. With bypass
// set the stages are skipped but the analyzer still observes the stream.
func (c *Chain) Process(buf []float64) {
	if !c.bypass.Load() {
		FlushAll(buf)
		c.eq.Process(buf)
		c.comp.Process(buf)
		c.lim.Process(buf)
	}
	c.analyzer.Process(buf)
}

// SetBypass toggles the processing stages. The analyzer tap stays active.
func (c *Chain) SetBypass(bypass bool) {
	c.bypass.Store(bypass)
}

// Bypassed reports the bypass state.
func (c *Chain) Bypassed() bool {
	return c.bypass.Load()
}

// Equalizer exposes the EQ stage for parameter changes.
func (c *Chain) Equalizer() *Equalizer {
	return c.eq
}

// Compressor exposes the compressor stage for parameter changes.
func (c *Chain) Compressor() *Compressor {
	return c.comp
}

// Analyzer exposes the read-only level tap.
func (c *Chain) Analyzer() *Analyzer {
	return c.analyzer
}

// Reset clears the state of every stage. Called on worker restart so filter
// history never survives a reconnect.
func (c *Chain) Reset() {
	c.eq.Reset()
	c.comp.Reset()
	c.lim.Reset()
	c.analyzer.Reset()
}
