/*
Package mixbus defines the shared data unit and the capability interfaces of
a real-time multi-device audio mixing engine.

The engine is a layered pipeline. Capture collaborators push frames into
per-channel bounded queues. Input workers drain those queues, resample each
stream to the single internal processing rate, run the channel's effects
chain and emit processed frames. The mixing layer time-aligns and sums all
processed streams into the master bus, applies master gain and limiting, and
fans the bus out to one queue per bound sink. Output workers drain their
queue, resample to the sink's native rate and deliver.

Subpackages implement the stages: queue holds the backpressure primitive,
resample the rate converters, effects the per-channel DSP chain, clock the
drift tracking, pipeline the workers and their manager, and wav, mp3 and
portaudio the file, encoder and device collaborators.
*/
package mixbus
