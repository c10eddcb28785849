package pipeline

import "errors"

var (
	// ErrChannelNotFound is returned for operations on an unknown channel id.
	ErrChannelNotFound = errors.New("pipeline: channel not found")
	// ErrSinkNotFound is returned for operations on an unknown sink id.
	ErrSinkNotFound = errors.New("pipeline: sink not found")
	// ErrChannelExists is returned when an id is already registered.
	ErrChannelExists = errors.New("pipeline: channel already exists")
	// ErrSinkExists is returned when a sink id is already bound.
	ErrSinkExists = errors.New("pipeline: sink already bound")
	// ErrAlreadyRunning is returned by Start on a running pipeline.
	ErrAlreadyRunning = errors.New("pipeline: already running")
	// ErrNotRunning is returned by Stop and Wait on a stopped pipeline.
	ErrNotRunning = errors.New("pipeline: not running")
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("pipeline: manager closed")
	// ErrNoSource is returned when a channel has no capture source and no
	// source factory is configured to build one.
	ErrNoSource = errors.New("pipeline: no capture source for channel")
)
