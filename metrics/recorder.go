package metrics

import "time"

// ResultLabel enumerates stage result categories for counters.
type ResultLabel string

const (
	ResultSuccess ResultLabel = "success"
	ResultPartial ResultLabel = "partial"
	ResultFatal   ResultLabel = "fatal"
)

// Recorder receives pipeline observations. NoopRecorder is used when metrics are disabled.
type Recorder interface {
	ObserveStageDuration(stage string, d time.Duration)
	ObserveBuildDuration(d time.Duration)
	IncStageResult(stage string, result ResultLabel)
	AddStageBytes(stage string, in, out int64)
	AddItemErrors(stage string, n int)
	IncReloads()
}

// NoopRecorder discards every observation.
type NoopRecorder struct{}

func (NoopRecorder) ObserveStageDuration(string, time.Duration) {}
func (NoopRecorder) ObserveBuildDuration(time.Duration)         {}
func (NoopRecorder) IncStageResult(string, ResultLabel)         {}
func (NoopRecorder) AddStageBytes(string, int64, int64)         {}
func (NoopRecorder) AddItemErrors(string, int)                  {}
func (NoopRecorder) IncReloads()                                {}
