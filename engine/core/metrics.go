package core

import (
	"sync"
	"sync/atomic"
	"time"
)

const AVG_COUNT uint8 = 30

// FrameMetrics keeps a rolling frame time average and the frames per second.
type FrameMetrics struct {
	mu                 sync.Mutex
	frameAVGCounter    uint8
	msTimes            [AVG_COUNT]float64
	msAvg              float64
	frames             int32
	accumulatedFrameMS float64
	fps                float64
}

func NewFrameMetrics() *FrameMetrics {
	return &FrameMetrics{}
}

func (m *FrameMetrics) Update(frameElapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	frameMS := float64(frameElapsed) / float64(time.Millisecond)
	m.msTimes[m.frameAVGCounter] = frameMS
	if m.frameAVGCounter == AVG_COUNT-1 {
		var sum float64
		for i := uint8(0); i < AVG_COUNT; i++ {
			sum += m.msTimes[i]
		}
		m.msAvg = sum / float64(AVG_COUNT)
	}
	m.frameAVGCounter++
	m.frameAVGCounter %= AVG_COUNT

	// Calculate Frames per second.
	m.accumulatedFrameMS += frameMS
	if m.accumulatedFrameMS > 1000 {
		m.fps = float64(m.frames)
		m.accumulatedFrameMS -= 1000
		m.frames = 0
	}
	m.frames++
}

// Frame returns the frames per second and the average frame time in milliseconds.
func (m *FrameMetrics) Frame() (float64, float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fps, m.msAvg
}

// StreamingMetrics are the counters published by the streaming pipeline.
// They are written by workers and read by the UI/telemetry without locks.
type StreamingMetrics struct {
	scheduled     atomic.Uint64
	completed     atomic.Uint64
	failed        atomic.Uint64
	uploads       atomic.Uint64
	bytesUploaded atomic.Uint64
	latencyTotal  atomic.Int64
	latencyCount  atomic.Uint64
}

func (s *StreamingMetrics) JobScheduled() {
	s.scheduled.Add(1)
}

// JobCompleted records a finished job. Failed jobs are completed too.
func (s *StreamingMetrics) JobCompleted(failed bool, latency time.Duration) {
	if failed {
		s.failed.Add(1)
	}
	s.latencyTotal.Add(int64(latency))
	s.latencyCount.Add(1)
	s.completed.Add(1)
}

func (s *StreamingMetrics) Uploaded(bytes uint64) {
	s.uploads.Add(1)
	s.bytesUploaded.Add(bytes)
}

func (s *StreamingMetrics) Snapshot() StreamingSnapshot {
	snap := StreamingSnapshot{
		JobsScheduled: s.scheduled.Load(),
		JobsCompleted: s.completed.Load(),
		JobsFailed:    s.failed.Load(),
		Uploads:       s.uploads.Load(),
		BytesUploaded: s.bytesUploaded.Load(),
	}
	if n := s.latencyCount.Load(); n > 0 {
		snap.AverageUploadLatency = time.Duration(s.latencyTotal.Load() / int64(n))
	}
	return snap
}

type StreamingSnapshot struct {
	JobsScheduled        uint64
	JobsCompleted        uint64
	JobsFailed           uint64
	Uploads              uint64
	BytesUploaded        uint64
	AverageUploadLatency time.Duration
}

// Diagnostics is the read-only view exposed to the UI and telemetry.
type Diagnostics struct {
	Streaming       StreamingSnapshot
	FPS             float64
	FrameTimeMS     float64
	FrameNumber     uint64
	AbandonedFrames uint64
	PendingOps      int
	Loading         bool
	AccelBuilds     uint64
	AccelRefits     uint64
	AccelFrozen     bool
	AccelReason     string
}
