package core

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestClamp(t *testing.T) {
	tests := []struct {
		name           string
		v, lo, hi, out int
	}{
		{"below", 1, 2, 4, 2},
		{"inside", 3, 2, 4, 3},
		{"above", 8, 2, 4, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Clamp(tt.v, tt.lo, tt.hi); got != tt.out {
				t.Errorf("Clamp(%d, %d, %d) = %d, want %d", tt.v, tt.lo, tt.hi, got, tt.out)
			}
		})
	}
}

func TestStreamingMetricsSnapshot(t *testing.T) {
	var m StreamingMetrics
	m.JobScheduled()
	m.JobScheduled()
	m.Uploaded(64)
	m.JobCompleted(false, 10*time.Millisecond)
	m.JobCompleted(true, 30*time.Millisecond)

	snap := m.Snapshot()
	if snap.JobsScheduled != 2 || snap.JobsCompleted != 2 {
		t.Fatalf("scheduled/completed = %d/%d, want 2/2", snap.JobsScheduled, snap.JobsCompleted)
	}
	if snap.JobsFailed != 1 {
		t.Errorf("failed = %d, want 1", snap.JobsFailed)
	}
	if snap.BytesUploaded != 64 || snap.Uploads != 1 {
		t.Errorf("uploads = %d (%d bytes), want 1 (64 bytes)", snap.Uploads, snap.BytesUploaded)
	}
	if snap.AverageUploadLatency != 20*time.Millisecond {
		t.Errorf("average latency = %s, want 20ms", snap.AverageUploadLatency)
	}
}

func TestFrameMetricsAverage(t *testing.T) {
	m := NewFrameMetrics()
	for i := 0; i < int(AVG_COUNT); i++ {
		m.Update(16 * time.Millisecond)
	}
	_, avg := m.Frame()
	if avg < 15.99 || avg > 16.01 {
		t.Errorf("average frame time = %f, want 16", avg)
	}
}

func TestEventBus(t *testing.T) {
	bus := NewEventBus()
	var got []uint32
	listener := &struct{}{}
	if !bus.Register(EVENT_CODE_RESIZED, listener, func(ctx EventContext) bool {
		got = append(got, ctx.U32[0], ctx.U32[1])
		return true
	}) {
		t.Fatal("first registration refused")
	}
	if bus.Register(EVENT_CODE_RESIZED, listener, func(EventContext) bool { return false }) {
		t.Fatal("duplicate listener accepted")
	}
	if !bus.Fire(EventContext{Type: EVENT_CODE_RESIZED, U32: [4]uint32{800, 600}}) {
		t.Fatal("event not handled")
	}
	if len(got) != 2 || got[0] != 800 || got[1] != 600 {
		t.Errorf("listener saw %v", got)
	}
	bus.Unregister(EVENT_CODE_RESIZED, listener)
	if bus.Fire(EventContext{Type: EVENT_CODE_RESIZED}) {
		t.Error("event handled after unregister")
	}
}

func TestErrorClassification(t *testing.T) {
	wrapped := fmt.Errorf("upload: %w", ErrOutOfDeviceMemory)
	if !IsTransient(wrapped) {
		t.Error("wrapped out-of-memory should be transient")
	}
	if IsFatal(wrapped) {
		t.Error("out-of-memory is not fatal")
	}
	if !IsFatal(fmt.Errorf("frame 3: %w", ErrFenceWait)) {
		t.Error("fence wait failure must be fatal")
	}
	if errors.Is(ErrSurfaceOutOfDate, ErrSwapchainBooting) {
		t.Error("unrelated sentinels matched")
	}
}
