package systems

import (
	"context"
	"errors"
	"testing"

	"github.com/spaghettifunk/vesta/engine/core"
	"github.com/spaghettifunk/vesta/engine/renderer/headless"
	"github.com/spaghettifunk/vesta/engine/renderer/metadata"
)

func runFrame(t *testing.T, fs *FrameScheduler) uint8 {
	t.Helper()
	ctx := testContext(t)
	slot, err := fs.BeginFrame(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := fs.BeginRecording(slot); err != nil {
		t.Fatal(err)
	}
	if err := fs.Submit(ctx, slot); err != nil {
		t.Fatal(err)
	}
	if err := fs.EndFrame(slot); err != nil {
		t.Fatal(err)
	}
	return slot
}

func TestFrameSchedulerRoundRobin(t *testing.T) {
	fs, err := NewFrameScheduler(headless.New(headless.DefaultOptions()), 3)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 7; i++ {
		if got := runFrame(t, fs); got != uint8(i%3) {
			t.Errorf("frame %d used slot %d, want %d", i, got, i%3)
		}
	}
	if fs.FrameNumber() != 7 {
		t.Errorf("frame number = %d, want 7", fs.FrameNumber())
	}
	for i := uint8(0); i < 3; i++ {
		if fs.State(i) != metadata.FrameStateIdle {
			t.Errorf("slot %d in %s, want idle", i, fs.State(i))
		}
	}
}

func TestFrameSchedulerStates(t *testing.T) {
	fs, _ := NewFrameScheduler(headless.New(headless.DefaultOptions()), 2)
	ctx := testContext(t)

	slot, err := fs.BeginFrame(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if fs.State(slot) != metadata.FrameStateSafePoint {
		t.Fatalf("after BeginFrame state = %s", fs.State(slot))
	}
	if err := fs.EndFrame(slot); err == nil {
		t.Error("EndFrame from the safe point succeeded")
	}
	if err := fs.Submit(ctx, slot); err == nil {
		t.Error("Submit before recording succeeded")
	}
	fs.BeginRecording(slot)
	if fs.State(slot) != metadata.FrameStateRecording {
		t.Fatalf("state = %s, want recording", fs.State(slot))
	}
	if err := fs.BeginRecording(slot); err == nil {
		t.Error("recording twice succeeded")
	}
	fs.Submit(ctx, slot)
	if fs.State(slot) != metadata.FrameStateSubmitted {
		t.Fatalf("state = %s, want submitted", fs.State(slot))
	}
	if err := fs.EndFrame(slot); err != nil {
		t.Fatal(err)
	}
	if _, err := fs.BeginFrame(ctx); err != nil {
		t.Fatal(err)
	}
	if err := fs.EndFrame(9); !errors.Is(err, core.ErrInvalidFrameSlot) {
		t.Errorf("EndFrame(9) = %v", err)
	}
}

func TestAbandonRearmsFence(t *testing.T) {
	tests := []struct {
		name   string
		record bool
	}{
		{"at the safe point", false},
		{"while recording", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs, _ := NewFrameScheduler(headless.New(headless.DefaultOptions()), 1)
			ctx := testContext(t)
			slot, err := fs.BeginFrame(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if tt.record {
				fs.BeginRecording(slot)
			}
			if err := fs.Abandon(ctx, slot); err != nil {
				t.Fatal(err)
			}
			if fs.State(slot) != metadata.FrameStateIdle {
				t.Errorf("state = %s after abandon", fs.State(slot))
			}
			// with one slot the next frame waits on the same fence
			if _, err := fs.BeginFrame(ctx); err != nil {
				t.Fatalf("next frame on abandoned slot: %v", err)
			}
			if fs.Abandoned() != 1 {
				t.Errorf("abandoned = %d", fs.Abandoned())
			}
		})
	}
}

func TestFenceFailureIsFatal(t *testing.T) {
	d := headless.New(headless.DefaultOptions())
	fs, _ := NewFrameScheduler(d, 1)
	ctx := testContext(t)
	slot, _ := fs.BeginFrame(ctx)
	fs.BeginRecording(slot)
	fs.Submit(ctx, slot)
	fs.EndFrame(slot)

	// reset behind the scheduler: nothing will ever signal it
	d.WaitFence(fs.Slot(0).Fence, 0)
	d.ResetFence(fs.Slot(0).Fence)
	_, err := fs.BeginFrame(ctx)
	if !core.IsFatal(err) || !errors.Is(err, core.ErrFenceWait) {
		t.Errorf("err = %v, want fatal ErrFenceWait", err)
	}
	if fs.State(0) != metadata.FrameStateIdle {
		t.Errorf("state = %s after failed wait", fs.State(0))
	}
}

// resetFails fails every fence reset.
type resetFails struct {
	*headless.Device
}

func (r resetFails) ResetFence(metadata.FenceHandle) error {
	return core.ErrDeviceLost
}

func TestFenceResetFailureReturnsSlotToIdle(t *testing.T) {
	fs, err := NewFrameScheduler(resetFails{headless.New(headless.DefaultOptions())}, 2)
	if err != nil {
		t.Fatal(err)
	}
	_, err = fs.BeginFrame(testContext(t))
	if !errors.Is(err, core.ErrDeviceLost) || !core.IsFatal(err) {
		t.Errorf("err = %v, want fatal ErrDeviceLost", err)
	}
	if fs.State(0) != metadata.FrameStateIdle {
		t.Errorf("state = %s after failed reset", fs.State(0))
	}
}

func TestFrameSchedulerShutdown(t *testing.T) {
	fs, _ := NewFrameScheduler(headless.New(headless.DefaultOptions()), 2)
	ctx := testContext(t)
	runFrame(t, fs)
	if _, err := fs.BeginFrame(ctx); err != nil {
		t.Fatal(err)
	}
	if err := fs.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown with a slot at its safe point: %v", err)
	}
	if _, err := fs.BeginFrame(ctx); !errors.Is(err, core.ErrShuttingDown) {
		t.Errorf("BeginFrame after shutdown = %v", err)
	}
	if err := fs.Shutdown(context.Background()); err != nil {
		t.Errorf("second shutdown = %v", err)
	}
}

func TestNewFrameSchedulerRejectsZeroSlots(t *testing.T) {
	if _, err := NewFrameScheduler(headless.New(headless.DefaultOptions()), 0); !errors.Is(err, core.ErrInvalidConfig) {
		t.Errorf("err = %v, want ErrInvalidConfig", err)
	}
}
