package systems

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/spaghettifunk/vesta/engine/config"
	"github.com/spaghettifunk/vesta/engine/core"
	"github.com/spaghettifunk/vesta/engine/renderer/metadata"
)

type accelDevice interface {
	SupportsRayQuery() bool
	BuildAccelerationStructure(instances []metadata.AccelInstance) (metadata.AccelHandle, error)
	RefitAccelerationStructure(accel metadata.AccelHandle, instances []metadata.AccelInstance) error
	WaitIdle() error
}

// AccelState is the build bookkeeping, read once per frame.
type AccelState struct {
	LastBuiltInstanceCount int
	LastBuiltMeshCount     int
	Frozen                 bool
	Requested              bool
	Override               bool
	Reason                 string
	Handle                 metadata.AccelHandle
	Builds                 uint64
	Refits                 uint64
	Deferred               uint64
	LastError              error
}

// AccelReadiness is what the scene looks like at a safe point.
type AccelReadiness struct {
	// Instances are the renderables whose mesh finished uploading.
	Instances []metadata.AccelInstance
	// TotalInstances counts every eligible renderable, ready or not.
	TotalInstances int
	ReadyMeshes    int
	Loading        bool
}

func (r AccelReadiness) ratio() float64 {
	if r.TotalInstances == 0 {
		return 0
	}
	return float64(len(r.Instances)) / float64(r.TotalInstances)
}

// AccelerationScheduler decides when the top-level acceleration structure is
// rebuilt. It builds only once enough of the scene is ready, freezes after a
// complete build and refits dynamic instances from then on.
type AccelerationScheduler struct {
	config     config.AccelConfig
	device     accelDevice
	submission *semaphore.Weighted
	release    *ReleaseQueue

	mu         sync.Mutex
	state      AccelState
	wasLoading bool
	// catchUp is armed when loading ends and fires once readiness passes the gate.
	catchUp bool
}

func NewAccelerationScheduler(cfg config.AccelConfig, device accelDevice, submission *semaphore.Weighted, release *ReleaseQueue) *AccelerationScheduler {
	return &AccelerationScheduler{
		config:     cfg,
		device:     device,
		submission: submission,
		release:    release,
	}
}

// NotifyCountsChanged compares ready counts against the last build and requests
// a build when they grew. A frozen structure only grows through Override.
func (as *AccelerationScheduler) NotifyCountsChanged(readyInstances, readyMeshes, totalInstances int) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.countsLocked(readyInstances, readyMeshes, totalInstances)
}

func (as *AccelerationScheduler) countsLocked(ready, meshes, total int) {
	grew := ready > as.state.LastBuiltInstanceCount || meshes > as.state.LastBuiltMeshCount
	if grew && !as.state.Frozen && !as.state.Requested {
		as.state.Requested = true
		as.state.Reason = fmt.Sprintf("ready instances %d/%d", ready, total)
	}
}

// RequestBuild asks for a build. A frozen structure ignores it unless overridden.
func (as *AccelerationScheduler) RequestBuild(reason string) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.state.Requested = true
	as.state.Reason = reason
}

// Override requests a one-shot build that bypasses the freeze and the readiness gate.
func (as *AccelerationScheduler) Override(reason string) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.state.Requested = true
	as.state.Override = true
	as.state.Reason = reason
}

// Observe folds the readiness of this frame into the request state.
func (as *AccelerationScheduler) Observe(r AccelReadiness) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.observeLocked(r)
}

func (as *AccelerationScheduler) observeLocked(r AccelReadiness) {
	ready := len(r.Instances)
	as.countsLocked(ready, r.ReadyMeshes, r.TotalInstances)

	if as.wasLoading && !r.Loading {
		as.catchUp = true
	}
	as.wasLoading = r.Loading
	if r.Loading {
		as.catchUp = false
	}
	// After loading the structure may be well behind what is ready.
	if as.catchUp && ready > 0 && r.ratio() >= as.config.ReadinessThreshold {
		as.catchUp = false
		if float64(as.state.LastBuiltInstanceCount) < as.config.CatchUpRatio*float64(ready) {
			as.state.Requested = true
			as.state.Override = true
			as.state.Reason = "post-load catch-up"
		}
	}
}

/**
 * @brief Runs at the safe point. Builds when a request passes the freeze and
 * readiness gates, otherwise refits dynamic instances of a frozen structure.
 * A failed build keeps the request for the next frame.
 * @return true when a new structure was built.
 */
func (as *AccelerationScheduler) Update(ctx context.Context, r AccelReadiness) (bool, error) {
	if !as.device.SupportsRayQuery() {
		return false, nil
	}
	as.mu.Lock()
	as.observeLocked(r)
	st := as.state
	as.mu.Unlock()

	if !st.Requested || (st.Frozen && !st.Override) {
		return false, as.refit(ctx, st, r)
	}
	if !st.Override {
		if r.Loading || r.ratio() < as.config.ReadinessThreshold {
			as.mu.Lock()
			as.state.Deferred++
			as.mu.Unlock()
			return false, nil
		}
	}
	if len(r.Instances) == 0 {
		return false, nil
	}
	return as.build(ctx, r)
}

func (as *AccelerationScheduler) build(ctx context.Context, r AccelReadiness) (bool, error) {
	if err := as.submission.Acquire(ctx, 1); err != nil {
		return false, err
	}
	var handle metadata.AccelHandle
	err := as.device.WaitIdle()
	if err == nil {
		handle, err = as.device.BuildAccelerationStructure(r.Instances)
	}
	as.submission.Release(1)

	as.mu.Lock()
	defer as.mu.Unlock()
	if err != nil {
		// Requested stays set, the build is retried next frame.
		as.state.LastError = err
		core.LogWarn("acceleration structure build (%s) failed, retrying next frame: %s", as.state.Reason, err)
		return false, nil
	}
	if as.state.Handle != metadata.InvalidHandle {
		as.release.RetireAccel(as.state.Handle)
	}
	as.state.Handle = handle
	as.state.LastBuiltInstanceCount = len(r.Instances)
	as.state.LastBuiltMeshCount = r.ReadyMeshes
	as.state.Requested = false
	as.state.Override = false
	as.state.LastError = nil
	as.state.Builds++
	as.state.Frozen = r.TotalInstances > 0 && r.ratio() >= as.config.FreezeThreshold
	core.LogInfo("acceleration structure built with %d instances (%s), frozen: %t", len(r.Instances), as.state.Reason, as.state.Frozen)
	return true, nil
}

// refit updates the transforms of dynamic instances in a frozen structure.
func (as *AccelerationScheduler) refit(ctx context.Context, st AccelState, r AccelReadiness) error {
	if !st.Frozen || !as.config.RefitDynamic || st.Handle == metadata.InvalidHandle {
		return nil
	}
	var dynamic []metadata.AccelInstance
	for _, in := range r.Instances {
		if in.Dynamic {
			dynamic = append(dynamic, in)
		}
	}
	if len(dynamic) == 0 {
		return nil
	}
	if err := as.submission.Acquire(ctx, 1); err != nil {
		return err
	}
	err := as.device.RefitAccelerationStructure(st.Handle, dynamic)
	as.submission.Release(1)
	if err != nil {
		core.LogWarn("refit of %d dynamic instances failed: %s", len(dynamic), err)
		return nil
	}
	as.mu.Lock()
	as.state.Refits++
	as.mu.Unlock()
	return nil
}

// State returns a copy of the scheduler state.
func (as *AccelerationScheduler) State() AccelState {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.state
}

// Handle returns the current top-level structure, if one was built.
func (as *AccelerationScheduler) Handle() metadata.AccelHandle {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.state.Handle
}

func (as *AccelerationScheduler) Shutdown() error {
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.state.Handle != metadata.InvalidHandle {
		as.release.RetireAccel(as.state.Handle)
		as.state.Handle = metadata.InvalidHandle
	}
	return nil
}
