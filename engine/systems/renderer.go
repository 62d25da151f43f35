package systems

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/spaghettifunk/vesta/engine/config"
	"github.com/spaghettifunk/vesta/engine/core"
	"github.com/spaghettifunk/vesta/engine/renderer"
	"github.com/spaghettifunk/vesta/engine/renderer/metadata"
)

type RendererSystemConfig struct {
	Renderer  config.RendererConfig
	Streaming config.StreamingConfig
	Accel     config.AccelConfig
	// Initial framebuffer size.
	Width  uint32
	Height uint32
	// ResizeSettleFrames is the number of frames skipped after a resize before
	// the surface is recreated. Zero recreates on the next frame.
	ResizeSettleFrames uint8
}

// RendererSystem is the per-frame entry point. It owns the frame slots and
// runs every safe-point mutation in a fixed order before recording.
type RendererSystem struct {
	config RendererSystemConfig
	device renderer.Device
	events *core.EventBus

	// submission serializes every queue submission of the render thread and the streaming workers.
	submission       *semaphore.Weighted
	clock            *core.Clock
	frameMetrics     *core.FrameMetrics
	streamingMetrics *core.StreamingMetrics

	frames      *FrameScheduler
	descriptors *DescriptorManager
	streaming   *StreamingPipeline
	meshes      *MeshUploadQueue
	accel       *AccelerationScheduler
	release     *ReleaseQueue
	cache       *ResourceCache

	// Render-thread only.
	consumers map[metadata.ConsumerID][metadata.MAX_IMAGE_SLOTS]string
	packet    renderer.FramePacket

	mu                sync.Mutex
	width             uint32
	height            uint32
	resizing          bool
	framesSinceResize uint8
	loading           bool
	shutdown          bool
}

func NewRendererSystem(cfg RendererSystemConfig, device renderer.Device, assets TextureAssets, events *core.EventBus) (*RendererSystem, error) {
	if device == nil {
		return nil, fmt.Errorf("func NewRendererSystem - device is nil: %w", core.ErrInvalidConfig)
	}
	n := cfg.Renderer.FramesInFlight
	r := &RendererSystem{
		config:           cfg,
		device:           device,
		events:           events,
		submission:       semaphore.NewWeighted(1),
		clock:            core.NewClock(),
		frameMetrics:     core.NewFrameMetrics(),
		streamingMetrics: &core.StreamingMetrics{},
		cache:            NewResourceCache(),
		consumers:        make(map[metadata.ConsumerID][metadata.MAX_IMAGE_SLOTS]string),
		width:            cfg.Width,
		height:           cfg.Height,
	}

	var err error
	r.release = NewReleaseQueue(device, n)
	if r.frames, err = NewFrameScheduler(device, n); err != nil {
		return nil, err
	}
	r.descriptors, err = NewDescriptorManager(DescriptorSystemConfig{FramesInFlight: n}, device, r.cache, r.release)
	if err != nil {
		return nil, err
	}
	r.streaming, err = NewStreamingPipeline(StreamingPipelineConfig{Streaming: cfg.Streaming}, device, assets, r.cache, r.descriptors, r.release, r.submission, r.streamingMetrics, events)
	if err != nil {
		return nil, err
	}
	r.meshes = NewMeshUploadQueue(device, r.submission, r.release)
	r.accel = NewAccelerationScheduler(cfg.Accel, device, r.submission, r.release)
	return r, nil
}

// Initialize uploads the placeholders and starts streaming.
func (r *RendererSystem) Initialize() error {
	if err := r.streaming.Initialize(); err != nil {
		return err
	}
	r.clock.Start()
	core.LogInfo("Renderer initialized on %s with %d frames in flight (%s path).", r.device.Name(), r.frames.FramesInFlight(), r.renderPath())
	return nil
}

// SubmitTextureLoad queues a texture file. The future resolves once every caller
// of id can bind it.
func (r *RendererSystem) SubmitTextureLoad(id, path string, critical bool) *Future {
	return r.streaming.Submit(metadata.NewFileJob(id, path, critical))
}

// SubmitTexturePixels queues already decoded pixels as texture id.
func (r *RendererSystem) SubmitTexturePixels(id string, pixels *metadata.PixelBuffer, critical bool) *Future {
	return r.streaming.Submit(metadata.NewMemoryJob(id, pixels, critical))
}

// SubmitMeshUpload defers mesh copies to the next safe point.
func (r *RendererSystem) SubmitMeshUpload(meshes ...metadata.MeshUpload) int {
	return r.meshes.Submit(meshes...)
}

func (r *RendererSystem) RequestAccelerationStructureBuild(reason string) {
	r.accel.RequestBuild(reason)
}

// SetLoading shows or hides the loading overlay. While shown only critical
// texture jobs are processed.
func (r *RendererSystem) SetLoading(loading bool) {
	r.mu.Lock()
	changed := r.loading != loading
	r.loading = loading
	r.mu.Unlock()
	if !changed {
		return
	}
	r.streaming.SetLoading(loading)
	if r.events != nil {
		r.events.Fire(core.EventContext{Type: core.EVENT_CODE_LOADING_CHANGED, Flag: loading})
	}
}

func (r *RendererSystem) CompleteInitialLoad() {
	r.SetLoading(false)
	r.streaming.CompleteInitialLoad()
}

// Resized records a new framebuffer size. The surface is recreated at the start
// of a later frame.
func (r *RendererSystem) Resized(width, height uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.width == width && r.height == height && !r.resizing {
		return
	}
	r.width = width
	r.height = height
	r.resizing = true
	r.framesSinceResize = 0
	core.LogDebug("renderer resized to %dx%d", width, height)
}

// settleResize reports whether the frame must be skipped because a resize is in progress.
func (r *RendererSystem) settleResize(ctx context.Context) (bool, error) {
	r.mu.Lock()
	if !r.resizing {
		r.mu.Unlock()
		return false, nil
	}
	if r.width == 0 || r.height == 0 {
		r.mu.Unlock()
		return true, nil
	}
	if r.framesSinceResize < r.config.ResizeSettleFrames {
		r.framesSinceResize++
		r.mu.Unlock()
		return true, nil
	}
	r.resizing = false
	r.framesSinceResize = 0
	r.mu.Unlock()

	if err := r.recreateSurface(ctx); err != nil {
		if errors.Is(err, core.ErrSwapchainBooting) {
			return true, nil
		}
		return true, err
	}
	return false, nil
}

/**
 * @brief Waits for the device to go idle under the submission lock, rebuilds the
 * surface and schedules a full rewrite of every binding table.
 */
func (r *RendererSystem) recreateSurface(ctx context.Context) error {
	r.mu.Lock()
	width, height := r.width, r.height
	r.mu.Unlock()

	if err := r.submission.Acquire(ctx, 1); err != nil {
		return err
	}
	err := r.device.WaitIdle()
	if err == nil {
		err = r.device.RecreateSurface(width, height)
	}
	r.submission.Release(1)
	if err != nil {
		if errors.Is(err, core.ErrSwapchainBooting) {
			r.mu.Lock()
			r.resizing = true
			r.mu.Unlock()
		}
		return fmt.Errorf("recreate surface %dx%d: %w", width, height, err)
	}
	r.descriptors.Invalidate()
	core.LogInfo("surface recreated at %dx%d", width, height)
	return nil
}

// syncConsumers registers new renderables and drops the ones that left the scene.
// It never touches GPU state.
func (r *RendererSystem) syncConsumers(renderables []metadata.Renderable) error {
	seen := make(map[metadata.ConsumerID]struct{}, len(renderables))
	for i := range renderables {
		item := &renderables[i]
		seen[item.Consumer] = struct{}{}
		if textures, ok := r.consumers[item.Consumer]; ok && textures == item.Textures {
			continue
		}
		if err := r.descriptors.Register(item.Consumer, item.Textures); err != nil {
			return err
		}
		r.consumers[item.Consumer] = item.Textures
	}
	for id := range r.consumers {
		if _, ok := seen[id]; !ok {
			r.descriptors.Unregister(id)
			delete(r.consumers, id)
		}
	}
	return nil
}

func (r *RendererSystem) readiness(renderables []metadata.Renderable) AccelReadiness {
	ready := AccelReadiness{
		ReadyMeshes: r.meshes.ReadyCount(),
		Loading:     r.streaming.IsLoading(),
	}
	for i := range renderables {
		item := &renderables[i]
		// a mesh that exhausted its upload attempts never becomes ready
		if item.Mesh == "" || r.meshes.Failed(item.Mesh) != nil {
			continue
		}
		ready.TotalInstances++
		if _, ok := r.meshes.Ready(item.Mesh); ok {
			ready.Instances = append(ready.Instances, metadata.AccelInstance{
				Consumer:  item.Consumer,
				Mesh:      item.Mesh,
				Transform: [16]float32(item.Transform),
				Dynamic:   item.Dynamic,
			})
		}
	}
	return ready
}

func (r *RendererSystem) renderPath() renderer.RenderPath {
	if r.config.Renderer.RayQuery && r.device.SupportsRayQuery() && r.accel.Handle() != metadata.InvalidHandle {
		return renderer.RenderPathRayQuery
	}
	return renderer.RenderPathRaster
}

/**
 * @brief Renders one frame. Waits for the next slot, runs the safe-point work
 * (mesh copies, acceleration structure, descriptor flush, inline streaming,
 * deferred releases), records, submits and presents. An out-of-date surface
 * abandons the frame and recreates the surface; that is not an error.
 * @return A fatal error, or nil.
 */
func (r *RendererSystem) RenderFrame(ctx context.Context, renderables []metadata.Renderable, camera metadata.Camera, overlay *metadata.Overlay) error {
	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return core.ErrShuttingDown
	}
	r.mu.Unlock()

	start := time.Now()
	defer func() {
		r.clock.Update()
		r.frameMetrics.Update(time.Since(start))
	}()

	if overlay != nil {
		r.SetLoading(overlay.Loading)
	}
	if skip, err := r.settleResize(ctx); skip || err != nil {
		return err
	}
	if err := r.syncConsumers(renderables); err != nil {
		return err
	}

	slot, err := r.frames.BeginFrame(ctx)
	if err != nil {
		return err
	}
	frame := r.frames.FrameNumber()

	// Safe point: nothing submitted for slot is still running on the GPU.
	completed, err := r.meshes.DrainCopies(ctx)
	if err != nil {
		return r.abandon(ctx, slot, err)
	}
	readiness := r.readiness(renderables)
	if completed > 0 {
		r.accel.NotifyCountsChanged(len(readiness.Instances), readiness.ReadyMeshes, readiness.TotalInstances)
		if !readiness.Loading && r.accel.State().Frozen {
			r.accel.Override(fmt.Sprintf("%d deferred meshes uploaded", completed))
		}
	}
	if _, err := r.accel.Update(ctx, readiness); err != nil {
		return r.abandon(ctx, slot, err)
	}
	if _, err := r.descriptors.FlushSafePoint(slot); err != nil {
		// Tables that failed keep their stale bit and are retried next time round.
		core.LogError("descriptor flush: %s", err)
	}
	path := r.renderPath()
	r.streaming.IntegrateBounded(frame, path == renderer.RenderPathRayQuery)
	r.release.Collect(frame)

	s := r.frames.Slot(slot)
	imageIndex, err := r.device.AcquireImage(&s)
	if err != nil {
		if errors.Is(err, core.ErrSurfaceOutOfDate) || errors.Is(err, core.ErrSwapchainBooting) {
			if aerr := r.frames.Abandon(ctx, slot); aerr != nil {
				return aerr
			}
			r.markResize()
			return nil
		}
		return r.abandon(ctx, slot, fmt.Errorf("acquire image: %w", wrapFatal(err, core.ErrSubmitFailed)))
	}

	r.buildPacket(slot, frame, path, renderables, camera, overlay)

	r.descriptors.BeginRecording()
	if err := r.frames.BeginRecording(slot); err != nil {
		r.descriptors.EndRecording()
		return r.abandon(ctx, slot, err)
	}
	if err := r.device.RecordFrame(&s, imageIndex, &r.packet); err != nil {
		r.descriptors.EndRecording()
		return r.abandon(ctx, slot, fmt.Errorf("record frame: %w", err))
	}

	if err := r.submission.Acquire(ctx, 1); err != nil {
		r.descriptors.EndRecording()
		return r.abandon(ctx, slot, err)
	}
	err = r.frames.Submit(ctx, slot)
	var presentErr error
	if err == nil {
		presentErr = r.device.Present(&s, imageIndex)
	}
	r.submission.Release(1)
	r.descriptors.EndRecording()
	if err != nil {
		return r.abandon(ctx, slot, err)
	}
	if err := r.frames.EndFrame(slot); err != nil {
		return err
	}

	if presentErr != nil {
		if errors.Is(presentErr, core.ErrSurfaceOutOfDate) {
			r.markResize()
			return nil
		}
		return fmt.Errorf("present: %w", wrapFatal(presentErr, core.ErrSubmitFailed))
	}
	return nil
}

// abandon drops the frame of slot and returns cause.
func (r *RendererSystem) abandon(ctx context.Context, slot uint8, cause error) error {
	if err := r.frames.Abandon(ctx, slot); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// markResize schedules a surface recreation for the next frame at the current size.
func (r *RendererSystem) markResize() {
	r.mu.Lock()
	r.resizing = true
	r.framesSinceResize = r.config.ResizeSettleFrames
	r.mu.Unlock()
}

// buildPacket fills the reused frame packet. Uniform blocks of slot are written
// here, before recording starts.
func (r *RendererSystem) buildPacket(slot uint8, frame uint64, path renderer.RenderPath, renderables []metadata.Renderable, camera metadata.Camera, overlay *metadata.Overlay) {
	r.packet.FrameNumber = frame
	r.packet.Path = path
	r.packet.Camera = camera
	r.packet.Overlay = overlay
	r.packet.ClearColor = r.config.Renderer.ClearColor
	r.packet.Accel = metadata.InvalidHandle
	if path == renderer.RenderPathRayQuery {
		r.packet.Accel = r.accel.Handle()
	}
	r.packet.Draws = r.packet.Draws[:0]

	for i := range renderables {
		item := &renderables[i]
		mesh, ok := r.meshes.Ready(item.Mesh)
		if !ok {
			continue
		}
		table, ok := r.descriptors.Table(item.Consumer, slot)
		if !ok {
			continue
		}
		if err := r.descriptors.UpdateUniform(item.Consumer, slot, camera.UniformBytes(item.Transform)); err != nil {
			core.LogWarn("uniform of consumer %d: %s", item.Consumer, err)
			continue
		}
		r.packet.Draws = append(r.packet.Draws, renderer.DrawItem{Consumer: item.Consumer, Mesh: mesh, Table: table})
	}
}

// Diagnostics returns the counters shown by the UI and telemetry.
func (r *RendererSystem) Diagnostics() core.Diagnostics {
	fps, frameMS := r.frameMetrics.Frame()
	st := r.accel.State()
	return core.Diagnostics{
		Streaming:       r.streamingMetrics.Snapshot(),
		FPS:             fps,
		FrameTimeMS:     frameMS,
		FrameNumber:     r.frames.FrameNumber(),
		AbandonedFrames: r.frames.Abandoned(),
		PendingOps:      r.descriptors.Pending(),
		Loading:         r.streaming.IsLoading(),
		AccelBuilds:     st.Builds,
		AccelRefits:     st.Refits,
		AccelFrozen:     st.Frozen,
		AccelReason:     st.Reason,
	}
}

// Reload re-queues the texture whose source file changed on disk.
func (r *RendererSystem) Reload(source string) bool {
	return r.streaming.Reload(source)
}

func (r *RendererSystem) Frames() *FrameScheduler {
	return r.frames
}

func (r *RendererSystem) Descriptors() *DescriptorManager {
	return r.descriptors
}

func (r *RendererSystem) Streaming() *StreamingPipeline {
	return r.streaming
}

func (r *RendererSystem) Meshes() *MeshUploadQueue {
	return r.meshes
}

func (r *RendererSystem) Accel() *AccelerationScheduler {
	return r.accel
}

func (r *RendererSystem) Cache() *ResourceCache {
	return r.cache
}

func (r *RendererSystem) Uptime() time.Duration {
	return r.clock.Elapsed()
}

/**
 * @brief Stops streaming, waits for every frame slot, then retires and releases
 * every GPU object the renderer owns. The device itself is left to the caller.
 */
func (r *RendererSystem) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return nil
	}
	r.shutdown = true
	r.mu.Unlock()

	var errs []error
	if err := r.streaming.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("streaming: %w", err))
	}
	if err := r.frames.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("frames: %w", err))
	}
	if err := r.device.WaitIdle(); err != nil {
		errs = append(errs, fmt.Errorf("wait idle: %w", err))
	}
	errs = append(errs, r.descriptors.Shutdown(), r.meshes.Shutdown(), r.accel.Shutdown())
	r.streaming.ReleaseTextures()
	released := r.release.Flush()
	r.clock.Stop()
	core.LogInfo("Renderer shut down, %d GPU objects released.", released)
	return errors.Join(errs...)
}
