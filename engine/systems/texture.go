package systems

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/spaghettifunk/vesta/engine/config"
	"github.com/spaghettifunk/vesta/engine/core"
	"github.com/spaghettifunk/vesta/engine/renderer/metadata"
)

// ErrTextureFailed is returned to waiters of a texture whose load failed.
var ErrTextureFailed = errors.New("texture failed to load")

const TEXTURE_QUEUE_SIZE = 256

type textureDevice interface {
	AllocateBuffer(size uint64, usage metadata.BufferUsage, memory metadata.MemoryProperty) (metadata.BufferHandle, []byte, error)
	AllocateImage(desc metadata.ImageDesc) (metadata.ImageHandle, error)
	DestroyBuffer(buffer metadata.BufferHandle)
	DestroyImage(image metadata.ImageHandle)
	UploadImages(uploads []metadata.ImageUpload) []error
}

// TextureAssets finds and decodes texture files.
type TextureAssets interface {
	Resolve(path string) (string, error)
	Siblings(path string, suffixes []string) []string
	LoadImage(path string) (*metadata.PixelBuffer, error)
}

// DirtyMarker is told which texture ids changed.
type DirtyMarker interface {
	MarkResourceDirty(ids ...string) int
}

type textureRequest struct {
	job    metadata.PendingTextureJob
	future *Future
}

// textureWork is one source being produced, with the requests waiting on it.
type textureWork struct {
	req        textureRequest
	key        string
	claimed    bool
	candidates []string
	followers  []textureRequest

	source  string
	pixels  *metadata.PixelBuffer
	desc    metadata.ImageDesc
	image   metadata.ImageHandle
	staging metadata.BufferHandle
}

func (w *textureWork) requests() []textureRequest {
	return append([]textureRequest{w.req}, w.followers...)
}

type StreamingPipelineConfig struct {
	Streaming config.StreamingConfig
}

// StreamingPipeline uploads textures in the background. Every source is
// produced at most once; concurrent requests for it wait for the producer.
type StreamingPipeline struct {
	config     config.StreamingConfig
	device     textureDevice
	assets     TextureAssets
	cache      *ResourceCache
	loading    *LoadingSet
	dirty      DirtyMarker
	release    *ReleaseQueue
	submission *semaphore.Weighted
	metrics    *core.StreamingMetrics
	events     *core.EventBus
	jobs       *JobSystem[textureRequest]

	ctx    context.Context
	cancel context.CancelFunc

	loadingFlag         atomic.Bool
	initialLoadComplete atomic.Bool
	criticalOutstanding atomic.Int64
	closed              atomic.Bool
	shutdownOnce        sync.Once
}

func NewStreamingPipeline(cfg StreamingPipelineConfig, device textureDevice, assets TextureAssets, cache *ResourceCache, dirty DirtyMarker, release *ReleaseQueue, submission *semaphore.Weighted, metrics *core.StreamingMetrics, events *core.EventBus) (*StreamingPipeline, error) {
	js, err := NewJobSystem[textureRequest](cfg.Streaming.WorkerCount(), cfg.Streaming.BatchSize, TEXTURE_QUEUE_SIZE)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &StreamingPipeline{
		config:     cfg.Streaming,
		device:     device,
		assets:     assets,
		cache:      cache,
		loading:    NewLoadingSet(),
		dirty:      dirty,
		release:    release,
		submission: submission,
		metrics:    metrics,
		events:     events,
		jobs:       js,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Initialize uploads the shared placeholders and starts the workers.
func (p *StreamingPipeline) Initialize() error {
	for _, ph := range metadata.Placeholders {
		pixels := &metadata.PixelBuffer{Width: 1, Height: 1, Pixels: ph.Color[:]}
		w := &textureWork{
			req:    textureRequest{job: metadata.NewMemoryJob(ph.Name, pixels, true)},
			key:    ph.Name,
			source: ph.Name,
			pixels: pixels,
		}
		w.req.job.Format = metadata.DetermineTextureFormat(ph.Name)
		if err := p.allocate(w); err != nil {
			return fmt.Errorf("placeholder %s: %w", ph.Name, err)
		}
		if err := p.uploadSingle(p.ctx, w); err != nil {
			return fmt.Errorf("placeholder %s: %w", ph.Name, err)
		}
		p.device.DestroyBuffer(w.staging)
		p.cache.SetPlaceholder(ph.Slot, p.texture(w))
	}

	p.jobs.Start(p.processBatch, p.IsLoading)
	if p.jobs.Inline() {
		core.LogInfo("Streaming pipeline running inline at the safe point.")
	} else {
		core.LogInfo("Streaming pipeline started with %d workers.", p.jobs.Workers())
	}
	return nil
}

/**
 * @brief Queues a texture job.
 * @return A future that resolves once the texture is usable or this load failed.
 */
func (p *StreamingPipeline) Submit(job metadata.PendingTextureJob) *Future {
	req := p.prepareRequest(job)
	if req.future.Ready() {
		return req.future
	}
	if err := p.jobs.Submit(req, job.Critical()); err != nil {
		p.complete(req, false, err)
	}
	return req.future
}

// Process produces one job on the calling goroutine and returns its result.
func (p *StreamingPipeline) Process(ctx context.Context, job metadata.PendingTextureJob) (bool, error) {
	req := p.prepareRequest(job)
	if !req.future.Ready() {
		p.processBatch([]textureRequest{req})
	}
	return req.future.Wait(ctx)
}

func (p *StreamingPipeline) prepareRequest(job metadata.PendingTextureJob) textureRequest {
	job.TraceID = uuid.New()
	job.SubmittedAt = time.Now()
	if job.Kind == metadata.JobKindFile && job.Path == "" {
		job.Path = job.ID
	}
	req := textureRequest{job: job, future: newFuture()}

	p.metrics.JobScheduled()
	if job.Critical() {
		p.criticalOutstanding.Add(1)
	}
	switch {
	case p.closed.Load():
		p.complete(req, false, core.ErrShuttingDown)
	case job.ID == "":
		p.complete(req, false, fmt.Errorf("texture job without id: %w", core.ErrInvalidPayload))
	case job.Kind == metadata.JobKindMemory && !job.Pixels.Valid():
		core.LogError("texture %s rejected: pixel buffer does not match its dimensions", job.ID)
		p.complete(req, false, fmt.Errorf("texture %s: %w", job.ID, core.ErrInvalidPayload))
	}
	return req
}

// complete resolves a request and keeps the counters consistent.
func (p *StreamingPipeline) complete(req textureRequest, ok bool, err error) {
	p.metrics.JobCompleted(!ok, time.Since(req.job.SubmittedAt))
	if req.job.Critical() {
		if p.criticalOutstanding.Add(-1) == 0 {
			p.jobs.Queue().Wake()
		}
	}
	if !ok {
		core.LogDebug("texture job %s (%s) completed with failure: %v", req.job.ID, req.job.TraceID, err)
	}
	req.future.resolve(ok, err)
}

// finish resolves a request from a cached texture.
func (p *StreamingPipeline) finish(req textureRequest, t *metadata.Texture) {
	if t.Usable() {
		p.complete(req, true, nil)
		return
	}
	p.complete(req, false, fmt.Errorf("%s: %w", req.job.ID, ErrTextureFailed))
}

// processBatch is the worker body. Sources claimed by this batch are produced
// together, sources claimed elsewhere are waited on after this batch released
// its own claims.
func (p *StreamingPipeline) processBatch(batch []textureRequest) {
	var owned []*textureWork
	var deferred []*textureWork
	byKey := make(map[string]*textureWork)

	for _, req := range batch {
		if t, ok := p.cache.Lookup(req.job.ID); ok {
			p.finish(req, t)
			continue
		}
		w, err := p.sourceOf(req)
		if err != nil {
			p.fail(w, err)
			continue
		}
		if t, ok := p.cache.Lookup(w.key); ok {
			p.cache.Alias(req.job.ID, w.key)
			p.finish(req, t)
			continue
		}
		if primary, ok := byKey[w.key]; ok {
			primary.followers = append(primary.followers, req)
			continue
		}
		if p.loading.TryBegin(w.key) {
			// the previous producer may have finished between the lookup and the claim
			if t, ok := p.cache.Lookup(w.key); ok {
				p.loading.End(w.key)
				p.cache.Alias(req.job.ID, w.key)
				p.finish(req, t)
				continue
			}
			w.claimed = true
			byKey[w.key] = w
			owned = append(owned, w)
			continue
		}
		deferred = append(deferred, w)
	}

	p.produce(p.ctx, owned)

	for _, w := range deferred {
		key := w.key
		claimed, err := p.loading.Begin(key, func() bool { return p.cache.Contains(key) })
		if err != nil {
			// the producer we waited on failed, this round resolves false
			p.complete(w.req, false, fmt.Errorf("%s: %w: %w", w.req.job.ID, ErrTextureFailed, err))
			continue
		}
		if !claimed {
			t, _ := p.cache.Lookup(key)
			p.cache.Alias(w.req.job.ID, key)
			p.finish(w.req, t)
			continue
		}
		w.claimed = true
		p.produce(p.ctx, []*textureWork{w})
	}
}

// sourceOf computes the canonical source key of a request.
func (p *StreamingPipeline) sourceOf(req textureRequest) (*textureWork, error) {
	w := &textureWork{req: req, key: req.job.ID}
	if req.job.Kind == metadata.JobKindMemory {
		w.source = req.job.ID
		return w, nil
	}
	if p.assets == nil {
		return w, fmt.Errorf("texture %s: no asset manager: %w", req.job.ID, core.ErrAssetNotFound)
	}
	if resolved, err := p.assets.Resolve(req.job.Path); err == nil {
		w.candidates = append(w.candidates, resolved)
	}
	w.candidates = append(w.candidates, p.assets.Siblings(req.job.Path, p.config.SiblingSuffixes)...)
	if len(w.candidates) == 0 {
		return w, fmt.Errorf("texture %s at %s: %w", req.job.ID, req.job.Path, core.ErrAssetNotFound)
	}
	w.key = w.candidates[0]
	if w.candidates[0] != req.job.Path {
		core.LogDebug("texture %s resolved to %s", req.job.ID, w.candidates[0])
	}
	return w, nil
}

// produce decodes, allocates and uploads works whose keys are claimed by the caller.
// Every claim is released before it returns.
func (p *StreamingPipeline) produce(ctx context.Context, works []*textureWork) {
	var ready []*textureWork
	for _, w := range works {
		if err := p.decode(w); err != nil {
			p.fail(w, err)
			continue
		}
		if err := p.allocate(w); err != nil {
			p.fail(w, err)
			continue
		}
		ready = append(ready, w)
	}
	if len(ready) == 0 {
		return
	}

	if len(ready) == 1 {
		if err := p.uploadSingle(ctx, ready[0]); err != nil {
			p.fail(ready[0], err)
			return
		}
		p.succeed(ready[0])
		return
	}

	uploads := make([]metadata.ImageUpload, len(ready))
	for i, w := range ready {
		uploads[i] = metadata.ImageUpload{Image: w.image, Staging: w.staging, Desc: w.desc}
	}
	if err := p.submission.Acquire(ctx, 1); err != nil {
		for _, w := range ready {
			p.fail(w, err)
		}
		return
	}
	errs := p.device.UploadImages(uploads)
	p.submission.Release(1)

	for i, w := range ready {
		if errs != nil && errs[i] != nil {
			core.LogWarn("batched upload of %s failed, retrying alone: %s", w.req.job.ID, errs[i])
			if err := p.uploadSingle(ctx, w); err != nil {
				p.fail(w, err)
				continue
			}
		}
		p.succeed(w)
	}
}

// decode fills the pixels of a file work, trying each candidate in turn.
func (p *StreamingPipeline) decode(w *textureWork) error {
	if w.req.job.Kind == metadata.JobKindMemory {
		w.pixels = w.req.job.Pixels
		return nil
	}
	var errs []error
	for _, candidate := range w.candidates {
		pixels, err := p.assets.LoadImage(candidate)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !pixels.Valid() {
			errs = append(errs, fmt.Errorf("%s: %w", candidate, core.ErrInvalidPayload))
			continue
		}
		if candidate != w.candidates[0] {
			core.LogWarn("texture %s loaded from sibling %s", w.req.job.ID, candidate)
		}
		w.source = candidate
		w.pixels = pixels
		return nil
	}
	return fmt.Errorf("texture %s: %w", w.req.job.ID, errors.Join(errs...))
}

// allocate creates the image and the filled staging buffer. An out-of-memory
// image is retried once with a single mip level and without transfer-source usage.
func (p *StreamingPipeline) allocate(w *textureWork) error {
	format := w.req.job.Format
	if format == metadata.ImageFormatAuto {
		format = metadata.DetermineTextureFormat(w.req.job.ID)
		if format == metadata.ImageFormatRGBA8Unorm && w.source != "" {
			format = metadata.DetermineTextureFormat(w.source)
		}
	}
	w.desc = metadata.ImageDesc{
		Width:     w.pixels.Width,
		Height:    w.pixels.Height,
		Format:    format,
		Usage:     metadata.ImageUsageSampled | metadata.ImageUsageTransferDst | metadata.ImageUsageTransferSrc,
		Memory:    metadata.MemoryDeviceLocal,
		MipLevels: metadata.MipLevelsFor(w.pixels.Width, w.pixels.Height, p.config.MaxMipLevels),
	}
	image, err := p.device.AllocateImage(w.desc)
	if errors.Is(err, core.ErrOutOfDeviceMemory) {
		core.LogWarn("texture %s: %s, retrying with a reduced tier", w.req.job.ID, err)
		w.desc.MipLevels = 1
		w.desc.Usage = metadata.ImageUsageSampled | metadata.ImageUsageTransferDst
		image, err = p.device.AllocateImage(w.desc)
	}
	if err != nil {
		return fmt.Errorf("allocate image for %s: %w", w.req.job.ID, err)
	}

	staging, mapped, err := p.device.AllocateBuffer(w.pixels.Size(), metadata.BufferUsageTransferSrc, metadata.MemoryHostVisible|metadata.MemoryHostCoherent)
	if err != nil {
		p.device.DestroyImage(image)
		return fmt.Errorf("allocate staging for %s: %w", w.req.job.ID, err)
	}
	copy(mapped, w.pixels.Pixels)
	w.image = image
	w.staging = staging
	return nil
}

func (p *StreamingPipeline) uploadSingle(ctx context.Context, w *textureWork) error {
	if err := p.submission.Acquire(ctx, 1); err != nil {
		return err
	}
	errs := p.device.UploadImages([]metadata.ImageUpload{{Image: w.image, Staging: w.staging, Desc: w.desc}})
	p.submission.Release(1)
	if errs != nil && errs[0] != nil {
		return fmt.Errorf("upload %s: %w", w.req.job.ID, errs[0])
	}
	return nil
}

func (p *StreamingPipeline) texture(w *textureWork) *metadata.Texture {
	return &metadata.Texture{
		ID:        w.req.job.ID,
		Image:     w.image,
		Width:     w.desc.Width,
		Height:    w.desc.Height,
		MipLevels: w.desc.MipLevels,
		Format:    w.desc.Format,
	}
}

func (p *StreamingPipeline) succeed(w *textureWork) {
	p.device.DestroyBuffer(w.staging)
	w.staging = metadata.InvalidHandle

	p.cache.Insert(w.req.job.ID, w.source, p.texture(w))
	p.cache.Alias(w.key, w.source)
	for _, f := range w.followers {
		p.cache.Alias(f.job.ID, w.source)
	}
	p.metrics.Uploaded(w.pixels.Size())
	p.loading.End(w.key)

	ids := p.cache.AliasesOf(w.source)
	if p.dirty != nil {
		p.dirty.MarkResourceDirty(ids...)
	}
	if p.events != nil {
		p.events.Fire(core.EventContext{Type: core.EVENT_CODE_TEXTURE_LOADED, Text: w.req.job.ID, Flag: true})
	}
	for _, req := range w.requests() {
		p.complete(req, true, nil)
	}
}

// fail releases the claim and resolves the requests of this round as failed.
// Nothing is cached, so a later submission loads the texture again.
func (p *StreamingPipeline) fail(w *textureWork, err error) {
	if w.image != metadata.InvalidHandle {
		p.device.DestroyImage(w.image)
	}
	if w.staging != metadata.InvalidHandle {
		p.device.DestroyBuffer(w.staging)
	}
	core.LogError("texture %s failed: %s", w.req.job.ID, err)

	if w.claimed {
		p.loading.Fail(w.key, err)
	}
	if p.events != nil {
		p.events.Fire(core.EventContext{Type: core.EVENT_CODE_TEXTURE_LOADED, Text: w.req.job.ID, Flag: false})
	}
	for _, req := range w.requests() {
		p.complete(req, false, err)
	}
}

/**
 * @brief Runs one bounded pass of queued jobs on the render thread. Only used
 * when no workers run. While loading up to LoadingBudget critical jobs run, in
 * ray-query mode up to RayQueryBudget jobs of any priority, otherwise IdleBudget
 * jobs every IdleInterval frames.
 * @return The number of jobs taken from the queue.
 */
func (p *StreamingPipeline) IntegrateBounded(frame uint64, rayQuery bool) int {
	if !p.jobs.Inline() || p.closed.Load() {
		return 0
	}
	q := p.jobs.Queue()
	var batch []textureRequest
	switch {
	case p.IsLoading():
		batch = q.TryPopBatch(p.config.LoadingBudget, true)
	case rayQuery:
		batch = q.TryPopBatch(p.config.RayQueryBudget, false)
	case p.config.IdleInterval > 0 && frame%p.config.IdleInterval == 0:
		batch = q.TryPopBatch(p.config.IdleBudget, false)
	}
	if len(batch) == 0 {
		return 0
	}
	p.processBatch(batch)
	return len(batch)
}

// Reload drops the cached texture of a changed source file and queues it again.
func (p *StreamingPipeline) Reload(source string) bool {
	old, ok := p.cache.Evict(source)
	if !ok || old.Placeholder {
		return false
	}
	if old.Image != metadata.InvalidHandle {
		p.release.RetireImage(old.Image)
	}
	// Consumers rebind the placeholder until the new upload lands.
	if p.dirty != nil {
		p.dirty.MarkResourceDirty(p.cache.AliasesOf(source)...)
	}
	core.LogInfo("texture source %s changed, reloading", source)
	p.Submit(metadata.NewFileJob(old.ID, source, false))
	return true
}

// SetLoading raises or lowers the loading overlay flag.
func (p *StreamingPipeline) SetLoading(loading bool) {
	if p.loadingFlag.Swap(loading) != loading {
		p.jobs.Queue().Wake()
	}
}

// CompleteInitialLoad ends the loading phase for good.
func (p *StreamingPipeline) CompleteInitialLoad() {
	if !p.initialLoadComplete.Swap(true) {
		p.jobs.Queue().Wake()
	}
}

// IsLoading reports whether only critical work may run.
func (p *StreamingPipeline) IsLoading() bool {
	return (p.loadingFlag.Load() || p.criticalOutstanding.Load() > 0) && !p.initialLoadComplete.Load()
}

// Outstanding returns the number of queued critical and non-critical jobs.
func (p *StreamingPipeline) Outstanding() (int, int) {
	return p.jobs.Queue().Len()
}

func (p *StreamingPipeline) Cache() *ResourceCache {
	return p.cache
}

// Shutdown stops the workers. Jobs still queued are dropped and resolve false,
// also when ctx expires first.
func (p *StreamingPipeline) Shutdown(ctx context.Context) error {
	var err error
	p.shutdownOnce.Do(func() {
		p.closed.Store(true)
		done := make(chan error, 1)
		go func() {
			dropped, err := p.jobs.Shutdown()
			for _, req := range dropped {
				p.complete(req, false, core.ErrShuttingDown)
			}
			if len(dropped) > 0 {
				core.LogInfo("streaming pipeline dropped %d queued jobs", len(dropped))
			}
			done <- err
		}()
		select {
		case err = <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}
		p.cancel()
	})
	return err
}

// ReleaseTextures retires every cached image, placeholders included.
func (p *StreamingPipeline) ReleaseTextures() {
	for _, t := range p.cache.Textures() {
		if t.Image != metadata.InvalidHandle {
			p.release.RetireImage(t.Image)
		}
	}
}
