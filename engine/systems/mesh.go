package systems

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/spaghettifunk/vesta/engine/core"
	"github.com/spaghettifunk/vesta/engine/renderer/metadata"
)

// MAX_MESH_UPLOAD_ATTEMPTS bounds how many safe points retry a mesh whose buffers
// could not be allocated.
const MAX_MESH_UPLOAD_ATTEMPTS = 3

type meshDevice interface {
	AllocateBuffer(size uint64, usage metadata.BufferUsage, memory metadata.MemoryProperty) (metadata.BufferHandle, []byte, error)
	DestroyBuffer(buffer metadata.BufferHandle)
	CopyBuffers(copies []metadata.BufferCopy) error
}

type pendingMesh struct {
	upload   metadata.MeshUpload
	attempts int
}

type stagedMesh struct {
	source  pendingMesh
	mesh    metadata.Mesh
	staging []metadata.BufferHandle
}

// MeshUploadQueue collects vertex and index payloads from producers and copies
// them into device-local buffers at the next safe point.
type MeshUploadQueue struct {
	device     meshDevice
	submission *semaphore.Weighted
	release    *ReleaseQueue

	mu      sync.Mutex
	pending []pendingMesh
	ready   map[string]metadata.Mesh
	failed  map[string]error
}

func NewMeshUploadQueue(device meshDevice, submission *semaphore.Weighted, release *ReleaseQueue) *MeshUploadQueue {
	return &MeshUploadQueue{
		device:     device,
		submission: submission,
		release:    release,
		ready:      make(map[string]metadata.Mesh),
		failed:     make(map[string]error),
	}
}

// Submit queues meshes for the next safe point. It never blocks on the GPU.
func (mq *MeshUploadQueue) Submit(meshes ...metadata.MeshUpload) int {
	mq.mu.Lock()
	defer mq.mu.Unlock()
	accepted := 0
	for _, m := range meshes {
		if m.ID == "" || m.VertexCount() == 0 {
			core.LogWarn("mesh upload '%s' has no vertices, skipping", m.ID)
			continue
		}
		delete(mq.failed, m.ID)
		mq.pending = append(mq.pending, pendingMesh{upload: m})
		accepted++
	}
	return accepted
}

/**
 * @brief Copies every queued mesh into device-local memory. Called at the safe
 * point; the copies are submitted and waited on before it returns, so an
 * acceleration-structure build that follows can reference the meshes.
 * @return The number of meshes that became ready.
 */
func (mq *MeshUploadQueue) DrainCopies(ctx context.Context) (int, error) {
	mq.mu.Lock()
	pending := mq.pending
	mq.pending = nil
	mq.mu.Unlock()
	if len(pending) == 0 {
		return 0, nil
	}

	var staged []stagedMesh
	var copies []metadata.BufferCopy
	var retry []pendingMesh
	for _, p := range pending {
		s, c, err := mq.stage(&p.upload)
		if err != nil {
			if p, ok := mq.attempted(p, err); ok {
				retry = append(retry, p)
			}
			continue
		}
		s.source = p
		staged = append(staged, s)
		copies = append(copies, c...)
	}

	if len(staged) == 0 {
		mq.requeue(retry)
		return 0, nil
	}

	if err := mq.submission.Acquire(ctx, 1); err != nil {
		// not an attempt, the copies were never submitted
		mq.discard(staged)
		for _, s := range staged {
			retry = append(retry, s.source)
		}
		mq.requeue(retry)
		return 0, err
	}
	err := mq.device.CopyBuffers(copies)
	mq.submission.Release(1)

	if err != nil {
		mq.discard(staged)
		for _, s := range staged {
			if p, ok := mq.attempted(s.source, err); ok {
				retry = append(retry, p)
			}
		}
		mq.requeue(retry)
		return 0, fmt.Errorf("mesh copy submission: %w", err)
	}
	mq.requeue(retry)
	for _, s := range staged {
		for _, b := range s.staging {
			mq.device.DestroyBuffer(b)
		}
	}

	mq.mu.Lock()
	for _, s := range staged {
		if old, ok := mq.ready[s.mesh.ID]; ok {
			mq.release.RetireBuffer(old.VertexBuffer)
			mq.release.RetireBuffer(old.IndexBuffer)
		}
		mq.ready[s.mesh.ID] = s.mesh
	}
	mq.mu.Unlock()
	core.LogDebug("uploaded %d meshes (%d copies)", len(staged), len(copies))
	return len(staged), nil
}

// attempted counts a failed upload attempt. It reports whether the mesh should be
// retried at a later safe point; otherwise the mesh is recorded as failed.
func (mq *MeshUploadQueue) attempted(p pendingMesh, err error) (pendingMesh, bool) {
	p.attempts++
	if p.attempts >= MAX_MESH_UPLOAD_ATTEMPTS {
		core.LogError("mesh '%s' failed to upload after %d attempts: %s", p.upload.ID, p.attempts, err)
		mq.mu.Lock()
		mq.failed[p.upload.ID] = err
		mq.mu.Unlock()
		return p, false
	}
	core.LogWarn("mesh '%s' upload deferred: %s", p.upload.ID, err)
	return p, true
}

// requeue puts meshes back in front of anything submitted meanwhile.
func (mq *MeshUploadQueue) requeue(retry []pendingMesh) {
	if len(retry) == 0 {
		return
	}
	mq.mu.Lock()
	mq.pending = append(retry, mq.pending...)
	mq.mu.Unlock()
}

// stage allocates staging and device-local buffers for one mesh and fills the staging side.
func (mq *MeshUploadQueue) stage(m *metadata.MeshUpload) (stagedMesh, []metadata.BufferCopy, error) {
	var owned []metadata.BufferHandle
	fail := func(err error) (stagedMesh, []metadata.BufferCopy, error) {
		for _, b := range owned {
			mq.device.DestroyBuffer(b)
		}
		return stagedMesh{}, nil, err
	}

	vertexSize := uint64(len(m.Vertices))
	vertexStaging, vmap, err := mq.device.AllocateBuffer(vertexSize, metadata.BufferUsageTransferSrc, metadata.MemoryHostVisible|metadata.MemoryHostCoherent)
	if err != nil {
		return fail(fmt.Errorf("vertex staging: %w", err))
	}
	owned = append(owned, vertexStaging)
	copy(vmap, m.Vertices)

	vertexBuffer, _, err := mq.device.AllocateBuffer(vertexSize, metadata.BufferUsageVertex|metadata.BufferUsageTransferDst|metadata.BufferUsageAccelInput, metadata.MemoryDeviceLocal)
	if err != nil {
		return fail(fmt.Errorf("vertex buffer: %w", err))
	}
	owned = append(owned, vertexBuffer)

	mesh := metadata.Mesh{
		ID:           m.ID,
		VertexBuffer: vertexBuffer,
		VertexCount:  m.VertexCount(),
		IndexCount:   uint32(len(m.Indices)),
	}
	copies := []metadata.BufferCopy{{Src: vertexStaging, Dst: vertexBuffer, Size: vertexSize}}
	staging := []metadata.BufferHandle{vertexStaging}

	if len(m.Indices) > 0 {
		indexSize := uint64(len(m.Indices)) * 4
		indexStaging, imap, err := mq.device.AllocateBuffer(indexSize, metadata.BufferUsageTransferSrc, metadata.MemoryHostVisible|metadata.MemoryHostCoherent)
		if err != nil {
			return fail(fmt.Errorf("index staging: %w", err))
		}
		owned = append(owned, indexStaging)
		for i, idx := range m.Indices {
			binary.LittleEndian.PutUint32(imap[i*4:], idx)
		}
		indexBuffer, _, err := mq.device.AllocateBuffer(indexSize, metadata.BufferUsageIndex|metadata.BufferUsageTransferDst|metadata.BufferUsageAccelInput, metadata.MemoryDeviceLocal)
		if err != nil {
			return fail(fmt.Errorf("index buffer: %w", err))
		}
		mesh.IndexBuffer = indexBuffer
		copies = append(copies, metadata.BufferCopy{Src: indexStaging, Dst: indexBuffer, Size: indexSize})
		staging = append(staging, indexStaging)
	}
	return stagedMesh{mesh: mesh, staging: staging}, copies, nil
}

func (mq *MeshUploadQueue) discard(staged []stagedMesh) {
	for _, s := range staged {
		for _, b := range s.staging {
			mq.device.DestroyBuffer(b)
		}
		mq.device.DestroyBuffer(s.mesh.VertexBuffer)
		mq.device.DestroyBuffer(s.mesh.IndexBuffer)
	}
}

// Ready returns the uploaded mesh for id.
func (mq *MeshUploadQueue) Ready(id string) (metadata.Mesh, bool) {
	mq.mu.Lock()
	defer mq.mu.Unlock()
	m, ok := mq.ready[id]
	return m, ok
}

// Failed returns the error of a mesh that exhausted its attempts.
func (mq *MeshUploadQueue) Failed(id string) error {
	mq.mu.Lock()
	defer mq.mu.Unlock()
	return mq.failed[id]
}

func (mq *MeshUploadQueue) ReadyCount() int {
	mq.mu.Lock()
	defer mq.mu.Unlock()
	return len(mq.ready)
}

func (mq *MeshUploadQueue) Pending() int {
	mq.mu.Lock()
	defer mq.mu.Unlock()
	return len(mq.pending)
}

// Shutdown retires every uploaded mesh and drops the queued ones.
func (mq *MeshUploadQueue) Shutdown() error {
	mq.mu.Lock()
	defer mq.mu.Unlock()
	for id, m := range mq.ready {
		mq.release.RetireBuffer(m.VertexBuffer)
		mq.release.RetireBuffer(m.IndexBuffer)
		delete(mq.ready, id)
	}
	if len(mq.pending) > 0 {
		core.LogDebug("dropping %d queued mesh uploads", len(mq.pending))
	}
	mq.pending = nil
	return nil
}
