package systems

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"golang.org/x/sync/semaphore"

	"github.com/spaghettifunk/vesta/engine/core"
	"github.com/spaghettifunk/vesta/engine/renderer/headless"
	"github.com/spaghettifunk/vesta/engine/renderer/metadata"
)

func triangle(id string) metadata.MeshUpload {
	return metadata.MeshUpload{
		ID:           id,
		Vertices:     bytes.Repeat([]byte{1, 2, 3, 4}, 9),
		VertexStride: 12,
		Indices:      []uint32{0, 1, 2},
	}
}

// outOfBuffers fails every device-local buffer allocation.
type outOfBuffers struct {
	*headless.Device
}

func (o outOfBuffers) AllocateBuffer(size uint64, usage metadata.BufferUsage, memory metadata.MemoryProperty) (metadata.BufferHandle, []byte, error) {
	if memory&metadata.MemoryDeviceLocal != 0 {
		return metadata.InvalidHandle, nil, core.ErrOutOfDeviceMemory
	}
	return o.Device.AllocateBuffer(size, usage, memory)
}

func TestMeshSubmitSkipsEmpty(t *testing.T) {
	d := headless.New(headless.DefaultOptions())
	mq := NewMeshUploadQueue(d, semaphore.NewWeighted(1), NewReleaseQueue(d, 2))
	got := mq.Submit(triangle("a"), metadata.MeshUpload{ID: "empty", VertexStride: 12}, metadata.MeshUpload{Vertices: []byte{1}})
	if got != 1 || mq.Pending() != 1 {
		t.Errorf("accepted %d, pending %d; want 1, 1", got, mq.Pending())
	}
}

func TestMeshDrainCopiesData(t *testing.T) {
	d := headless.New(headless.DefaultOptions())
	mq := NewMeshUploadQueue(d, semaphore.NewWeighted(1), NewReleaseQueue(d, 2))
	m := triangle("tri")
	mq.Submit(m)

	n, err := mq.DrainCopies(testContext(t))
	if err != nil || n != 1 {
		t.Fatalf("DrainCopies = %d, %v", n, err)
	}
	mesh, ok := mq.Ready("tri")
	if !ok {
		t.Fatal("mesh not ready")
	}
	if mesh.VertexCount != 3 || mesh.IndexCount != 3 {
		t.Errorf("counts = %d/%d", mesh.VertexCount, mesh.IndexCount)
	}
	if !bytes.Equal(d.BufferData(mesh.VertexBuffer), m.Vertices) {
		t.Error("vertex buffer content differs")
	}
	idx := d.BufferData(mesh.IndexBuffer)
	if len(idx) != 12 || binary.LittleEndian.Uint32(idx[8:]) != 2 {
		t.Errorf("index buffer = %v", idx)
	}
	if d.Stats().BufferCopies != 2 || d.Stats().UploadSubmits != 1 {
		t.Errorf("copies/submits = %d/%d", d.Stats().BufferCopies, d.Stats().UploadSubmits)
	}
	if n, _ := mq.DrainCopies(testContext(t)); n != 0 {
		t.Errorf("second drain uploaded %d", n)
	}
}

func TestMeshResubmitRetiresOldBuffers(t *testing.T) {
	d := headless.New(headless.DefaultOptions())
	release := NewReleaseQueue(d, 2)
	mq := NewMeshUploadQueue(d, semaphore.NewWeighted(1), release)
	ctx := testContext(t)

	mq.Submit(triangle("tri"))
	mq.DrainCopies(ctx)
	first, _ := mq.Ready("tri")
	mq.Submit(triangle("tri"))
	mq.DrainCopies(ctx)
	second, _ := mq.Ready("tri")

	if first.VertexBuffer == second.VertexBuffer {
		t.Error("resubmitted mesh kept its buffer")
	}
	if release.Len() != 2 {
		t.Errorf("retired %d buffers, want 2", release.Len())
	}
	if mq.ReadyCount() != 1 {
		t.Errorf("ready = %d", mq.ReadyCount())
	}
}

func TestMeshGivesUpAfterAttempts(t *testing.T) {
	d := headless.New(headless.DefaultOptions())
	mq := NewMeshUploadQueue(outOfBuffers{d}, semaphore.NewWeighted(1), NewReleaseQueue(d, 2))
	ctx := testContext(t)
	mq.Submit(triangle("big"))

	for i := 1; i < MAX_MESH_UPLOAD_ATTEMPTS; i++ {
		if n, err := mq.DrainCopies(ctx); n != 0 || err != nil {
			t.Fatalf("attempt %d = %d, %v", i, n, err)
		}
		if mq.Pending() != 1 {
			t.Fatalf("attempt %d dropped the mesh", i)
		}
	}
	mq.DrainCopies(ctx)
	if mq.Pending() != 0 {
		t.Error("mesh still queued after the last attempt")
	}
	if err := mq.Failed("big"); !errors.Is(err, core.ErrOutOfDeviceMemory) {
		t.Errorf("Failed = %v", err)
	}
}

// failingCopies fails the next n buffer copy submissions.
type failingCopies struct {
	*headless.Device
	n *int
}

func (f failingCopies) CopyBuffers(copies []metadata.BufferCopy) error {
	if *f.n > 0 {
		*f.n--
		return core.ErrOutOfDeviceMemory
	}
	return f.Device.CopyBuffers(copies)
}

func TestMeshCopyFailureRetries(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		wantReady bool
	}{
		{"fails once", 1, true},
		{"fails every attempt", MAX_MESH_UPLOAD_ATTEMPTS, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := headless.New(headless.DefaultOptions())
			failures := tt.failures
			mq := NewMeshUploadQueue(failingCopies{d, &failures}, semaphore.NewWeighted(1), NewReleaseQueue(d, 2))
			ctx := testContext(t)
			mq.Submit(triangle("tri"))

			if _, err := mq.DrainCopies(ctx); !errors.Is(err, core.ErrOutOfDeviceMemory) {
				t.Fatalf("first drain err = %v", err)
			}
			if _, ok := mq.Ready("tri"); ok {
				t.Fatal("mesh ready after a failed copy")
			}
			for i := 1; i < MAX_MESH_UPLOAD_ATTEMPTS; i++ {
				mq.DrainCopies(ctx)
			}

			_, ready := mq.Ready("tri")
			if ready != tt.wantReady {
				t.Errorf("ready = %v, want %v", ready, tt.wantReady)
			}
			failed := mq.Failed("tri") != nil
			if failed == tt.wantReady {
				t.Errorf("failed = %v, want %v", failed, !tt.wantReady)
			}
			if mq.Pending() != 0 {
				t.Errorf("pending = %d", mq.Pending())
			}
		})
	}
}
