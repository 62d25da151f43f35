package metadata

// MeshUpload carries vertex and index payloads from the model loader to the next safe point.
type MeshUpload struct {
	ID           string
	Vertices     []byte
	VertexStride uint32
	Indices      []uint32
}

func (m *MeshUpload) VertexCount() uint32 {
	if m.VertexStride == 0 {
		return 0
	}
	return uint32(len(m.Vertices)) / m.VertexStride
}

type Mesh struct {
	ID           string
	VertexBuffer BufferHandle
	IndexBuffer  BufferHandle
	VertexCount  uint32
	IndexCount   uint32
}

// BufferCopy is a staging to device-local copy.
type BufferCopy struct {
	Src  BufferHandle
	Dst  BufferHandle
	Size uint64
}

// ImageUpload copies a staging buffer into mip 0 of an image.
type ImageUpload struct {
	Image   ImageHandle
	Staging BufferHandle
	Desc    ImageDesc
}

// AccelInstance is one entry of a top-level acceleration structure.
type AccelInstance struct {
	Consumer  ConsumerID
	Mesh      string
	Transform [16]float32
	Dynamic   bool
}
