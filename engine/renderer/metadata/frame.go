package metadata

/** @brief The lifecycle of a frame slot inside one loop iteration. */
type FrameState uint8

const (
	/** @brief The slot fence is signaled and nothing references the slot. */
	FrameStateIdle FrameState = iota
	/** @brief The render thread is blocked on the slot fence. */
	FrameStateWaitingOnFence
	/** @brief The fence was observed signaled; shared GPU state may be mutated. */
	FrameStateSafePoint
	/** @brief Commands referencing the slot are being recorded. */
	FrameStateRecording
	/** @brief Commands were submitted and the fence will signal on completion. */
	FrameStateSubmitted
)

func (s FrameState) String() string {
	switch s {
	case FrameStateIdle:
		return "idle"
	case FrameStateWaitingOnFence:
		return "waiting_on_fence"
	case FrameStateSafePoint:
		return "safe_point"
	case FrameStateRecording:
		return "recording"
	case FrameStateSubmitted:
		return "submitted"
	default:
		return "unknown"
	}
}

/**
 * @brief A frame in flight. The array of slots is created at renderer init and only
 * destroyed at shutdown.
 */
type FrameSlot struct {
	Index uint8
	/** @brief Signaled by the device when the work submitted for this slot completes. */
	Fence FenceHandle
	/** @brief Signaled when the acquired swapchain image is ready to be written. */
	ImageAvailable SemaphoreHandle
	/** @brief Signaled when rendering completes, waited on by present. */
	RenderComplete SemaphoreHandle
	State          FrameState
	/** @brief The engine frame number that last used this slot. */
	FrameNumber uint64
}
