package metadata

import (
	"time"

	"github.com/google/uuid"
)

/** @brief Describes where the payload of a texture job comes from. */
type JobKind int

const (
	/** @brief The payload is a path that must be resolved, read and decoded. */
	JobKindFile JobKind = iota
	/** @brief The payload is an already decoded pixel buffer. */
	JobKindMemory
)

func (k JobKind) String() string {
	if k == JobKindMemory {
		return "memory"
	}
	return "file"
}

/**
 * @brief Determines which queue a job uses. Critical jobs are always drained before
 * non-critical ones.
 */
type JobPriority int

const (
	/** @brief Anything that can appear a few frames late. */
	JobPriorityNonCritical JobPriority = iota
	/** @brief Near-field or visible on the first frame. */
	JobPriorityCritical
)

/**
 * @brief A texture to stream. Created by a producer, consumed exactly once by a
 * streaming worker, then discarded.
 */
type PendingTextureJob struct {
	/** @brief Logical texture id. */
	ID string
	/** @brief Source path for file jobs. */
	Path string
	/** @brief Decoded pixels for memory jobs. */
	Pixels   *PixelBuffer
	Kind     JobKind
	Priority JobPriority
	/** @brief Requested format, ImageFormatAuto picks one from the id. */
	Format ImageFormat

	TraceID     uuid.UUID
	SubmittedAt time.Time
}

func (j *PendingTextureJob) Critical() bool {
	return j.Priority == JobPriorityCritical
}

// NewFileJob builds a job that loads id from path.
func NewFileJob(id, path string, critical bool) PendingTextureJob {
	return PendingTextureJob{
		ID:       id,
		Path:     path,
		Kind:     JobKindFile,
		Priority: priorityOf(critical),
	}
}

// NewMemoryJob builds a job that uploads already decoded pixels as id.
func NewMemoryJob(id string, pixels *PixelBuffer, critical bool) PendingTextureJob {
	return PendingTextureJob{
		ID:       id,
		Pixels:   pixels,
		Kind:     JobKindMemory,
		Priority: priorityOf(critical),
	}
}

func priorityOf(critical bool) JobPriority {
	if critical {
		return JobPriorityCritical
	}
	return JobPriorityNonCritical
}
