//go:build linux && cgo

package shm

/*
#cgo LDFLAGS: -lrt -lpthread

#include <stdlib.h>
#include <stdint.h>
#include <time.h>
#include <sys/mman.h>
#include <fcntl.h>
#include <unistd.h>
#include <string.h>
#include <semaphore.h>
#include <errno.h>

#ifndef EINVAL
#define EINVAL 22
#endif

// Layout shared with the camera daemon.
#define RING_BUFFER_SIZE 30
#define MAX_FRAME_SIZE (1920 * 1080 * 3 / 2)

typedef struct {
    uint64_t frame_number;
    struct timespec timestamp;
    int camera_id;
    int width;
    int height;
    int format;
    size_t data_size;
    float brightness_avg;
    uint32_t brightness_lux;
    uint8_t brightness_zone;
    uint8_t correction_applied;
    uint8_t _reserved[2];
    uint8_t data[MAX_FRAME_SIZE];
} Frame;

typedef struct {
    volatile uint32_t write_index;
    volatile uint32_t frame_interval_ms;
    uint8_t new_frame_sem[32];  // sem_t semaphore (32 bytes on Linux)
    Frame frames[RING_BUFFER_SIZE];
} SharedFrameBuffer;

// Open shared memory for reading (RDWR needed for sem_wait)
SharedFrameBuffer* open_shm(const char* name) {
    int fd = shm_open(name, O_RDWR, 0666);
    if (fd == -1) {
        return NULL;
    }

    SharedFrameBuffer* shm = (SharedFrameBuffer*)mmap(
        NULL,
        sizeof(SharedFrameBuffer),
        PROT_READ | PROT_WRITE,  // WRITE needed for sem_wait
        MAP_SHARED,
        fd,
        0
    );

    close(fd);

    if (shm == MAP_FAILED) {
        return NULL;
    }

    return shm;
}

// Wait for new frame notification with timeout
// Returns: 0 on success, -1 on timeout, negative errno on error
int wait_new_frame(SharedFrameBuffer* shm, int timeout_ms) {
    if (shm == NULL) {
        return -EINVAL;
    }

    if (timeout_ms <= 0) {
        // No timeout, block indefinitely
        if (sem_wait((sem_t*)&shm->new_frame_sem) != 0) {
            return -errno;  // Return negative errno
        }
        return 0;
    }

    // With timeout
    struct timespec ts;
    if (clock_gettime(CLOCK_REALTIME, &ts) != 0) {
        return -errno;
    }

    // Add timeout
    ts.tv_sec += timeout_ms / 1000;
    ts.tv_nsec += (timeout_ms % 1000) * 1000000;
    if (ts.tv_nsec >= 1000000000) {
        ts.tv_sec += 1;
        ts.tv_nsec -= 1000000000;
    }

    int ret = sem_timedwait((sem_t*)&shm->new_frame_sem, &ts);
    if (ret == -1) {
        return -errno;  // Return negative errno (including ETIMEDOUT)
    }

    return 0;
}

// Close shared memory
void close_shm(SharedFrameBuffer* shm) {
    if (shm != NULL) {
        munmap((void*)shm, sizeof(SharedFrameBuffer));
    }
}

uint32_t get_write_index(SharedFrameBuffer* shm) {
    return shm->write_index;
}

// Read frame at specific index
int read_frame(SharedFrameBuffer* shm, uint32_t index, Frame* out) {
    if (index >= RING_BUFFER_SIZE) {
        return -1;
    }

    memcpy(out, &shm->frames[index], sizeof(Frame));
    return 0;
}
*/
import "C"

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unsafe"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-monitor/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-monitor/internal/source"
)

const (
	ringBufferSize = 30
	maxFrameSize   = 1920 * 1080 * 3 / 2
	etimedout      = 110
)

var errTimeout = errors.New("shm: wait timed out")

// Source reads frames from the camera daemon's shared memory ring buffer and
// keeps the newest decoded one.
type Source struct {
	source.Holder

	shm       *C.SharedFrameBuffer
	scratch   *C.Frame
	name      string
	opts      Options
	lastFrame uint64
	log       *logger.Scoped
}

// Open maps the ring buffer, retrying until it appears or the attempts run out.
func Open(ctx context.Context, name string, opts Options) (*Source, error) {
	if name == "" {
		name = DefaultName
	}
	opts = opts.withDefaults()
	log := logger.Module("SHM")

	cName := C.CString(name)
	defer C.free(unsafe.Pointer(cName))

	var shm *C.SharedFrameBuffer
	for i := 0; i < opts.OpenAttempts; i++ {
		shm = C.open_shm(cName)
		if shm != nil {
			break
		}
		if i%5 == 0 {
			log.Infof("Waiting for shared memory %s to appear... (%d/%d)", name, i+1, opts.OpenAttempts)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(opts.OpenRetry):
		}
	}
	if shm == nil {
		return nil, fmt.Errorf("open shared memory %s: %w", name, ErrUnavailable)
	}

	log.Infof("Opened shared memory %s", name)
	return &Source{
		shm:     shm,
		scratch: (*C.Frame)(C.malloc(C.sizeof_Frame)),
		name:    name,
		opts:    opts,
		log:     log,
	}, nil
}

// Close unmaps the ring buffer.
func (s *Source) Close() error {
	if s.shm != nil {
		C.close_shm(s.shm)
		s.shm = nil
	}
	if s.scratch != nil {
		C.free(unsafe.Pointer(s.scratch))
		s.scratch = nil
	}
	return nil
}

// Run waits for frame notifications and publishes each new frame until ctx
// is done. Run and Close must not be called concurrently.
func (s *Source) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.waitNewFrame(s.opts.WaitTimeout); err != nil {
			if errors.Is(err, errTimeout) {
				continue
			}
			return err
		}
		if err := s.readLatest(); err != nil {
			s.log.Debugf("Skipping frame: %v", err)
		}
	}
}

func (s *Source) readLatest() error {
	if s.shm == nil {
		return errors.New("shared memory not open")
	}

	writeIndex := uint32(C.get_write_index(s.shm))
	if writeIndex == 0 {
		return nil
	}
	index := (writeIndex - 1) % ringBufferSize
	if C.read_frame(s.shm, C.uint32_t(index), s.scratch) != 0 {
		return fmt.Errorf("read frame at index %d", index)
	}

	frameNumber := uint64(s.scratch.frame_number)
	if frameNumber != 0 && frameNumber == s.lastFrame {
		return nil
	}
	s.lastFrame = frameNumber

	dataSize := int(s.scratch.data_size)
	if dataSize <= 0 || dataSize > maxFrameSize {
		return fmt.Errorf("bad frame size %d", dataSize)
	}
	data := C.GoBytes(unsafe.Pointer(&s.scratch.data[0]), C.int(dataSize))

	img, err := source.Decode(int(s.scratch.format), int(s.scratch.width), int(s.scratch.height), data)
	if err != nil {
		return err
	}
	ts := time.Unix(int64(s.scratch.timestamp.tv_sec), int64(s.scratch.timestamp.tv_nsec))
	s.Publish(img, ts)
	return nil
}

func (s *Source) waitNewFrame(timeout time.Duration) error {
	if s.shm == nil {
		return errors.New("shared memory not open")
	}

	result := int(C.wait_new_frame(s.shm, C.int(timeout.Milliseconds())))
	if result == 0 {
		return nil
	}

	switch errNum := -result; errNum {
	case etimedout:
		return errTimeout
	case 4: // EINTR
		return errTimeout
	default:
		return fmt.Errorf("semaphore wait failed (errno %d)", errNum)
	}
}
