package platform

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/mediadevices"
)

// cameraTrack is a capture video track that can prove it still delivers frames. Sampling
// goes through a reader of the track's own broadcaster, so the driver is not reopened.
type cameraTrack struct {
	*mediadevices.VideoTrack

	mu      sync.Mutex
	pending chan error
}

func wrapTrack(t mediadevices.Track) mediadevices.Track {
	if vt, ok := t.(*mediadevices.VideoTrack); ok {
		return &cameraTrack{VideoTrack: vt}
	}
	return t
}

// SampleFrame waits for one frame. A read left over from a timed-out sample is picked
// up by the next call.
func (t *cameraTrack) SampleFrame(ctx context.Context) error {
	t.mu.Lock()
	if t.pending == nil {
		done := make(chan error, 1)
		t.pending = done
		go func() {
			_, release, err := t.NewReader(false).Read()
			if err == nil && release != nil {
				release()
			}
			done <- err
		}()
	}
	pending := t.pending
	t.mu.Unlock()

	select {
	case err := <-pending:
		t.mu.Lock()
		t.pending = nil
		t.mu.Unlock()
		if err != nil {
			return fmt.Errorf("camera track read failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("no frame from camera: %w", ctx.Err())
	}
}
