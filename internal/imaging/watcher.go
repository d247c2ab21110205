package imaging

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/asiair-mqtt/helpers"
	"github.com/temoto/asiair-mqtt/internal/metrics"
	"github.com/temoto/asiair-mqtt/log2"
)

type Source interface {
	Fetch(ctx context.Context) (*Frame, error)
}

type Publisher interface {
	PublishImage(png []byte) error
}

// Watcher waits on image available flag and runs one fetch per wake up.
// Flag set while fetch is in progress results in exactly one more fetch afterwards.
type Watcher struct {
	Flag      helpers.Flag
	Source    Source
	Pipeline  *Pipeline
	Publisher Publisher
	Timeout   time.Duration
	Log       *log2.Log
	Metrics   *metrics.Metrics
}

func (w *Watcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.Flag.C():
			// receive cleared the flag
		}
		if err := w.Once(ctx); err != nil {
			w.Log.Errorf("image fetch err=%v", err)
		}
	}
}

// Once does fetch and publish. Errors are contained, never escalate.
func (w *Watcher) Once(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("image pipeline panic: %v", r)
		}
		outcome := "ok"
		switch {
		case err == errNoImage:
			outcome, err = "empty", nil
		case err != nil:
			outcome = "error"
		}
		w.Metrics.RecordImageFetch(outcome)
	}()

	if w.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.Timeout)
		defer cancel()
	}
	tbegin := time.Now()
	frame, err := w.Source.Fetch(ctx)
	if err != nil {
		return err
	}
	if frame == nil {
		return errNoImage
	}
	b, err := w.Pipeline.Render(frame)
	if err != nil {
		return errors.Annotate(err, "render")
	}
	w.Log.Infof("image %dx%d png=%d duration=%v", frame.Width, frame.Height, len(b), time.Since(tbegin))
	if err = w.Publisher.PublishImage(b); err != nil {
		return errors.Annotate(err, "publish")
	}
	return nil
}

var errNoImage = fmt.Errorf("no image")
