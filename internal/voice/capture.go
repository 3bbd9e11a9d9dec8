package voice

import (
	"context"
	"encoding/base64"
	"log/slog"

	"github.com/MrWong99/livevoice/internal/observe"
	"github.com/MrWong99/livevoice/pkg/audio"
	"github.com/MrWong99/livevoice/pkg/provider/live"
	"go.opentelemetry.io/otel/metric"
)

// EncodeWindow turns one capture window into the blob sent to the endpoint:
// truncating int16 PCM, little-endian, base64, tagged audio/pcm;rate=16000.
func EncodeWindow(w audio.Window) live.Blob {
	return live.Blob{
		Data:     base64.StdEncoding.EncodeToString(audio.EncodePCM16(w.Samples)),
		MIMEType: live.InputMIMEType,
	}
}

// capture forwards microphone windows to the connection while the session
// is open.
type capture struct {
	windows <-chan audio.Window
	conn    live.Conn
	isOpen  func() bool
	metrics *observe.Metrics
	log     *slog.Logger
}

// run sends windows in capture order until ctx is cancelled or the stream
// ends. Windows captured before run started are stale and discarded. Send
// failures are dropped: the endpoint reports broken connections on its
// event stream.
func (c *capture) run(ctx context.Context) {
	stale := 0
	for drained := false; !drained; {
		select {
		case _, ok := <-c.windows:
			if !ok {
				return
			}
			stale++
		default:
			drained = true
		}
	}
	if stale > 0 {
		c.metrics.FramesDropped.Add(ctx, int64(stale), metric.WithAttributes(observe.Attr("reason", observe.DropStale)))
		c.log.Debug("voice: discarded stale capture windows", "count", stale)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case w, ok := <-c.windows:
			if !ok {
				return
			}
			c.forward(ctx, w)
		}
	}
}

func (c *capture) forward(ctx context.Context, w audio.Window) {
	if !c.isOpen() {
		c.metrics.RecordFrameDropped(ctx, observe.DropNotOpen)
		return
	}
	if err := c.conn.Send(ctx, EncodeWindow(w)); err != nil {
		c.metrics.RecordFrameDropped(ctx, observe.DropSendError)
		c.log.Debug("voice: dropping capture window", "err", err)
		return
	}
	c.metrics.FramesSent.Add(ctx, 1)
}
