package voice

import (
	"context"
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/livevoice/internal/observe"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader.
func newTestMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// counter sums all data points of an int64 sum metric, optionally filtered
// by one attribute (pass key "" for no filter).
func counter(t *testing.T, reader *sdkmetric.ManualReader, name, key, value string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %q is not an int64 sum", name)
			}
			for _, dp := range sum.DataPoints {
				if key != "" {
					v, ok := dp.Attributes.Value(attribute.Key(key))
					if !ok || v.AsString() != value {
						continue
					}
				}
				total += dp.Value
			}
		}
	}
	return total
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// fragment returns a base64 payload of d worth of 24 kHz mono PCM.
func fragment(d time.Duration) string {
	samples := int(d * 24000 / time.Second)
	return base64.StdEncoding.EncodeToString(make([]byte, samples*2))
}

// recorder collects listener callbacks.
type recorder struct {
	mu          sync.Mutex
	states      []State
	transcripts []Transcript
	errs        []error
}

func (r *recorder) options() []Option {
	return []Option{
		WithStateListener(func(s State) {
			r.mu.Lock()
			r.states = append(r.states, s)
			r.mu.Unlock()
		}),
		WithTranscriptListener(func(tr Transcript) {
			r.mu.Lock()
			r.transcripts = append(r.transcripts, tr)
			r.mu.Unlock()
		}),
		WithErrorListener(func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
		}),
	}
}

func (r *recorder) States() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func (r *recorder) Transcripts() []Transcript {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Transcript(nil), r.transcripts...)
}

func (r *recorder) Errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}
