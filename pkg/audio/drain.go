package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use it when a consumer stops reading a stream early so the producer never
// blocks on a full buffer.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
