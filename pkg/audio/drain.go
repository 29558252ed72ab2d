package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this during teardown to keep a producer loop from blocking on its last
// sends (e.g. a [Source] frame channel or a session event channel).
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
