package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use it when a synthesis stream has to be consumed but its audio is no
// longer wanted (for example after the output device rejected playback).
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
