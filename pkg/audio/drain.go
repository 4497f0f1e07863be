package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use it to release a producer goroutine whose output nobody consumes any
// more, e.g. the message stream of a session handle that was abandoned after
// its call had already been torn down.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
