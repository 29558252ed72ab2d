package audio

// Discard is a [Sink] that accepts and drops all audio. It is used when the
// service runs headless: the session still consumes the provider's audio
// stream (keeping transcripts and turn tracking alive) without a playback
// device.
var Discard Sink = discard{}

type discard struct{}

func (discard) Open(Format) error  { return nil }
func (discard) Write([]byte) error { return nil }
func (discard) Flush() error       { return nil }
func (discard) Close() error       { return nil }
