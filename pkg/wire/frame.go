package wire

// Frame is one complete message extracted from a physical socket's byte
// stream.  Whoever receives a Frame owns Payload.
type Frame struct {
	StreamID StreamID
	Payload  []byte
}

// AppendFrame appends the encoded header followed by the payload to dst.
func AppendFrame(c Codec, dst []byte, f Frame) []byte {
	dst = c.AppendHeader(dst, Header{Length: uint32(len(f.Payload)), StreamID: f.StreamID})
	return append(dst, f.Payload...)
}
