// Package protocol holds the byte-level helpers of the session core: MTU
// framing of outbound payloads and decoding of characteristic values into
// transcript records.
package protocol

// attOverhead is the ATT write header (1 byte opcode + 2 byte handle).
const attOverhead = 3

// FrameSize returns the usable payload bytes per write for a negotiated MTU.
// It never returns less than 1.
func FrameSize(mtu int) int {
	if mtu-attOverhead < 1 {
		return 1
	}
	return mtu - attOverhead
}

// Frames slices payload into consecutive frames of at most size bytes.
// Concatenating the frames in order reproduces payload exactly. Returns nil
// for an empty payload or a non-positive size. Frames alias payload, so
// callers that keep them must not mutate the input.
func Frames(payload []byte, size int) [][]byte {
	if len(payload) == 0 || size <= 0 {
		return nil
	}

	n := (len(payload) + size - 1) / size
	frames := make([][]byte, 0, n)
	for start := 0; start < len(payload); start += size {
		end := start + size
		if end > len(payload) {
			end = len(payload)
		}
		// Cap the frame so appending to it cannot clobber the next one.
		frames = append(frames, payload[start:end:end])
	}
	return frames
}
