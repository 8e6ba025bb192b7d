package wire

// Resumption protocol v0 wire constants.
//
// The negotiation literals are chosen so a legacy peer can never produce
// them by accident: the probe is exactly eight bytes, the confirm begins
// with a NUL byte that no legacy handshake line may start with, and a
// resumption token always has the high bit of its first byte set, which
// keeps it distinguishable from the single-byte new-session request.
const (
	ClientProbe   = "RESUME??"
	ServerBanner  = "resume-v0\r\n"
	ClientConfirm = "\x00resume-v0"

	NewSessionByte byte = 0x00
	ReattachAccept byte = 0x01
	ReattachReject byte = 0x00

	TokenLen          = 16
	TokenHighBit byte = 0x80

	// CloseSentinel in the ack field signals deliberate stream termination.
	CloseSentinel uint64 = 0xFFFFFFFFFFFFFFFF

	// DefaultReceiveWindow is the unacknowledged-byte budget each peer
	// grants the other absent a negotiated override.
	DefaultReceiveWindow uint64 = 4 * 1024 * 1024

	// MaxFramePayload bounds a single frame's payload; larger sends are
	// chunked by the relay.
	MaxFramePayload uint64 = 64 * 1024

	// MaxHostIDLen bounds the length-prefixed host identifier in the
	// new-session response.
	MaxHostIDLen uint64 = 1024
)
