package protocol

// ERROR codes. Handshake failures close the connection after the ERROR is sent.
const (
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrProtoVersion    = "E_PROTO_VERSION"

	// Attach failures.
	ErrBadPlayer   = "E_BAD_PLAYER"
	ErrUnavailable = "E_UNAVAILABLE"
	ErrBusy        = "E_BUSY"
	ErrInternal    = "E_INTERNAL"
)
