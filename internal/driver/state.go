package driver

// SockState is the outcome of one read/parse cycle on a socket. Only the
// dispatch switch of a thread loop acts on it.
type SockState int

const (
	SockReady SockState = iota
	SockMore
	SockSpool
	SockClose
	SockCloseTimeout
	SockReadTimeout
	SockWriteTimeout
	SockReadError
	SockWriteError
	SockShutError
	SockError
	SockBadRequest
	SockBadHeader
	SockEntityTooLarge
	SockTooManyHeaders
)

var sockStateNames = [...]string{
	SockReady:          "ready",
	SockMore:           "more",
	SockSpool:          "spool",
	SockClose:          "close",
	SockCloseTimeout:   "closetimeout",
	SockReadTimeout:    "readtimeout",
	SockWriteTimeout:   "writetimeout",
	SockReadError:      "readerror",
	SockWriteError:     "writeerror",
	SockShutError:      "shuterror",
	SockError:          "error",
	SockBadRequest:     "badrequest",
	SockBadHeader:      "badheader",
	SockEntityTooLarge: "entitytoolarge",
	SockTooManyHeaders: "toomanyheaders",
}

func (s SockState) String() string {
	if s >= 0 && int(s) < len(sockStateNames) {
		return sockStateNames[s]
	}
	return "unknown"
}

// Terminal reports whether the state ends the connection.
func (s SockState) Terminal() bool {
	return s >= SockClose
}

// Protocol reports whether the state answers the client with a synthetic
// HTTP error response before closing.
func (s SockState) Protocol() bool {
	_, ok := protocolResponses[s]
	return ok
}

type protocolResponse struct {
	code int
	msg  string
}

var protocolResponses = map[SockState]protocolResponse{
	SockBadRequest:     {400, "Bad Request"},
	SockTooManyHeaders: {414, "Too Many Request Headers"},
	SockBadHeader:      {400, "Invalid Request Header"},
	SockEntityTooLarge: {413, "Request Entity Too Large"},
	SockError:          {400, "Unknown Error"},
}

// diagnostics for terminal states that do not produce a response
var closeMessages = map[SockState]string{
	SockWriteTimeout: "Timeout during write",
	SockReadError:    "Unable to read request",
	SockWriteError:   "Unable to write request",
	SockShutError:    "Unable to shutdown socket",
}
