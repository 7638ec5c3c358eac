/*
Package wire implements the framed request/reply protocol between the
coordinator and its handlers.

Transport is a websocket carrying JSON text frames. Each frame is one
complete message; requests and replies alternate strictly, so neither side
ever parses a partial payload:

	client                          server
	  │  {"method":"backup",...}      │
	  ├──────────────────────────────▶│
	  │                               │ handler runs
	  │   {"success":true,"result":…} │
	  │◀──────────────────────────────┤

# Client

Client enforces a one-outstanding-call discipline: concurrent Call
invocations on the same client queue behind a mutex, preserving the
request/reply pairing on the socket. A call that times out, hits a network
fault or decodes garbage poisons the socket; the next call transparently
rebuilds the connection once before giving up. Errors map onto a small
taxonomy checked with errors.Is:

	ErrTimeout      the reply did not arrive within CallTimeout
	ErrNetwork      dial or socket failure
	ErrProtocol     the peer sent an undecodable frame
	ErrNotConnected Call after Close

# Server

Server answers frames sequentially per connection. Malformed requests get
an in-band {"success":false} reply without closing the socket, so a
confused client can recover on its next request.
*/
package wire
