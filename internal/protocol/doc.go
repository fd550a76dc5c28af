// Package protocol implements the WebSocket wire format between the browser
// and the gateway: a binary audio packet with an 8-byte big-endian header
// followed by little-endian float32 samples, and JSON text messages for
// control, captured frames and replies.
package protocol
