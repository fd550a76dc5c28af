// Package server exposes the browser WebSocket endpoint and the HTTP
// monitoring API. Each WebSocket connection owns one stream session: binary
// messages carry audio packets, text messages carry JSON control messages.
package server
