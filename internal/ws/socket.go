package ws

import "time"

// Socket is the write side of a client transport. *websocket.Conn satisfies it.
type Socket interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}
