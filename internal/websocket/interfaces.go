package websocket

import (
	"net"
	"time"

	"github.com/gorilla/websocket"
)

// Connection is the part of *websocket.Conn a Client drives. Tests supply
// fakes.
type Connection interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(string) error)
	RemoteAddr() net.Addr
}

var _ Connection = (*websocket.Conn)(nil)

func addrString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}
