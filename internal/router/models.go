package router

import (
	"log/slog"

	"github.com/voxwire/voxwire/pkg/config"
	"github.com/voxwire/voxwire/pkg/transport"
)

// Context carries everything a handler needs about the originating
// connection. One Context is built per inbound frame.
type Context struct {
	UserID       string
	Capabilities config.Capability
	Conn         *transport.Connection
	Logger       *slog.Logger
}
