package httpserver

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"filedrop/internal/diskusage"
)

const wsWriteWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	// Any origin may subscribe.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type diskMessage struct {
	Type  string           `json:"type"`
	Usage *diskusage.Usage `json:"usage,omitempty"`
	Error string           `json:"error,omitempty"`
}

// handleDiskSpaceWS pushes a disk usage report right after the upgrade and
// then every DiskPollInterval until the client goes away.
func (s *Server) handleDiskSpaceWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	s.metrics.WSConnections.Inc()
	defer s.metrics.WSConnections.Dec()

	// Drain client frames so close and ping control messages are handled.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.cfg.Storage.DiskPollInterval)
	defer ticker.Stop()
	for {
		if err := s.pushDisk(conn); err != nil {
			s.log.Debug("websocket write failed", zap.Error(err))
			return
		}
		select {
		case <-ticker.C:
		case <-gone:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}

func (s *Server) pushDisk(conn *websocket.Conn) error {
	msg := diskMessage{Type: "disk-space"}
	u, err := diskusage.Report(s.root.Abs())
	if err != nil {
		msg.Type, msg.Error = "error", "Disk space information unavailable"
	} else {
		s.metrics.RecordDisk(u.Total, u.Free)
		msg.Usage = &u
	}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(msg)
}
