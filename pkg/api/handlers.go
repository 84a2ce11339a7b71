package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ZentaChain/zentalk-mesh/pkg/crypto"
	"github.com/ZentaChain/zentalk-mesh/pkg/mesh"
	"github.com/ZentaChain/zentalk-mesh/pkg/network"
	"github.com/ZentaChain/zentalk-mesh/pkg/protocol"
	"github.com/ZentaChain/zentalk-mesh/pkg/storage"
)

const defaultListLimit = 50

// NodeInfo is returned by GET /api/v1/node/info
type NodeInfo struct {
	LocalID      string    `json:"localId"`
	Peers        int       `json:"peers"`
	MaxHops      uint32    `json:"maxHops"`
	DedupEntries int       `json:"dedupEntries"`
	Routes       []string  `json:"routes"`
	StartedAt    time.Time `json:"startedAt"`
	Uptime       string    `json:"uptime"`
}

// PeerView describes one established session
type PeerView struct {
	ID            string `json:"id"`
	State         string `json:"state"`
	Quality       string `json:"quality"`
	Fingerprint   string `json:"fingerprint,omitempty"`
	FramesDropped uint64 `json:"framesDropped"`
}

// KnownPeer is a peer identity from the store
type KnownPeer struct {
	ID          string    `json:"id"`
	Fingerprint string    `json:"fingerprint"`
	FirstSeen   time.Time `json:"firstSeen"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// MessageView is the JSON form of a message. Content is base64 encoded.
type MessageView struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Receiver  string    `json:"receiver"`
	Content   []byte    `json:"content,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	HopCount  uint32    `json:"hopCount"`
	Status    string    `json:"status"`
}

// ForwardView is one relay record
type ForwardView struct {
	FromPeer  string    `json:"fromPeer"`
	NextHop   string    `json:"nextHop,omitempty"`
	HopCount  uint32    `json:"hopCount"`
	Failed    bool      `json:"failed"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// MessageDetail is returned by GET /api/v1/messages/:id
type MessageDetail struct {
	Message  MessageView   `json:"message"`
	Forwards []ForwardView `json:"forwards"`
}

// SendRequest is the body of POST /api/v1/messages. Text wins over Content.
type SendRequest struct {
	Receiver string `json:"receiver" binding:"required"`
	Text     string `json:"text"`
	Content  []byte `json:"content"`
}

// SendResponse reports the outcome of a send
type SendResponse struct {
	Success bool         `json:"success"`
	Message *MessageView `json:"message,omitempty"`
	Error   string       `json:"error,omitempty"`
}

func newMessageView(m *protocol.Message) MessageView {
	return MessageView{
		ID:        m.ID.String(),
		Sender:    m.SenderID,
		Receiver:  m.ReceiverID,
		Content:   m.Content,
		Timestamp: m.Time(),
		HopCount:  m.HopCount,
		Status:    m.Status.String(),
	}
}

// handleHealth handles GET /health
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "peers": len(s.node.Peers())})
}

// handleNodeInfo handles GET /api/v1/node/info
func (s *Server) handleNodeInfo(c *gin.Context) {
	r := s.node.Router()
	c.JSON(http.StatusOK, NodeInfo{
		LocalID:      s.node.LocalID(),
		Peers:        len(s.node.Peers()),
		MaxHops:      r.MaxHops(),
		DedupEntries: r.Dedup().Len(),
		Routes:       r.Table().Destinations(),
		StartedAt:    s.started,
		Uptime:       time.Since(s.started).Round(time.Second).String(),
	})
}

// handlePeers handles GET /api/v1/peers
func (s *Server) handlePeers(c *gin.Context) {
	ids := s.node.Peers()
	out := make([]PeerView, 0, len(ids))
	for _, id := range ids {
		sess, ok := s.node.Session(id)
		if !ok {
			continue
		}
		v := PeerView{
			ID:            id,
			State:         sess.State().String(),
			Quality:       sess.Quality().String(),
			FramesDropped: sess.FramesDropped(),
		}
		if key := sess.PeerKey(); len(key) > 0 {
			v.Fingerprint = crypto.Fingerprint(key)
		}
		out = append(out, v)
	}
	c.JSON(http.StatusOK, out)
}

// handleKnownPeers handles GET /api/v1/peers/known
func (s *Server) handleKnownPeers(c *gin.Context) {
	if !s.requireHistory(c) {
		return
	}
	peers, err := s.history.ListPeers()
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to list peers", Message: err.Error()})
		return
	}
	out := make([]KnownPeer, 0, len(peers))
	for _, p := range peers {
		out = append(out, KnownPeer{
			ID:          p.DeviceID,
			Fingerprint: crypto.Fingerprint(p.PublicKey),
			FirstSeen:   p.FirstSeen,
			UpdatedAt:   p.UpdatedAt,
		})
	}
	c.JSON(http.StatusOK, out)
}

// handleListMessages handles GET /api/v1/messages?peer=<id>&limit=<n>
func (s *Server) handleListMessages(c *gin.Context) {
	if !s.requireHistory(c) {
		return
	}
	peer := protocol.NormalizeID(c.Query("peer"))
	if peer == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Missing peer", Message: "Query parameter peer is required"})
		return
	}
	limit := defaultListLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid limit", Message: "limit must be a non-negative number"})
			return
		}
		limit = n
	}

	msgs, err := s.history.ListMessages(peer, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to list messages", Message: err.Error()})
		return
	}
	out := make([]MessageView, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, newMessageView(m))
	}
	c.JSON(http.StatusOK, out)
}

// handleGetMessage handles GET /api/v1/messages/:id
func (s *Server) handleGetMessage(c *gin.Context) {
	if !s.requireHistory(c) {
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid message id", Message: err.Error()})
		return
	}

	detail := MessageDetail{Forwards: []ForwardView{}}
	msg, err := s.history.GetMessage(id)
	switch {
	case err == nil:
		detail.Message = newMessageView(msg)
	case errors.Is(err, storage.ErrNotFound):
		// Relays only keep the forward log
		detail.Message = MessageView{ID: id.String()}
	default:
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to load message", Message: err.Error()})
		return
	}

	records, err := s.history.ForwardLog(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to load forward log", Message: err.Error()})
		return
	}
	if msg == nil && len(records) == 0 {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Message not found"})
		return
	}
	for _, r := range records {
		detail.Forwards = append(detail.Forwards, ForwardView{
			FromPeer:  r.FromPeer,
			NextHop:   r.NextHop,
			HopCount:  r.HopCount,
			Failed:    r.Failed,
			Reason:    r.Reason,
			Timestamp: time.UnixMilli(r.Timestamp),
		})
	}
	c.JSON(http.StatusOK, detail)
}

// handleSend handles POST /api/v1/messages
func (s *Server) handleSend(c *gin.Context) {
	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, SendResponse{Error: err.Error()})
		return
	}
	content := req.Content
	if req.Text != "" {
		content = []byte(req.Text)
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.SendTimeout)
	defer cancel()

	msg, err := s.node.Send(ctx, req.Receiver, content)
	resp := SendResponse{Success: err == nil}
	if msg != nil {
		v := newMessageView(msg)
		v.Content = nil
		resp.Message = &v
	}
	if err != nil {
		resp.Error = err.Error()
	}
	c.JSON(sendStatus(err), resp)
}

func sendStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, network.ErrUnknownPeer):
		return http.StatusBadRequest
	case errors.Is(err, mesh.ErrRouting):
		return http.StatusBadGateway
	case errors.Is(err, network.ErrNodeClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) requireHistory(c *gin.Context) bool {
	if s.history == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "History unavailable", Message: "Persistence is disabled"})
		return false
	}
	return true
}
