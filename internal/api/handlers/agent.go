package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/recky/print-agent/internal/agent"
	"github.com/recky/print-agent/internal/core"
)

// Connection is the part of the connection manager the control API drives.
type Connection interface {
	Status() agent.Status
	SetCredential(token string) error
}

type Queue interface {
	Stats() core.QueueStats
	Clear() int
}

type TokenRequest struct {
	Token string `json:"token" binding:"required"`
}

type StatusResponse struct {
	Agent      string          `json:"agent"`
	Connection agent.Status    `json:"connection"`
	Queue      core.QueueStats `json:"queue"`
}

type AgentHandler struct {
	name  string
	conn  Connection
	queue Queue
}

func NewAgentHandler(name string, conn Connection, queue Queue) *AgentHandler {
	return &AgentHandler{name: name, conn: conn, queue: queue}
}

func (h *AgentHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/token", h.SetToken)
	r.GET("/status", h.GetStatus)
	r.GET("/queue", h.GetQueue)
	r.POST("/queue/clear", h.ClearQueue)
}

// SetToken hands a session credential to the connection manager, which
// re-authenticates the open channel with it.
func (h *AgentHandler) SetToken(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "token is required"})
		return
	}

	if err := h.conn.SetCredential(req.Token); err != nil {
		if errors.Is(err, agent.ErrStopped) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "agent is shutting down"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"message": "credential accepted"})
}

func (h *AgentHandler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, StatusResponse{
		Agent:      h.name,
		Connection: h.conn.Status(),
		Queue:      h.queue.Stats(),
	})
}

func (h *AgentHandler) GetQueue(c *gin.Context) {
	c.JSON(http.StatusOK, h.queue.Stats())
}

func (h *AgentHandler) ClearQueue(c *gin.Context) {
	cleared := h.queue.Clear()
	c.JSON(http.StatusOK, gin.H{"cleared": cleared})
}
