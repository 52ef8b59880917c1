// Package api exposes the operator HTTP surface every node runs: health,
// node info, and dead-letter inspection on executors.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dexloom/lloom/internal/identity"
	"github.com/dexloom/lloom/internal/store"
	"github.com/dexloom/lloom/internal/wire"
)

// Handler wires the operator routes onto a Gin engine. Optional callbacks
// are nil on roles that lack the concern.
type Handler struct {
	id   *identity.Identity
	role string
	log  *zap.Logger

	// Models lists served models (executors only).
	Models func() []wire.ModelDescriptor
	// DeadLetters lists dead-lettered usage records (executors only).
	DeadLetters func() ([]store.DeadLetter, error)
	// RegistrySize reports tracked executors (validators only).
	RegistrySize func() int
	// QueueDepth reports pending usage records (executors only).
	QueueDepth func() int
}

// NewHandler builds the operator surface for one node.
func NewHandler(id *identity.Identity, role string, log *zap.Logger) *Handler {
	return &Handler{id: id, role: role, log: log}
}

// Register mounts all routes.
func (h *Handler) Register(r *gin.Engine) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	apiGroup := r.Group("/api")
	apiGroup.GET("/info", h.handleInfo)
	if h.DeadLetters != nil {
		apiGroup.GET("/deadletter", h.handleDeadLetters)
	}
}

func (h *Handler) handleInfo(c *gin.Context) {
	out := gin.H{
		"peer_id":     h.id.PeerID().String(),
		"evm_address": h.id.EVMAddress().Hex(),
		"role":        h.role,
	}
	if h.Models != nil {
		out["models"] = h.Models()
	}
	if h.RegistrySize != nil {
		out["known_executors"] = h.RegistrySize()
	}
	if h.QueueDepth != nil {
		out["usage_queue_depth"] = h.QueueDepth()
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) handleDeadLetters(c *gin.Context) {
	letters, err := h.DeadLetters()
	if err != nil {
		h.log.Error("dead-letter listing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "read dead-letter log"})
		return
	}
	type entry struct {
		Client    string `json:"client"`
		Model     string `json:"model"`
		Nonce     uint64 `json:"nonce"`
		TotalCost string `json:"total_cost"`
		Reason    string `json:"reason"`
		Attempts  int    `json:"attempts"`
		Timestamp int64  `json:"timestamp"`
	}
	out := make([]entry, 0, len(letters))
	for _, dl := range letters {
		out = append(out, entry{
			Client:    dl.Record.Client.Hex(),
			Model:     dl.Record.Model,
			Nonce:     dl.Record.Request.Nonce,
			TotalCost: dl.Record.TotalCost.String(),
			Reason:    dl.Reason,
			Attempts:  dl.Attempts,
			Timestamp: dl.Timestamp,
		})
	}
	c.JSON(http.StatusOK, gin.H{"dead_letters": out})
}
