package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"memtier/internal/auth"
	"memtier/internal/ingest"
	"memtier/internal/memory"
)

// MemoryService is the retrieval facade consumed by the handlers.
type MemoryService interface {
	Search(ctx context.Context, params memory.SearchParams) (*memory.SearchResponse, error)
	PrefetchContext(ctx context.Context, params memory.PrefetchParams) (*memory.PrefetchResponse, error)
	Store(ctx context.Context, params memory.StoreParams) (string, error)
	GhostMemory(ctx context.Context, userID, memoryID, reason string) error
	RestoreMemory(ctx context.Context, userID, memoryID string) error
	ArchiveBulk(ctx context.Context, userID string, memoryIDs []string, reason string) (int64, error)
	HardDeleteBulk(ctx context.Context, userID string, memoryIDs []string) (int64, error)
	RecordOutcome(ctx context.Context, action, contextType, tierKey string, outcome memory.Outcome) error
	EffectivenessReport(ctx context.Context, contextType string) ([]memory.Effectiveness, error)
}

// ConceptSource serves the routing-concept stats endpoint.
type ConceptSource interface {
	TopConcepts(ctx context.Context, limit int) ([]memory.RoutingConcept, error)
}

// DocumentIngestor feeds the documents tier.
type DocumentIngestor interface {
	IngestURL(ctx context.Context, userID, url string) (*ingest.Result, error)
	IngestText(ctx context.Context, userID, title, text string) (*ingest.Result, error)
}

// writeError maps the service error taxonomy onto HTTP statuses. Degraded
// successes never come through here; they return 200 with a confidence
// value.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, memory.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, memory.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, memory.ErrRetrievalUnavailable), errors.Is(err, memory.ErrCollaboratorUnavailable):
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": gin.H{"message": err.Error()}})
}

// POST /memory/search
func SearchHandler(svc MemoryService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var params memory.SearchParams
		if err := c.ShouldBindJSON(&params); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": "invalid request body"}})
			return
		}
		params.UserID = auth.UserID(c)
		resp, err := svc.Search(c.Request.Context(), params)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

// POST /memory/prefetch
func PrefetchHandler(svc MemoryService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var params memory.PrefetchParams
		if err := c.ShouldBindJSON(&params); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": "invalid request body"}})
			return
		}
		params.UserID = auth.UserID(c)
		resp, err := svc.PrefetchContext(c.Request.Context(), params)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

// POST /memory
func StoreHandler(svc MemoryService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var params memory.StoreParams
		if err := c.ShouldBindJSON(&params); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": "invalid request body"}})
			return
		}
		params.UserID = auth.UserID(c)
		id, err := svc.Store(c.Request.Context(), params)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"memory_id": id})
	}
}

// POST /memory/:id/ghost
func GhostHandler(svc MemoryService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			Reason string `json:"reason"`
		}
		_ = c.ShouldBindJSON(&body) // reason is optional
		err := svc.GhostMemory(c.Request.Context(), auth.UserID(c), c.Param("id"), body.Reason)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ghosted"})
	}
}

// POST /memory/:id/restore
func RestoreHandler(svc MemoryService) gin.HandlerFunc {
	return func(c *gin.Context) {
		err := svc.RestoreMemory(c.Request.Context(), auth.UserID(c), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "active"})
	}
}

// POST /memory/archive
func ArchiveHandler(svc MemoryService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			MemoryIDs []string `json:"memory_ids"`
			Reason    string   `json:"reason"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": "invalid request body"}})
			return
		}
		n, err := svc.ArchiveBulk(c.Request.Context(), auth.UserID(c), body.MemoryIDs, body.Reason)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"archived": n})
	}
}

// DELETE /memory
func DeleteHandler(svc MemoryService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			MemoryIDs []string `json:"memory_ids"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": "invalid request body"}})
			return
		}
		n, err := svc.HardDeleteBulk(c.Request.Context(), auth.UserID(c), body.MemoryIDs)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"deleted": n})
	}
}

// POST /outcome
func OutcomeHandler(svc MemoryService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			Action      string `json:"action"`
			ContextType string `json:"context_type"`
			TierKey     string `json:"tier_key"`
			Outcome     string `json:"outcome"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": "invalid request body"}})
			return
		}
		err := svc.RecordOutcome(c.Request.Context(), body.Action, body.ContextType, body.TierKey, memory.Outcome(body.Outcome))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "recorded"})
	}
}

// GET /effectiveness
func EffectivenessHandler(svc MemoryService) gin.HandlerFunc {
	return func(c *gin.Context) {
		rows, err := svc.EffectivenessReport(c.Request.Context(), c.Query("context_type"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"effectiveness": rows})
	}
}

// GET /concepts
func ConceptsHandler(concepts ConceptSource) gin.HandlerFunc {
	return func(c *gin.Context) {
		top, err := concepts.TopConcepts(c.Request.Context(), 50)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"concepts": top})
	}
}

// POST /ingest/document
func IngestHandler(ig DocumentIngestor) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			URL   string `json:"url"`
			Title string `json:"title"`
			Text  string `json:"text"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": "invalid request body"}})
			return
		}
		userID := auth.UserID(c)

		var result *ingest.Result
		var err error
		if body.URL != "" {
			result, err = ig.IngestURL(c.Request.Context(), userID, body.URL)
		} else {
			result, err = ig.IngestText(c.Request.Context(), userID, body.Title, body.Text)
		}
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, result)
	}
}
