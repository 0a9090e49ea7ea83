package api

import (
	"net/http"
	"path"

	"github.com/gin-gonic/gin"

	"memtier/internal/auth"
	"memtier/internal/breaker"
	"memtier/internal/config"
)

// Deps bundles everything the router wires into handlers.
type Deps struct {
	Service  MemoryService
	Concepts ConceptSource
	Ingestor DocumentIngestor
	Recaller OrganicSource
	Breakers []*breaker.Breaker
}

func SetupRouter(cfg *config.Config, deps Deps) *gin.Engine {
	r := gin.Default()
	subpath := cfg.Server.Subpath

	r.GET(path.Join(subpath, "health"), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	group := r.Group(subpath)
	authed := group.Group("", auth.AuthMiddleware(cfg))
	{
		authed.POST("/memory/search", SearchHandler(deps.Service))
		authed.POST("/memory/prefetch", PrefetchHandler(deps.Service))
		authed.POST("/memory", StoreHandler(deps.Service))
		authed.POST("/memory/:id/ghost", GhostHandler(deps.Service))
		authed.POST("/memory/:id/restore", RestoreHandler(deps.Service))
		authed.POST("/memory/archive", ArchiveHandler(deps.Service))
		authed.DELETE("/memory", DeleteHandler(deps.Service))

		authed.POST("/outcome", OutcomeHandler(deps.Service))
		authed.GET("/effectiveness", EffectivenessHandler(deps.Service))
		authed.GET("/concepts", ConceptsHandler(deps.Concepts))

		authed.POST("/ingest/document", IngestHandler(deps.Ingestor))

		authed.GET("/debug/breakers", BreakerStatsHandler(deps.Breakers))
	}

	// The websocket endpoint authenticates inside the handler: browsers
	// cannot send an Authorization header on the upgrade request.
	group.GET("/ws/organic", WSOrganicHandler(cfg, deps.Recaller))

	return r
}

// GET /debug/breakers
func BreakerStatsHandler(breakers []*breaker.Breaker) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats := make([]map[string]interface{}, 0, len(breakers))
		for _, b := range breakers {
			stats = append(stats, b.Stats())
		}
		c.JSON(http.StatusOK, gin.H{"breakers": stats})
	}
}
