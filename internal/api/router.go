package api

import (
	"github.com/gin-gonic/gin"

	"github.com/yuelin/studydesk/internal/api/handler"
	"github.com/yuelin/studydesk/internal/api/middleware"
	"github.com/yuelin/studydesk/internal/blobstore"
	"github.com/yuelin/studydesk/internal/catalog"
	"github.com/yuelin/studydesk/internal/chat"
	"github.com/yuelin/studydesk/internal/config"
	"github.com/yuelin/studydesk/internal/index"
	"github.com/yuelin/studydesk/internal/logger"
	"github.com/yuelin/studydesk/internal/rasterizer"
	"github.com/yuelin/studydesk/internal/search"
)

// Deps carries the services the router exposes.
type Deps struct {
	Catalog    *catalog.Service
	Blobs      *blobstore.Store
	Index      *index.Service
	Search     *search.Service
	Chat       *chat.Store
	Pipeline   *chat.Pipeline
	Streams    *chat.StreamManager
	Rasterizer rasterizer.Rasterizer
	Logger     *logger.Logger
}

// SetupRouter configures the Gin router with all routes.
func SetupRouter(deps *Deps, cfg *config.ServerConfig) *gin.Engine {
	switch cfg.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.LoggerMiddleware(deps.Logger))
	r.Use(middleware.CORS(middleware.CORSConfig{
		AllowedOrigins:  cfg.CORS.AllowedOrigins,
		AllowAllOrigins: cfg.CORS.AllowAllOrigins,
	}))

	healthHandler := handler.NewHealthHandler()
	resourceHandler := handler.NewResourceHandler(deps.Catalog, deps.Blobs, deps.Index, deps.Rasterizer)
	folderHandler := handler.NewFolderHandler(deps.Catalog.Folders())
	searchHandler := handler.NewSearchHandler(deps.Search)
	chatHandler := handler.NewChatHandler(deps.Chat, deps.Pipeline, deps.Streams)
	indexHandler := handler.NewIndexAdminHandler(deps.Index, deps.Catalog, deps.Blobs)

	r.GET("/health", healthHandler.Health)

	v1 := r.Group("/api/v1")
	{
		v1.POST("/blobs", resourceHandler.Upload)

		v1.POST("/resources", resourceHandler.Create)
		v1.POST("/resources/ingest", resourceHandler.Ingest)
		v1.GET("/resources", resourceHandler.List)
		v1.GET("/resources/:id", resourceHandler.Get)
		v1.PUT("/resources/:id", resourceHandler.Update)
		v1.DELETE("/resources/:id", resourceHandler.Delete)
		v1.POST("/resources/:id/restore", resourceHandler.Restore)
		v1.DELETE("/resources/:id/purge", resourceHandler.Purge)

		v1.POST("/folders", folderHandler.Create)
		v1.GET("/folders", folderHandler.ListChildren)
		v1.GET("/folders/unassigned", folderHandler.ListUnassigned)
		v1.PUT("/folders/:id", folderHandler.Update)
		v1.DELETE("/folders/:id", folderHandler.Delete)
		v1.GET("/folders/:id/items", folderHandler.ListItems)
		v1.POST("/folders/:id/items", folderHandler.PlaceItem)
		v1.DELETE("/folders/items/:resourceId", folderHandler.RemoveItem)

		v1.POST("/search", searchHandler.Search)

		v1.POST("/chat/sessions", chatHandler.CreateSession)
		v1.GET("/chat/sessions", chatHandler.ListSessions)
		v1.GET("/chat/sessions/:id", chatHandler.GetSession)
		v1.DELETE("/chat/sessions/:id", chatHandler.DeleteSession)
		v1.POST("/chat/sessions/:id/restore", chatHandler.RestoreSession)
		v1.DELETE("/chat/sessions/:id/purge", chatHandler.PurgeSession)
		v1.GET("/chat/sessions/:id/messages", chatHandler.ListMessages)
		v1.POST("/chat/sessions/:id/messages", chatHandler.SendMessage)
		v1.POST("/chat/sessions/:id/cancel", chatHandler.CancelStream)

		v1.POST("/index/resources/:id/sync", indexHandler.SyncResource)
		v1.GET("/index/resources/:id/units", indexHandler.ListUnits)
		v1.POST("/index/dimensions", indexHandler.RegisterDimension)
		v1.GET("/index/dimensions", indexHandler.ListDimensions)
		v1.DELETE("/index/dimensions", indexHandler.DeleteDimension)
		v1.POST("/index/refresh-counts", indexHandler.RefreshCounts)
		v1.POST("/admin/cleanup", indexHandler.Cleanup)
	}

	return r
}
