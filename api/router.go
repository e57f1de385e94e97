package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func SetupRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(ZerologLogger())
	if mw := CORS(h.cfg.CORSOrigins); mw != nil {
		r.Use(mw)
	}

	r.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "framestream is live")
	})
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	{
		// Still images
		api.POST("/process_image", h.handleProcessImage)
		api.GET("/process_example_image", h.handleProcessExampleImage)
		api.POST("/process_example_image", h.handleProcessExampleImage)
		api.POST("/process_frame", h.handleProcessFrame)

		// Video streams
		api.POST("/upload_video", h.handleUploadVideo)
		api.GET("/stream_frames", h.handleStreamFrames)
		api.GET("/stream_example_frames", h.handleStreamExampleFrames)
		api.GET("/stream_frames_progress", h.handleProgress)

		// Task management
		api.GET("/tasks", h.handleListTasks)
		api.GET("/tasks/:taskId", h.handleGetTask)
		api.DELETE("/tasks/:taskId", h.handleDeleteTask)
	}
	return r
}
