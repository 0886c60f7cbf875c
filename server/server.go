package server

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ibreez3/story-echo/config"
	"github.com/ibreez3/story-echo/service"
)

// PollInterval is how often the progress stream checks for a new snapshot.
var PollInterval = 500 * time.Millisecond

type StartReq struct {
	Theme string `json:"theme"`
}

type ContinueReq struct {
	SessionID string `json:"session_id"`
	Direction string `json:"direction"`
}

func NewRouter(cfg config.Config, mgr *service.Manager) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.POST("/api/start", func(c *gin.Context) {
		var req StartReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s, err := mgr.Start(req.Theme)
		if err != nil {
			c.JSON(httpStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"session_id": s.ID, "status": s.Status})
	})

	r.GET("/api/status/:id", func(c *gin.Context) {
		s, err := mgr.Get(c.Param("id"))
		if err != nil {
			c.JSON(httpStatus(err), gin.H{"error": err.Error(), "status": "not_found", "session_id": c.Param("id")})
			return
		}
		c.JSON(http.StatusOK, statusView(s))
	})

	r.POST("/api/continue", func(c *gin.Context) {
		var req ContinueReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.SessionID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing session_id"})
			return
		}
		s, err := mgr.Continue(req.SessionID, req.Direction)
		if err != nil {
			c.JSON(httpStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": s.Status, "current_phase": s.Phase})
	})

	r.POST("/api/cancel/:id", func(c *gin.Context) {
		s, err := mgr.Cancel(c.Param("id"))
		if err != nil {
			c.JSON(httpStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": s.Status})
	})

	r.GET("/api/result/:id", func(c *gin.Context) {
		res, err := mgr.Result(c.Param("id"))
		if errors.Is(err, service.ErrSessionNotReady) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "story is not complete"})
			return
		}
		if err != nil {
			c.JSON(httpStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, res)
	})

	r.GET("/api/comic/:id", func(c *gin.Context) {
		status, panels, err := mgr.Comic(c.Param("id"))
		if err != nil {
			c.JSON(httpStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"comic_status": status, "comic_images": panels})
	})

	r.POST("/api/comic/retry/:id", func(c *gin.Context) {
		s, err := mgr.RetryComic(c.Param("id"))
		if err != nil {
			c.JSON(httpStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"comic_status": s.ComicStatus})
	})

	r.GET("/api/suggestions/:id", func(c *gin.Context) {
		sg, err := mgr.Suggestions(c.Param("id"))
		if err != nil {
			c.JSON(httpStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, sg)
	})

	r.GET("/api/progress/:id", func(c *gin.Context) {
		id := c.Param("id")
		s, err := mgr.Get(id)
		if err != nil {
			c.JSON(httpStatus(err), gin.H{"error": err.Error()})
			return
		}
		streamProgress(c, mgr, s)
	})

	r.GET("/api/log/:id", func(c *gin.Context) {
		s, err := mgr.Get(c.Param("id"))
		if err != nil || s.LogPath == "" {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		b, err := os.ReadFile(s.LogPath)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Data(http.StatusOK, "text/plain; charset=utf-8", b)
	})

	r.GET("/api/phases", func(c *gin.Context) {
		c.JSON(http.StatusOK, service.Phases())
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.Static(service.ImagesURLPrefix, cfg.Output.ImagesDir)
	if index := filepath.Join(cfg.Server.StaticDir, "index.html"); fileExists(index) {
		r.StaticFile("/", index)
	}
	return r
}

// streamProgress pushes a snapshot whenever the session changes and ends
// once neither the story nor the comic is in progress.
func streamProgress(c *gin.Context, mgr *service.Manager, s service.Session) {
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	var last time.Time
	first := true
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	c.Stream(func(w io.Writer) bool {
		if !first {
			select {
			case <-c.Request.Context().Done():
				return false
			case <-ticker.C:
			}
			next, err := mgr.Get(s.ID)
			if err != nil {
				c.SSEvent("error", gin.H{"error": err.Error()})
				return false
			}
			s = next
		}
		first = false
		if s.UpdatedAt.After(last) || last.IsZero() {
			last = s.UpdatedAt
			c.SSEvent("status", statusView(s))
		}
		return !s.Settled()
	})
}

func statusView(s service.Session) gin.H {
	h := gin.H{
		"session_id":        s.ID,
		"theme":             s.Theme,
		"status":            s.Status,
		"current_phase":     s.Phase,
		"next_phase":        s.NextPhase(),
		"progress":          s.Progress,
		"story_title":       s.Story.Title,
		"characters":        s.Story.Characters,
		"initial_situation": s.Story.InitialSituation,
		"conversation":      s.Story.Scenes,
		"comic_status":      s.ComicStatus,
	}
	if s.Status == service.StatusComplete {
		h["story"] = s.Story.ByPhase()
		h["summary"] = s.Story.Summary
	}
	if s.Error != "" {
		h["error"] = s.Error
	}
	return h
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, service.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrEmptyTheme):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrSessionBusy),
		errors.Is(err, service.ErrSessionComplete),
		errors.Is(err, service.ErrSessionNotReady):
		return http.StatusConflict
	case errors.Is(err, service.ErrManagerClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func requestLogger() gin.HandlerFunc {
	logger := slog.Default().With("component", "http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

func fileExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && !fi.IsDir()
}
