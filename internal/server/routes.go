package server

import (
	"errors"
	"net/http"
	"net/http/pprof"
	"strconv"

	"github.com/gin-gonic/gin"

	"notifyd/internal/notification"
	"notifyd/internal/queue"
	logx "notifyd/pkg/logx"
)

// createRequest is the mutable subset accepted on create and edit. The server
// owns id, sent and createdAt.
type createRequest struct {
	Type        string   `json:"type"`
	Message     string   `json:"message"`
	UserID      string   `json:"userId"`
	Amount      *float64 `json:"amount"`
	IsPermanent bool     `json:"isPermanent"`
	DisplayTime *int     `json:"displayTime"`
}

func (r createRequest) toNotification() notification.Notification {
	return notification.Notification{
		UserID:      r.UserID,
		Kind:        notification.Kind(r.Type),
		Message:     r.Message,
		Amount:      r.Amount,
		IsPermanent: r.IsPermanent,
		DisplayTime: r.DisplayTime,
	}
}

func (s *Server) mountRoutes(router *gin.Engine) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/notifications", s.handleList)
	router.POST("/notifications", s.handleCreate)
	router.POST("/notifications/reset-all", s.handleResetAll)
	router.GET("/notifications/check", s.handleCheck)
	router.POST("/notifications/:id/delete", s.handleDelete)
	router.POST("/notifications/:id/reset", s.handleReset)
	router.POST("/notifications/:id/edit", s.handleEdit)
	router.POST("/notifications/:id/favorite", s.handleFavorite)
	router.POST("/notifications/:id/unfavorite", s.handleUnfavorite)

	router.GET("/ws", s.handleWebsocket)

	if s.cfg.DebugPprof {
		mountPprof(router)
	}
}

func (s *Server) handleList(c *gin.Context) {
	includeDelivered := true
	if raw := c.Query("pending"); raw != "" {
		if only, err := strconv.ParseBool(raw); err == nil && only {
			includeDelivered = false
		}
	}
	list, err := s.engine.List(c.Request.Context(), c.Query("userId"), includeDelivered)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) handleCreate(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body: " + err.Error()})
		return
	}
	n, err := s.engine.Create(c.Request.Context(), req.toNotification())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, n)
}

// handleCheck claims and returns the caller's oldest pending notification.
// The envelope keeps "no notification" distinguishable from an empty object.
func (s *Server) handleCheck(c *gin.Context) {
	userID := c.Query("userId")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userId query parameter is required"})
		return
	}
	n, ok, err := s.engine.Poll(c.Request.Context(), userID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusOK, gin.H{"hasNotification": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"hasNotification": true, "notification": n})
}

func (s *Server) handleDelete(c *gin.Context) {
	if err := s.engine.Delete(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (s *Server) handleReset(c *gin.Context) {
	if err := s.engine.Reset(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (s *Server) handleResetAll(c *gin.Context) {
	if err := s.engine.ResetAll(c.Request.Context()); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (s *Server) handleEdit(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body: " + err.Error()})
		return
	}
	if err := s.engine.Edit(c.Request.Context(), c.Param("id"), req.toNotification()); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (s *Server) handleFavorite(c *gin.Context) {
	if err := s.engine.Favorite(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (s *Server) handleUnfavorite(c *gin.Context) {
	if err := s.engine.Unfavorite(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (s *Server) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, notification.ErrInvalid):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, queue.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		s.log.Error("request failed",
			logx.String("method", c.Request.Method), logx.String("path", c.Request.URL.Path), logx.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func mountPprof(router *gin.Engine) {
	group := router.Group("/debug/pprof")
	group.GET("/", gin.WrapF(pprof.Index))
	group.GET("/cmdline", gin.WrapF(pprof.Cmdline))
	group.GET("/profile", gin.WrapF(pprof.Profile))
	group.GET("/symbol", gin.WrapF(pprof.Symbol))
	group.GET("/trace", gin.WrapF(pprof.Trace))
	for _, name := range []string{"allocs", "block", "goroutine", "heap", "mutex", "threadcreate"} {
		group.GET("/"+name, gin.WrapH(pprof.Handler(name)))
	}
}
