package assetproxy

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

type updateRequest struct {
	Version  string   `json:"version" binding:"required"`
	Manifest []string `json:"manifest"`
	Fallback string   `json:"fallback"`
}

// AdminHandler serves the operator API: status, generations, clients and
// version updates.
func (s *Service) AdminHandler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/status", func(c *gin.Context) {
		st, err := s.proxy.Status(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, st)
	})

	r.GET("/generations", func(c *gin.Context) {
		names, err := s.store.Names(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		current := ""
		if w := s.proxy.Active(); w != nil {
			current = w.Version().Label
		}
		c.JSON(http.StatusOK, gin.H{"current": current, "generations": names})
	})

	r.GET("/generations/current/keys", func(c *gin.Context) {
		keys, err := s.proxy.Keys(c.Request.Context())
		if errors.Is(err, ErrNoActiveWorker) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"keys": keys})
	})

	r.GET("/clients", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"clients": s.proxy.Clients()})
	})

	r.POST("/update", func(c *gin.Context) {
		var body updateRequest
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		v := s.cfg.Version()
		v.Label = body.Version
		if len(body.Manifest) > 0 {
			v.Manifest = body.Manifest
		}
		if body.Fallback != "" {
			v.Fallback = body.Fallback
		}
		if err := validateVersion(v); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := s.proxy.Update(c.Request.Context(), v); err != nil && !errors.Is(err, ErrCleanup) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		st, err := s.proxy.Status(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, st)
	})

	return r
}
