package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"buildforge/internal/ai"
)

type saveKeyRequest struct {
	Provider        string `json:"provider" binding:"required"`
	Key             string `json:"key" binding:"required"`
	ModelPreference string `json:"model_preference"`
}

func (s *Server) handleListKeys(c *gin.Context) {
	keys, err := s.keys.Keys(c.Request.Context(), userID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list keys"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys})
}

func (s *Server) handleSaveKey(c *gin.Context) {
	var req saveKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.keys.SaveKey(c.Request.Context(), userID(c), ai.Provider(req.Provider), req.Key, req.ModelPreference); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"provider": req.Provider, "status": "saved"})
}

func (s *Server) handleDeleteKey(c *gin.Context) {
	provider := ai.Provider(c.Param("provider"))
	if err := s.keys.DeleteKey(c.Request.Context(), userID(c), provider); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete key"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"provider": string(provider), "status": "deleted"})
}

func (s *Server) handleValidateKey(c *gin.Context) {
	provider := ai.Provider(c.Param("provider"))
	valid, err := s.keys.ValidateKey(c.Request.Context(), userID(c), provider)

	resp := gin.H{"provider": string(provider), "valid": valid}
	if err != nil {
		resp["error"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}
