package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"skyportal/api/internal/attachment"
	"skyportal/api/internal/auth"
	"skyportal/api/internal/logging"
	"skyportal/api/internal/metrics"
	"skyportal/api/internal/rbac"
	"skyportal/api/internal/store"
)

const currentUserKey = "current_user"

type HTTPServer struct {
	service    *Service
	corsOrigin string
	jwtSecret  []byte
	logger     *slog.Logger
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{
		service:    service,
		corsOrigin: corsOrigin,
		jwtSecret:  []byte(service.cfg.JWTSecret),
		logger:     service.logger,
	}
}

func (s *HTTPServer) Handler() http.Handler {
	router := gin.New()
	router.Use(
		gin.CustomRecovery(s.handlePanic),
		logging.RequestLogger(s.logger),
		metrics.Middleware(),
		s.cors(),
	)
	router.NoRoute(func(c *gin.Context) {
		writeError(c, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})

	router.GET("/api/health", s.handleHealth)
	router.HEAD("/api/health", s.handleHealth)
	router.GET("/api/ready", s.handleReady)
	router.HEAD("/api/ready", s.handleReady)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api", s.requireUser())
	api.POST("/comment", s.requireAction(rbac.ActionComment), s.handleCreateComment)
	api.GET("/comment/:comment_id", s.requireAction(rbac.ActionRead), s.handleGetComment)
	api.PUT("/comment/:comment_id", s.requireAction(rbac.ActionComment), s.handleUpdateComment)
	api.DELETE("/comment/:comment_id", s.requireAction(rbac.ActionComment), s.handleDeleteComment)
	api.GET("/comment/:comment_id/attachment", s.requireAction(rbac.ActionRead), s.handleGetAttachment)
	api.GET("/sources/:obj_id/comments", s.requireAction(rbac.ActionRead), s.handleListComments)

	return router
}

func (s *HTTPServer) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *HTTPServer) handleReady(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}

	c.JSON(statusCode, gin.H{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleCreateComment(c *gin.Context) {
	var input CreateCommentInput
	if err := c.ShouldBindJSON(&input); err != nil && !errors.Is(err, io.EOF) {
		writeError(c, http.StatusBadRequest, "INVALID_BODY", "invalid JSON body", nil)
		return
	}
	commentID, err := s.service.CreateComment(c.Request.Context(), currentUser(c), input)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"comment_id": commentID})
}

func (s *HTTPServer) handleGetComment(c *gin.Context) {
	comment, err := s.service.GetComment(c.Request.Context(), currentUser(c), c.Param("comment_id"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, commentResponse(comment))
}

func (s *HTTPServer) handleListComments(c *gin.Context) {
	comments, err := s.service.ListComments(c.Request.Context(), currentUser(c), c.Param("obj_id"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	items := make([]gin.H, 0, len(comments))
	for _, comment := range comments {
		items = append(items, commentResponse(comment))
	}
	c.JSON(http.StatusOK, gin.H{"comments": items})
}

func (s *HTTPServer) handleUpdateComment(c *gin.Context) {
	var input UpdateCommentInput
	if err := c.ShouldBindJSON(&input); err != nil && !errors.Is(err, io.EOF) {
		writeError(c, http.StatusBadRequest, "INVALID_BODY", "invalid JSON body", nil)
		return
	}
	if err := s.service.UpdateComment(c.Request.Context(), currentUser(c), c.Param("comment_id"), input); err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *HTTPServer) handleDeleteComment(c *gin.Context) {
	if err := s.service.DeleteComment(c.Request.Context(), currentUser(c), c.Param("comment_id")); err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *HTTPServer) handleGetAttachment(c *gin.Context) {
	download, err := parseBool(c.DefaultQuery("download", "true"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_QUERY", "download must be a boolean", nil)
		return
	}

	file, err := s.service.GetAttachment(c.Request.Context(), currentUser(c), c.Param("comment_id"))
	if err != nil {
		writeServiceError(c, err)
		return
	}

	if download {
		c.Header("Content-Disposition", attachment.ContentDisposition(file.Name))
		c.Data(http.StatusOK, "application/octet-stream", file.Data)
		return
	}
	text, err := attachment.Inline(file.Data)
	if err != nil {
		writeServiceError(c, classify(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"commentId": file.CommentID, "attachment": text})
}

// requireUser resolves the bearer token to a stored user.
func (s *HTTPServer) requireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		claims, err := auth.ParseToken(s.jwtSecret, token)
		if err != nil {
			writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		user, err := s.service.CurrentUser(c.Request.Context(), claims.Subject)
		if errors.Is(err, store.ErrNotFound) {
			writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		if err != nil {
			s.logger.ErrorContext(c.Request.Context(), "session lookup failed", "error", err)
			writeError(c, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
			return
		}
		c.Set(currentUserKey, user)
		c.Next()
	}
}

// bearerToken extracts the credentials of an Authorization header using the
// Bearer scheme. The scheme name is matched case-insensitively.
func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func (s *HTTPServer) requireAction(action rbac.Action) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rbac.Can(rbac.Normalize(currentUser(c).Role), action) {
			writeError(c, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		c.Next()
	}
}

func (s *HTTPServer) cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.Writer.Header()
		header.Set("Access-Control-Allow-Origin", s.corsOrigin)
		header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
		header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		header.Set("Cache-Control", "no-store")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *HTTPServer) handlePanic(c *gin.Context, recovered any) {
	s.logger.ErrorContext(c.Request.Context(), "panic recovered", "panic", fmt.Sprint(recovered), "path", c.Request.URL.Path)
	writeError(c, http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil)
}

func currentUser(c *gin.Context) store.User {
	value, _ := c.Get(currentUserKey)
	user, _ := value.(store.User)
	return user
}

func commentResponse(comment store.Comment) gin.H {
	groups := make([]gin.H, 0, len(comment.Groups))
	for _, group := range comment.Groups {
		groups = append(groups, gin.H{"id": group.ID, "name": group.Name})
	}
	return gin.H{
		"id":              comment.ID,
		"text":            comment.Text,
		"obj_id":          comment.ObjID,
		"author_id":       comment.AuthorID,
		"author":          comment.AuthorUsername,
		"attachment_name": comment.AttachmentName,
		"groups":          groups,
		"created_at":      comment.CreatedAt,
		"modified":        comment.Modified,
	}
}

func writeError(c *gin.Context, status int, code, message string, details any) {
	response := gin.H{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	c.AbortWithStatusJSON(status, response)
}

func writeServiceError(c *gin.Context, err error) {
	status, code, message, details := mapError(err)
	writeError(c, status, code, message, details)
}

func mapError(err error) (status int, code, message string, details any) {
	domainErr := classify(err)
	return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
}

// parseBool accepts the spellings y, yes, t, true, on, 1 and their negatives.
func parseBool(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "y", "yes", "t", "true", "on", "1":
		return true, nil
	case "n", "no", "f", "false", "off", "0":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean %q", value)
	}
}
