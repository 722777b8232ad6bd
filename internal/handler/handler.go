package handler

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"attendgate/internal/attendance"
	"attendgate/internal/auth"
	"attendgate/internal/cloudinary"
	"attendgate/internal/config"
	"attendgate/internal/faceclient"
	"attendgate/internal/metrics"
	"attendgate/internal/queue"
)

// Handler exposes the HTTP surface over the verification engine and the
// management read paths.
type Handler struct {
	repo   *attendance.Repository
	engine *attendance.Engine
	face   *faceclient.Client
	cloud  *cloudinary.Client // nil if Cloudinary not configured
	queue  queue.Queue
	cfg    config.App
}

// New wires a handler.
func New(repo *attendance.Repository, engine *attendance.Engine, face *faceclient.Client, cloud *cloudinary.Client, q queue.Queue, cfg config.App) *Handler {
	return &Handler{repo: repo, engine: engine, face: face, cloud: cloud, queue: q, cfg: cfg}
}

// statusFor maps every verification kind onto its own HTTP status. The code
// string in the body is what clients should branch on.
func statusFor(kind attendance.Kind) int {
	switch kind {
	case attendance.KindInvalidInput, attendance.KindNoFaceDetected,
		attendance.KindGroupMismatch, attendance.KindWindowClosed,
		attendance.KindLocationUnavailable, attendance.KindOutOfBounds:
		return http.StatusBadRequest
	case attendance.KindForbidden, attendance.KindNoMatchFound, attendance.KindSelfMarkOnly:
		return http.StatusForbidden
	case attendance.KindNotFound, attendance.KindPopulationEmpty:
		return http.StatusNotFound
	case attendance.KindExtractionFailed:
		return http.StatusBadGateway
	case attendance.KindStorageConflict:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	if e, ok := err.(*attendance.Error); ok {
		c.JSON(statusFor(e.Kind), gin.H{"code": string(e.Kind), "error": e.Message})
		return
	}
	log.Printf("internal error: %v", err)
	c.JSON(http.StatusInternalServerError, gin.H{"code": "internal", "error": "internal error"})
}

func (h *Handler) currentUser(c *gin.Context) (*attendance.User, bool) {
	claims, ok := auth.FromContext(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return nil, false
	}
	user, err := h.repo.GetUser(c.Request.Context(), claims.UserID())
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	if user == nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "account no longer exists"})
		return nil, false
	}
	return user, true
}

// ---------- auth ----------

type loginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// Login verifies credentials and issues a token pair.
func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_input", "error": err.Error()})
		return
	}

	user, hash, err := h.repo.GetUserByEmail(c.Request.Context(), req.Email)
	if err != nil {
		writeError(c, err)
		return
	}
	if user == nil || !auth.CheckPassword(hash, req.Password) {
		c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_credentials", "error": "invalid credentials"})
		return
	}

	tokens, err := auth.Issue(user.ID.String(), user.Role, h.cfg.JWTIssuer, h.cfg.JWTSigningKey, h.cfg.AccessTTL, h.cfg.RefreshTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
		return
	}
	if err := h.repo.SaveRefreshToken(c.Request.Context(), user.ID, tokens.RefreshToken, tokens.RefreshExp); err != nil {
		log.Printf("save refresh token failed: %v", err)
	}

	c.JSON(http.StatusOK, gin.H{
		"access_token":  tokens.AccessToken,
		"refresh_token": tokens.RefreshToken,
		"expires_at":    tokens.AccessExp.Unix(),
		"user": gin.H{
			"id":    user.ID,
			"name":  user.Name,
			"email": user.Email,
			"role":  user.Role,
		},
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

// Refresh rotates a refresh token into a fresh pair.
func (h *Handler) Refresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_input", "error": err.Error()})
		return
	}

	claims, err := auth.Parse(req.RefreshToken, h.cfg.JWTSigningKey, h.cfg.JWTIssuer)
	if err != nil || claims.TokenType != auth.TypeRefresh {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}
	valid, err := h.repo.RefreshTokenValid(c.Request.Context(), req.RefreshToken)
	if err != nil {
		writeError(c, err)
		return
	}
	if !valid {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "refresh token revoked or expired"})
		return
	}

	tokens, err := auth.Issue(claims.Subject, claims.Role, h.cfg.JWTIssuer, h.cfg.JWTSigningKey, h.cfg.AccessTTL, h.cfg.RefreshTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
		return
	}
	_ = h.repo.RevokeRefreshToken(c.Request.Context(), req.RefreshToken)
	if err := h.repo.SaveRefreshToken(c.Request.Context(), claims.UserID(), tokens.RefreshToken, tokens.RefreshExp); err != nil {
		log.Printf("save refresh token failed: %v", err)
	}

	c.JSON(http.StatusOK, gin.H{
		"access_token":  tokens.AccessToken,
		"refresh_token": tokens.RefreshToken,
		"expires_at":    tokens.AccessExp.Unix(),
	})
}

// ---------- current user ----------

// Me returns the authenticated user.
func (h *Handler) Me(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, user)
}

// UpdateMe patches name and profile picture. The picture arrives as a
// multipart file and lands in Cloudinary; only the URL is stored.
func (h *Handler) UpdateMe(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}

	var name *string
	if v := c.PostForm("name"); v != "" {
		name = &v
	}

	var pictureURL *string
	if file, header, err := c.Request.FormFile("profile_picture"); err == nil {
		defer file.Close()
		if h.cloud == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "image storage not configured"})
			return
		}
		data, err := io.ReadAll(file)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "read file failed"})
			return
		}
		result, err := h.cloud.UploadBytes(c.Request.Context(), data, header.Filename)
		if err != nil {
			log.Printf("cloudinary upload failed: %v", err)
			c.JSON(http.StatusBadGateway, gin.H{"error": "image upload failed"})
			return
		}
		pictureURL = &result.SecureURL
	}

	updated, err := h.repo.UpdateUserProfile(c.Request.Context(), user.ID, name, pictureURL)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

type locationRequest struct {
	Latitude  any `json:"latitude"`
	Longitude any `json:"longitude"`
}

// UpdateMyLocation stores the caller's current coordinates. Values may arrive
// as JSON numbers or strings; anything unparseable is invalid input.
func (h *Handler) UpdateMyLocation(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}

	var req locationRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Latitude == nil || req.Longitude == nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_input", "error": "'latitude' and 'longitude' are required"})
		return
	}
	lat, latOK := parseCoord(req.Latitude)
	lon, lonOK := parseCoord(req.Longitude)
	if !latOK || !lonOK {
		c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_input", "error": "invalid latitude/longitude"})
		return
	}

	updated, err := h.repo.UpdateUserLocation(c.Request.Context(), user.ID, lat, lon)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func parseCoord(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// EnrollMyFace replaces the caller's stored face embedding from a fresh
// photo. Re-enrollment overwrites; a user never has more than one embedding.
func (h *Handler) EnrollMyFace(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}

	image, ok := readImage(c, "image")
	if !ok {
		return
	}
	embedding, err := h.face.Extract(c.Request.Context(), image)
	if err != nil {
		writeError(c, err)
		return
	}
	if err := h.repo.SetFaceEmbedding(c.Request.Context(), user.ID, embedding); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"enrolled": true, "dimensions": len(embedding)})
}

// ---------- accounts ----------

type createUserRequest struct {
	Email     string  `json:"email" binding:"required,email"`
	Password  string  `json:"password" binding:"required,min=8"`
	Name      *string `json:"name"`
	CollegeID *string `json:"college_id"`
	Role      string  `json:"role"`
	BatchID   *int64  `json:"batch_id"`
}

// CreateUser registers an account. Admin only; students get added in bulk by
// the office, not self-signup.
func (h *Handler) CreateUser(c *gin.Context) {
	actor, ok := h.currentUser(c)
	if !ok {
		return
	}
	if !actor.Role.Allowed(attendance.RoleAdmin) {
		writeError(c, attendance.Errf(attendance.KindForbidden, "role %q may not create accounts", actor.Role))
		return
	}

	var req createUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_input", "error": err.Error()})
		return
	}
	role := attendance.Role(req.Role)
	if req.Role == "" {
		role = attendance.RoleStudent
	}
	if !role.Allowed(attendance.RoleStudent, attendance.RoleTeacher, attendance.RoleAdmin, attendance.RoleParent, attendance.RoleOther) {
		c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_input", "error": "unknown role"})
		return
	}

	ctx := c.Request.Context()
	if req.BatchID != nil {
		batch, err := h.repo.GetBatch(ctx, *req.BatchID)
		if err != nil {
			writeError(c, err)
			return
		}
		if batch == nil {
			writeError(c, attendance.Errf(attendance.KindNotFound, "batch %d not found", *req.BatchID))
			return
		}
	}

	hash, err := auth.HashPassword(req.Password, h.cfg.BcryptCost)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "password hash failed"})
		return
	}
	created, err := h.repo.InsertUser(ctx, attendance.User{
		Email:     req.Email,
		Name:      req.Name,
		CollegeID: req.CollegeID,
		Role:      role,
		BatchID:   req.BatchID,
	}, hash)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

// ---------- students ----------

// ListStudents returns all student accounts.
func (h *Handler) ListStudents(c *gin.Context) {
	students, err := h.repo.ListStudents(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if students == nil {
		students = []attendance.User{}
	}
	c.JSON(http.StatusOK, students)
}

// ---------- attendance windows ----------

// GetWindow returns the current window for a batch+subject pair. Reading an
// expired window persists its closure before reporting it closed.
func (h *Handler) GetWindow(c *gin.Context) {
	batchID, err1 := strconv.ParseInt(c.Query("batch"), 10, 64)
	subjectID, err2 := strconv.ParseInt(c.Query("subject"), 10, 64)
	if err1 != nil || err2 != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_input", "error": "'batch' and 'subject' query params are required"})
		return
	}

	ctx := c.Request.Context()
	subject, err := h.repo.GetSubject(ctx, subjectID)
	if err != nil {
		writeError(c, err)
		return
	}
	if subject == nil {
		writeError(c, attendance.Errf(attendance.KindNotFound, "subject %d not found", subjectID))
		return
	}
	if subject.BatchID != batchID {
		c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_input", "error": "subject does not belong to the provided batch"})
		return
	}

	window, err := h.repo.CurrentWindow(ctx, batchID, subjectID)
	if err != nil {
		writeError(c, err)
		return
	}
	if window == nil {
		writeError(c, attendance.Errf(attendance.KindNotFound, "attendance window not found"))
		return
	}

	open, expired := attendance.EvaluateOpen(window, time.Now())
	if expired {
		if err := h.repo.CloseWindow(ctx, window.ID); err != nil {
			writeError(c, err)
			return
		}
		window.Active = false
	}
	if !open {
		writeError(c, attendance.Errf(attendance.KindWindowClosed, "attendance window is closed"))
		return
	}
	c.JSON(http.StatusOK, window)
}

type windowRequest struct {
	BatchID         int64  `json:"batch" binding:"required"`
	SubjectID       int64  `json:"subject" binding:"required"`
	DurationSeconds *int64 `json:"duration_seconds"`
	Active          bool   `json:"is_active"`
}

// UpsertWindow creates or updates the current window for a batch+subject
// pair. Activating a window that was not active stamps its start to now, so
// re-activating a closed window restarts the period; deactivating leaves the
// timestamp untouched.
func (h *Handler) UpsertWindow(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}
	if !user.Role.Allowed(attendance.RoleTeacher, attendance.RoleAdmin) {
		writeError(c, attendance.Errf(attendance.KindForbidden, "role %q may not manage windows", user.Role))
		return
	}

	var req windowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_input", "error": "'batch' and 'subject' are required"})
		return
	}

	ctx := c.Request.Context()
	batch, err := h.repo.GetBatch(ctx, req.BatchID)
	if err != nil {
		writeError(c, err)
		return
	}
	if batch == nil {
		writeError(c, attendance.Errf(attendance.KindNotFound, "batch %d not found", req.BatchID))
		return
	}
	subject, err := h.repo.GetSubject(ctx, req.SubjectID)
	if err != nil {
		writeError(c, err)
		return
	}
	if subject == nil {
		writeError(c, attendance.Errf(attendance.KindNotFound, "subject %d not found", req.SubjectID))
		return
	}
	if subject.BatchID != batch.ID {
		c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_input", "error": "subject does not belong to the provided batch"})
		return
	}

	duration := h.cfg.DefaultDuration
	if req.DurationSeconds != nil {
		if *req.DurationSeconds <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_input", "error": "duration must be positive"})
			return
		}
		duration = time.Duration(*req.DurationSeconds) * time.Second
	}

	existing, err := h.repo.CurrentWindow(ctx, req.BatchID, req.SubjectID)
	if err != nil {
		writeError(c, err)
		return
	}

	actor := user.ID
	if existing != nil {
		w := *existing
		if req.DurationSeconds != nil {
			w.Duration = duration
		}
		if req.Active && !w.Active {
			now := time.Now().UTC()
			w.StartedAt = &now
			metrics.WindowActivations.Inc()
		}
		w.Active = req.Active
		w.LastInteractedBy = &actor

		saved, err := h.repo.UpdateWindow(ctx, w)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, saved)
		return
	}

	w := attendance.Window{
		BatchID:          req.BatchID,
		SubjectID:        req.SubjectID,
		Duration:         duration,
		Active:           req.Active,
		LastInteractedBy: &actor,
	}
	if req.Active {
		now := time.Now().UTC()
		w.StartedAt = &now
		metrics.WindowActivations.Inc()
	}
	saved, err := h.repo.InsertWindow(ctx, w)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, saved)
}

// ---------- attendance records ----------

// CreateRecord runs the verification engine on a submitted photo and marks
// attendance. 201 for a fresh record, 200 when today's record already existed
// and was overwritten.
func (h *Handler) CreateRecord(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}

	windowID, err := uuid.Parse(c.PostForm("window_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_input", "error": "'window_id' is required"})
		return
	}
	image, ok := readImage(c, "image")
	if !ok {
		return
	}

	record, created, err := h.engine.Verify(c.Request.Context(), user, windowID, image)
	if err != nil {
		outcome := string(attendance.KindOf(err))
		if outcome == "" {
			outcome = "internal"
		}
		metrics.Verifications.WithLabelValues(outcome).Inc()
		writeError(c, err)
		return
	}

	outcome := "updated"
	code := http.StatusOK
	if created {
		outcome = "created"
		code = http.StatusCreated
	}
	metrics.Verifications.WithLabelValues(outcome).Inc()

	h.publishVerification(record, created)

	c.JSON(code, gin.H{"record": record, "created": created})
}

func (h *Handler) publishVerification(record *attendance.Record, created bool) {
	if h.queue == nil {
		return
	}
	body, err := json.Marshal(attendance.VerificationEvent{RecordID: record.ID, Created: created})
	if err != nil {
		return
	}
	// Publishing must not hold up the response; failures only get logged.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.queue.Publish(ctx, queue.Message{Type: "verification", Body: body}); err != nil {
		log.Printf("queue publish failed: %v", err)
	}
}

// ListRecords returns attendance records filtered by window and date.
func (h *Handler) ListRecords(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}
	if !user.Role.Allowed(attendance.RoleTeacher, attendance.RoleAdmin) {
		writeError(c, attendance.Errf(attendance.KindForbidden, "role %q may not list records", user.Role))
		return
	}

	var windowID *uuid.UUID
	if v := c.Query("window"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_input", "error": "invalid window id"})
			return
		}
		windowID = &id
	}
	var date *time.Time
	if v := c.Query("date"); v != "" {
		d, err := time.Parse("2006-01-02", v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_input", "error": "date must be YYYY-MM-DD"})
			return
		}
		date = &d
	}
	limit, offset := 50, 0
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			limit = parsed
		}
	}
	if v := c.Query("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			offset = parsed
		}
	}

	records, err := h.repo.ListRecords(c.Request.Context(), windowID, date, limit, offset)
	if err != nil {
		writeError(c, err)
		return
	}
	if records == nil {
		records = []attendance.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

// readImage pulls a multipart image file into memory.
func readImage(c *gin.Context, field string) ([]byte, bool) {
	file, _, err := c.Request.FormFile(field)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_input", "error": "'" + field + "' file is required"})
		return nil, false
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "read file failed"})
		return nil, false
	}
	return data, true
}
