// Package api exposes the vault over HTTP. Handlers are thin: they decode
// the request, call the upload, decrypt or records services and encode the
// answer.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/secure-image-vault/internal/audit"
	"github.com/kenneth/secure-image-vault/internal/decrypt"
	"github.com/kenneth/secure-image-vault/internal/identity"
	"github.com/kenneth/secure-image-vault/internal/keys"
	"github.com/kenneth/secure-image-vault/internal/metrics"
	"github.com/kenneth/secure-image-vault/internal/middleware"
	"github.com/kenneth/secure-image-vault/internal/records"
	"github.com/kenneth/secure-image-vault/internal/storage"
	"github.com/kenneth/secure-image-vault/internal/upload"
	"github.com/kenneth/secure-image-vault/internal/validation"
)

const (
	// multipartOverhead is allowed on top of the largest accepted file.
	multipartOverhead = 1 << 20
	// formMemory is kept in memory while parsing multipart bodies.
	formMemory = 32 << 20
	// preflightBodyLimit bounds the JSON body of the validate route.
	preflightBodyLimit = 64 << 10
)

// Uploader runs the upload pipeline.
type Uploader interface {
	Submit(ctx context.Context, sub upload.Submission) *upload.Result
}

// Decrypter opens stored files.
type Decrypter interface {
	Decrypt(ctx context.Context, req decrypt.Request) *decrypt.Result
}

// KeyRotator rotates the master key.
type KeyRotator interface {
	RotateKeys(ctx context.Context) (*keys.KeyMaterial, error)
}

// Pinger reports backend readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the services the handlers call.
type Deps struct {
	Uploader  Uploader
	Decrypter Decrypter
	Objects   storage.ObjectStore
	Records   records.Store
	Audit     audit.Logger
	AuditLog  audit.Querier
	Directory identity.Directory
	Keys      KeyRotator
	// Preflight checks file descriptions before upload. Nil uses the
	// general profile.
	Preflight *validation.Validator
	// Ready is checked by /ready; nil means always ready.
	Ready Pinger
	// MaxUploadSize bounds request bodies on the upload route.
	MaxUploadSize int64
	MetricsPath   string
}

// Handler serves the vault API.
type Handler struct {
	deps    Deps
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

// NewHandler creates a handler. A nil logger uses the standard logger.
func NewHandler(deps Deps, logger *logrus.Logger, m *metrics.Metrics) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if deps.Audit == nil {
		deps.Audit = audit.Nop{}
	}
	if deps.Preflight == nil {
		deps.Preflight = validation.New(validation.GeneralProfile())
	}
	return &Handler{deps: deps, logger: logger, metrics: m}
}

// RegisterRoutes registers all API routes.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", h.handleReady).Methods(http.MethodGet)
	r.HandleFunc("/live", h.handleLive).Methods(http.MethodGet)
	if h.deps.MetricsPath != "" {
		r.Handle(h.deps.MetricsPath, h.metrics.Handler()).Methods(http.MethodGet)
	}

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(middleware.FileIDValidationMiddleware(h.logger))

	v1.HandleFunc("/images", h.handleUpload).Methods(http.MethodPost)
	v1.HandleFunc("/images/validate", h.handleValidate).Methods(http.MethodPost)
	v1.HandleFunc("/images/{id}/view", h.handleView).Methods(http.MethodGet)
	v1.HandleFunc("/images/{id}/download", h.handleDownload).Methods(http.MethodGet)
	v1.HandleFunc("/images/{id}", h.handleDelete).Methods(http.MethodDelete)

	v1.HandleFunc("/uploads", h.handleListUploads).Methods(http.MethodGet)
	v1.HandleFunc("/uploads/stats", h.handleUploadStats).Methods(http.MethodGet)
	v1.HandleFunc("/uploads/{id}", h.handleGetUpload).Methods(http.MethodGet)

	v1.HandleFunc("/audit", h.handleAuditQuery).Methods(http.MethodGet)
	v1.HandleFunc("/keys/rotate", h.handleRotateKeys).Methods(http.MethodPost)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error, resource string) {
	apiErr := TranslateError(err, resource)
	apiErr.RequestID = getRequestID(w, r)
	fields := logrus.Fields{
		"method":     r.Method,
		"path":       r.URL.Path,
		"code":       apiErr.Code,
		"request_id": apiErr.RequestID,
	}
	if apiErr.HTTPStatus >= http.StatusInternalServerError {
		h.logger.WithError(err).WithFields(fields).Error("Request failed")
	} else {
		h.logger.WithError(err).WithFields(fields).Debug("Request rejected")
	}
	apiErr.WriteJSON(w)
}

// authorize checks the current member's permission for action on resource.
func (h *Handler) authorize(ctx context.Context, action, resource string) (*identity.User, error) {
	if err := h.deps.Directory.ValidateUserPermissions(ctx, action, resource); err != nil {
		return nil, err
	}
	return h.deps.Directory.CurrentUser(ctx)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *Handler) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	if h.deps.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.deps.Ready.Ping(ctx); err != nil {
			h.logger.WithError(err).Warn("Readiness check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type uploadResponse struct {
	FileID    string `json:"fileId"`
	RecordID  string `json:"recordId,omitempty"`
	Hash      string `json:"hash"`
	State     string `json:"state"`
	Message   string `json:"message"`
	Selection string `json:"selection"`
	Size      string `json:"size"`
}

// handleUpload accepts a multipart form with a "file" part. Anonymous
// uploads are stored under the anonymous owner; authenticated members need
// the upload permission.
func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	owner := upload.AnonymousUser
	if identity.UserFrom(ctx) != nil {
		user, err := h.authorize(ctx, string(audit.ActionUpload), "*")
		if err != nil {
			h.writeError(w, r, err, r.URL.Path)
			return
		}
		owner = user.Email
	}

	if h.deps.MaxUploadSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.deps.MaxUploadSize+multipartOverhead)
	}
	if err := r.ParseMultipartForm(formMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
			ErrPayloadTooLarge.with(r.URL.Path, getRequestID(w, r)).WriteJSON(w)
			return
		}
		if errors.Is(err, http.ErrNotMultipart) || errors.Is(err, http.ErrMissingFile) {
			h.writeError(w, r, upload.ErrNoFile, r.URL.Path)
			return
		}
		ErrInvalidRequest.with(r.URL.Path, getRequestID(w, r)).WriteJSON(w)
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		h.writeError(w, r, upload.ErrNoFile, r.URL.Path)
		return
	}
	defer file.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, file); err != nil {
		h.writeError(w, r, err, r.URL.Path)
		return
	}

	mimeType := header.Header.Get("Content-Type")
	res := h.deps.Uploader.Submit(ctx, upload.Submission{
		Key:       r.Header.Get("Idempotency-Key"),
		FileName:  header.Filename,
		MimeType:  mimeType,
		UserEmail: owner,
		Data:      buf.Bytes(),
	})
	if !res.Succeeded() {
		apiErr := TranslateError(res.Err, r.URL.Path)
		apiErr.RequestID = getRequestID(w, r)
		if apiErr.Code != "ValidationFailed" && res.Message != "" {
			apiErr.Message = res.Message
		}
		apiErr.WriteJSON(w)
		return
	}

	writeJSON(w, http.StatusCreated, uploadResponse{
		FileID:    res.FileID,
		RecordID:  res.RecordID,
		Hash:      res.Hash,
		State:     res.State.String(),
		Message:   res.Message,
		Selection: upload.DescribeSelection(header.Filename, int64(buf.Len())),
		Size:      formatSize(int64(buf.Len())),
	})
}

type validateRequest struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	Type string `json:"type"`
}

type validateResponse struct {
	Valid   bool     `json:"valid"`
	Errors  []string `json:"errors"`
	Profile string   `json:"profile"`
}

// handleValidate checks a file description against the pre-flight profile
// without receiving the file. Clients call it before starting an upload.
func (h *Handler) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, preflightBodyLimit))
	if err := dec.Decode(&req); err != nil {
		ErrInvalidRequest.with(r.URL.Path, getRequestID(w, r)).WriteJSON(w)
		return
	}

	v := h.deps.Preflight
	res := v.Validate(validation.FileInfo{Name: req.Name, Size: req.Size, Type: req.Type})
	writeJSON(w, http.StatusOK, validateResponse{Valid: res.Valid, Errors: res.Errors, Profile: v.Profile().Name})
}

func (h *Handler) handleView(w http.ResponseWriter, r *http.Request) {
	h.serveDecrypted(w, r, decrypt.PurposeView, "inline")
}

func (h *Handler) handleDownload(w http.ResponseWriter, r *http.Request) {
	h.serveDecrypted(w, r, decrypt.PurposeDownload, "attachment")
}

// serveDecrypted writes the plaintext image. Members may only open their
// own files; admins may open any.
func (h *Handler) serveDecrypted(w http.ResponseWriter, r *http.Request, purpose decrypt.Purpose, disposition string) {
	ctx := r.Context()
	fileID := mux.Vars(r)["id"]

	user, err := h.authorize(ctx, string(purpose), fileID)
	if err != nil {
		h.writeError(w, r, err, fileID)
		return
	}

	res := h.deps.Decrypter.Decrypt(ctx, decrypt.Request{
		FileID:      fileID,
		UserID:      user.Email,
		Purpose:     purpose,
		VerifyHash:  true,
		ExpectOwner: !user.HasRole("admin"),
	})
	if !res.Success {
		h.writeError(w, r, res.Err, fileID)
		return
	}

	mimeType := res.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", mimeType)
	w.Header().Set("Content-Length", strconv.Itoa(len(res.Data)))
	w.Header().Set("Content-Disposition", contentDisposition(disposition, res.FileName))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(res.Data); err != nil {
		h.logger.WithError(err).WithField("file_id", fileID).Debug("Client went away during response")
	}
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	fileID := mux.Vars(r)["id"]

	user, err := h.authorize(ctx, string(audit.ActionDelete), fileID)
	if err != nil {
		h.writeError(w, r, err, fileID)
		return
	}

	err = h.deps.Objects.DeleteEncryptedObject(ctx, fileID)
	h.deps.Audit.LogAccess(ctx, audit.ActionDelete, fileID, user.Email, map[string]interface{}{
		"success": err == nil,
	})
	if err != nil {
		h.writeError(w, r, err, fileID)
		return
	}
	h.markDeleted(ctx, fileID, user.Email)
	h.logger.WithFields(logrus.Fields{"file_id": fileID, "user": user.ID}).Info("Encrypted object deleted")
	w.WriteHeader(http.StatusNoContent)
}

// markDeleted moves the upload record of fileID to deleted so the upload log
// stops offering it. The object is already gone, so failures are only logged.
func (h *Handler) markDeleted(ctx context.Context, fileID, by string) {
	rec, err := h.deps.Records.GetByFileID(ctx, fileID)
	if errors.Is(err, records.ErrNotFound) || (err == nil && rec.Status == records.StatusDeleted) {
		return
	}
	if err == nil {
		err = h.deps.Records.UpdateStatus(ctx, rec.ID, records.StatusDeleted, fileID, "deleted by "+by)
	}
	if err != nil {
		h.logger.WithError(err).WithField("file_id", fileID).Warn("Failed to mark upload record deleted")
	}
}

type recordView struct {
	*records.UploadRecord
	Size string `json:"size"`
}

type listResponse struct {
	Records []recordView `json:"records"`
	Total   int          `json:"total"`
	Page    int          `json:"page"`
	Limit   int          `json:"limit"`
	Pages   int          `json:"pages"`
	Query   string       `json:"query,omitempty"`
}

// handleListUploads lists the upload log newest first. With ?q= it searches
// file names, user emails and file ids.
func (h *Handler) handleListUploads(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, err := h.authorize(ctx, "list", "*"); err != nil {
		h.writeError(w, r, err, r.URL.Path)
		return
	}

	page := parsePage(r)
	query := strings.TrimSpace(r.URL.Query().Get("q"))

	var (
		list *records.List
		err  error
	)
	if query != "" {
		list, err = h.deps.Records.Search(ctx, query, page)
	} else {
		list, err = h.deps.Records.List(ctx, page)
	}
	if err != nil {
		h.writeError(w, r, err, r.URL.Path)
		return
	}

	resp := listResponse{
		Records: make([]recordView, 0, len(list.Records)),
		Total:   list.Total,
		Page:    list.Page,
		Limit:   list.Limit,
		Query:   query,
	}
	if list.Limit > 0 {
		resp.Pages = (list.Total + list.Limit - 1) / list.Limit
	}
	for _, rec := range list.Records {
		resp.Records = append(resp.Records, recordView{UploadRecord: rec, Size: formatSize(rec.OriginalSize)})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleGetUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]
	if _, err := h.authorize(ctx, "list", id); err != nil {
		h.writeError(w, r, err, id)
		return
	}
	rec, err := h.deps.Records.Get(ctx, id)
	if err != nil {
		h.writeError(w, r, err, id)
		return
	}
	writeJSON(w, http.StatusOK, recordView{UploadRecord: rec, Size: formatSize(rec.OriginalSize)})
}

type statsResponse struct {
	*records.Stats
	Summary string `json:"summary"`
}

func (h *Handler) handleUploadStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, err := h.authorize(ctx, "list", "*"); err != nil {
		h.writeError(w, r, err, r.URL.Path)
		return
	}
	stats, err := h.deps.Records.Stats(ctx)
	if err != nil {
		h.writeError(w, r, err, r.URL.Path)
		return
	}
	summary := humanize.Comma(int64(stats.ByStatus[records.StatusUploaded])) + " uploaded, " +
		humanize.Comma(int64(stats.ByStatus[records.StatusFailed])) + " failed"
	writeJSON(w, http.StatusOK, statsResponse{Stats: stats, Summary: summary})
}

// handleAuditQuery filters the audit trail by resourceId, userId, action and
// a from/to window.
func (h *Handler) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, err := h.authorize(ctx, "audit", "*"); err != nil {
		h.writeError(w, r, err, r.URL.Path)
		return
	}
	if h.deps.AuditLog == nil {
		ErrInvalidRequest.with(r.URL.Path, getRequestID(w, r)).WriteJSON(w)
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		ResourceID: q.Get("resourceId"),
		UserID:     q.Get("userId"),
		Action:     audit.Action(q.Get("action")),
		Limit:      records.DefaultLimit * 10,
	}
	if filter.Action != "" && !filter.Action.Valid() {
		apiErr := ErrInvalidRequest.with(r.URL.Path, getRequestID(w, r))
		apiErr.Message = "Unknown audit action " + strconv.Quote(string(filter.Action))
		apiErr.WriteJSON(w)
		return
	}
	if t, ok := parseTime(q.Get("from")); ok {
		filter.From = t
	}
	if t, ok := parseTime(q.Get("to")); ok {
		filter.To = t
	}
	if n, err := strconv.Atoi(q.Get("limit")); err == nil && n > 0 && n <= records.MaxLimit*10 {
		filter.Limit = n
	}

	entries, err := h.deps.AuditLog.Query(ctx, filter)
	if err != nil {
		h.writeError(w, r, err, r.URL.Path)
		return
	}
	if entries == nil {
		entries = []*audit.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries, "count": len(entries)})
}

func (h *Handler) handleRotateKeys(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, err := h.authorize(ctx, "rotate", keys.MasterKeyName)
	if err != nil {
		h.writeError(w, r, err, r.URL.Path)
		return
	}
	km, err := h.deps.Keys.RotateKeys(ctx)
	if err != nil {
		h.writeError(w, r, err, r.URL.Path)
		return
	}
	h.logger.WithFields(logrus.Fields{"user": user.ID, "key_version": km.Version}).Info("Master key rotated on request")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":             km.Name,
		"version":          km.Version,
		"createdAt":        km.CreatedAt,
		"rotationDeadline": km.RotationDeadline,
	})
}
