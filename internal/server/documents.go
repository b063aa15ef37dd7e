package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/atelier/backend/internal/documents"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	altMedia             = "media"
	latestVersionKeyword = "latest"
	mediaTypeOctetStream = "application/octet-stream"
)

// collection serves one document kind under its own route prefix.
type collection struct {
	*httpHandler
	kind documents.Kind
}

type createRequestPayload struct {
	ID             string `json:"id"`
	Title          string `json:"title"`
	Description    string `json:"description"`
	Path           string `json:"path"`
	MimeType       string `json:"mimeType"`
	InitialContent string `json:"initialContent"`
}

type updateRequestPayload struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Path        *string `json:"path"`
}

type syncRequestPayload struct {
	Update string `json:"update"`
}

type checkoutRequestPayload struct {
	Version   json.RawMessage `json:"version"`
	VersionID string          `json:"versionId"`
}

type snapshotRequestPayload struct {
	Message string `json:"message"`
}

type metadataPayload struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Path        string    `json:"path"`
	MimeType    string    `json:"mimeType"`
	OwnerID     string    `json:"ownerId"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type historyEntryPayload struct {
	VersionID     string                  `json:"versionId"`
	VersionVector documents.VersionVector `json:"versionVector"`
	Timestamp     time.Time               `json:"timestamp"`
	Author        string                  `json:"author"`
	Message       *string                 `json:"message"`
}

func newMetadataPayload(documentID documents.DocumentID, kind documents.Kind, metadata documents.Metadata) metadataPayload {
	return metadataPayload{
		ID:          documentID.String(),
		Kind:        kind.Name(),
		Title:       metadata.Title,
		Description: metadata.Description,
		Path:        metadata.Path,
		MimeType:    metadata.MimeType,
		OwnerID:     metadata.OwnerID,
		CreatedAt:   metadata.CreatedAt,
		UpdatedAt:   metadata.UpdatedAt,
	}
}

func (h *collection) handleCreate(c *gin.Context) {
	var request createRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondInvalid(c, "invalid_request")
		return
	}
	var documentID documents.DocumentID
	if strings.TrimSpace(request.ID) != "" {
		parsed, err := documents.NewDocumentID(request.ID)
		if err != nil {
			respondInvalid(c, "invalid_document_id")
			return
		}
		documentID = parsed
	}
	var initialContent []byte
	if request.InitialContent != "" {
		decoded, err := base64.StdEncoding.DecodeString(request.InitialContent)
		if err != nil {
			respondInvalid(c, "invalid_initial_content")
			return
		}
		initialContent = decoded
	}

	document, err := h.store.Create(c.Request.Context(), documents.CreateRequest{
		ID:             documentID,
		Kind:           h.kind,
		Title:          request.Title,
		Description:    request.Description,
		Path:           request.Path,
		MimeType:       request.MimeType,
		ActorID:        actorFromContext(c),
		InitialContent: initialContent,
	})
	if err != nil {
		h.respondServiceError(c, "create document failed", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "documentId": document.ID().String()})
}

func (h *collection) handleList(c *gin.Context) {
	ids := h.store.ListIDs(h.kind)
	listed := make([]metadataPayload, 0, len(ids))
	for _, documentID := range ids {
		metadata, err := h.store.ReadMetadata(documentID)
		if errors.Is(err, documents.ErrNotFound) {
			continue
		}
		if err != nil {
			h.respondServiceError(c, "list documents failed", err)
			return
		}
		listed = append(listed, newMetadataPayload(documentID, h.kind, metadata))
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "documents": listed})
}

func (h *collection) handleGet(c *gin.Context) {
	documentID, ok := h.resolve(c)
	if !ok {
		return
	}
	if c.Query("alt") == altMedia {
		snapshot, err := h.store.ExportSnapshot(documentID)
		if err != nil {
			h.respondServiceError(c, "export snapshot failed", err)
			return
		}
		c.Data(http.StatusOK, mediaTypeOctetStream, snapshot)
		return
	}
	metadata, err := h.store.ReadMetadata(documentID)
	if err != nil {
		h.respondServiceError(c, "read metadata failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "document": newMetadataPayload(documentID, h.kind, metadata)})
}

func (h *collection) handleUpdate(c *gin.Context) {
	documentID, ok := h.resolve(c)
	if !ok {
		return
	}
	var request updateRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondInvalid(c, "invalid_request")
		return
	}
	if request.Title == nil && request.Description == nil && request.Path == nil {
		respondInvalid(c, "empty_patch")
		return
	}
	patch := documents.MetadataPatch{Title: request.Title, Description: request.Description, Path: request.Path}
	if err := h.store.UpdateMetadata(c.Request.Context(), documentID, patch); err != nil {
		h.respondServiceError(c, "update metadata failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *collection) handleDelete(c *gin.Context) {
	documentID, ok := h.resolve(c)
	if !ok {
		return
	}
	if err := h.store.Delete(c.Request.Context(), documentID); err != nil {
		h.respondServiceError(c, "delete document failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *collection) handleSync(c *gin.Context) {
	documentID, ok := h.resolve(c)
	if !ok {
		return
	}
	var request syncRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondInvalid(c, "invalid_request")
		return
	}
	update, err := base64.StdEncoding.DecodeString(request.Update)
	if err != nil {
		respondInvalid(c, "invalid_update")
		return
	}
	updates, err := h.store.Sync(c.Request.Context(), documentID, update)
	if err != nil {
		h.respondServiceError(c, "sync document failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "updates": base64.StdEncoding.EncodeToString(updates)})
}

func (h *collection) handleHistory(c *gin.Context) {
	documentID, ok := h.resolve(c)
	if !ok {
		return
	}
	entries, err := h.store.ListHistory(c.Request.Context(), documentID)
	if err != nil {
		h.respondServiceError(c, "list history failed", err)
		return
	}
	history := make([]historyEntryPayload, 0, len(entries))
	for _, entry := range entries {
		history = append(history, historyEntryPayload{
			VersionID:     entry.VersionID,
			VersionVector: entry.VersionVector,
			Timestamp:     entry.Timestamp,
			Author:        entry.Author.String(),
			Message:       entry.Message,
		})
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "history": history})
}

func (h *collection) handleCheckout(c *gin.Context) {
	documentID, ok := h.resolve(c)
	if !ok {
		return
	}
	var request checkoutRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondInvalid(c, "invalid_request")
		return
	}
	version, err := parseCheckoutVersion(request)
	if err != nil {
		respondInvalid(c, "invalid_version")
		return
	}
	if err := h.store.Checkout(c.Request.Context(), documentID, version); err != nil {
		h.respondServiceError(c, "checkout failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// parseCheckoutVersion accepts {"version": [...heads]}, {"version": "latest"} or
// {"versionId": "..."}.
func parseCheckoutVersion(request checkoutRequestPayload) (documents.Version, error) {
	if versionID := strings.TrimSpace(request.VersionID); versionID != "" {
		return documents.RecordedVersion(versionID), nil
	}
	if len(request.Version) == 0 || string(request.Version) == "null" {
		return documents.Version{}, errors.New("version is required")
	}
	var keyword string
	if err := json.Unmarshal(request.Version, &keyword); err == nil {
		if keyword != latestVersionKeyword {
			return documents.Version{}, errors.New("unknown version keyword")
		}
		return documents.LatestVersion(), nil
	}
	var heads []string
	if err := json.Unmarshal(request.Version, &heads); err != nil {
		return documents.Version{}, err
	}
	return documents.HeadsVersion(heads), nil
}

func (h *collection) handleSnapshot(c *gin.Context) {
	documentID, ok := h.resolve(c)
	if !ok {
		return
	}
	var request snapshotRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		respondInvalid(c, "invalid_request")
		return
	}
	entry, err := h.store.CreateSnapshot(c.Request.Context(), documentID, actorFromContext(c), request.Message)
	if err != nil {
		h.respondServiceError(c, "create snapshot failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "versionId": entry.VersionID, "timestamp": entry.Timestamp})
}

// resolve validates the path id and confirms it names a document of this collection's kind.
func (h *collection) resolve(c *gin.Context) (documents.DocumentID, bool) {
	documentID, err := documents.NewDocumentID(c.Param("id"))
	if err != nil {
		respondInvalid(c, "invalid_document_id")
		return "", false
	}
	document, err := h.store.Get(documentID)
	if err != nil {
		h.respondServiceError(c, "resolve document failed", err)
		return "", false
	}
	if !documents.SameKind(document.Kind(), h.kind) {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "not_found", "code": "documents.resolve.kind_mismatch"})
		return "", false
	}
	return documentID, true
}

func respondInvalid(c *gin.Context, label string) {
	c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": label})
}

func (h *httpHandler) respondServiceError(c *gin.Context, message string, err error) {
	status, label := classify(err)
	fields := []zap.Field{zap.String("path", c.FullPath()), zap.String("code", documents.ErrorCode(err)), zap.Error(err)}
	if status >= http.StatusInternalServerError {
		h.logger.Error(message, fields...)
	} else {
		h.logger.Debug(message, fields...)
	}
	c.JSON(status, gin.H{"success": false, "error": label, "code": documents.ErrorCode(err)})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, documents.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, documents.ErrAlreadyExists):
		return http.StatusConflict, "already_exists"
	case errors.Is(err, documents.ErrInvalidOperation):
		return http.StatusBadRequest, "invalid_operation"
	case errors.Is(err, documents.ErrStorageFailure):
		return http.StatusInternalServerError, "storage_failure"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
