package server

import (
	"net/http"

	"github.com/MarcoPoloResearchLab/atelier/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/syncsession"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// handleSyncSocket upgrades the request and hands the connection to the session manager.
// Unknown documents and documents of another kind are refused after the upgrade with a
// 4404 close so browser clients see the code.
func (h *collection) handleSyncSocket(c *gin.Context) {
	if !websocket.IsWebSocketUpgrade(c.Request) {
		c.JSON(http.StatusUpgradeRequired, gin.H{"success": false, "error": "websocket_upgrade_required"})
		return
	}
	documentID, idErr := documents.NewDocumentID(c.Param("id"))
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Debug("sync upgrade failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(h.maxMessageBytes)

	if idErr != nil || !h.servesDocument(documentID) {
		syncsession.Reject(conn, syncsession.CloseDocumentNotFound, "document not found", 0)
		return
	}
	if err := h.sessions.Serve(c.Request.Context(), conn, documentID, actorFromContext(c)); err != nil {
		h.logger.Debug("sync session ended", zap.String("document_id", documentID.String()), zap.Error(err))
	}
}

func (h *collection) servesDocument(documentID documents.DocumentID) bool {
	document, err := h.store.Get(documentID)
	return err == nil && documents.SameKind(document.Kind(), h.kind)
}
