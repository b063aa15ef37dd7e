package server

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/atelier/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/syncsession"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	actorIDContextKey      = "atelier_actor_id"
	defaultMaxMessageBytes = 16 << 20
)

var (
	errMissingStore         = errors.New("document store dependency required")
	errMissingSessions      = errors.New("sync session manager dependency required")
	errMissingValidator     = errors.New("session validator dependency required")
	errMissingActorResolver = errors.New("actor resolver dependency required")
)

// SessionValidator authenticates an incoming request.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// ActorResolver maps session claims onto the actor id that authors document changes.
type ActorResolver interface {
	ResolveActor(ctx context.Context, claims auth.SessionClaims) (documents.ActorID, error)
}

// Dependencies wires the HTTP handler.
type Dependencies struct {
	Store          *documents.Store
	Sessions       *syncsession.Manager
	Validator      SessionValidator
	Actors         ActorResolver
	Gatherer       prometheus.Gatherer
	AllowedOrigins []string
	// MaxMessageBytes bounds a single sync frame.
	MaxMessageBytes int64
	Logger          *zap.Logger
}

// NewHTTPHandler builds the gin router serving the document collections, their sync
// endpoints, health and metrics.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Store == nil {
		return nil, errMissingStore
	}
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	if deps.Validator == nil {
		return nil, errMissingValidator
	}
	if deps.Actors == nil {
		return nil, errMissingActorResolver
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxMessageBytes := deps.MaxMessageBytes
	if maxMessageBytes <= 0 {
		maxMessageBytes = defaultMaxMessageBytes
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		store:           deps.Store,
		sessions:        deps.Sessions,
		validator:       deps.Validator,
		actors:          deps.Actors,
		logger:          logger,
		maxMessageBytes: maxMessageBytes,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || sameOrigin(r, origin) || originAllowed(deps.AllowedOrigins, origin)
			},
		},
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	for _, kind := range []documents.Kind{documents.FlowKind{}, documents.DiagramKind{}} {
		handler.registerCollection(protected.Group("/"+collectionName(kind)), kind)
	}

	return router, nil
}

type httpHandler struct {
	store           *documents.Store
	sessions        *syncsession.Manager
	validator       SessionValidator
	actors          ActorResolver
	logger          *zap.Logger
	maxMessageBytes int64
	upgrader        websocket.Upgrader
}

func (h *httpHandler) registerCollection(group *gin.RouterGroup, kind documents.Kind) {
	col := &collection{httpHandler: h, kind: kind}
	group.POST("", col.handleCreate)
	group.GET("", col.handleList)
	group.GET("/:id", col.handleGet)
	group.PUT("/:id", col.handleUpdate)
	group.DELETE("/:id", col.handleDelete)
	group.POST("/:id/sync", col.handleSync)
	group.GET("/:id/sync", col.handleSyncSocket)
	group.GET("/:id/history", col.handleHistory)
	group.POST("/:id/checkout", col.handleCheckout)
	group.POST("/:id/snapshot", col.handleSnapshot)
}

func collectionName(kind documents.Kind) string {
	switch kind.(type) {
	case documents.DiagramKind:
		return "diagrams"
	default:
		return "documents"
	}
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "documents": h.store.Count()})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.validator.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "error": "unauthorized", "code": "auth.unauthorized"})
		return
	}
	actorID, err := h.actors.ResolveActor(c.Request.Context(), claims)
	if err != nil {
		h.logger.Warn("actor resolution failed", zap.String("subject", claims.Subject), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "error": "unauthorized", "code": "auth.unknown_actor"})
		return
	}
	c.Set(actorIDContextKey, actorID)
	c.Next()
}

func actorFromContext(c *gin.Context) documents.ActorID {
	value, ok := c.Get(actorIDContextKey)
	if !ok {
		return ""
	}
	actorID, _ := value.(documents.ActorID)
	return actorID
}

// sameOrigin reports whether the Origin header names the host the request was sent to.
func sameOrigin(r *http.Request, origin string) bool {
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(parsed.Host, r.Host)
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc: func(origin string) bool {
			return originAllowed(allowedOrigins, origin)
		},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-TAuth-Tenant"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		AllowWebSockets:  true,
		MaxAge:           12 * time.Hour,
	})
}

// originAllowed reports whether a cross-site origin is listed. An empty list admits no
// foreign origin; "*" must be configured explicitly to admit all of them.
func originAllowed(allowedOrigins []string, origin string) bool {
	normalized := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(origin)), "/")
	for _, allowed := range allowedOrigins {
		candidate := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(allowed)), "/")
		if candidate == "*" || candidate == normalized {
			return true
		}
	}
	return false
}
