package webhooks

import (
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/paylink/internal/idgen"
	"github.com/mbd888/paylink/internal/logging"
	"github.com/mbd888/paylink/internal/validation"
)

const maxURLLength = 2048

// Handler serves the operator routes that manage payee webhooks.
type Handler struct {
	store     Store
	allowHTTP bool // accept plain-http callbacks; development only
	now       func() time.Time
}

func NewHandler(store Store, allowHTTP bool) *Handler {
	return &Handler{store: store, allowHTTP: allowHTTP, now: time.Now}
}

// RegisterAdminRoutes mounts the routes on r, which must already require
// the admin secret.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	users := r.Group("/admin/users/:userId/webhooks")
	users.POST("", h.CreateWebhook)
	users.GET("", h.ListWebhooks)

	hooks := r.Group("/admin/webhooks/:webhookId")
	hooks.DELETE("", h.DeleteWebhook)
	hooks.POST("/enable", h.EnableWebhook)
}

// CreateWebhookRequest registers a callback. Empty Events subscribes to
// every event type.
type CreateWebhookRequest struct {
	URL    string   `json:"url" binding:"required"`
	Events []string `json:"events"`
}

func reply(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{"error": code, "message": message})
}

// parseEvents returns the first unknown name when one is present.
func parseEvents(names []string) ([]EventType, string) {
	if len(names) == 0 {
		return AllEvents, ""
	}
	out := make([]EventType, len(names))
	for i, name := range names {
		if out[i] = EventType(name); !out[i].Valid() {
			return nil, name
		}
	}
	return out, ""
}

// CreateWebhook answers with the signing secret. It is never shown again.
func (h *Handler) CreateWebhook(c *gin.Context) {
	ctx := c.Request.Context()
	userID := c.Param("userId")

	var req CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		reply(c, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	errs := validation.Validate(
		validation.MaxLength("url", req.URL, maxURLLength),
		h.callbackURL("url", req.URL),
	)
	if len(errs) > 0 {
		reply(c, http.StatusBadRequest, "validation_failed", errs.Error())
		return
	}
	events, unknown := parseEvents(req.Events)
	if unknown != "" {
		reply(c, http.StatusBadRequest, "invalid_event", "Unknown event type: "+unknown)
		return
	}

	sub := &Subscription{
		ID:        idgen.WithPrefix("wh_"),
		UserID:    userID,
		URL:       req.URL,
		Secret:    idgen.Secret(),
		Events:    events,
		Active:    true,
		CreatedAt: h.now().UTC(),
	}
	if err := h.store.Create(ctx, sub); err != nil {
		logging.L(ctx).Error("webhook create failed", "user", userID, "error", err)
		reply(c, http.StatusInternalServerError, "create_failed", "Failed to create webhook")
		return
	}
	logging.L(ctx).Info("webhook registered", "user", userID, "webhook", sub.ID, "events", len(events))

	c.JSON(http.StatusCreated, gin.H{
		"webhook": sub,
		"secret":  sub.Secret,
		"usage": gin.H{
			"signature": "hex HMAC-SHA256(body, secret)",
			"header":    HeaderSignature,
		},
	})
}

func (h *Handler) ListWebhooks(c *gin.Context) {
	subs, err := h.store.ListByUser(c.Request.Context(), c.Param("userId"))
	if err != nil {
		h.storeError(c, err, "list_failed")
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": subs, "count": len(subs)})
}

func (h *Handler) DeleteWebhook(c *gin.Context) {
	id := c.Param("webhookId")
	if err := h.store.Delete(c.Request.Context(), id); err != nil {
		h.storeError(c, err, "delete_failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted", "id": id})
}

// EnableWebhook reactivates a subscription the dispatcher disabled after
// repeated failures and clears its failure run.
func (h *Handler) EnableWebhook(c *gin.Context) {
	ctx := c.Request.Context()
	sub, err := h.store.Get(ctx, c.Param("webhookId"))
	if err == nil {
		sub.Active = true
		sub.ConsecutiveFailures = 0
		err = h.store.Update(ctx, sub)
	}
	if err != nil {
		h.storeError(c, err, "enable_failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"webhook": sub})
}

func (h *Handler) storeError(c *gin.Context, err error, code string) {
	if errors.Is(err, ErrNotFound) {
		reply(c, http.StatusNotFound, "not_found", "Webhook not found")
		return
	}
	logging.L(c.Request.Context()).Error("webhook store error", "op", code, "error", err)
	reply(c, http.StatusInternalServerError, code, "Webhook store unavailable")
}

func (h *Handler) callbackURL(field, raw string) validation.Rule {
	return func() *validation.ValidationError {
		u, err := url.Parse(raw)
		switch {
		case err != nil || !u.IsAbs() || u.Host == "":
			return &validation.ValidationError{Field: field, Message: "must be an absolute URL"}
		case u.Scheme == "https", u.Scheme == "http" && h.allowHTTP:
			return nil
		default:
			return &validation.ValidationError{Field: field, Message: "must use https"}
		}
	}
}
