// Package api exposes the broadcast HTTP surface: create, send, query and
// release broadcasts, plus message resend.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/broadcast-service/internal/broadcasts"
	"github.com/example/broadcast-service/internal/channels"
	"github.com/example/broadcast-service/internal/common"
	"github.com/example/broadcast-service/internal/contacts"
	"github.com/example/broadcast-service/internal/msgs"
	"github.com/example/broadcast-service/internal/orgs"
	"github.com/example/broadcast-service/internal/urns"
)

var (
	reqCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "api_requests_total",
		Help: "API requests by route and status",
	}, []string{"route", "status"})
	requestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "api_request_duration_seconds",
		Help:    "API request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
)

type broadcastRepo interface {
	Insert(ctx context.Context, b *broadcasts.Broadcast) error
	Get(ctx context.Context, id string) (*broadcasts.Broadcast, error)
	Release(ctx context.Context, id string) error
}

type broadcastSender interface {
	Send(ctx context.Context, org *orgs.Org, chs []*channels.Channel, bcast *broadcasts.Broadcast) error
}

type estimator interface {
	Estimate(ctx context.Context, bcast *broadcasts.Broadcast) (int, error)
}

type msgCounts interface {
	Get(ctx context.Context, broadcastID string) (int, error)
}

type orgLoader interface {
	Get(ctx context.Context, id string) (*orgs.Org, error)
}

type channelLister interface {
	ListActive(ctx context.Context, orgID string) ([]*channels.Channel, error)
}

type msgService interface {
	Resend(ctx context.Context, m *msgs.Msg) (*msgs.Msg, error)
	ReleaseByBroadcast(ctx context.Context, broadcastID string) (int, error)
	Release(ctx context.Context, m *msgs.Msg) error
	Delete(ctx context.Context, m *msgs.Msg) error
}

type contactStore interface {
	GetOrCreateByURN(ctx context.Context, orgID string, urn urns.URN) (*contacts.Contact, *contacts.ContactURN, error)
	InsertGroup(ctx context.Context, g *contacts.Group) error
	AddToGroup(ctx context.Context, groupID, contactID string) error
}

type msgGetter interface {
	GetMsg(ctx context.Context, id string) (*msgs.Msg, error)
}

type Handler struct {
	repo     broadcastRepo
	sender   broadcastSender
	builder  estimator
	counts   msgCounts
	orgs     orgLoader
	channels channelLister
	msgs     msgGetter
	msgSvc   msgService
	contacts contactStore
	tracer   trace.Tracer
	logger   zerolog.Logger
}

func NewHandler(
	repo broadcastRepo,
	sender broadcastSender,
	builder estimator,
	counts msgCounts,
	orgLoader orgLoader,
	channelLister channelLister,
	msgGetter msgGetter,
	msgSvc msgService,
	contactStore contactStore,
	logger zerolog.Logger,
) *Handler {
	return &Handler{
		repo: repo, sender: sender, builder: builder, counts: counts,
		orgs: orgLoader, channels: channelLister, msgs: msgGetter,
		msgSvc: msgSvc, contacts: contactStore,
		tracer: otel.Tracer("api"), logger: logger,
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Post("/v1/broadcasts", h.createBroadcast)
	r.Post("/v1/broadcasts/{id}/send", h.sendBroadcast)
	r.Get("/v1/broadcasts/{id}", h.getBroadcast)
	r.Delete("/v1/broadcasts/{id}", h.releaseBroadcast)
	r.Post("/v1/msgs/{id}/resend", h.resendMsg)
	r.Delete("/v1/msgs/{id}", h.releaseMsg)
	r.Post("/v1/contacts", h.createContact)
	r.Post("/v1/groups", h.createGroup)
	r.Post("/v1/groups/{id}/contacts", h.addGroupContact)
	return r
}

type createRequest struct {
	Text         map[string]string   `json:"text"`
	BaseLanguage string              `json:"base_language"`
	Media        map[string][]string `json:"media,omitempty"`
	QuickReplies map[string][]string `json:"quick_replies,omitempty"`
	GroupIDs     []string            `json:"group_ids,omitempty"`
	ContactIDs   []string            `json:"contact_ids,omitempty"`
	URNIDs       []string            `json:"urn_ids,omitempty"`
	ChannelID    *string             `json:"channel_id,omitempty"`
	ResponseToID *string             `json:"response_to_id,omitempty"`
	SendAll      bool                `json:"send_all,omitempty"`
}

type broadcastResponse struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	RecipientCount int    `json:"recipient_count"`
	MsgCount       int    `json:"msg_count,omitempty"`
}

func (h *Handler) createBroadcast(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "create_broadcast")
	defer span.End()
	start := time.Now()

	orgID := r.Header.Get("x-org-id")
	if orgID == "" {
		h.respondErr(ctx, w, "create", http.StatusBadRequest, errors.New("missing x-org-id header"))
		return
	}

	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondErr(ctx, w, "create", http.StatusBadRequest, err)
		return
	}

	bcast := &broadcasts.Broadcast{
		OrgID:        orgID,
		Text:         req.Text,
		BaseLanguage: req.BaseLanguage,
		Media:        req.Media,
		QuickReplies: req.QuickReplies,
		GroupIDs:     req.GroupIDs,
		ContactIDs:   req.ContactIDs,
		URNIDs:       req.URNIDs,
		ChannelID:    req.ChannelID,
		ResponseToID: req.ResponseToID,
		SendAll:      req.SendAll,
	}
	if err := bcast.Validate(); err != nil {
		h.respondErr(ctx, w, "create", http.StatusBadRequest, err)
		return
	}

	// cheap estimate at creation time; Send computes the real count
	estimate, err := h.builder.Estimate(ctx, bcast)
	if err != nil {
		h.respondErr(ctx, w, "create", http.StatusInternalServerError, err)
		return
	}
	bcast.RecipientCount = estimate

	if err := h.repo.Insert(ctx, bcast); err != nil {
		h.respondErr(ctx, w, "create", http.StatusInternalServerError, err)
		return
	}
	span.SetAttributes(attribute.String("broadcast.id", bcast.ID))

	reqCounter.WithLabelValues("create", "ok").Inc()
	requestLatency.WithLabelValues("create").Observe(time.Since(start).Seconds())

	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(broadcastResponse{
		ID:             bcast.ID,
		Status:         string(bcast.Status),
		RecipientCount: bcast.RecipientCount,
	})
}

func (h *Handler) sendBroadcast(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "send_broadcast")
	defer span.End()
	start := time.Now()

	id := chi.URLParam(r, "id")
	span.SetAttributes(attribute.String("broadcast.id", id))

	bcast, err := h.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, broadcasts.ErrNotFound) {
			h.respondErr(ctx, w, "send", http.StatusNotFound, err)
			return
		}
		h.respondErr(ctx, w, "send", http.StatusInternalServerError, err)
		return
	}

	org, err := h.orgs.Get(ctx, bcast.OrgID)
	if err != nil {
		h.respondErr(ctx, w, "send", http.StatusInternalServerError, err)
		return
	}
	if org.IsSuspended {
		h.respondErr(ctx, w, "send", http.StatusForbidden, errors.New("org is suspended"))
		return
	}

	chs, err := h.channels.ListActive(ctx, bcast.OrgID)
	if err != nil {
		h.respondErr(ctx, w, "send", http.StatusInternalServerError, err)
		return
	}

	if err := h.sender.Send(ctx, org, chs, bcast); err != nil {
		if errors.Is(err, broadcasts.ErrDuplicateBroadcast) || errors.Is(err, broadcasts.ErrAlreadySent) {
			h.respondErr(ctx, w, "send", http.StatusConflict, err)
			return
		}
		h.respondErr(ctx, w, "send", http.StatusInternalServerError, err)
		return
	}

	reqCounter.WithLabelValues("send", "ok").Inc()
	requestLatency.WithLabelValues("send").Observe(time.Since(start).Seconds())

	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(broadcastResponse{
		ID:             bcast.ID,
		Status:         string(bcast.Status),
		RecipientCount: bcast.RecipientCount,
	})
}

func (h *Handler) getBroadcast(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "get_broadcast")
	defer span.End()

	id := chi.URLParam(r, "id")
	bcast, err := h.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, broadcasts.ErrNotFound) {
			h.respondErr(ctx, w, "get", http.StatusNotFound, err)
			return
		}
		h.respondErr(ctx, w, "get", http.StatusInternalServerError, err)
		return
	}

	msgCount, err := h.counts.Get(ctx, id)
	if err != nil {
		h.respondErr(ctx, w, "get", http.StatusInternalServerError, err)
		return
	}

	reqCounter.WithLabelValues("get", "ok").Inc()
	_ = json.NewEncoder(w).Encode(broadcastResponse{
		ID:             bcast.ID,
		Status:         string(bcast.Status),
		RecipientCount: bcast.RecipientCount,
		MsgCount:       msgCount,
	})
}

func (h *Handler) releaseBroadcast(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "release_broadcast")
	defer span.End()

	id := chi.URLParam(r, "id")
	if _, err := h.repo.Get(ctx, id); err != nil {
		if errors.Is(err, broadcasts.ErrNotFound) {
			h.respondErr(ctx, w, "release", http.StatusNotFound, err)
			return
		}
		h.respondErr(ctx, w, "release", http.StatusInternalServerError, err)
		return
	}

	if err := h.repo.Release(ctx, id); err != nil {
		h.respondErr(ctx, w, "release", http.StatusInternalServerError, err)
		return
	}

	// created messages go with the broadcast; anything already handed to the
	// courier is past recall
	released, err := h.msgSvc.ReleaseByBroadcast(ctx, id)
	if err != nil {
		h.respondErr(ctx, w, "release", http.StatusInternalServerError, err)
		return
	}
	span.SetAttributes(attribute.Int("msgs.released", released))

	reqCounter.WithLabelValues("release", "ok").Inc()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) resendMsg(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "resend_msg")
	defer span.End()

	id := chi.URLParam(r, "id")
	m, err := h.msgs.GetMsg(ctx, id)
	if err != nil {
		if errors.Is(err, msgs.ErrNotFound) {
			h.respondErr(ctx, w, "resend", http.StatusNotFound, err)
			return
		}
		h.respondErr(ctx, w, "resend", http.StatusInternalServerError, err)
		return
	}

	clone, err := h.msgSvc.Resend(ctx, m)
	if err != nil {
		h.respondErr(ctx, w, "resend", http.StatusInternalServerError, err)
		return
	}

	reqCounter.WithLabelValues("resend", "ok").Inc()
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]string{"msg_id": clone.ID})
}

func (h *Handler) releaseMsg(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "release_msg")
	defer span.End()

	id := chi.URLParam(r, "id")
	m, err := h.msgs.GetMsg(ctx, id)
	if err != nil {
		if errors.Is(err, msgs.ErrNotFound) {
			h.respondErr(ctx, w, "release_msg", http.StatusNotFound, err)
			return
		}
		h.respondErr(ctx, w, "release_msg", http.StatusInternalServerError, err)
		return
	}

	if r.URL.Query().Get("permanent") == "true" {
		err = h.msgSvc.Delete(ctx, m)
	} else {
		err = h.msgSvc.Release(ctx, m)
	}
	if err != nil {
		h.respondErr(ctx, w, "release_msg", http.StatusInternalServerError, err)
		return
	}

	reqCounter.WithLabelValues("release_msg", "ok").Inc()
	w.WriteHeader(http.StatusNoContent)
}

type createContactRequest struct {
	URN string `json:"urn"`
}

func (h *Handler) createContact(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "create_contact")
	defer span.End()

	orgID := r.Header.Get("x-org-id")
	if orgID == "" {
		h.respondErr(ctx, w, "create_contact", http.StatusBadRequest, errors.New("missing x-org-id header"))
		return
	}

	var req createContactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondErr(ctx, w, "create_contact", http.StatusBadRequest, err)
		return
	}
	urn, err := urns.Parse(req.URN)
	if err != nil {
		h.respondErr(ctx, w, "create_contact", http.StatusBadRequest, err)
		return
	}

	contact, contactURN, err := h.contacts.GetOrCreateByURN(ctx, orgID, urn)
	if err != nil {
		h.respondErr(ctx, w, "create_contact", http.StatusInternalServerError, err)
		return
	}

	reqCounter.WithLabelValues("create_contact", "ok").Inc()
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"contact_id": contact.ID,
		"urn_id":     contactURN.ID,
	})
}

type createGroupRequest struct {
	Name string `json:"name"`
}

func (h *Handler) createGroup(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "create_group")
	defer span.End()

	orgID := r.Header.Get("x-org-id")
	if orgID == "" {
		h.respondErr(ctx, w, "create_group", http.StatusBadRequest, errors.New("missing x-org-id header"))
		return
	}

	var req createGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		h.respondErr(ctx, w, "create_group", http.StatusBadRequest, errors.New("group name is required"))
		return
	}

	group := &contacts.Group{OrgID: orgID, Name: req.Name}
	if err := h.contacts.InsertGroup(ctx, group); err != nil {
		h.respondErr(ctx, w, "create_group", http.StatusInternalServerError, err)
		return
	}

	reqCounter.WithLabelValues("create_group", "ok").Inc()
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]string{"id": group.ID})
}

type addGroupContactRequest struct {
	ContactID string `json:"contact_id"`
}

func (h *Handler) addGroupContact(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "add_group_contact")
	defer span.End()

	var req addGroupContactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ContactID == "" {
		h.respondErr(ctx, w, "add_group_contact", http.StatusBadRequest, errors.New("contact_id is required"))
		return
	}

	if err := h.contacts.AddToGroup(ctx, chi.URLParam(r, "id"), req.ContactID); err != nil {
		h.respondErr(ctx, w, "add_group_contact", http.StatusInternalServerError, err)
		return
	}

	reqCounter.WithLabelValues("add_group_contact", "ok").Inc()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) respondErr(ctx context.Context, w http.ResponseWriter, route string, status int, err error) {
	logger := common.WithContext(ctx, h.logger)
	logger.Error().Err(err).Int("status", status).Str("route", route).Msg("api request failed")
	reqCounter.WithLabelValues(route, http.StatusText(status)).Inc()
	http.Error(w, err.Error(), status)
}
