// Package webhook receives courier callbacks over HTTP, normalizes them into
// status events and republishes them on the status topic. It never touches the
// database; the status worker owns all state changes.
package webhook

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
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/broadcast-service/internal/common"
	"github.com/example/broadcast-service/internal/statusevents"
)

var (
	callbackCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_callbacks_total",
		Help: "Courier callbacks processed",
	}, []string{"kind", "status"})
)

type Server struct {
	Producer *kafka.Writer
	Logger   zerolog.Logger
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Post("/c/{org}/{channel}/status", s.status)
	r.Post("/c/{org}/{channel}/receive", s.receive)
	return r
}

// statusPayload is what delivery workers post back. One of msg_id or
// external_id identifies the message.
type statusPayload struct {
	MsgID      string `json:"msg_id"`
	ExternalID string `json:"external_id"`
	Status     string `json:"status"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("webhook").Start(r.Context(), "courier-status")
	defer span.End()

	orgID := chi.URLParam(r, "org")
	channelID := chi.URLParam(r, "channel")

	var payload statusPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.respondErr(ctx, w, "status", http.StatusBadRequest, err)
		return
	}

	eventType, ok := statusTypes[payload.Status]
	if !ok {
		s.respondErr(ctx, w, "status", http.StatusBadRequest, errors.New("unknown status "+payload.Status))
		return
	}
	if payload.MsgID == "" && payload.ExternalID == "" {
		s.respondErr(ctx, w, "status", http.StatusBadRequest, errors.New("msg_id or external_id required"))
		return
	}

	ev := statusevents.Event{
		Type:       eventType,
		OrgID:      orgID,
		ChannelID:  channelID,
		MsgID:      payload.MsgID,
		ExternalID: payload.ExternalID,
		OccurredOn: time.Now().UTC(),
	}
	span.SetAttributes(
		attribute.String("event.type", ev.Type),
		attribute.String("channel.id", channelID),
	)

	if err := s.publish(ctx, ev); err != nil {
		s.respondErr(ctx, w, "status", http.StatusInternalServerError, err)
		return
	}
	callbackCounter.WithLabelValues("status", "ok").Inc()
	w.WriteHeader(http.StatusAccepted)
}

// statusTypes maps the courier's status vocabulary onto event types.
var statusTypes = map[string]string{
	"sent":      statusevents.TypeSent,
	"delivered": statusevents.TypeDelivered,
	"errored":   statusevents.TypeErrored,
	"failed":    statusevents.TypeFailed,
}

type receivePayload struct {
	From string `json:"from"`
	Text string `json:"text"`
}

func (s *Server) receive(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("webhook").Start(r.Context(), "courier-receive")
	defer span.End()

	orgID := chi.URLParam(r, "org")
	channelID := chi.URLParam(r, "channel")

	var payload receivePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.respondErr(ctx, w, "receive", http.StatusBadRequest, err)
		return
	}
	if payload.From == "" {
		s.respondErr(ctx, w, "receive", http.StatusBadRequest, errors.New("from is required"))
		return
	}

	ev := statusevents.Event{
		Type:       statusevents.TypeReceived,
		OrgID:      orgID,
		ChannelID:  channelID,
		URN:        payload.From,
		Text:       payload.Text,
		OccurredOn: time.Now().UTC(),
	}
	span.SetAttributes(attribute.String("channel.id", channelID))

	if err := s.publish(ctx, ev); err != nil {
		s.respondErr(ctx, w, "receive", http.StatusInternalServerError, err)
		return
	}
	callbackCounter.WithLabelValues("receive", "ok").Inc()
	w.WriteHeader(http.StatusAccepted)
}

// publish keys by channel so one channel's callbacks stay ordered.
func (s *Server) publish(ctx context.Context, ev statusevents.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.Producer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.ChannelID),
		Value: body,
	})
}

func (s *Server) respondErr(ctx context.Context, w http.ResponseWriter, kind string, status int, err error) {
	logger := common.WithContext(ctx, s.Logger)
	logger.Error().Err(err).Int("status", status).Msg("webhook handler error")
	callbackCounter.WithLabelValues(kind, "error").Inc()
	http.Error(w, err.Error(), status)
}
