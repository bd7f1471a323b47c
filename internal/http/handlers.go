package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/robertarktes/day-dedications/internal/adapters/gateway"
	"github.com/robertarktes/day-dedications/internal/adapters/mongo"
	"github.com/robertarktes/day-dedications/internal/app"
	"github.com/robertarktes/day-dedications/internal/clock"
	"github.com/robertarktes/day-dedications/internal/domain"
	"github.com/robertarktes/day-dedications/internal/idempotency"
	"github.com/robertarktes/day-dedications/internal/observability"
)

type Reservations interface {
	CreateHold(ctx context.Context, in app.CreateHoldInput) (app.HoldGrant, error)
	ReleaseHold(ctx context.Context, in app.ReleaseHoldInput) error
	SubmitCheckout(ctx context.Context, in app.SubmitCheckoutInput) error
	CreateAdminHold(ctx context.Context, in app.AdminHoldInput) (domain.Resource, error)
	ReleaseAdminHold(ctx context.Context, in app.ReleaseAdminHoldInput) (domain.Resource, error)
	EditDedicationText(ctx context.Context, in app.EditDedicationInput) (domain.Resource, error)
}

type Reconciler interface {
	HandleEvent(ctx context.Context, ev domain.GatewayEvent) (string, error)
}

type Refunds interface {
	Refund(ctx context.Context, in app.RefundInput) (app.RefundOutcome, error)
}

type Settings interface {
	Get(ctx context.Context) (domain.Settings, error)
	Public(ctx context.Context) (app.PublicSettings, error)
	Patch(ctx context.Context, patch domain.SettingsPatch, actor domain.Actor) (domain.Settings, error)
}

type Queries interface {
	PublicCalendar(ctx context.Context, from, to string) ([]domain.PublicDay, error)
	PublicDay(ctx context.Context, key string) (domain.PublicDay, error)
	CheckoutStatus(ctx context.Context, paymentRef string) (domain.CheckoutStatus, error)
	AdminList(ctx context.Context, filter domain.ResourceFilter) ([]domain.Resource, error)
	AdminDay(ctx context.Context, key string) (domain.Resource, error)
	Export(ctx context.Context) ([]domain.Resource, error)
	AuditLog(ctx context.Context, q app.AuditQuery) ([]domain.AuditEntry, error)
}

type EventHistory interface {
	ByPaymentRef(ctx context.Context, paymentRef string) ([]mongo.GatewayEventDoc, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Reservations Reservations
	Reconciler   Reconciler
	Refunds      Refunds
	Settings     Settings
	Queries      Queries
	// Events and Idempotency are optional.
	Events      EventHistory
	Idempotency *idempotency.Idempotency

	Clock              clock.Clock
	WebhookSecret      string
	SignatureTolerance time.Duration
	Ready              map[string]Pinger
}

type Handlers struct {
	Deps
	logger observability.Logger
}

func NewHandlers(d Deps, logger observability.Logger) *Handlers {
	if d.Clock == nil {
		d.Clock = clock.NewSystem()
	}
	if d.SignatureTolerance == 0 {
		d.SignatureTolerance = gateway.DefaultTolerance
	}
	return &Handlers{Deps: d, logger: logger}
}

func (h *Handlers) ListDays(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	days, err := h.Queries.PublicCalendar(r.Context(), q.Get("from"), q.Get("to"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, days)
}

func (h *Handlers) GetDay(w http.ResponseWriter, r *http.Request) {
	day, err := h.Queries.PublicDay(r.Context(), chi.URLParam(r, "date"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, day)
}

// CreateHold replays the first response when the same client repeats an
// Idempotency-Key for the same day.
func (h *Handlers) CreateHold(w http.ResponseWriter, r *http.Request) {
	idemKey := r.Header.Get("Idempotency-Key")
	if idemKey == "" || h.Idempotency == nil {
		h.createHold(w, r)
		return
	}
	resp, replayed, err := h.Idempotency.Do(r.Context(), "hold:"+chi.URLParam(r, "date")+":"+clientIP(r), idemKey, func() idempotency.Response {
		buf := newBufferedResponse()
		h.createHold(buf, r)
		return buf.response()
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	replay(w, resp, replayed)
}

func (h *Handlers) createHold(w http.ResponseWriter, r *http.Request) {
	grant, err := h.Reservations.CreateHold(r.Context(), app.CreateHoldInput{
		Key:   chi.URLParam(r, "date"),
		Actor: domain.CustomerActor(clientIP(r)),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, grant)
}

// ReleaseHold always answers 204; browsers send it as a beacon on unload and
// never read the response. The token may come as JSON, plain text or a query
// parameter.
func (h *Handlers) ReleaseHold(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		body, err := readBody(w, r, 4<<10)
		if err == nil {
			token = tokenFromBody(body)
		}
	}
	err := h.Reservations.ReleaseHold(r.Context(), app.ReleaseHoldInput{
		Key:   chi.URLParam(r, "date"),
		Token: token,
		Actor: domain.CustomerActor(clientIP(r)),
	})
	if err != nil {
		observability.LoggerFrom(r.Context(), h.logger).WithError(err).Warn("release hold failed")
	}
	w.WriteHeader(http.StatusNoContent)
}

func tokenFromBody(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "{") {
		var req struct {
			Token string `json:"token"`
		}
		if json.Unmarshal(body, &req) == nil {
			return req.Token
		}
		return ""
	}
	return trimmed
}

type checkoutRequest struct {
	Token      string       `json:"token"`
	PaymentRef string       `json:"payment_ref"`
	Buyer      domain.Buyer `json:"buyer"`
}

func (h *Handlers) SubmitCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	err := h.Reservations.SubmitCheckout(r.Context(), app.SubmitCheckoutInput{
		Key:        chi.URLParam(r, "date"),
		Token:      req.Token,
		PaymentRef: req.PaymentRef,
		Buyer:      req.Buyer,
		Actor:      domain.CustomerActor(clientIP(r)),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) CheckoutStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.Queries.CheckoutStatus(r.Context(), chi.URLParam(r, "paymentRef"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handlers) PublicSettings(w http.ResponseWriter, r *http.Request) {
	s, err := h.Settings.Public(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// GatewayWebhook verifies, parses and applies one gateway event. Any non-2xx
// answer makes the gateway redeliver.
func (h *Handlers) GatewayWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r, 1<<20)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := gateway.VerifySignature(h.WebhookSecret, r.Header.Get(gateway.SignatureHeader), body, h.Clock.Now(), h.SignatureTolerance); err != nil {
		h.writeError(w, r, err)
		return
	}
	ev, err := gateway.ParseEvent(body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	outcome, err := h.Reconciler.HandleEvent(r.Context(), ev)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"received": true, "outcome": outcome})
}

func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// Readyz pings every dependency and lists the ones that failed.
func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	failed := map[string]string{}
	for name, p := range h.Ready {
		if err := p.Ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"ready": false, "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ready": true})
}
