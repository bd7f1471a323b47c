package http

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/robertarktes/day-dedications/internal/app"
	"github.com/robertarktes/day-dedications/internal/domain"
)

func (h *Handlers) adminActor(r *http.Request) domain.Actor {
	return domain.AdminActor(AdminFrom(r.Context()), clientIP(r))
}

func (h *Handlers) AdminListDays(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.ResourceFilter{From: q.Get("from"), To: q.Get("to")}
	if raw := q.Get("state"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			filter.States = append(filter.States, domain.State(strings.ToUpper(strings.TrimSpace(s))))
		}
	}
	days, err := h.Queries.AdminList(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, adminViews(days))
}

func (h *Handlers) AdminGetDay(w http.ResponseWriter, r *http.Request) {
	day, err := h.Queries.AdminDay(r.Context(), chi.URLParam(r, "date"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, adminView(day))
}

func (h *Handlers) CreateAdminHold(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Note string `json:"note"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	day, err := h.Reservations.CreateAdminHold(r.Context(), app.AdminHoldInput{
		Key:   chi.URLParam(r, "date"),
		Note:  req.Note,
		Actor: h.adminActor(r),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, adminView(day))
}

func (h *Handlers) ReleaseAdminHold(w http.ResponseWriter, r *http.Request) {
	day, err := h.Reservations.ReleaseAdminHold(r.Context(), app.ReleaseAdminHoldInput{
		Key:   chi.URLParam(r, "date"),
		Actor: h.adminActor(r),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, adminView(day))
}

func (h *Handlers) EditDedication(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	day, err := h.Reservations.EditDedicationText(r.Context(), app.EditDedicationInput{
		Key:   chi.URLParam(r, "date"),
		Text:  req.Text,
		Actor: h.adminActor(r),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, adminView(day))
}

func (h *Handlers) Refund(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason             string `json:"reason"`
		RestoreToAvailable bool   `json:"restore_to_available"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	out, err := h.Refunds.Refund(r.Context(), app.RefundInput{
		Key:                chi.URLParam(r, "date"),
		Reason:             req.Reason,
		RestoreToAvailable: req.RestoreToAvailable,
		Actor:              h.adminActor(r),
		AttemptID:          middleware.GetReqID(r.Context()),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"refund_id":     out.RefundID,
		"refund_status": out.Status,
		"day":           adminView(out.Day),
	})
}

func (h *Handlers) AuditLog(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	offset, err := intParam(q.Get("offset"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	entries, err := h.Queries.AuditLog(r.Context(), app.AuditQuery{
		Key:    q.Get("date"),
		Action: domain.AuditAction(strings.ToUpper(q.Get("action"))),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, auditViews(entries))
}

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.Wrapf(domain.ErrBadRequest, "%q is not a number", raw)
	}
	return n, nil
}

var exportHeader = []string{
	"date", "state", "order_ref", "amount_paid", "paid_at", "payment_ref",
	"buyer_name", "buyer_email", "buyer_phone", "contact_opt_in", "country",
	"dedication_text", "admin_note",
}

// Export streams every non-available day as CSV.
func (h *Handlers) Export(w http.ResponseWriter, r *http.Request) {
	days, err := h.Queries.Export(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	_ = cw.Write(exportHeader)
	for _, d := range days {
		v := adminView(d)
		row := []string{v.Date, string(v.State), v.OrderRef, "", "", v.PaymentRef, "", "", "", "", "", "", v.AdminNote}
		if v.AmountPaid > 0 {
			row[3] = strconv.FormatInt(v.AmountPaid, 10)
		}
		if v.PaidAt != nil {
			row[4] = v.PaidAt.Format(time.RFC3339)
		}
		if b := d.Buyer; b != nil {
			row[6], row[7], row[8] = b.Name, b.Email, b.Phone
			row[9] = strconv.FormatBool(b.ContactOptIn)
			row[10] = b.BillingAddress.Country
			row[11] = b.DedicationText
		}
		for i := range row {
			row[i] = csvSafe(row[i])
		}
		_ = cw.Write(row)
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		h.writeError(w, r, errors.Wrap(err, "write csv"))
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="days-`+h.Clock.Now().Format(domain.KeyLayout)+`.csv"`)
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

// csvSafe stops spreadsheet applications from evaluating buyer input.
func csvSafe(s string) string {
	if s != "" && strings.ContainsRune("=+-@\t\r", rune(s[0])) {
		return "'" + s
	}
	return s
}

func (h *Handlers) AdminSettings(w http.ResponseWriter, r *http.Request) {
	s, err := h.Settings.Get(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settingsViewOf(s))
}

func (h *Handlers) PatchSettings(w http.ResponseWriter, r *http.Request) {
	var raw map[string]json.RawMessage
	if err := decodeJSON(w, r, &raw); err != nil {
		h.writeError(w, r, err)
		return
	}
	patch, err := parseSettingsPatch(raw)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	s, err := h.Settings.Patch(r.Context(), patch, h.adminActor(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settingsViewOf(s))
}

// parseSettingsPatch distinguishes an absent field from an explicit null,
// which clears a sales window bound.
func parseSettingsPatch(raw map[string]json.RawMessage) (domain.SettingsPatch, error) {
	var p domain.SettingsPatch
	for k, v := range raw {
		var err error
		null := string(v) == "null"
		switch k {
		case "price_cents":
			p.PriceCents = new(int64)
			err = json.Unmarshal(v, p.PriceCents)
		case "sales_start":
			if null {
				p.ClearSalesStart = true
				continue
			}
			p.SalesStart = new(time.Time)
			err = json.Unmarshal(v, p.SalesStart)
		case "sales_end":
			if null {
				p.ClearSalesEnd = true
				continue
			}
			p.SalesEnd = new(time.Time)
			err = json.Unmarshal(v, p.SalesEnd)
		case "dedication_required":
			p.DedicationRequired = new(bool)
			err = json.Unmarshal(v, p.DedicationRequired)
		case "emojis_allowed":
			p.EmojisAllowed = new(bool)
			err = json.Unmarshal(v, p.EmojisAllowed)
		case "notification_email":
			p.NotificationEmail = new(string)
			err = json.Unmarshal(v, p.NotificationEmail)
		default:
			return p, errors.Wrapf(domain.ErrBadRequest, "unknown setting %q", k)
		}
		if err != nil || (null && k != "sales_start" && k != "sales_end") {
			return p, errors.Wrapf(domain.ErrBadRequest, "invalid value for %s", k)
		}
	}
	return p, nil
}

func (h *Handlers) PaymentEvents(w http.ResponseWriter, r *http.Request) {
	if h.Events == nil {
		h.writeError(w, r, errors.Wrap(domain.ErrNotFound, "gateway event log not configured"))
		return
	}
	docs, err := h.Events.ByPaymentRef(r.Context(), chi.URLParam(r, "paymentRef"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, docs)
}
