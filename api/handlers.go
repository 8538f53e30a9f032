/*
handlers.go - HTTP API handlers for the points ledger

PURPOSE:
  Exposes the ledger, the rewards awarder and reconciliation via REST.
  Handlers parse and check input, call one ledger operation and translate
  the result or error. No balance arithmetic happens here.

ENDPOINTS:
  Public:
    GET    /api/points/levels                    Level table

  Caller (any role):
    GET    /api/points/me                        Own balance
    GET    /api/points/me/transactions           Own history
    POST   /api/points/me/use                    Spend own points
    GET    /api/points/ranking                   Top users by lifetime points
    GET    /api/points/statistics/levels         Users per level
    GET    /api/points/statistics/total          Totals and average

  Service or admin:
    POST   /api/points/credit                    Credit a user
    POST   /api/points/activities                Apply a community event

  Admin:
    POST   /api/admin/points/adjust              Grant or deduct with a reason
    GET    /api/admin/points/users/level/{level} Users at a level or higher
    GET    /api/admin/points/users/{id}          Any user's balance
    GET    /api/admin/points/users/{id}/transactions
    POST   /api/admin/points/users/{id}/reconcile?repair=true
    GET    /api/admin/points/reconciliation/runs
    POST   /api/admin/points/reconciliation/run
    GET    /api/admin/points/scenarios           Demo scenarios (scenarios.go)
    POST   /api/admin/points/scenarios/load

ERROR HANDLING:
  - 400: Invalid amount, type, user id, level, query or activity event
  - 404: User not found
  - 409: Duplicate idempotency key (body carries the original entry)
  - 422: Insufficient points, self actions
  - 501: Store lacks statistics support
  - 503: Lock timeout or repeated version conflicts (Retry-After: 1)
  - 500: Anything else

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - points/errors.go: Error taxonomy
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/warp/points-ledger/points"
	"github.com/warp/points-ledger/rewards"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

type Handler struct {
	Ledger    *points.Ledger
	Awarder   *rewards.Awarder
	Scheduler *ReconciliationScheduler

	log logrus.FieldLogger
}

// NewHandler wires the handler. scheduler may be nil; the run endpoints
// then answer 501.
func NewHandler(ledger *points.Ledger, awarder *rewards.Awarder, scheduler *ReconciliationScheduler, log logrus.FieldLogger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{
		Ledger:    ledger,
		Awarder:   awarder,
		Scheduler: scheduler,
		log:       log.WithField("component", "api"),
	}
}

// =============================================================================
// HEALTH & LEVELS
// =============================================================================

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetLevels returns the level table.
// GET /api/points/levels
func (h *Handler) GetLevels(w http.ResponseWriter, r *http.Request) {
	levels := h.Ledger.Levels()
	dtos := make([]LevelDTO, len(levels))
	for i, l := range levels {
		dtos[i] = toLevelDTO(l)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// CALLER ENDPOINTS
// =============================================================================

// GetMyBalance returns the caller's balance. Users with no history get
// the zero balance.
// GET /api/points/me
func (h *Handler) GetMyBalance(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())
	view, err := h.Ledger.Balance(r.Context(), caller.UserID)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(view))
}

// GetMyTransactions returns the caller's history.
// GET /api/points/me/transactions?from=&to=&type=&limit=&offset=
func (h *Handler) GetMyTransactions(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())
	h.writeHistory(w, r, caller.UserID)
}

// UsePoints spends the caller's available points.
// POST /api/points/me/use
func (h *Handler) UsePoints(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())

	var req UsePointsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	res, err := h.Ledger.Spend(r.Context(), points.SpendRequest{
		UserID:         caller.UserID,
		Points:         req.Points,
		ReferenceID:    req.ReferenceID,
		ReferenceType:  req.ReferenceType,
		Description:    req.Description,
		IdempotencyKey: idempotencyKey(r, req.IdempotencyKey),
	})
	h.writeResult(w, r, res, err)
}

// GetRanking lists users by lifetime points.
// GET /api/points/ranking?limit=&offset=
func (h *Handler) GetRanking(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := paging(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid paging", err)
		return
	}
	ranked, err := h.Ledger.Ranking(r.Context(), limit, offset)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	q := points.HistoryQuery{Limit: limit, Offset: offset}.Normalize()
	writeJSON(w, http.StatusOK, RankingResponse{Ranking: toRankingDTOs(ranked), Limit: q.Limit, Offset: q.Offset})
}

// GET /api/points/statistics/levels
func (h *Handler) GetLevelStatistics(w http.ResponseWriter, r *http.Request) {
	counts, err := h.Ledger.LevelCounts(r.Context())
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	dtos := make([]LevelCountDTO, len(counts))
	for i, c := range counts {
		dtos[i] = LevelCountDTO{Level: toLevelDTO(c.Level), Users: c.Users}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GET /api/points/statistics/total
func (h *Handler) GetTotalStatistics(w http.ResponseWriter, r *http.Request) {
	st, err := h.Ledger.Statistics(r.Context())
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, StatisticsDTO{
		Users:           st.Users,
		TotalPoints:     st.TotalPoints,
		AvailablePoints: st.AvailablePoints,
		AveragePoints:   st.AveragePoints,
	})
}

// =============================================================================
// SERVICE ENDPOINTS
// =============================================================================

// Credit awards points on behalf of another service. A zero amount means
// the type's default.
// POST /api/points/credit
func (h *Handler) Credit(w http.ResponseWriter, r *http.Request) {
	var req CreditRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if !validBodyUserID(w, req.UserID) {
		return
	}
	txType, err := points.ParseTransactionType(req.Type)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	amount := req.Points
	if amount == 0 {
		amount = txType.DefaultPoints()
	}

	res, err := h.Ledger.Credit(r.Context(), points.CreditRequest{
		UserID:         req.UserID,
		Points:         amount,
		Type:           txType,
		ReferenceID:    req.ReferenceID,
		ReferenceType:  req.ReferenceType,
		Description:    req.Description,
		IdempotencyKey: idempotencyKey(r, req.IdempotencyKey),
	})
	h.writeResult(w, r, res, err)
}

// PostActivity applies a community event through the rewards catalog.
// POST /api/points/activities
func (h *Handler) PostActivity(w http.ResponseWriter, r *http.Request) {
	var ev rewards.ActivityEvent
	if err := decodeJSON(w, r, &ev); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if ev.EventID == "" {
		ev.EventID = r.Header.Get("Idempotency-Key")
	}
	res, err := h.Awarder.Handle(r.Context(), ev)
	h.writeResult(w, r, res, err)
}

// =============================================================================
// ADMIN ENDPOINTS
// =============================================================================

// AdjustPoints applies a signed admin adjustment. The admin id is the caller.
// POST /api/admin/points/adjust
func (h *Handler) AdjustPoints(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())

	var req AdjustRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if !validBodyUserID(w, req.UserID) {
		return
	}

	res, err := h.Ledger.AdminAdjust(r.Context(), points.AdjustRequest{
		UserID:         req.UserID,
		AdminID:        caller.UserID,
		Points:         req.Points,
		Reason:         req.Reason,
		IdempotencyKey: idempotencyKey(r, req.IdempotencyKey),
	})
	if err == nil {
		h.log.WithFields(logrus.Fields{
			"admin_id": caller.UserID,
			"user_id":  req.UserID,
			"points":   res.Entry.Points,
			"reason":   req.Reason,
		}).Info("admin adjustment applied")
	}
	h.writeResult(w, r, res, err)
}

// GetUsersByLevel lists users at the given level or higher, highest total first.
// GET /api/admin/points/users/level/{level}?limit=&offset=
func (h *Handler) GetUsersByLevel(w http.ResponseWriter, r *http.Request) {
	level, err := strconv.Atoi(chi.URLParam(r, "level"))
	if err != nil || level < 1 {
		writeError(w, http.StatusBadRequest, "Invalid level", fmt.Errorf("level must be a positive integer, got %q", chi.URLParam(r, "level")))
		return
	}
	limit, offset, err := paging(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid paging", err)
		return
	}
	users, err := h.Ledger.UsersByLevel(r.Context(), level, limit, offset)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	q := points.HistoryQuery{Limit: limit, Offset: offset}.Normalize()
	writeJSON(w, http.StatusOK, UsersByLevelResponse{
		MinLevel: level,
		Users:    toRankingDTOs(users),
		Limit:    q.Limit,
		Offset:   q.Offset,
	})
}

// GetUser returns an existing user's balance.
// GET /api/admin/points/users/{id}
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	view, err := h.Ledger.Lookup(r.Context(), userID)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(view))
}

// GET /api/admin/points/users/{id}/transactions
func (h *Handler) GetUserTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	h.writeHistory(w, r, userID)
}

// ReconcileUser compares a user's balance with a replay of their history.
// POST /api/admin/points/users/{id}/reconcile?repair=true
func (h *Handler) ReconcileUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	repair := false
	if v := r.URL.Query().Get("repair"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid repair flag", err)
			return
		}
		repair = b
	}

	report, err := h.Ledger.Reconcile(r.Context(), userID, repair)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReconcileDTO(report))
}

// GET /api/admin/points/reconciliation/runs
func (h *Handler) ListReconciliationRuns(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		writeError(w, http.StatusNotImplemented, "Reconciliation scheduler disabled", nil)
		return
	}
	runs := h.Scheduler.Runs()
	dtos := make([]ReconciliationRunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toRunDTO(run)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runs":     dtos,
		"next_run": h.Scheduler.NextRunTime(),
	})
}

// TriggerReconciliation runs reconciliation now.
// POST /api/admin/points/reconciliation/run
func (h *Handler) TriggerReconciliation(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		writeError(w, http.StatusNotImplemented, "Reconciliation scheduler disabled", nil)
		return
	}
	run, err := h.Scheduler.RunNow(r.Context(), "manual")
	if errors.Is(err, ErrRunInProgress) {
		writeError(w, http.StatusConflict, "Reconciliation already running", err)
		return
	}
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRunDTO(run))
}

// =============================================================================
// SHARED HELPERS
// =============================================================================

func (h *Handler) writeHistory(w http.ResponseWriter, r *http.Request, userID points.UserID) {
	q, err := h.historyQuery(r, userID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid query", err)
		return
	}
	entries, err := h.Ledger.History(r.Context(), q)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	q = q.Normalize()
	writeJSON(w, http.StatusOK, TransactionsResponse{
		UserID:       userID,
		Transactions: toTransactionDTOs(entries),
		Limit:        q.Limit,
		Offset:       q.Offset,
	})
}

// historyQuery reads from/to as RFC 3339 or as a YYYY-MM-DD day in the
// policy timezone, and type as a comma-separated list.
func (h *Handler) historyQuery(r *http.Request, userID points.UserID) (points.HistoryQuery, error) {
	q := points.HistoryQuery{UserID: userID}
	values := r.URL.Query()
	loc := h.Ledger.Policy().Location

	var err error
	if q.From, err = parseTimeParam(values.Get("from"), loc); err != nil {
		return q, fmt.Errorf("from: %w", err)
	}
	if q.To, err = parseTimeParam(values.Get("to"), loc); err != nil {
		return q, fmt.Errorf("to: %w", err)
	}
	if raw := values.Get("type"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			t, err := points.ParseTransactionType(strings.TrimSpace(s))
			if err != nil {
				return q, err
			}
			q.Types = append(q.Types, t)
		}
	}
	if q.Limit, q.Offset, err = paging(r); err != nil {
		return q, err
	}
	return q, nil
}

func (h *Handler) writeResult(w http.ResponseWriter, r *http.Request, res points.Result, err error) {
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	resp := WriteResponse{Transaction: toTransactionDTO(res.Entry)}
	if view, err := h.Ledger.Balance(r.Context(), res.Entry.UserID); err == nil {
		dto := toBalanceDTO(view)
		resp.Balance = &dto
	}
	if res.LevelChange != nil {
		resp.LevelChange = &LevelChangeDTO{
			OldLevel: res.LevelChange.OldLevel,
			NewLevel: res.LevelChange.NewLevel,
			Promoted: res.LevelChange.Promoted(),
		}
	}
	writeJSON(w, http.StatusCreated, resp)
}

// writeLedgerError maps the points and rewards error taxonomy to HTTP.
func (h *Handler) writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		insufficient *points.InsufficientPointsError
		duplicate    *points.DuplicateError
	)

	switch {
	case errors.As(err, &duplicate):
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:   "Duplicate request",
			Code:    "duplicate",
			Details: toTransactionDTO(duplicate.Existing),
		})
	case errors.Is(err, points.ErrDuplicateIdempotencyKey):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: "Duplicate request", Code: "duplicate", Details: err.Error()})
	case errors.As(err, &insufficient):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error: "Insufficient points",
			Code:  "insufficient_points",
			Details: map[string]int64{
				"available": insufficient.Available,
				"requested": insufficient.Requested,
			},
		})
	case errors.Is(err, rewards.ErrSelfAction):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: "Self action earns no points", Code: "self_action"})
	case points.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "User not found", Code: "not_found", Details: err.Error()})
	case errors.Is(err, points.ErrInvalidAmount),
		errors.Is(err, points.ErrInvalidTransactionType),
		errors.Is(err, points.ErrInvalidQuery),
		errors.Is(err, rewards.ErrUnknownActivity),
		errors.Is(err, rewards.ErrMissingReference),
		errors.Is(err, rewards.ErrInvalidEvent):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Code: "invalid", Details: err.Error()})
	case points.IsRetryable(err):
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "Concurrent update, retry", Code: "conflict", Details: err.Error()})
	case errors.Is(err, points.ErrStoreRequired):
		writeJSON(w, http.StatusNotImplemented, ErrorResponse{Error: "Not supported by this store", Code: "unsupported"})
	default:
		h.log.WithError(err).WithFields(logrus.Fields{
			"path":       r.URL.Path,
			"request_id": middleware.GetReqID(r.Context()),
		}).Error("request failed")
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "Internal error", Code: "internal"})
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// idempotencyKey prefers the body field over the Idempotency-Key header.
func idempotencyKey(r *http.Request, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	return r.Header.Get("Idempotency-Key")
}

func userIDParam(w http.ResponseWriter, r *http.Request) (points.UserID, bool) {
	id, err := points.ParseUserID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid user id", err)
		return 0, false
	}
	return id, true
}

// validBodyUserID rejects missing (zero) and negative user_id fields.
func validBodyUserID(w http.ResponseWriter, id points.UserID) bool {
	if id <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid user id", fmt.Errorf("user_id must be positive, got %d", id))
		return false
	}
	return true
}

func paging(r *http.Request) (limit, offset int, err error) {
	values := r.URL.Query()
	if v := values.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			return 0, 0, fmt.Errorf("invalid limit %q", v)
		}
	}
	if v := values.Get("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil || offset < 0 {
			return 0, 0, fmt.Errorf("invalid offset %q", v)
		}
	}
	return limit, offset, nil
}

func parseTimeParam(s string, loc *time.Location) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	d, err := points.ParseDate(s)
	if err != nil {
		return time.Time{}, err
	}
	return d.Time(loc), nil
}

func toRunDTO(run ReconciliationRun) ReconciliationRunDTO {
	return ReconciliationRunDTO{
		ID:          run.ID,
		Trigger:     run.Trigger,
		Status:      run.Status,
		Users:       run.Users,
		Drifted:     run.Drifted,
		Repaired:    run.Repaired,
		ChainErrors: run.ChainErrors,
		Failed:      run.Failed,
		Error:       run.Error,
		StartedAt:   run.StartedAt,
		CompletedAt: run.CompletedAt,
	}
}
