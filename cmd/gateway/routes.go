package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"evapi/pkg/audit"
	"evapi/pkg/events"
	"evapi/pkg/httpx"
	"evapi/pkg/ledger"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// cdrFields is the positional argument order of registerCDR.
var cdrFields = []string{
	"recordId", "cpoContractId", "countryCode", "startDateTime", "endDateTime",
	"sessionId", "cdrTokenUid", "cdrTokenType", "evdrContractId", "authMethod",
	"authorizationReference", "cdrLocation", "meterId", "currency", "signedData",
	"totalCost", "totalFixedCost", "totalEnergy", "totalEnergyCost", "totalTime",
	"totalTimeCost", "totalParkingTime", "totalParkingCost", "totalReservationCost",
	"remark", "invoiceReferenceId", "credit", "creditReferenceId", "lastUpdated",
}

// endpoint maps one exposed route onto a single ledger invocation.
type endpoint struct {
	Method    string
	Path      string
	Operation string
	Mode      ledger.Mode
	Identity  string   // path parameter or body field naming the wallet identity
	Args      []string // path parameters or body fields, in contract order
	FromPath  bool
	// Register enrolls Identity with the CA and stores it before the submit.
	Register bool
	Confirm  func(p params) string
}

type params map[string]string

var endpoints = []endpoint{
	{
		Method: http.MethodGet, Path: "/api/query/{stakeholderId}/{recordId}",
		Operation: "query", Mode: ledger.Evaluate, FromPath: true,
		Identity: "stakeholderId", Args: []string{"recordId"},
	},
	{
		Method: http.MethodGet, Path: "/api/getBalance/{stakeholderId}/{contractId}",
		Operation: "getBalance", Mode: ledger.Evaluate, FromPath: true,
		Identity: "stakeholderId", Args: []string{"contractId"},
	},
	{
		Method: http.MethodPost, Path: "/api/createStakeholder",
		Operation: "createStakeholder", Mode: ledger.Submit, Register: true,
		Identity: "contractId", Args: []string{"contractId", "uId", "rol", "walletBalance", "fees"},
		Confirm: func(params) string { return "Transaction createStakeholder has been submitted" },
	},
	{
		Method: http.MethodPost, Path: "/api/transfer",
		Operation: "transfer", Mode: ledger.Submit,
		Identity: "fromId", Args: []string{"fromId", "toId", "amount"},
		Confirm: func(params) string { return "Transfer transaction has been submitted" },
	},
	{
		Method: http.MethodPost, Path: "/api/registerCDR",
		Operation: "registerCDR", Mode: ledger.Submit,
		Identity: "evdrContractId", Args: cdrFields,
		Confirm: func(p params) string { return "Transaction registerCDR has been submitted: " + p["recordId"] },
	},
	{
		Method: http.MethodPost, Path: "/api/settlementCDR",
		Operation: "settlementCDR", Mode: ledger.Submit,
		Identity: "contractIdEMSP", Args: []string{"recordId", "contractIdFI", "contractIdEMSP"},
		Confirm: func(p params) string {
			return "Transaction settlementCDR has been submitted for CDR: " + p["recordId"]
		},
	},
	{
		Method: http.MethodPost, Path: "/api/processCDR",
		Operation: "processCDR", Mode: ledger.Submit,
		Identity: "evdrContractId", Args: append(append([]string{}, cdrFields...), "contractIdFI", "contractIdEMSP"),
		Confirm: func(p params) string { return "Transaction processCDR has been submitted: " + p["recordId"] },
	},
}

func (ep endpoint) args(p params) []string {
	out := make([]string, len(ep.Args))
	for i, name := range ep.Args {
		out[i] = p[name]
	}
	return out
}

// invoke is the single handler behind every ledger endpoint.
func (s *Server) invoke(ep endpoint) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := s.readParams(w, r, ep)
		if !ok {
			return
		}
		identity := p[ep.Identity]
		if strings.TrimSpace(identity) == "" {
			httpx.ErrorCode(w, http.StatusBadRequest, "BAD_REQUEST", ep.Identity+" required")
			return
		}
		ctx := r.Context()

		var release func()
		if ep.Mode == ledger.Submit {
			if !s.allow(w, r, ep, identity) {
				return
			}
			var ok bool
			release, ok = s.reserve(w, r, identity)
			if !ok {
				return
			}
		}

		if ep.Register {
			_, err := s.Enroll.RegisterStakeholder(ctx, identity)
			s.Metrics.IncEnrollment("stakeholder", outcome(err))
			if err != nil {
				if release != nil {
					release()
				}
				s.writeError(w, ep.Operation, identity, err)
				return
			}
		}

		inv := ledger.Invocation{Operation: ep.Operation, Args: ep.args(p), Mode: ep.Mode}
		start := time.Now()
		out, err := s.Broker.Do(ctx, identity, inv)
		s.record(ctx, inv, identity, p["recordId"], err, time.Since(start))
		if err != nil {
			if release != nil && !reachedLedger(err) {
				release()
			}
			s.writeError(w, ep.Operation, identity, err)
			return
		}
		if ep.Confirm == nil {
			httpx.WriteJSON(w, http.StatusOK, map[string]string{"response": string(out)})
			return
		}
		httpx.WriteText(w, http.StatusOK, ep.Confirm(p))
	}
}

func (s *Server) readParams(w http.ResponseWriter, r *http.Request, ep endpoint) (params, bool) {
	p := params{}
	if ep.FromPath {
		for _, name := range append([]string{ep.Identity}, ep.Args...) {
			v, err := pathParam(r, name)
			if err != nil {
				httpx.ErrorCode(w, http.StatusBadRequest, "BAD_REQUEST", "invalid "+name)
				return nil, false
			}
			p[name] = v
		}
		return p, true
	}
	var body map[string]any
	if err := httpx.ReadJSON(r, &body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpx.ErrorCode(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "request body too large")
			return nil, false
		}
		httpx.ErrorCode(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return nil, false
	}
	for k, v := range body {
		p[k] = argString(v)
	}
	return p, true
}

// pathParam returns the decoded value of a path parameter. chi routes on the
// escaped path when the request has one (an encoded "/" for instance), and
// its parameters are then still escaped.
func pathParam(r *http.Request, name string) (string, error) {
	v := chi.URLParam(r, name)
	if r.URL.RawPath == "" {
		return v, nil
	}
	return url.PathUnescape(v)
}

// argString renders a body value the way it is forwarded to the contract.
// Numbers keep their literal text so "50.00" and 50.00 both arrive as 50.00.
func argString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	default:
		raw, _ := json.Marshal(t)
		return string(raw)
	}
}

func (s *Server) allow(w http.ResponseWriter, r *http.Request, ep endpoint, identity string) bool {
	if s.RateLimiter == nil {
		return true
	}
	d := s.RateLimiter.Allow(r.Context(), ep.Operation+":"+identity+":"+s.clientIP(r), s.RateLimitPerMinute)
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	if d.Allowed {
		return true
	}
	s.Metrics.IncRateLimited()
	w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfter(time.Now())))
	httpx.ErrorCode(w, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded")
	return false
}

// reserve claims the caller's Idempotency-Key. The returned release frees it
// again and is nil when the request carried no key.
func (s *Server) reserve(w http.ResponseWriter, r *http.Request, identity string) (func(), bool) {
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key == "" || s.Cache == nil {
		return nil, true
	}
	cacheKey := "idem:" + identity + ":" + key
	won, err := s.Cache.SetNX(r.Context(), cacheKey, time.Now().UTC().Format(time.RFC3339), s.IdempotencyTTL)
	if err != nil {
		log.Printf("gateway: idempotency reservation failed: %v", err)
		httpx.ErrorCode(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "idempotency store unavailable")
		return nil, false
	}
	if !won {
		s.Metrics.IncReplay()
		httpx.ErrorCode(w, http.StatusConflict, "DUPLICATE_REQUEST", fmt.Sprintf("request with Idempotency-Key %q was already submitted", key))
		return nil, false
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 2*time.Second)
		defer cancel()
		if err := s.Cache.Del(ctx, cacheKey); err != nil {
			log.Printf("gateway: release idempotency key: %v", err)
		}
	}, true
}

// reachedLedger reports whether the invocation got as far as the contract.
// Only then may a submit have taken effect.
func reachedLedger(err error) bool {
	var oe *ledger.OperationError
	return errors.As(err, &oe)
}

func (s *Server) enrollAdmin(w http.ResponseWriter, r *http.Request) {
	_, err := s.Enroll.EnrollAdmin(r.Context())
	adminID := s.Enroll.Config.AdminID
	switch {
	case err == nil:
		s.Metrics.IncEnrollment("admin", "ok")
		httpx.WriteText(w, http.StatusOK, "Transaction enrollAdminOrg1 has been submitted")
	case isAlreadyEnrolled(err):
		s.Metrics.IncEnrollment("admin", "exists")
		httpx.WriteText(w, http.StatusOK, fmt.Sprintf("An identity for the admin user %q already exists in the wallet", adminID))
	default:
		s.Metrics.IncEnrollment("admin", "error")
		s.writeError(w, "enrollAdmin", adminID, err)
	}
}

// record hands the outcome to the background recorder so neither the audit
// append nor the event publish delays the response. Without a recorder the
// outcome is written inline.
func (s *Server) record(ctx context.Context, inv ledger.Invocation, identity, recordID string, err error, elapsed time.Duration) {
	job := outcomeJob{
		ctx:      context.WithoutCancel(ctx),
		inv:      inv,
		identity: identity,
		recordID: recordID,
		err:      err,
		elapsed:  elapsed,
	}
	if s.Recorder == nil {
		s.writeOutcome(job)
		return
	}
	if !s.Recorder.Submit(job) {
		s.Metrics.IncOutcomeDropped()
		log.Printf("gateway: outcome queue full, dropping %s record", inv.Operation)
	}
}

// writeOutcome appends the audit row and publishes the outcome event. The
// event carries only hashed identities; audit ids stay with the operators.
func (s *Server) writeOutcome(job outcomeJob) {
	ctx, cancel := context.WithTimeout(job.ctx, 2*time.Second)
	defer cancel()
	inv := job.inv
	_, code := classify(job.err)
	result := outcome(job.err)
	data := map[string]any{
		"operation":     inv.Operation,
		"mode":          inv.Mode.String(),
		"outcome":       result,
		"identity_hash": audit.HashIdentity(job.identity, s.AuditSalt),
		"latency_ms":    job.elapsed.Milliseconds(),
	}
	if job.recordID != "" {
		data["record_id"] = job.recordID
	}
	if job.err != nil {
		data["error_code"] = code
	}
	if s.Audit != nil {
		rec := s.Audit.NewRecord(inv.Operation, inv.Mode.String(), job.identity, inv.Args)
		rec.RecordID = job.recordID
		rec.Outcome = result
		rec.LatencyMS = job.elapsed.Milliseconds()
		if job.err != nil {
			rec.ErrorKind = code
		}
		if aerr := s.Audit.Append(ctx, rec); aerr != nil {
			log.Printf("gateway: audit append %s failed: %v", inv.Operation, aerr)
		}
	}
	if s.Sink != nil {
		_ = s.Sink.Publish(ctx, events.NewEvent("ledger."+inv.Operation, data))
	}
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return "error"
}

func (s *Server) getAudit(w http.ResponseWriter, r *http.Request) {
	if s.Audit == nil {
		httpx.ErrorCode(w, http.StatusServiceUnavailable, "AUDIT_DISABLED", "audit log not configured")
		return
	}
	id := chi.URLParam(r, "auditId")
	if _, err := uuid.Parse(id); err != nil {
		httpx.ErrorCode(w, http.StatusNotFound, "NOT_FOUND", "audit record not found")
		return
	}
	rec, err := s.Audit.Get(r.Context(), id)
	if err != nil {
		if isNoRows(err) {
			httpx.ErrorCode(w, http.StatusNotFound, "NOT_FOUND", "audit record not found")
			return
		}
		log.Printf("gateway: audit lookup failed: %v", err)
		httpx.ErrorCode(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "audit log unavailable")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"id":            rec.ID,
		"operation":     rec.Operation,
		"mode":          rec.Mode,
		"identity_hash": rec.IdentityHash,
		"record_id":     rec.RecordID,
		"args":          rec.Args,
		"outcome":       rec.Outcome,
		"error_kind":    rec.ErrorKind,
		"latency_ms":    rec.LatencyMS,
		"created_at":    rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
}
