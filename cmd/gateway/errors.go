package main

import (
	"errors"
	"log"
	"net/http"

	"evapi/pkg/audit"
	"evapi/pkg/enroll"
	"evapi/pkg/httpx"
	"evapi/pkg/ledger"
	"evapi/pkg/wallet"

	"github.com/jackc/pgx/v5"
)

// classify maps a broker or enrollment error to an HTTP status and a stable code.
// Identity problems are the caller's to fix (4xx); everything behind the
// gateway is 5xx, with 504 when a deadline ran out.
func classify(err error) (int, string) {
	var (
		adminMissing *enroll.AdminMissingError
		caDown       *enroll.CAUnreachableError
		caRejected   *enroll.RejectedError
		connectErr   *ledger.ConnectError
		opErr        *ledger.OperationError
	)
	switch {
	case err == nil:
		return http.StatusOK, ""
	case wallet.IsDuplicate(err):
		return http.StatusConflict, "DUPLICATE_IDENTITY"
	case ledger.IsIdentityNotFound(err):
		return http.StatusNotFound, "IDENTITY_NOT_FOUND"
	case errors.As(err, &adminMissing):
		return http.StatusPreconditionFailed, "ADMIN_MISSING"
	case errors.As(err, &opErr):
		if ledger.IsTimeout(err) {
			return http.StatusGatewayTimeout, "OPERATION_FAILED"
		}
		return http.StatusInternalServerError, "OPERATION_FAILED"
	case errors.As(err, &connectErr):
		if ledger.IsTimeout(err) {
			return http.StatusGatewayTimeout, "LEDGER_UNREACHABLE"
		}
		return http.StatusBadGateway, "LEDGER_UNREACHABLE"
	case wallet.IsUnavailable(err):
		return http.StatusServiceUnavailable, "STORE_UNAVAILABLE"
	case errors.As(err, &caDown):
		return http.StatusBadGateway, "CA_UNREACHABLE"
	case errors.As(err, &caRejected):
		return http.StatusBadGateway, "CA_REJECTED"
	case ledger.IsTimeout(err):
		return http.StatusGatewayTimeout, "TIMEOUT"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

func (s *Server) writeError(w http.ResponseWriter, op, identity string, err error) {
	status, code := classify(err)
	log.Printf("gateway: %s failed identity=%s code=%s: %v", op, audit.HashIdentity(identity, s.AuditSalt), code, err)
	httpx.ErrorCode(w, status, code, err.Error())
}

func isAlreadyEnrolled(err error) bool {
	return enroll.IsAlreadyEnrolled(err)
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
