package resilience

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
)

// TransientError marks an error as safe to retry. Callers that know the HTTP
// status behind a failure attach it so logs show why the retry fired.
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transient (status %d): %v", e.StatusCode, e.Err)
	}
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient. statusCode may be 0 when no
// HTTP status applies.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// IsTransient reports whether err is worth retrying: an explicit
// TransientError anywhere in the chain, a network-level failure, a Redis
// server that is up but not yet serving, or a Postgres connection-class
// error.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	return isNetworkTransient(err) || isRedisTransient(err) || isPostgresTransient(err)
}

func isNetworkTransient(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		// IsNotFound covers DNS caches that have not seen a freshly
		// registered service name yet.
		return dnsErr.IsTemporary || dnsErr.IsNotFound
	}
	for _, errno := range []syscall.Errno{
		syscall.ECONNRESET,
		syscall.ECONNREFUSED,
		syscall.ECONNABORTED,
		syscall.EPIPE,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}

// isRedisTransient matches the reply prefixes a Redis server sends while it
// cannot take writes: loading its dataset after a restart, a replica
// refusing writes after a failover, or a cluster mid-election. go-redis
// surfaces these as plain error strings, so the check is textual.
func isRedisTransient(err error) bool {
	msg := err.Error()
	for _, prefix := range []string{"LOADING", "READONLY", "CLUSTERDOWN", "MASTERDOWN", "TRYAGAIN"} {
		if strings.Contains(msg, prefix) {
			return true
		}
	}
	return false
}

// isPostgresTransient matches SQLSTATEs that clear up on their own: class 08
// (connection exception), 57P03 (server still starting), and 53300 (pool of
// another client exhausted the server's connection slots).
func isPostgresTransient(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return strings.HasPrefix(pgErr.Code, "08") ||
		pgErr.Code == "57P03" ||
		pgErr.Code == "53300"
}

// IsTransientHTTPStatus reports whether a status from the model API or the
// alert webhook is worth retrying. 501 is the one 5xx that never clears up.
func IsTransientHTTPStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	case http.StatusNotImplemented:
		return false
	}
	return status >= 500 && status < 600
}
