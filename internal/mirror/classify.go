package mirror

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// FailureKind classifies a failed request for diagnostics only; it never
// changes control flow.
type FailureKind string

const (
	KindRefused FailureKind = "refused"
	KindTimeout FailureKind = "timeout"
	KindTLS     FailureKind = "tls"
	KindStatus  FailureKind = "status"
	KindOther   FailureKind = "other"
)

// StatusError reports a non-2xx collector response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("collector returned HTTP %d", e.Code)
}

// Classify maps a request error to a FailureKind.
func Classify(err error) FailureKind {
	if err == nil {
		return KindOther
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return KindStatus
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return KindRefused
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	if isTLSError(err) {
		return KindTLS
	}
	return KindOther
}

func isTLSError(err error) bool {
	var (
		certErr     *tls.CertificateVerificationError
		recordErr   tls.RecordHeaderError
		unknownAuth x509.UnknownAuthorityError
		hostnameErr x509.HostnameError
		invalidCert x509.CertificateInvalidError
	)
	switch {
	case errors.As(err, &certErr),
		errors.As(err, &recordErr),
		errors.As(err, &unknownAuth),
		errors.As(err, &hostnameErr),
		errors.As(err, &invalidCert):
		return true
	}
	return strings.Contains(err.Error(), "tls:")
}
