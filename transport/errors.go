package transport

import (
	"crypto/tls"
	"crypto/x509"
	"errors"

	"github.com/ghettovoice/sipproxy/internal/errorutil"
	"github.com/ghettovoice/sipproxy/sip"
)

// dialError classifies a connection establishment error: certificate
// problems wrap [sip.ErrTLSValidationFailed], anything else [sip.ErrConnectionFailed].
func dialError(err error) error {
	var (
		verifyErr   *tls.CertificateVerificationError
		unknownAuth x509.UnknownAuthorityError
		hostErr     x509.HostnameError
		invalidErr  x509.CertificateInvalidError
	)
	if errors.As(err, &verifyErr) ||
		errors.As(err, &unknownAuth) ||
		errors.As(err, &hostErr) ||
		errors.As(err, &invalidErr) {
		return errorutil.NewWrapperError(sip.ErrTLSValidationFailed, err) //errtrace:skip
	}
	return errorutil.NewWrapperError(sip.ErrConnectionFailed, err) //errtrace:skip
}
