package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderSignature  = "X-Signature"
	HeaderRequestID  = "X-Request-Id"
	signatureTSPart  = "ts"
	signatureV1Part  = "v1"
	signaturePartSep = ","
	signatureKVSep   = "="
)

var (
	ErrMissingSignature = errors.New("missing webhook signature")
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

// SignatureVerifier checks the processor's HMAC-SHA256 notification signature.
type SignatureVerifier struct {
	secret    []byte
	tolerance time.Duration
	nowFn     func() time.Time
}

// NewSignatureVerifier builds a verifier. A zero tolerance disables the timestamp age check.
func NewSignatureVerifier(secret string, tolerance time.Duration, now func() time.Time) SignatureVerifier {
	if now == nil {
		now = time.Now
	}
	return SignatureVerifier{secret: []byte(secret), tolerance: tolerance, nowFn: now}
}

// Configured reports whether a secret is present.
func (verifier SignatureVerifier) Configured() bool {
	return len(verifier.secret) > 0
}

// Verify validates header (`ts=<unix>,v1=<hex>`) over the manifest built from dataID and requestID.
func (verifier SignatureVerifier) Verify(header string, requestID string, dataID string) error {
	if strings.TrimSpace(header) == "" {
		return ErrMissingSignature
	}
	var timestamp, digest string
	for _, part := range strings.Split(header, signaturePartSep) {
		key, value, found := strings.Cut(strings.TrimSpace(part), signatureKVSep)
		if !found {
			continue
		}
		switch strings.TrimSpace(key) {
		case signatureTSPart:
			timestamp = strings.TrimSpace(value)
		case signatureV1Part:
			digest = strings.TrimSpace(value)
		}
	}
	if timestamp == "" || digest == "" {
		return fmt.Errorf("%w: malformed header", ErrInvalidSignature)
	}
	provided, err := hex.DecodeString(digest)
	if err != nil {
		return fmt.Errorf("%w: digest is not hex", ErrInvalidSignature)
	}
	expected := verifier.sign(signatureManifest(dataID, requestID, timestamp))
	if !hmac.Equal(provided, expected) {
		return ErrInvalidSignature
	}
	if verifier.tolerance > 0 {
		if err := verifier.checkAge(timestamp); err != nil {
			return err
		}
	}
	return nil
}

// Sign returns the header value for the given inputs. Used by tests and local tooling.
func (verifier SignatureVerifier) Sign(requestID string, dataID string, timestamp time.Time) string {
	ts := strconv.FormatInt(timestamp.Unix(), 10)
	digest := verifier.sign(signatureManifest(dataID, requestID, ts))
	return signatureTSPart + signatureKVSep + ts + signaturePartSep + signatureV1Part + signatureKVSep + hex.EncodeToString(digest)
}

func (verifier SignatureVerifier) sign(manifest string) []byte {
	mac := hmac.New(sha256.New, verifier.secret)
	mac.Write([]byte(manifest))
	return mac.Sum(nil)
}

func (verifier SignatureVerifier) checkAge(timestamp string) error {
	seconds, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: timestamp %q", ErrInvalidSignature, timestamp)
	}
	// Some feeds send milliseconds.
	if seconds > 1e12 {
		seconds /= 1000
	}
	age := verifier.nowFn().Sub(time.Unix(seconds, 0))
	if age < 0 {
		age = -age
	}
	if age > verifier.tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
	}
	return nil
}

func signatureManifest(dataID string, requestID string, timestamp string) string {
	var builder strings.Builder
	if dataID != "" {
		builder.WriteString("id:" + strings.ToLower(dataID) + ";")
	}
	if requestID != "" {
		builder.WriteString("request-id:" + requestID + ";")
	}
	builder.WriteString("ts:" + timestamp + ";")
	return builder.String()
}
