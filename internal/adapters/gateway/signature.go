package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/robertarktes/day-dedications/internal/domain"
)

// SignatureHeader carries "t=<unix seconds>,v1=<hex hmac>". The MAC is
// HMAC-SHA256 over "<t>.<raw body>" keyed with the webhook secret.
const SignatureHeader = "Gateway-Signature"

const DefaultTolerance = 5 * time.Minute

func computeMAC(secret string, ts int64, body []byte) []byte {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(strconv.FormatInt(ts, 10)))
	h.Write([]byte("."))
	h.Write(body)
	return h.Sum(nil)
}

// Sign produces a header value for body; used by tests and local tooling.
func Sign(secret string, body []byte, at time.Time) string {
	ts := at.Unix()
	return "t=" + strconv.FormatInt(ts, 10) + ",v1=" + hex.EncodeToString(computeMAC(secret, ts, body))
}

// VerifySignature checks header against body. Any v1 entry may match, which
// lets the gateway sign with old and new secrets during rotation.
func VerifySignature(secret, header string, body []byte, now time.Time, tolerance time.Duration) error {
	if secret == "" {
		return errors.Wrap(domain.ErrInvalidSignature, "webhook secret not configured")
	}
	var (
		ts   int64
		sigs [][]byte
	)
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return errors.Wrap(domain.ErrInvalidSignature, "malformed timestamp")
			}
			ts = n
		case "v1":
			sig, err := hex.DecodeString(v)
			if err != nil {
				continue
			}
			sigs = append(sigs, sig)
		}
	}
	if ts == 0 || len(sigs) == 0 {
		return errors.Wrap(domain.ErrInvalidSignature, "missing timestamp or signature")
	}
	if tolerance > 0 {
		skew := now.Sub(time.Unix(ts, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > tolerance {
			return errors.Wrapf(domain.ErrInvalidSignature, "timestamp outside tolerance by %s", skew-tolerance)
		}
	}
	expected := computeMAC(secret, ts, body)
	for _, sig := range sigs {
		if hmac.Equal(sig, expected) {
			return nil
		}
	}
	return errors.Wrap(domain.ErrInvalidSignature, "signature mismatch")
}
