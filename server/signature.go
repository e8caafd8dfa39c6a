package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"sovrbridge/bridge"
)

// SignatureHeader carries the webhook signature in the form
// "t=<unix>,v1=<hex>"; the signed content is "{timestamp}.{body}".
const SignatureHeader = "Gateway-Signature"

const signatureScheme = "v1"

// DefaultSignatureTolerance bounds how stale a signed timestamp may be.
const DefaultSignatureTolerance = 5 * time.Minute

// VerifySignature recomputes the expected signature over the raw body and
// rejects on mismatch or on a timestamp outside the tolerance window.
// Every returned error is a verification error: the request must never
// reach the correlator.
func VerifySignature(secret string, header string, body []byte, now time.Time, tolerance time.Duration) error {
	if strings.TrimSpace(secret) == "" {
		return bridge.VerificationError("webhook secret not configured", nil)
	}
	timestamp, provided, err := parseSignatureHeader(header)
	if err != nil {
		return err
	}
	if tolerance <= 0 {
		tolerance = DefaultSignatureTolerance
	}
	issued := time.Unix(timestamp, 0)
	if drift := now.Sub(issued); drift > tolerance || drift < -tolerance {
		return bridge.VerificationError(fmt.Sprintf("timestamp outside tolerance: %s", drift.Truncate(time.Second)), nil)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", timestamp)
	mac.Write(body)
	expected := mac.Sum(nil)
	if !hmac.Equal(expected, provided) {
		return bridge.VerificationError("signature mismatch", nil)
	}
	return nil
}

func parseSignatureHeader(header string) (int64, []byte, error) {
	var timestampRaw, signatureRaw string
	for _, part := range strings.Split(header, ",") {
		pair := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(pair) != 2 {
			continue
		}
		switch pair[0] {
		case "t":
			timestampRaw = pair[1]
		case signatureScheme:
			signatureRaw = pair[1]
		}
	}
	if timestampRaw == "" || signatureRaw == "" {
		return 0, nil, bridge.VerificationError("malformed signature header", nil)
	}
	timestamp, err := strconv.ParseInt(timestampRaw, 10, 64)
	if err != nil {
		return 0, nil, bridge.VerificationError("malformed signature timestamp", err)
	}
	provided, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(signatureRaw), "0x"))
	if err != nil || len(provided) == 0 {
		return 0, nil, bridge.VerificationError("malformed signature value", err)
	}
	return timestamp, provided, nil
}

// SignPayload produces a signature header for the supplied body. Tests
// and the webhook replay tool use it to fabricate verified deliveries.
func SignPayload(secret string, body []byte, issued time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", issued.Unix())
	mac.Write(body)
	return fmt.Sprintf("t=%d,%s=%s", issued.Unix(), signatureScheme, hex.EncodeToString(mac.Sum(nil)))
}
