package cloudauth

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
)

// AWSSigV4Transport signs outbound requests with AWS Signature Version 4.
// SigV4 needs a SHA-256 of the payload, so the body is buffered once and
// replayed on the signed clone.
type AWSSigV4Transport struct {
	next    http.RoundTripper
	creds   aws.CredentialsProvider
	signer  *v4.Signer
	region  string
	service string
}

// NewAWSSigV4Transport wraps base with SigV4 signing. region and service
// identify the target (e.g. "us-east-1", "bedrock-runtime").
func NewAWSSigV4Transport(base http.RoundTripper, creds aws.CredentialsProvider, region, service string) *AWSSigV4Transport {
	return &AWSSigV4Transport{
		next:    base,
		creds:   creds,
		signer:  v4.NewSigner(),
		region:  region,
		service: service,
	}
}

// RoundTrip implements http.RoundTripper.
func (t *AWSSigV4Transport) RoundTrip(r *http.Request) (*http.Response, error) {
	body, hash, err := bufferAndHash(r.Body)
	if err != nil {
		return nil, err
	}

	signed := r.Clone(r.Context())
	if len(body) > 0 {
		signed.Body = io.NopCloser(bytes.NewReader(body))
		signed.ContentLength = int64(len(body))
	} else {
		signed.Body = http.NoBody
		signed.ContentLength = 0
	}

	creds, err := t.creds.Retrieve(r.Context())
	if err != nil {
		return nil, fmt.Errorf("cloudauth: retrieve AWS credentials: %w", err)
	}
	if err := t.signer.SignHTTP(r.Context(), creds, signed, hash, t.service, t.region, time.Now()); err != nil {
		return nil, fmt.Errorf("cloudauth: sign request: %w", err)
	}

	return fallback(t.next).RoundTrip(signed)
}

// bufferAndHash drains body (nil is fine) and returns the bytes together
// with the hex SHA-256 SigV4 expects. An empty body still hashes.
func bufferAndHash(body io.ReadCloser) ([]byte, string, error) {
	var buf []byte
	if body != nil {
		var err error
		buf, err = io.ReadAll(body)
		if err != nil {
			return nil, "", fmt.Errorf("cloudauth: read body for signing: %w", err)
		}
		body.Close()
	}
	sum := sha256.Sum256(buf)
	return buf, hex.EncodeToString(sum[:]), nil
}
