package enroll

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"evapi/pkg/httpx"
	"evapi/pkg/wallet"
)

// FabricCA talks to a Hyperledger Fabric CA server over its REST API.
type FabricCA struct {
	Client     *http.Client
	URL        string
	CAName     string
	Timeout    time.Duration
	Retries    int
	RetryDelay time.Duration
}

type caResponse struct {
	Success  bool            `json:"success"`
	Result   json.RawMessage `json:"result"`
	Errors   []caMessage     `json:"errors"`
	Messages []caMessage     `json:"messages"`
}

type caMessage struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type enrollRequest struct {
	CertificateRequest string `json:"certificate_request"`
	CAName             string `json:"caname,omitempty"`
}

type enrollResult struct {
	Cert string `json:"Cert"`
}

type registerRequest struct {
	ID             string `json:"id"`
	Type           string `json:"type"`
	Affiliation    string `json:"affiliation"`
	MaxEnrollments int    `json:"max_enrollments"`
	CAName         string `json:"caname,omitempty"`
}

type registerResult struct {
	Secret string `json:"secret"`
}

func (f FabricCA) Enroll(ctx context.Context, enrollmentID, secret string) (Enrollment, error) {
	if strings.TrimSpace(enrollmentID) == "" {
		return Enrollment{}, errors.New("enrollment id required")
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return Enrollment{}, err
	}
	csr, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:            pkix.Name{CommonName: enrollmentID},
		SignatureAlgorithm: x509.ECDSAWithSHA256,
	}, key)
	if err != nil {
		return Enrollment{}, fmt.Errorf("create csr: %w", err)
	}
	body, err := json.Marshal(enrollRequest{
		CertificateRequest: string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: csr})),
		CAName:             f.CAName,
	})
	if err != nil {
		return Enrollment{}, err
	}
	// Enroll only issues a certificate, so repeating it is harmless.
	raw, err := f.call(ctx, "enroll", httpx.Request{
		Method:     http.MethodPost,
		Body:       body,
		Username:   enrollmentID,
		Password:   secret,
		Retries:    f.Retries,
		RetryDelay: f.RetryDelay,
	}, "/api/v1/enroll")
	if err != nil {
		return Enrollment{}, err
	}
	var res enrollResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return Enrollment{}, &RejectedError{Op: "enroll", Status: http.StatusOK, Messages: []string{"invalid enroll result: " + err.Error()}}
	}
	certPEM, err := base64.StdEncoding.DecodeString(res.Cert)
	if err != nil || len(certPEM) == 0 {
		return Enrollment{}, &RejectedError{Op: "enroll", Status: http.StatusOK, Messages: []string{"enroll result carries no certificate"}}
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return Enrollment{}, err
	}
	return Enrollment{
		Certificate: string(certPEM),
		PrivateKey:  string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})),
	}, nil
}

func (f FabricCA) Register(ctx context.Context, req RegistrationRequest, registrar wallet.Credential) (string, error) {
	if strings.TrimSpace(req.EnrollmentID) == "" {
		return "", errors.New("enrollment id required")
	}
	maxEnroll := req.MaxEnrollments
	if maxEnroll == 0 {
		maxEnroll = -1
	}
	body, err := json.Marshal(registerRequest{
		ID:             req.EnrollmentID,
		Type:           req.Role,
		Affiliation:    req.Affiliation,
		MaxEnrollments: maxEnroll,
		CAName:         f.CAName,
	})
	if err != nil {
		return "", err
	}
	const path = "/api/v1/register"
	token, err := authToken(registrar, http.MethodPost, path, body)
	if err != nil {
		return "", err
	}
	// Register is not repeatable: a retry after a lost reply is rejected as already registered.
	raw, err := f.call(ctx, "register", httpx.Request{
		Method:  http.MethodPost,
		Body:    body,
		Headers: map[string]string{"Authorization": token},
	}, path)
	if err != nil {
		return "", err
	}
	var res registerResult
	if err := json.Unmarshal(raw, &res); err != nil || res.Secret == "" {
		return "", &RejectedError{Op: "register", Status: http.StatusOK, Messages: []string{"register result carries no secret"}}
	}
	return res.Secret, nil
}

func (f FabricCA) call(ctx context.Context, op string, req httpx.Request, path string) (json.RawMessage, error) {
	base := strings.TrimRight(strings.TrimSpace(f.URL), "/")
	if base == "" {
		return nil, errors.New("ca url required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid ca url: %w", err)
	}
	req.URL = base + path
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := httpx.Do(reqCtx, f.Client, req)
	if err != nil {
		return nil, &CAUnreachableError{Op: op, Err: err}
	}
	if resp.StatusCode >= 500 {
		return nil, &CAUnreachableError{Op: op, Err: fmt.Errorf("status=%d", resp.StatusCode)}
	}
	var env caResponse
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		if resp.StatusCode >= 300 {
			return nil, &RejectedError{Op: op, Status: resp.StatusCode}
		}
		return nil, &RejectedError{Op: op, Status: resp.StatusCode, Messages: []string{"invalid response: " + err.Error()}}
	}
	if resp.StatusCode >= 300 || !env.Success {
		rej := &RejectedError{Op: op, Status: resp.StatusCode}
		for _, m := range env.Errors {
			rej.Codes = append(rej.Codes, m.Code)
			rej.Messages = append(rej.Messages, fmt.Sprintf("code %d: %s", m.Code, m.Message))
		}
		return nil, rej
	}
	return env.Result, nil
}

// authToken builds the Fabric CA token header for an ECDSA registrar:
// base64(cert) "." base64(signature over method.b64(uri).b64(body).b64(cert)).
func authToken(registrar wallet.Credential, method, uri string, body []byte) (string, error) {
	key, err := parsePrivateKey(registrar.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("registrar key: %w", err)
	}
	b64 := base64.StdEncoding.EncodeToString
	b64cert := b64([]byte(registrar.Certificate))
	payload := method + "." + b64([]byte(uri)) + "." + b64(body) + "." + b64cert
	digest := sha256.Sum256([]byte(payload))
	r, s, err := ecdsa.Sign(rand.Reader, key, digest[:])
	if err != nil {
		return "", err
	}
	s = lowS(key, s)
	sig, err := asn1.Marshal(struct{ R, S *big.Int }{r, s})
	if err != nil {
		return "", err
	}
	return b64cert + "." + b64(sig), nil
}

// lowS folds s into the lower half of the curve order; Fabric rejects high-S signatures.
func lowS(key *ecdsa.PrivateKey, s *big.Int) *big.Int {
	n := key.Curve.Params().N
	half := new(big.Int).Rsh(n, 1)
	if s.Cmp(half) > 0 {
		return new(big.Int).Sub(n, s)
	}
	return s
}

func parsePrivateKey(keyPEM string) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(keyPEM))
	if block == nil {
		return nil, errors.New("no PEM block")
	}
	if k, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		ec, ok := k.(*ecdsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("unsupported key type %T", k)
		}
		return ec, nil
	}
	return x509.ParseECPrivateKey(block.Bytes)
}
