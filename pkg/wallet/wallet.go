// Package wallet stores enrolled stakeholder identities keyed by stakeholder id.
//
// Every backend gives the same guarantees: Get reports ErrNotFound for an
// absent id, Put never overwrites (the first writer wins and later writers get
// a *DuplicateIdentityError), and backend failures surface as *UnavailableError
// so callers can tell "not enrolled" from "wallet down".
package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// TypeX509 is the only credential type the gateway issues.
const TypeX509 = "X.509"

// ErrNotFound is returned by Get when no credential is stored under the id.
var ErrNotFound = errors.New("identity not found in wallet")

// Credential is one enrolled identity. Once stored it is never mutated.
type Credential struct {
	Certificate string // PEM
	PrivateKey  string // PEM, PKCS#8
	MSPID       string
	Type        string
}

type Store interface {
	Exists(ctx context.Context, id string) (bool, error)
	Get(ctx context.Context, id string) (Credential, error)
	Put(ctx context.Context, id string, cred Credential) error
}

// DuplicateIdentityError reports a Put against an id that already holds a credential.
type DuplicateIdentityError struct {
	ID string
}

func (e *DuplicateIdentityError) Error() string {
	return fmt.Sprintf("an identity for %q already exists in the wallet", e.ID)
}

// UnavailableError wraps any failure to reach or read the backing store.
type UnavailableError struct {
	Backend string
	Err     error
}

func (e *UnavailableError) Error() string {
	if e.Err == nil {
		return e.Backend + " wallet unavailable"
	}
	return fmt.Sprintf("%s wallet unavailable: %v", e.Backend, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

func IsDuplicate(err error) bool {
	var dup *DuplicateIdentityError
	return errors.As(err, &dup)
}

func IsUnavailable(err error) bool {
	var un *UnavailableError
	return errors.As(err, &un)
}

func (c Credential) Validate() error {
	if strings.TrimSpace(c.Certificate) == "" {
		return errors.New("credential certificate required")
	}
	if strings.TrimSpace(c.PrivateKey) == "" {
		return errors.New("credential private key required")
	}
	if strings.TrimSpace(c.MSPID) == "" {
		return errors.New("credential msp id required")
	}
	return nil
}

func validID(id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("identity id required")
	}
	return nil
}

// identityDocument is the fabric-network wallet layout, so wallets written by
// the node gateway stay readable.
type identityDocument struct {
	Credentials struct {
		Certificate string `json:"certificate"`
		PrivateKey  string `json:"privateKey"`
	} `json:"credentials"`
	MSPID   string `json:"mspId"`
	Type    string `json:"type"`
	Version int    `json:"version,omitempty"`
}

// Marshal encodes a credential in the fabric-network identity layout.
func Marshal(c Credential) ([]byte, error) {
	var doc identityDocument
	doc.Credentials.Certificate = c.Certificate
	doc.Credentials.PrivateKey = c.PrivateKey
	doc.MSPID = c.MSPID
	doc.Type = c.Type
	if doc.Type == "" {
		doc.Type = TypeX509
	}
	doc.Version = 1
	return json.Marshal(doc)
}

func Unmarshal(raw []byte) (Credential, error) {
	var doc identityDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Credential{}, fmt.Errorf("decode identity: %w", err)
	}
	c := Credential{
		Certificate: doc.Credentials.Certificate,
		PrivateKey:  doc.Credentials.PrivateKey,
		MSPID:       doc.MSPID,
		Type:        doc.Type,
	}
	if err := c.Validate(); err != nil {
		return Credential{}, fmt.Errorf("decode identity: %w", err)
	}
	return c, nil
}
