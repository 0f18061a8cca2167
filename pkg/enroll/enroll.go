// Package enroll issues stakeholder credentials through a certificate
// authority and stores them in a wallet.
//
// Stakeholder registration is two CA calls (register, then enroll) followed by
// a wallet write. Registration reports how far it got so a caller can tell a
// registered-but-not-enrolled identity from one that was never registered.
// Nothing is rolled back at the CA when a later step fails.
package enroll

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"evapi/pkg/wallet"
)

// Authority is the subset of a certificate authority the gateway needs.
type Authority interface {
	// Register creates an enrollment identity under the registrar's authority and
	// returns its one-time secret.
	Register(ctx context.Context, req RegistrationRequest, registrar wallet.Credential) (string, error)
	Enroll(ctx context.Context, enrollmentID, secret string) (Enrollment, error)
}

type RegistrationRequest struct {
	EnrollmentID   string
	Role           string
	Affiliation    string
	MaxEnrollments int
}

// Enrollment is a freshly issued certificate and its private key, both PEM.
type Enrollment struct {
	Certificate string
	PrivateKey  string
}

type Phase int

const (
	PhaseNone Phase = iota
	PhaseRegistered
	PhaseEnrolled
	PhaseStored
)

func (p Phase) String() string {
	switch p {
	case PhaseRegistered:
		return "registered"
	case PhaseEnrolled:
		return "enrolled"
	case PhaseStored:
		return "stored"
	default:
		return "none"
	}
}

// Registration is the result of RegisterStakeholder. Phase is set on failure too.
type Registration struct {
	StakeholderID string
	Phase         Phase
	Credential    wallet.Credential
}

// CAUnreachableError covers transport failures and 5xx answers from the CA.
type CAUnreachableError struct {
	Op  string
	Err error
}

func (e *CAUnreachableError) Error() string {
	return fmt.Sprintf("certificate authority unreachable during %s: %v", e.Op, e.Err)
}

func (e *CAUnreachableError) Unwrap() error { return e.Err }

// RejectedError is a CA answer that refused the request.
type RejectedError struct {
	Op       string
	Status   int
	Codes    []int
	Messages []string
}

// CodeAlreadyRegistered is the Fabric CA error code for registering an
// enrollment id that the CA already knows.
const CodeAlreadyRegistered = 74

func (e *RejectedError) HasCode(code int) bool {
	for _, c := range e.Codes {
		if c == code {
			return true
		}
	}
	return false
}

// alreadyRegistered matches the CA's answer to a registration that lost a
// race against another registration of the same id.
func alreadyRegistered(err error) bool {
	var rej *RejectedError
	if !errors.As(err, &rej) {
		return false
	}
	if rej.HasCode(CodeAlreadyRegistered) {
		return true
	}
	for _, m := range rej.Messages {
		if strings.Contains(strings.ToLower(m), "already registered") {
			return true
		}
	}
	return false
}

func (e *RejectedError) Error() string {
	if len(e.Messages) == 0 {
		return fmt.Sprintf("certificate authority rejected %s: status=%d", e.Op, e.Status)
	}
	return fmt.Sprintf("certificate authority rejected %s: %s", e.Op, strings.Join(e.Messages, "; "))
}

type AdminMissingError struct {
	AdminID string
}

func (e *AdminMissingError) Error() string {
	return fmt.Sprintf("an identity for the admin user %q does not exist in the wallet", e.AdminID)
}

type AlreadyEnrolledError struct {
	ID string
}

func (e *AlreadyEnrolledError) Error() string {
	return fmt.Sprintf("an identity for the admin user %q already exists in the wallet", e.ID)
}

func IsAlreadyEnrolled(err error) bool {
	var ae *AlreadyEnrolledError
	return errors.As(err, &ae)
}

type Config struct {
	AdminID           string // wallet label of the administrative credential
	AdminEnrollmentID string
	AdminSecret       string
	MSPID             string
	Affiliation       string
	Role              string
}

func DefaultConfig() Config {
	return Config{
		AdminID:           "admin_org1",
		AdminEnrollmentID: "admin",
		AdminSecret:       "adminpw",
		MSPID:             "Org1MSP",
		Affiliation:       "org1.department1",
		Role:              "client",
	}
}

type Client struct {
	Store     wallet.Store
	Authority Authority
	Config    Config
}

// EnrollAdmin performs the one-time bootstrap enrollment. The wallet is
// consulted before the CA, so a second call never reaches the CA.
func (c *Client) EnrollAdmin(ctx context.Context) (wallet.Credential, error) {
	id := c.Config.AdminID
	exists, err := c.Store.Exists(ctx, id)
	if err != nil {
		return wallet.Credential{}, err
	}
	if exists {
		return wallet.Credential{}, &AlreadyEnrolledError{ID: id}
	}
	enr, err := c.Authority.Enroll(ctx, c.Config.AdminEnrollmentID, c.Config.AdminSecret)
	if err != nil {
		return wallet.Credential{}, err
	}
	cred := c.credential(enr)
	if err := c.Store.Put(ctx, id, cred); err != nil {
		if wallet.IsDuplicate(err) {
			return wallet.Credential{}, &AlreadyEnrolledError{ID: id}
		}
		return wallet.Credential{}, err
	}
	return cred, nil
}

// RegisterStakeholder registers and enrolls id with the CA using the stored
// administrative credential, then stores the result under id.
func (c *Client) RegisterStakeholder(ctx context.Context, id string) (Registration, error) {
	reg := Registration{StakeholderID: id}
	exists, err := c.Store.Exists(ctx, id)
	if err != nil {
		return reg, err
	}
	if exists {
		return reg, &wallet.DuplicateIdentityError{ID: id}
	}
	admin, err := c.Store.Get(ctx, c.Config.AdminID)
	if errors.Is(err, wallet.ErrNotFound) {
		return reg, &AdminMissingError{AdminID: c.Config.AdminID}
	}
	if err != nil {
		return reg, err
	}

	secret, err := c.Authority.Register(ctx, RegistrationRequest{
		EnrollmentID: id,
		Role:         c.Config.Role,
		Affiliation:  c.Config.Affiliation,
	}, admin)
	if alreadyRegistered(err) {
		return reg, &wallet.DuplicateIdentityError{ID: id}
	}
	if err != nil {
		return reg, err
	}
	reg.Phase = PhaseRegistered

	enr, err := c.Authority.Enroll(ctx, id, secret)
	if err != nil {
		return reg, fmt.Errorf("enroll %q after registration: %w", id, err)
	}
	reg.Phase = PhaseEnrolled
	reg.Credential = c.credential(enr)

	if err := c.Store.Put(ctx, id, reg.Credential); err != nil {
		return reg, err
	}
	reg.Phase = PhaseStored
	return reg, nil
}

func (c *Client) credential(enr Enrollment) wallet.Credential {
	return wallet.Credential{
		Certificate: enr.Certificate,
		PrivateKey:  enr.PrivateKey,
		MSPID:       c.Config.MSPID,
		Type:        wallet.TypeX509,
	}
}
