// Package identity encodes and decodes the platform identity header
// (X-RH-IDENTITY), a base64 encoded JSON document naming the customer account.
package identity

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformed reports a header that is not base64 encoded JSON.
var ErrMalformed = errors.New("invalid identity header")

// Identity is the subset of the platform identity cloudigrade uses.
type Identity struct {
	AccountNumber string
	OrgID         string
	IsOrgAdmin    bool
}

type userDoc struct {
	IsOrgAdmin bool `json:"is_org_admin"`
}

type identityDoc struct {
	AccountNumber string   `json:"account_number,omitempty"`
	OrgID         string   `json:"org_id,omitempty"`
	User          *userDoc `json:"user,omitempty"`
}

type document struct {
	Identity *identityDoc `json:"identity"`
}

// Decode parses a raw header value. An empty value decodes to the zero
// Identity; callers decide whether that is acceptable.
func Decode(raw string) (Identity, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Identity{}, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var doc document
	if err := json.Unmarshal(decoded, &doc); err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if doc.Identity == nil {
		return Identity{}, fmt.Errorf("%w: missing identity", ErrMalformed)
	}
	id := Identity{
		AccountNumber: doc.Identity.AccountNumber,
		OrgID:         doc.Identity.OrgID,
	}
	if doc.Identity.User != nil {
		id.IsOrgAdmin = doc.Identity.User.IsOrgAdmin
	}
	return id, nil
}

// Encode returns the header value for i. Outgoing identities always claim
// org admin, which the sources API requires for writes.
func (i Identity) Encode() string {
	doc := document{Identity: &identityDoc{
		AccountNumber: i.AccountNumber,
		OrgID:         i.OrgID,
		User:          &userDoc{IsOrgAdmin: true},
	}}
	body, _ := json.Marshal(doc) //nolint:errchkjson // fixed struct of strings and bools
	return base64.StdEncoding.EncodeToString(body)
}

// Empty reports whether neither account number nor org id is set.
func (i Identity) Empty() bool {
	return i.AccountNumber == "" && i.OrgID == ""
}
