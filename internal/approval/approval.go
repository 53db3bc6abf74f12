// Package approval encodes Approval rows as signed JWTs: the token itself
// carries plan_job_id/plan_hash/exp so a verifier can reject a tampered or
// stale token before ever touching the CP Store, while the store's
// approvals table remains the single-use source of truth (the JWT alone
// is never sufficient to authorize execution).
package approval

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/cayde/coworker-server/internal/store"
)

// Claims is the JWT payload minted for an Approval row.
type Claims struct {
	PlanJobID string `json:"plan_job_id"`
	PlanHash  string `json:"plan_hash"`
	jwt.RegisteredClaims
}

// Signer mints and verifies approval tokens with an HMAC key generated at
// server start (or supplied explicitly for multi-process deployments
// sharing one store).
type Signer struct {
	key []byte
}

// NewSigner wraps an existing key, generating a fresh random one if key is
// empty.
func NewSigner(key []byte) (*Signer, error) {
	if len(key) == 0 {
		generated := make([]byte, 32)
		if _, err := rand.Read(generated); err != nil {
			return nil, fmt.Errorf("failed to generate approval signing key: %w", err)
		}
		key = generated
	}
	return &Signer{key: key}, nil
}

// Sign produces a compact JWT string for a freshly minted Approval row.
// The row's own primary key (Token) becomes the JWT's jti.
func (signer *Signer) Sign(approvalRow store.Approval) (string, error) {
	claims := Claims{
		PlanJobID: approvalRow.PlanJobID,
		PlanHash:  approvalRow.PlanHash,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        approvalRow.Token,
			ExpiresAt: jwt.NewNumericDate(time.UnixMilli(approvalRow.ExpiresAtMs)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(signer.key)
}

// Verify parses and validates a token's signature and expiry, returning
// its claims. It does not consult the CP Store — callers must still call
// store.ConsumeApproval with the returned JTI to enforce single-use and
// re-check plan binding against current server state.
func (signer *Signer) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return signer.key, nil
	})
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("approval token is invalid")
	}
	if claims.ID == "" {
		return nil, fmt.Errorf("approval token is missing jti")
	}
	return claims, nil
}
