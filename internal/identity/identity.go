package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrUnknownCredential = errors.New("unknown credential")

// Tier is a named quota class. Bucket capacity and refill rate are
// looked up per tier from configuration.
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(s) {
	case "free":
		return TierFree, nil
	case "pro":
		return TierPro, nil
	case "enterprise":
		return TierEnterprise, nil
	}
	return "", fmt.Errorf("unknown tier %q", s)
}

// Identity names a caller and its quota tier. It is immutable within a
// request's lifetime.
type Identity struct {
	ID   string `json:"id"`
	Tier Tier   `json:"tier"`
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis
func (i *Identity) MarshalBinary() ([]byte, error) {
	return json.Marshal(i)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis
func (i *Identity) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, i)
}

// Resolver turns a request credential into an Identity. Resolution
// failures other than ErrUnknownCredential are infrastructure errors.
type Resolver interface {
	Resolve(ctx context.Context, credential string) (Identity, error)
}

// HashCredential returns the sha256 hex digest under which credentials
// are stored and cached. Raw keys are never persisted.
func HashCredential(credential string) string {
	h := sha256.New()
	h.Write([]byte(credential))
	return hex.EncodeToString(h.Sum(nil))
}
