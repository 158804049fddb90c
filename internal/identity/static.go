package identity

import (
	"context"
	"fmt"
)

// StaticKey is one preshared credential for the static resolver.
type StaticKey struct {
	Key      string
	Identity string
	Tier     string
}

// StaticResolver resolves identities from a fixed key list, for
// deployments that run without Postgres. Keys are held hashed.
type StaticResolver struct {
	byHash map[string]Identity
}

var _ Resolver = (*StaticResolver)(nil)

func NewStaticResolver(keys []StaticKey) (*StaticResolver, error) {
	byHash := make(map[string]Identity, len(keys))
	for i, k := range keys {
		if k.Key == "" || k.Identity == "" {
			return nil, fmt.Errorf("static key %d: key and identity are required", i)
		}
		tier, err := ParseTier(k.Tier)
		if err != nil {
			return nil, fmt.Errorf("static key %d: %w", i, err)
		}
		byHash[HashCredential(k.Key)] = Identity{ID: k.Identity, Tier: tier}
	}
	return &StaticResolver{byHash: byHash}, nil
}

func (s *StaticResolver) Resolve(ctx context.Context, credential string) (Identity, error) {
	ident, ok := s.byHash[HashCredential(credential)]
	if !ok {
		return Identity{}, ErrUnknownCredential
	}
	return ident, nil
}
