package seeder

import (
	"context"
	"log"

	"github.com/inferfront/inferfront/internal/identity"
)

const (
	TestAPIKey     = "test-api-key-12345"
	TestIdentityID = "00000000-0000-0000-0000-000000000001"
)

// SeedTestKey registers a well-known Pro tier API key so a fresh
// deployment can be exercised without provisioning credentials first.
// Only the key's hash reaches the database.
func SeedTestKey(ctx context.Context, store *identity.PostgresStore) {
	ident := identity.Identity{ID: TestIdentityID, Tier: identity.TierPro}

	if err := store.Create(ctx, TestAPIKey, ident); err != nil {
		log.Printf("[Seeder] API key may already exist, skipping: %v", err)
		return
	}
	log.Printf("[Seeder] Test API key created successfully")
	log.Printf("[Seeder] Key: %s", TestAPIKey)
	log.Printf("[Seeder] Identity: %s (tier %s)", TestIdentityID, identity.TierPro)
}
