package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"gorm.io/gorm"

	"github.com/ScriptSmith/hadrian-sub008/internal/config"
	"github.com/ScriptSmith/hadrian-sub008/internal/database"
	"github.com/ScriptSmith/hadrian-sub008/internal/models"
	"github.com/ScriptSmith/hadrian-sub008/internal/services/auth"
	"github.com/ScriptSmith/hadrian-sub008/internal/services/cache"
)

// Seeds a development database with a demo organization, two users, an admin
// key, a budgeted chat key, and a handful of settled usage rows. Keys are
// printed once and are not recoverable; rerunning issues fresh keys next to
// the existing rows.
func main() {
	// Load .env file
	_ = godotenv.Load("../.env")

	cfg, err := config.Load("")
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	db, err := database.Initialize(&database.Config{
		DSN:             cfg.Database.URL,
		MaxConnections:  cfg.Database.MaxConnections,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		log.Fatal("Failed to initialize database:", err)
	}
	if err := database.Migrate(db); err != nil {
		log.Fatal("Failed to migrate database:", err)
	}

	// Create demo organization
	org := &models.Organization{
		Name:     "Demo Org",
		Slug:     "demo-org",
		IsActive: true,
	}
	if err := db.Where("slug = ?", org.Slug).FirstOrCreate(org).Error; err != nil {
		log.Fatal("Failed to create organization:", err)
	}
	fmt.Println("Organization:", org.Name, org.ID)

	// Create demo users
	admin := &models.User{
		Email:          "admin@example.com",
		Name:           "Demo Admin",
		OrganizationID: &org.ID,
		Role:           models.RoleAdmin,
		IsActive:       true,
	}
	if err := db.Where("email = ?", admin.Email).FirstOrCreate(admin).Error; err != nil {
		log.Fatal("Failed to create admin user:", err)
	}
	fmt.Println("User:", admin.Email, admin.ID)

	member := &models.User{
		Email:          "dev@example.com",
		Name:           "Demo Developer",
		OrganizationID: &org.ID,
		Role:           models.RoleMember,
		IsActive:       true,
	}
	if err := db.Where("email = ?", member.Email).FirstOrCreate(member).Error; err != nil {
		log.Fatal("Failed to create member user:", err)
	}
	fmt.Println("User:", member.Email, member.ID)

	ctx := context.Background()
	keys := auth.NewKeyService(&auth.KeyServiceConfig{
		DB:        db,
		Cache:     cache.NewMemoryCache(),
		KeyPrefix: cfg.Auth.KeyPrefix,
	})

	adminKey, err := keys.Create(ctx, auth.CreateKeyParams{
		Name:           "demo-admin",
		OrganizationID: &org.ID,
		UserID:         &admin.ID,
		Scopes:         []string{auth.ScopeAdmin, auth.ScopeChat},
	})
	if err != nil {
		log.Fatal("Failed to create admin key:", err)
	}

	budgetCents := int64(500)
	period := models.BudgetPeriodDaily
	tpm := int64(50_000)
	chatKey, err := keys.Create(ctx, auth.CreateKeyParams{
		Name:           "demo-chat",
		OrganizationID: &org.ID,
		UserID:         &member.ID,
		Scopes:         []string{auth.ScopeChat},
		MaxBudgetCents: &budgetCents,
		BudgetDuration: &period,
		TPM:            &tpm,
	})
	if err != nil {
		log.Fatal("Failed to create chat key:", err)
	}

	seedUsage(db, chatKey.ID, org.ID, member.ID)

	fmt.Println()
	fmt.Println("Admin key:", adminKey.Key)
	fmt.Println("Chat key: ", chatKey.Key)
	fmt.Println()
	fmt.Println("Save these keys; they are not recoverable.")
}

// seedUsage writes a few settled rows so the usage endpoints have data.
func seedUsage(db *gorm.DB, keyID, orgID, userID uuid.UUID) {
	now := time.Now().UTC()
	rows := []models.Usage{
		{
			RequestID:        uuid.New().String(),
			APIKeyID:         &keyID,
			OrganizationID:   &orgID,
			UserID:           &userID,
			Model:            "gpt-4o",
			Provider:         "openai",
			Endpoint:         "/v1/chat/completions",
			PromptTokens:     420,
			CompletionTokens: 180,
			TotalTokens:      600,
			CostMicrocents:   31_500,
			PricingSource:    "table",
			StatusCode:       200,
			LatencyMs:        842,
			Timestamp:        now.Add(-2 * time.Hour),
		},
		{
			RequestID:        uuid.New().String(),
			APIKeyID:         &keyID,
			OrganizationID:   &orgID,
			UserID:           &userID,
			Model:            "gpt-4o-mini",
			Provider:         "openai",
			Endpoint:         "/v1/chat/completions",
			PromptTokens:     1_200,
			CompletionTokens: 350,
			TotalTokens:      1_550,
			CostMicrocents:   3_900,
			PricingSource:    "table",
			StatusCode:       200,
			LatencyMs:        512,
			Stream:           true,
			Timestamp:        now.Add(-45 * time.Minute),
		},
		{
			RequestID:        uuid.New().String(),
			APIKeyID:         &keyID,
			OrganizationID:   &orgID,
			UserID:           &userID,
			Model:            "gpt-4o",
			Provider:         "openai",
			Endpoint:         "/v1/chat/completions",
			PromptTokens:     95,
			CompletionTokens: 0,
			TotalTokens:      95,
			CostMicrocents:   1_187,
			Estimated:        true,
			PricingSource:    "estimate",
			StatusCode:       502,
			LatencyMs:        1_204,
			Timestamp:        now.Add(-10 * time.Minute),
		},
	}
	for i := range rows {
		if err := db.Create(&rows[i]).Error; err != nil {
			log.Println("Usage row might already exist:", err)
		}
	}
	fmt.Printf("Seeded %d usage rows\n", len(rows))
}
