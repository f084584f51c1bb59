package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	admin "github.com/ScriptSmith/hadrian-sub008/internal/handlers/admin"
	"github.com/ScriptSmith/hadrian-sub008/internal/models"
	"github.com/ScriptSmith/hadrian-sub008/internal/services/auth"
	"github.com/ScriptSmith/hadrian-sub008/internal/services/cache"
)

// NewKeyCommand creates the key management command
func NewKeyCommand(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage API keys",
		Long:  "Create, list, revoke, and inspect gateway API keys",
	}

	cmd.AddCommand(newKeyCreateCommand(ctx))
	cmd.AddCommand(newKeyListCommand(ctx))
	cmd.AddCommand(newKeyGetCommand(ctx))
	cmd.AddCommand(newKeyRevokeCommand(ctx))
	cmd.AddCommand(newKeyBudgetCommand(ctx))

	return cmd
}

func newKeyCreateCommand(ctx context.Context) *cobra.Command {
	var (
		name        string
		orgID       string
		userID      string
		scopes      []string
		allowedIPs  []string
		expiresIn   time.Duration
		budgetCents int64
		budgetEvery string
		tpm, rpm    int64
		keyPrefix   string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new API key",
		Long: `Create a new API key. The raw key is printed exactly once.
Budget and rate flags are per-key overrides: leave them unset to inherit the
gateway defaults, or pass 0 to disable that check for this key.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("key name is required")
			}

			req := admin.CreateKeyRequest{
				Name:       name,
				Scopes:     scopes,
				AllowedIPs: allowedIPs,
			}

			if orgID != "" {
				id, err := uuid.Parse(orgID)
				if err != nil {
					return fmt.Errorf("invalid organization ID: %w", err)
				}
				req.OrganizationID = &id
			}
			if userID != "" {
				id, err := uuid.Parse(userID)
				if err != nil {
					return fmt.Errorf("invalid user ID: %w", err)
				}
				req.UserID = &id
			}
			if expiresIn > 0 {
				t := time.Now().Add(expiresIn)
				req.ExpiresAt = &t
			}
			if cmd.Flags().Changed("budget-cents") {
				req.MaxBudgetCents = &budgetCents
			}
			if budgetEvery != "" {
				period := models.BudgetPeriod(budgetEvery)
				if !period.Valid() {
					return fmt.Errorf("invalid budget period %q (daily, weekly, monthly)", budgetEvery)
				}
				req.BudgetDuration = &period
			}
			if cmd.Flags().Changed("tpm") {
				req.TPM = &tpm
			}
			if cmd.Flags().Changed("rpm") {
				req.RPM = &rpm
			}

			if IsDirectDBAccess() {
				return createKeyDB(ctx, &req, keyPrefix)
			} else if IsAPIAccess() {
				return createKeyAPI(&req)
			}

			return fmt.Errorf("no database or API access configured")
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", "", "Key name (required)")
	cmd.Flags().StringVar(&orgID, "org-id", "", "Organization ID to bind the key to")
	cmd.Flags().StringVar(&userID, "user-id", "", "User ID to bind the key to")
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "Scopes to grant (repeatable; default chat:write)")
	cmd.Flags().StringSliceVar(&allowedIPs, "allowed-ip", nil, "CIDR or IP the key may be used from (repeatable)")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "Lifetime from now (0 for no expiration)")
	cmd.Flags().Int64Var(&budgetCents, "budget-cents", 0, "Budget limit in cents per period (0 disables the check)")
	cmd.Flags().StringVar(&budgetEvery, "budget-period", "", "Budget period (daily, weekly, monthly)")
	cmd.Flags().Int64Var(&tpm, "tpm", 0, "Tokens per minute limit (0 disables the check)")
	cmd.Flags().Int64Var(&rpm, "rpm", 0, "Requests per minute limit (0 disables the check)")
	cmd.Flags().StringVar(&keyPrefix, "key-prefix", "gw_", "Raw key prefix; must match the gateway's auth.key_prefix (direct DB mode only)")

	_ = cmd.MarkFlagRequired("name")

	return cmd
}

func newKeyListCommand(ctx context.Context) *cobra.Command {
	var orgID, userID string
	var limit, offset int
	var includeRevoked bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			if IsDirectDBAccess() {
				return listKeysDB(ctx, orgID, userID, limit, offset, includeRevoked)
			} else if IsAPIAccess() {
				return listKeysAPI(orgID, userID, limit, offset, includeRevoked)
			}

			return fmt.Errorf("no database or API access configured")
		},
	}

	cmd.Flags().StringVar(&orgID, "org-id", "", "Filter by organization ID")
	cmd.Flags().StringVar(&userID, "user-id", "", "Filter by user ID")
	cmd.Flags().IntVar(&limit, "limit", 50, "Limit number of results")
	cmd.Flags().IntVar(&offset, "offset", 0, "Offset for pagination")
	cmd.Flags().BoolVar(&includeRevoked, "include-revoked", false, "Include revoked keys")

	return cmd
}

func newKeyGetCommand(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get [KEY_ID]",
		Short: "Get key details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keyID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid key ID: %w", err)
			}

			if IsDirectDBAccess() {
				return getKeyDB(ctx, keyID)
			} else if IsAPIAccess() {
				return getKeyAPI(keyID)
			}

			return fmt.Errorf("no database or API access configured")
		},
	}

	return cmd
}

func newKeyRevokeCommand(ctx context.Context) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "revoke [KEY_ID]",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keyID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid key ID: %w", err)
			}

			if IsDirectDBAccess() {
				return revokeKeyDB(ctx, keyID, reason)
			} else if IsAPIAccess() {
				return revokeKeyAPI(keyID, reason)
			}

			return fmt.Errorf("no database or API access configured")
		},
	}

	cmd.Flags().StringVarP(&reason, "reason", "r", "", "Revocation reason")

	return cmd
}

func newKeyBudgetCommand(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "budget [KEY_ID]",
		Short: "Show live budget standing for a key",
		Long: `Show the key's current period spend against its limit. Spend counters
live in the gateway's cache, so this command needs API access.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keyID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid key ID: %w", err)
			}

			if !IsAPIAccess() {
				return fmt.Errorf("key budget requires API access: spend counters live in the gateway's cache, not the database")
			}

			resp, err := APIRequest("GET", "/api/v1/keys/"+keyID.String()+"/budget", nil)
			if err != nil {
				return err
			}
			var budget admin.KeyBudgetResponse
			if err := DecodeAPIResponse(resp, &budget); err != nil {
				return err
			}

			if outputJSON {
				OutputJSON(budget)
				return nil
			}

			fmt.Printf("Key: %s\n", budget.KeyID)
			fmt.Printf("Period: %s (%s)\n", budget.Period, budget.PeriodBucket)
			if budget.LimitCents > 0 {
				fmt.Printf("Limit: $%.2f\n", float64(budget.LimitCents)/100)
				fmt.Printf("Spend: $%.4f (%.1f%%)\n", budget.SpendCents/100, budget.UsedPercent)
			} else {
				fmt.Printf("Limit: none\n")
				fmt.Printf("Spend: $%.4f\n", budget.SpendCents/100)
			}
			fmt.Printf("Days Remaining: %d\n", budget.DaysRemaining)
			return nil
		},
	}

	return cmd
}

// keyService builds a key service over the CLI's database handle. The cache
// only matters on the gateway's hot path, so an in-process one is enough.
func keyService(prefix string) *auth.KeyService {
	return auth.NewKeyService(&auth.KeyServiceConfig{
		DB:        db,
		Cache:     cache.NewMemoryCache(),
		KeyPrefix: prefix,
	})
}

func createKeyDB(ctx context.Context, req *admin.CreateKeyRequest, prefix string) error {
	created, err := keyService(prefix).Create(ctx, auth.CreateKeyParams{
		Name:           req.Name,
		OrganizationID: req.OrganizationID,
		UserID:         req.UserID,
		Scopes:         req.Scopes,
		AllowedIPs:     req.AllowedIPs,
		ExpiresAt:      req.ExpiresAt,
		MaxBudgetCents: req.MaxBudgetCents,
		BudgetDuration: req.BudgetDuration,
		TPM:            req.TPM,
		RPM:            req.RPM,
	})
	if err != nil {
		return fmt.Errorf("failed to create key: %w", err)
	}

	printCreatedKey(created)
	return nil
}

func createKeyAPI(req *admin.CreateKeyRequest) error {
	resp, err := APIRequest("POST", "/api/v1/keys", req)
	if err != nil {
		return err
	}
	var created models.APIKeyResponse
	if err := DecodeAPIResponse(resp, &created); err != nil {
		return err
	}

	printCreatedKey(&created)
	return nil
}

func printCreatedKey(created *models.APIKeyResponse) {
	if outputJSON {
		OutputJSON(created)
		return
	}

	fmt.Printf("API key created:\n")
	fmt.Printf("ID: %s\n", created.ID)
	fmt.Printf("Name: %s\n", created.Name)
	fmt.Printf("Key: %s\n", created.Key)
	fmt.Printf("Prefix: %s\n", created.KeyPrefix)
	if len(created.Scopes) > 0 {
		fmt.Printf("Scopes: %s\n", strings.Join(created.Scopes, ", "))
	}
	if created.ExpiresAt != nil {
		fmt.Printf("Expires: %s\n", created.ExpiresAt.Format("2006-01-02 15:04:05"))
	}
	fmt.Printf("Created: %s\n", created.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("\nSave this key securely - it won't be shown again.\n")
}

func listKeysDB(ctx context.Context, orgID, userID string, limit, offset int, includeRevoked bool) error {
	params := auth.ListKeysParams{
		IncludeRevoked: includeRevoked,
		Limit:          limit,
		Offset:         offset,
	}
	if orgID != "" {
		id, err := uuid.Parse(orgID)
		if err != nil {
			return fmt.Errorf("invalid organization ID: %w", err)
		}
		params.OrganizationID = &id
	}
	if userID != "" {
		id, err := uuid.Parse(userID)
		if err != nil {
			return fmt.Errorf("invalid user ID: %w", err)
		}
		params.UserID = &id
	}

	keys, total, err := keyService("gw_").List(ctx, params)
	if err != nil {
		return fmt.Errorf("failed to list keys: %w", err)
	}

	printKeyList(keys, total)
	return nil
}

func listKeysAPI(orgID, userID string, limit, offset int, includeRevoked bool) error {
	endpoint := fmt.Sprintf("/api/v1/keys?limit=%d&offset=%d", limit, offset)
	if orgID != "" {
		endpoint += "&organization_id=" + orgID
	}
	if userID != "" {
		endpoint += "&user_id=" + userID
	}
	if includeRevoked {
		endpoint += "&include_revoked=true"
	}

	resp, err := APIRequest("GET", endpoint, nil)
	if err != nil {
		return err
	}
	var list admin.ListKeysResponse
	if err := DecodeAPIResponse(resp, &list); err != nil {
		return err
	}

	printKeyList(list.Keys, list.Total)
	return nil
}

func printKeyList(keys []models.APIKey, total int64) {
	if outputJSON {
		OutputJSON(map[string]interface{}{"keys": keys, "total": total})
		return
	}

	headers := []string{"ID", "Name", "Prefix", "Scopes", "Budget", "Status", "Expires", "Created"}
	var rows [][]string
	for i := range keys {
		key := &keys[i]

		budget := "default"
		if key.MaxBudgetCents != nil {
			if *key.MaxBudgetCents == 0 {
				budget = "unlimited"
			} else {
				budget = fmt.Sprintf("$%.2f", float64(*key.MaxBudgetCents)/100)
			}
		}

		expires := "never"
		if key.ExpiresAt != nil {
			expires = key.ExpiresAt.Format("2006-01-02")
		}

		rows = append(rows, []string{
			key.ID.String(),
			key.Name,
			key.KeyPrefix,
			strings.Join(key.Scopes, ","),
			budget,
			keyStatus(key),
			expires,
			key.CreatedAt.Format("2006-01-02 15:04"),
		})
	}
	OutputTable(headers, rows)
	fmt.Printf("\nTotal: %d\n", total)
}

func keyStatus(key *models.APIKey) string {
	switch {
	case key.IsRevoked():
		return "revoked"
	case key.IsExpired():
		return "expired"
	case !key.IsActive:
		return "inactive"
	default:
		return "active"
	}
}

func getKeyDB(ctx context.Context, keyID uuid.UUID) error {
	key, err := keyService("gw_").Get(ctx, keyID)
	if err != nil {
		return fmt.Errorf("key not found: %w", err)
	}
	printKeyDetails(key)
	return nil
}

func getKeyAPI(keyID uuid.UUID) error {
	resp, err := APIRequest("GET", "/api/v1/keys/"+keyID.String(), nil)
	if err != nil {
		return err
	}
	var key models.APIKey
	if err := DecodeAPIResponse(resp, &key); err != nil {
		return err
	}
	printKeyDetails(&key)
	return nil
}

func printKeyDetails(key *models.APIKey) {
	if outputJSON {
		OutputJSON(key)
		return
	}

	fmt.Printf("API Key Details:\n")
	fmt.Printf("ID: %s\n", key.ID)
	fmt.Printf("Name: %s\n", key.Name)
	fmt.Printf("Prefix: %s\n", key.KeyPrefix)
	fmt.Printf("Status: %s\n", keyStatus(key))

	if key.OrganizationID != nil {
		fmt.Printf("Organization: %s\n", key.OrganizationID)
	}
	if key.UserID != nil {
		fmt.Printf("User: %s\n", key.UserID)
	}
	if len(key.Scopes) > 0 {
		fmt.Printf("Scopes: %s\n", strings.Join(key.Scopes, ", "))
	}
	if len(key.AllowedIPs) > 0 {
		fmt.Printf("Allowed IPs: %s\n", strings.Join(key.AllowedIPs, ", "))
	}

	if key.MaxBudgetCents != nil {
		fmt.Printf("Budget Limit: %d cents\n", *key.MaxBudgetCents)
	}
	if key.BudgetDuration != nil {
		fmt.Printf("Budget Period: %s\n", *key.BudgetDuration)
	}
	if key.TPM != nil {
		fmt.Printf("TPM: %d\n", *key.TPM)
	}
	if key.RPM != nil {
		fmt.Printf("RPM: %d\n", *key.RPM)
	}

	if key.ExpiresAt != nil {
		fmt.Printf("Expires: %s\n", key.ExpiresAt.Format("2006-01-02 15:04:05"))
	}
	if key.LastUsedAt != nil {
		fmt.Printf("Last Used: %s\n", key.LastUsedAt.Format("2006-01-02 15:04:05"))
	}
	fmt.Printf("Created: %s\n", key.CreatedAt.Format("2006-01-02 15:04:05"))

	if key.IsRevoked() {
		fmt.Printf("Revoked: %s\n", key.RevokedAt.Format("2006-01-02 15:04:05"))
		if key.RevocationReason != "" {
			fmt.Printf("Reason: %s\n", key.RevocationReason)
		}
	}
}

func revokeKeyDB(ctx context.Context, keyID uuid.UUID, reason string) error {
	if err := keyService("gw_").Revoke(ctx, keyID, nil, reason); err != nil {
		return fmt.Errorf("failed to revoke key: %w", err)
	}
	fmt.Printf("Key %s revoked.\n", keyID)
	return nil
}

func revokeKeyAPI(keyID uuid.UUID, reason string) error {
	resp, err := APIRequest("POST", "/api/v1/keys/"+keyID.String()+"/revoke", admin.RevokeKeyRequest{Reason: reason})
	if err != nil {
		return err
	}
	if err := DecodeAPIResponse(resp, nil); err != nil {
		return err
	}
	fmt.Printf("Key %s revoked.\n", keyID)
	return nil
}
