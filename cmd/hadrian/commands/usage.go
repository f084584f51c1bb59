package commands

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	admin "github.com/ScriptSmith/hadrian-sub008/internal/handlers/admin"
	"github.com/ScriptSmith/hadrian-sub008/internal/models"
)

// NewUsageCommand creates the usage reporting command
func NewUsageCommand(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Report settled usage",
		Long:  "Summarize the reconciled usage table by model, optionally filtered by key, owner, or time range.",
	}

	cmd.AddCommand(newUsageSummaryCommand(ctx))

	return cmd
}

type usageFilters struct {
	keyID  string
	orgID  string
	userID string
	model  string
	from   string
	to     string
}

func (f *usageFilters) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.keyID, "key-id", "", "Filter by API key ID")
	cmd.Flags().StringVar(&f.orgID, "org-id", "", "Filter by organization ID")
	cmd.Flags().StringVar(&f.userID, "user-id", "", "Filter by user ID")
	cmd.Flags().StringVar(&f.model, "model", "", "Filter by model name")
	cmd.Flags().StringVar(&f.from, "from", "", "Start of the window, RFC3339 (inclusive)")
	cmd.Flags().StringVar(&f.to, "to", "", "End of the window, RFC3339 (exclusive)")
}

func newUsageSummaryCommand(ctx context.Context) *cobra.Command {
	var filters usageFilters

	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Aggregate usage by model",
		RunE: func(cmd *cobra.Command, args []string) error {
			if IsDirectDBAccess() {
				return usageSummaryDB(ctx, &filters)
			} else if IsAPIAccess() {
				return usageSummaryAPI(&filters)
			}

			return fmt.Errorf("no database or API access configured")
		},
	}

	filters.bind(cmd)

	return cmd
}

func usageSummaryDB(ctx context.Context, filters *usageFilters) error {
	query, err := filteredUsageQuery(ctx, filters)
	if err != nil {
		return err
	}

	var rows []admin.UsageSummaryRow
	err = query.
		Select("model, COUNT(*) AS requests, " +
			"COALESCE(SUM(prompt_tokens), 0) AS prompt_tokens, " +
			"COALESCE(SUM(completion_tokens), 0) AS completion_tokens, " +
			"COALESCE(SUM(total_tokens), 0) AS total_tokens, " +
			"COALESCE(SUM(cost_microcents), 0) AS cost_microcents").
		Group("model").
		Order("cost_microcents DESC").
		Scan(&rows).Error
	if err != nil {
		return fmt.Errorf("failed to aggregate usage: %w", err)
	}

	summary := admin.UsageSummaryResponse{Models: rows}
	for _, row := range rows {
		summary.TotalRequests += row.Requests
		summary.TotalTokens += row.TotalTokens
		summary.TotalCostMicrocents += row.CostMicrocents
	}

	printUsageSummary(&summary)
	return nil
}

func usageSummaryAPI(filters *usageFilters) error {
	q := url.Values{}
	if filters.keyID != "" {
		q.Set("api_key_id", filters.keyID)
	}
	if filters.orgID != "" {
		q.Set("organization_id", filters.orgID)
	}
	if filters.userID != "" {
		q.Set("user_id", filters.userID)
	}
	if filters.model != "" {
		q.Set("model", filters.model)
	}
	if filters.from != "" {
		q.Set("from", filters.from)
	}
	if filters.to != "" {
		q.Set("to", filters.to)
	}

	endpoint := "/api/v1/usage/summary"
	if encoded := q.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}

	resp, err := APIRequest("GET", endpoint, nil)
	if err != nil {
		return err
	}
	var summary admin.UsageSummaryResponse
	if err := DecodeAPIResponse(resp, &summary); err != nil {
		return err
	}

	printUsageSummary(&summary)
	return nil
}

func filteredUsageQuery(ctx context.Context, filters *usageFilters) (*gorm.DB, error) {
	query := db.WithContext(ctx).Model(&models.Usage{})

	if filters.keyID != "" {
		id, err := uuid.Parse(filters.keyID)
		if err != nil {
			return nil, fmt.Errorf("invalid key ID: %w", err)
		}
		query = query.Where("api_key_id = ?", id)
	}
	if filters.orgID != "" {
		id, err := uuid.Parse(filters.orgID)
		if err != nil {
			return nil, fmt.Errorf("invalid organization ID: %w", err)
		}
		query = query.Where("organization_id = ?", id)
	}
	if filters.userID != "" {
		id, err := uuid.Parse(filters.userID)
		if err != nil {
			return nil, fmt.Errorf("invalid user ID: %w", err)
		}
		query = query.Where("user_id = ?", id)
	}
	if filters.model != "" {
		query = query.Where("model = ?", filters.model)
	}
	if filters.from != "" {
		t, err := time.Parse(time.RFC3339, filters.from)
		if err != nil {
			return nil, fmt.Errorf("invalid from timestamp, want RFC3339: %w", err)
		}
		query = query.Where("timestamp >= ?", t)
	}
	if filters.to != "" {
		t, err := time.Parse(time.RFC3339, filters.to)
		if err != nil {
			return nil, fmt.Errorf("invalid to timestamp, want RFC3339: %w", err)
		}
		query = query.Where("timestamp < ?", t)
	}

	return query, nil
}

func printUsageSummary(summary *admin.UsageSummaryResponse) {
	if outputJSON {
		OutputJSON(summary)
		return
	}

	headers := []string{"Model", "Requests", "Prompt Tokens", "Completion Tokens", "Total Tokens", "Cost"}
	var rows [][]string
	for _, row := range summary.Models {
		rows = append(rows, []string{
			row.Model,
			strconv.FormatInt(row.Requests, 10),
			strconv.FormatInt(row.PromptTokens, 10),
			strconv.FormatInt(row.CompletionTokens, 10),
			strconv.FormatInt(row.TotalTokens, 10),
			formatMicrocents(row.CostMicrocents),
		})
	}
	OutputTable(headers, rows)

	fmt.Printf("\nTotal: %d requests, %d tokens, %s\n",
		summary.TotalRequests, summary.TotalTokens, formatMicrocents(summary.TotalCostMicrocents))
}

// formatMicrocents renders a microcent amount in dollars. One cent is 10000
// microcents.
func formatMicrocents(mc int64) string {
	return fmt.Sprintf("$%.6f", float64(mc)/10_000/100)
}
