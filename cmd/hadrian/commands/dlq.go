package commands

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	admin "github.com/ScriptSmith/hadrian-sub008/internal/handlers/admin"
	"github.com/ScriptSmith/hadrian-sub008/internal/services/audit"
	"github.com/ScriptSmith/hadrian-sub008/internal/services/dlq"
	"github.com/ScriptSmith/hadrian-sub008/internal/services/usage"
)

// NewDLQCommand creates the dead letter queue command
func NewDLQCommand(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and replay dead letters",
		Long: `List, replay, and prune entries in the dead letter queue.
Direct database mode reaches the database-backed queue only; deployments on
the file or redis backend are managed through the admin API.`,
	}

	cmd.AddCommand(newDLQListCommand(ctx))
	cmd.AddCommand(newDLQGetCommand(ctx))
	cmd.AddCommand(newDLQRetryCommand(ctx))
	cmd.AddCommand(newDLQPruneCommand(ctx))
	cmd.AddCommand(newDLQClearCommand(ctx))

	return cmd
}

func newDLQListCommand(ctx context.Context) *cobra.Command {
	var (
		limit      int
		cursor     string
		direction  string
		entryType  string
		maxRetries int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued dead letters",
		RunE: func(cmd *cobra.Command, args []string) error {
			if IsDirectDBAccess() {
				return listDLQDB(ctx, limit, cursor, direction, entryType, maxRetries)
			} else if IsAPIAccess() {
				return listDLQAPI(limit, cursor, direction, entryType, maxRetries)
			}

			return fmt.Errorf("no database or API access configured")
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "Entries per page")
	cmd.Flags().StringVar(&cursor, "cursor", "", "Pagination cursor from a previous page")
	cmd.Flags().StringVar(&direction, "direction", "forward", "Paging direction (forward to older, backward to newer)")
	cmd.Flags().StringVar(&entryType, "type", "", "Filter by entry type (usage_log, audit_log, webhook)")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "Only entries retried fewer than this many times (0 for all)")

	return cmd
}

func newDLQGetCommand(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get [ENTRY_ID]",
		Short: "Show one dead letter including its payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entryID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid entry ID: %w", err)
			}

			if IsDirectDBAccess() {
				entry, err := dlqStore().Get(ctx, entryID)
				if err != nil {
					return err
				}
				printDLQEntry(entry)
				return nil
			} else if IsAPIAccess() {
				resp, err := APIRequest("GET", "/api/v1/dlq/"+entryID.String(), nil)
				if err != nil {
					return err
				}
				var entry dlq.Entry
				if err := DecodeAPIResponse(resp, &entry); err != nil {
					return err
				}
				printDLQEntry(&entry)
				return nil
			}

			return fmt.Errorf("no database or API access configured")
		},
	}

	return cmd
}

func newDLQRetryCommand(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry [ENTRY_ID]",
		Short: "Replay one dead letter now",
		Long: `Replay one entry immediately, outside the worker's backoff schedule.
A successful replay removes the entry; a failed one counts another attempt.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entryID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid entry ID: %w", err)
			}

			if IsDirectDBAccess() {
				return retryDLQDB(ctx, entryID)
			} else if IsAPIAccess() {
				resp, err := APIRequest("POST", "/api/v1/dlq/"+entryID.String()+"/retry", nil)
				if err != nil {
					return err
				}
				if err := DecodeAPIResponse(resp, nil); err != nil {
					return err
				}
				fmt.Printf("Entry %s replayed.\n", entryID)
				return nil
			}

			return fmt.Errorf("no database or API access configured")
		},
	}

	return cmd
}

func newDLQPruneCommand(ctx context.Context) *cobra.Command {
	var olderThan time.Duration
	var maxRetries int

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete old or exhausted dead letters",
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan == 0 && maxRetries == 0 {
				return fmt.Errorf("provide --older-than or --max-retries")
			}

			if IsDirectDBAccess() {
				removed, err := dlqStore().Prune(ctx, olderThan, maxRetries)
				if err != nil {
					return err
				}
				fmt.Printf("Removed %d entries.\n", removed)
				return nil
			} else if IsAPIAccess() {
				req := admin.PruneRequest{MaxRetries: maxRetries}
				if olderThan > 0 {
					req.OlderThan = olderThan.String()
				}
				resp, err := APIRequest("POST", "/api/v1/dlq/prune", req)
				if err != nil {
					return err
				}
				var pruned admin.PruneResponse
				if err := DecodeAPIResponse(resp, &pruned); err != nil {
					return err
				}
				fmt.Printf("Removed %d entries.\n", pruned.Removed)
				return nil
			}

			return fmt.Errorf("no database or API access configured")
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Delete entries older than this (e.g. 168h)")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "Delete entries retried at least this many times")

	return cmd
}

func newDLQClearCommand(ctx context.Context) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every dead letter",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("clearing drops all queued entries; pass --yes to confirm")
			}

			if IsDirectDBAccess() {
				removed, err := dlqStore().Clear(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Removed %d entries.\n", removed)
				return nil
			} else if IsAPIAccess() {
				resp, err := APIRequest("DELETE", "/api/v1/dlq", nil)
				if err != nil {
					return err
				}
				var cleared admin.PruneResponse
				if err := DecodeAPIResponse(resp, &cleared); err != nil {
					return err
				}
				fmt.Printf("Removed %d entries.\n", cleared.Removed)
				return nil
			}

			return fmt.Errorf("no database or API access configured")
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm deletion")

	return cmd
}

// dlqStore opens the database-backed queue over the CLI's connection.
func dlqStore() dlq.Store {
	return dlq.NewDatabaseStore(&dlq.DatabaseConfig{DB: db})
}

func listDLQDB(ctx context.Context, limit int, cursor, direction, entryType string, maxRetries int) error {
	page, err := dlqStore().List(ctx, dlq.ListParams{
		Limit:         limit,
		Cursor:        cursor,
		Direction:     dlq.Direction(direction),
		Type:          entryType,
		MaxRetryCount: maxRetries,
	})
	if err != nil {
		return err
	}
	printDLQPage(page)
	return nil
}

func listDLQAPI(limit int, cursor, direction, entryType string, maxRetries int) error {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if direction != "" {
		q.Set("direction", direction)
	}
	if entryType != "" {
		q.Set("type", entryType)
	}
	if maxRetries > 0 {
		q.Set("max_retry_count", strconv.Itoa(maxRetries))
	}

	resp, err := APIRequest("GET", "/api/v1/dlq?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	var page dlq.Page
	if err := DecodeAPIResponse(resp, &page); err != nil {
		return err
	}
	printDLQPage(&page)
	return nil
}

func printDLQPage(page *dlq.Page) {
	if outputJSON {
		OutputJSON(page)
		return
	}

	headers := []string{"ID", "Type", "Retries", "Last Error", "Created", "Last Retry"}
	var rows [][]string
	for _, e := range page.Entries {
		lastRetry := "-"
		if e.LastRetryAt != nil {
			lastRetry = e.LastRetryAt.Format("2006-01-02 15:04")
		}
		rows = append(rows, []string{
			e.ID.String(),
			e.Type,
			strconv.Itoa(e.RetryCount),
			truncate(e.Error, 48),
			e.CreatedAt.Format("2006-01-02 15:04"),
			lastRetry,
		})
	}
	OutputTable(headers, rows)

	if page.HasMore {
		fmt.Printf("\nMore entries available. Next cursor: %s\n", page.NextCursor)
	}
}

func printDLQEntry(e *dlq.Entry) {
	if outputJSON {
		OutputJSON(e)
		return
	}

	fmt.Printf("Entry: %s\n", e.ID)
	fmt.Printf("Type: %s\n", e.Type)
	fmt.Printf("Retries: %d\n", e.RetryCount)
	fmt.Printf("Error: %s\n", e.Error)
	fmt.Printf("Created: %s\n", e.CreatedAt.Format("2006-01-02 15:04:05"))
	if e.LastRetryAt != nil {
		fmt.Printf("Last Retry: %s\n", e.LastRetryAt.Format("2006-01-02 15:04:05"))
	}
	for k, v := range e.Metadata {
		fmt.Printf("Metadata %s: %s\n", k, v)
	}
	fmt.Printf("Payload: %s\n", string(e.Payload))
}

// retryDLQDB replays the entry with the same handlers the worker runs, so a
// CLI replay and a scheduled one are indistinguishable in the database.
func retryDLQDB(ctx context.Context, entryID uuid.UUID) error {
	store := dlqStore()

	auditLog := audit.NewLogger(&audit.Config{DB: db, DLQ: store})
	defer auditLog.Stop()
	sink := usage.NewDatabaseSink(&usage.DatabaseSinkConfig{DB: db, DLQ: store})

	worker := dlq.NewWorker(&dlq.WorkerConfig{Store: store})
	worker.RegisterHandler(dlq.TypeUsageLog, sink.ReplayHandler())
	worker.RegisterHandler(dlq.TypeAuditLog, auditLog.ReplayHandler())

	if err := worker.RetryEntry(ctx, entryID); err != nil {
		return fmt.Errorf("replay failed: %w", err)
	}
	fmt.Printf("Entry %s replayed.\n", entryID)
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
