package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/ScriptSmith/hadrian-sub008/internal/config"
)

var (
	db         *gorm.DB
	apiURL     string
	apiKey     string
	outputJSON bool
	verbose    bool
)

// SetDB sets the database connection for direct access
func SetDB(database *gorm.DB) {
	db = database
}

// SetAPIConfig sets the admin API configuration for remote access
func SetAPIConfig(url, key string) {
	apiURL = url
	apiKey = key
}

// SetOutputJSON sets the output format preference
func SetOutputJSON(json bool) {
	outputJSON = json
}

// SetVerbose sets verbose output
func SetVerbose(v bool) {
	verbose = v
}

// HTTPClient is a configured HTTP client for admin API calls
var HTTPClient = &http.Client{
	Timeout: 30 * time.Second,
}

// APIRequest makes a request to the gateway's admin API
func APIRequest(method, endpoint string, body interface{}) (*http.Response, error) {
	if apiURL == "" || apiKey == "" {
		return nil, fmt.Errorf("API URL and key required for remote operations")
	}

	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequest(method, apiURL+endpoint, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")

	if verbose {
		fmt.Printf("Making %s request to: %s\n", method, apiURL+endpoint)
	}

	return HTTPClient.Do(req)
}

// DecodeAPIResponse reads one admin API response into out, turning non-2xx
// statuses into errors carrying the server's message.
func DecodeAPIResponse(resp *http.Response, out interface{}) error {
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if err := json.Unmarshal(raw, &apiErr); err == nil && apiErr.Error != "" {
			return fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("API error (%d): %s", resp.StatusCode, string(raw))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// OutputTable outputs data in table format
func OutputTable(headers []string, rows [][]string) {
	if outputJSON {
		var jsonRows []map[string]string
		for _, row := range rows {
			jsonRow := make(map[string]string)
			for i, cell := range row {
				if i < len(headers) {
					jsonRow[headers[i]] = cell
				}
			}
			jsonRows = append(jsonRows, jsonRow)
		}
		OutputJSON(jsonRows)
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)

	for i, header := range headers {
		if i > 0 {
			_, _ = fmt.Fprint(w, "\t")
		}
		_, _ = fmt.Fprint(w, header)
	}
	_, _ = fmt.Fprintln(w)

	for i := range headers {
		if i > 0 {
			_, _ = fmt.Fprint(w, "\t")
		}
		_, _ = fmt.Fprint(w, "---")
	}
	_, _ = fmt.Fprintln(w)

	for _, row := range rows {
		for i, cell := range row {
			if i > 0 {
				_, _ = fmt.Fprint(w, "\t")
			}
			_, _ = fmt.Fprint(w, cell)
		}
		_, _ = fmt.Fprintln(w)
	}

	_ = w.Flush()
}

// OutputJSON outputs data in JSON format
func OutputJSON(data interface{}) {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
	}
}

// IsDirectDBAccess returns true if we have database access
func IsDirectDBAccess() bool {
	return db != nil
}

// IsAPIAccess returns true if we have API access configured
func IsAPIAccess() bool {
	return apiURL != "" && apiKey != ""
}

// NewConfigCommand creates the config command
func NewConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate gateway configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current CLI access configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			state := map[string]interface{}{
				"database_access": IsDirectDBAccess(),
				"api_access":      IsAPIAccess(),
				"output_json":     outputJSON,
				"verbose":         verbose,
			}
			if IsAPIAccess() {
				state["api_url"] = apiURL
			}

			if outputJSON {
				OutputJSON(state)
			} else {
				fmt.Printf("Database Access: %v\n", IsDirectDBAccess())
				fmt.Printf("API Access: %v\n", IsAPIAccess())
				if IsAPIAccess() {
					fmt.Printf("API URL: %s\n", apiURL)
				}
				fmt.Printf("JSON Output: %v\n", outputJSON)
				fmt.Printf("Verbose: %v\n", verbose)
			}
			return nil
		},
	})

	var configPath string
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a gateway config file",
		Long: `Load the gateway configuration the same way the server does, including
environment overrides, and report validation errors.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			if outputJSON {
				OutputJSON(map[string]interface{}{
					"valid":           true,
					"listen":          cfg.Server.Listen,
					"auth_mode":       cfg.Auth.Mode,
					"cache_backend":   cfg.Cache.Backend,
					"dlq_backend":     cfg.DLQ.Backend,
					"guardrails_mode": cfg.Guardrails.Mode,
					"upstream":        cfg.Upstream.BaseURL,
				})
			} else {
				fmt.Printf("Configuration is valid.\n")
				fmt.Printf("Listen: %s\n", cfg.Server.Listen)
				fmt.Printf("Auth Mode: %s\n", cfg.Auth.Mode)
				fmt.Printf("Cache Backend: %s\n", cfg.Cache.Backend)
				fmt.Printf("DLQ Backend: %s\n", cfg.DLQ.Backend)
				fmt.Printf("Guardrails Mode: %s\n", cfg.Guardrails.Mode)
				fmt.Printf("Upstream: %s\n", cfg.Upstream.BaseURL)
			}
			return nil
		},
	}
	validateCmd.Flags().StringVar(&configPath, "file", "", "config file path (defaults to the server search path)")
	cmd.AddCommand(validateCmd)

	return cmd
}
