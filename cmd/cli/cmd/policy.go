package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var (
	policyAuthorized  bool
	policyMaxSessions int
	policyMaxDuration int64
	policyThreshold   string
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Manage tenant metering policies",
}

var policyGetCmd = &cobra.Command{
	Use:   "get [tenant-id]",
	Short: "Show a tenant's policy and totals",
	Args:  cobra.ExactArgs(1),
	RunE:  runPolicyGet,
}

var policySetCmd = &cobra.Command{
	Use:   "set [tenant-id]",
	Short: "Create or replace a tenant's policy",
	Args:  cobra.ExactArgs(1),
	RunE:  runPolicySet,
}

var ledgerCmd = &cobra.Command{
	Use:   "ledger [tenant-id]",
	Short: "Show a tenant's finalized billing records",
	Args:  cobra.ExactArgs(1),
	RunE:  runLedger,
}

func init() {
	rootCmd.AddCommand(policyCmd)
	rootCmd.AddCommand(ledgerCmd)

	policyCmd.AddCommand(policyGetCmd)
	policyCmd.AddCommand(policySetCmd)

	policySetCmd.Flags().BoolVar(&policyAuthorized, "authorized", true, "Whether the tenant may start sessions")
	policySetCmd.Flags().IntVar(&policyMaxSessions, "max-sessions", 0, "Max concurrent sessions (0 = unlimited)")
	policySetCmd.Flags().Int64Var(&policyMaxDuration, "max-duration", 0, "Max countdown duration in seconds (0 = unlimited)")
	policySetCmd.Flags().StringVar(&policyThreshold, "approval-threshold", "", "Projected cost above which starts are flagged")
}

func runPolicyGet(cmd *cobra.Command, args []string) error {
	tenantID := args[0]

	resp, err := http.Get(fmt.Sprintf("%s/api/v1/tenants/%s/policy", serverURL, tenantID))
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("no policy for tenant: %s", tenantID)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error: %s", string(body))
	}

	var policy Policy
	if err := json.NewDecoder(resp.Body).Decode(&policy); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if outputFormat == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(policy)
	}

	fmt.Printf("Tenant ID:          %s\n", policy.TenantID)
	fmt.Printf("Authorized:         %v\n", policy.IsAuthorized)
	fmt.Printf("Max Sessions:       %d\n", policy.MaxConcurrentSessions)
	fmt.Printf("Max Duration:       %ds\n", policy.MaxSessionDurationSeconds)
	if policy.ApprovalThresholdCost != nil {
		fmt.Printf("Approval Threshold: %s\n", *policy.ApprovalThresholdCost)
	}
	fmt.Printf("Completed Sessions: %d\n", policy.TotalSessionsCompleted)
	fmt.Printf("Total Revenue:      %s\n", policy.TotalRevenue)
	return nil
}

func runPolicySet(cmd *cobra.Command, args []string) error {
	tenantID := args[0]

	reqBody := map[string]interface{}{
		"is_authorized":                policyAuthorized,
		"max_concurrent_sessions":      policyMaxSessions,
		"max_session_duration_seconds": policyMaxDuration,
	}
	if policyThreshold != "" {
		reqBody["approval_threshold_cost"] = policyThreshold
	}
	jsonBody, _ := json.Marshal(reqBody)

	req, _ := http.NewRequest("PUT", fmt.Sprintf("%s/api/v1/tenants/%s/policy", serverURL, tenantID), bytes.NewReader(jsonBody))
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("failed to set policy: %s", string(body))
	}

	fmt.Printf("Policy for tenant %s updated.\n", tenantID)
	return nil
}

func runLedger(cmd *cobra.Command, args []string) error {
	tenantID := args[0]

	resp, err := http.Get(fmt.Sprintf("%s/api/v1/tenants/%s/ledger", serverURL, tenantID))
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error: %s", string(body))
	}

	var result struct {
		TenantID string        `json:"tenant_id"`
		Entries  []LedgerEntry `json:"entries"`
		Total    string        `json:"total"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if outputFormat == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(result)
	}

	if len(result.Entries) == 0 {
		fmt.Println("No ledger entries found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tRESOURCE\tSUBJECT\tREASON\tCOST\tFINALIZED")
	fmt.Fprintln(w, "-------\t--------\t-------\t------\t----\t---------")

	for _, entry := range result.Entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s %s\t%s\n",
			entry.SessionID,
			entry.ResourceID,
			entry.SubjectID,
			entry.Reason,
			entry.FinalCost,
			entry.Currency,
			entry.FinalizedAt.Format("2006-01-02 15:04:05"),
		)
	}
	w.Flush()

	fmt.Printf("\nTotal revenue: %s\n", result.Total)
	return nil
}
