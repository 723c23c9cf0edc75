package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var (
	sessionsTenantID string
	sessionsStatus   string

	startTenantID   string
	startResourceID string
	startSubjectID  string
	startMode       string
	startDuration   int64
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Start and manage metered sessions",
	Long:  `Start, inspect, pause, resume, and stop metered rental sessions.`,
}

var sessionsStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a new session",
	RunE:  runSessionsStart,
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	RunE:  runSessionsList,
}

var sessionsGetCmd = &cobra.Command{
	Use:   "get [session-id]",
	Short: "Get session details",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsGet,
}

var sessionsPauseCmd = &cobra.Command{
	Use:   "pause [session-id]",
	Short: "Suspend the billing clock",
	Args:  cobra.ExactArgs(1),
	RunE:  transitionRunner("pause"),
}

var sessionsResumeCmd = &cobra.Command{
	Use:   "resume [session-id]",
	Short: "Restart the billing clock",
	Args:  cobra.ExactArgs(1),
	RunE:  transitionRunner("resume"),
}

var sessionsStopCmd = &cobra.Command{
	Use:   "stop [session-id]",
	Short: "Stop a session and freeze its cost",
	Args:  cobra.ExactArgs(1),
	RunE:  transitionRunner("stop"),
}

func init() {
	rootCmd.AddCommand(sessionsCmd)

	sessionsCmd.AddCommand(sessionsStartCmd)
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsGetCmd)
	sessionsCmd.AddCommand(sessionsPauseCmd)
	sessionsCmd.AddCommand(sessionsResumeCmd)
	sessionsCmd.AddCommand(sessionsStopCmd)

	sessionsStartCmd.Flags().StringVarP(&startTenantID, "tenant", "t", "", "Tenant ID (required)")
	sessionsStartCmd.Flags().StringVarP(&startResourceID, "resource", "r", "", "Resource ID (required)")
	sessionsStartCmd.Flags().StringVarP(&startSubjectID, "subject", "u", "", "Subject ID (required)")
	sessionsStartCmd.Flags().StringVarP(&startMode, "mode", "m", "open_ended", "Session mode (open_ended, countdown)")
	sessionsStartCmd.Flags().Int64VarP(&startDuration, "duration", "d", 0, "Planned duration in seconds (countdown only)")
	_ = sessionsStartCmd.MarkFlagRequired("tenant")
	_ = sessionsStartCmd.MarkFlagRequired("resource")
	_ = sessionsStartCmd.MarkFlagRequired("subject")

	sessionsListCmd.Flags().StringVarP(&sessionsTenantID, "tenant", "t", "", "Filter by tenant ID")
	sessionsListCmd.Flags().StringVarP(&sessionsStatus, "status", "s", "", "Filter by status")
}

func runSessionsStart(cmd *cobra.Command, args []string) error {
	reqBody := map[string]interface{}{
		"tenant_id":   startTenantID,
		"resource_id": startResourceID,
		"subject_id":  startSubjectID,
		"mode":        startMode,
	}
	if startDuration > 0 {
		reqBody["planned_duration_seconds"] = startDuration
	}
	jsonBody, _ := json.Marshal(reqBody)

	resp, err := http.Post(fmt.Sprintf("%s/api/v1/sessions", serverURL), "application/json", bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("failed to start session: %s", string(body))
	}

	var session Session
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if outputFormat == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(session)
	}

	fmt.Printf("Session %s started.\n", session.ID)
	fmt.Printf("Rate: %s %s/minute\n", session.RatePerMinute, session.Currency)
	if session.Mode == "countdown" {
		fmt.Printf("Planned duration: %ds\n", session.PlannedDurationSeconds)
	}
	if session.RequiresApproval {
		fmt.Println("Note: projected cost exceeds the tenant's approval threshold.")
	}
	return nil
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	params := url.Values{}
	if sessionsTenantID != "" {
		params.Set("tenant_id", sessionsTenantID)
	}
	if sessionsStatus != "" {
		params.Set("status", sessionsStatus)
	}

	reqURL := fmt.Sprintf("%s/api/v1/sessions", serverURL)
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	resp, err := http.Get(reqURL)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error: %s", string(body))
	}

	var result struct {
		Sessions []Session `json:"sessions"`
		Count    int       `json:"count"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if outputFormat == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(result)
	}

	if len(result.Sessions) == 0 {
		fmt.Println("No sessions found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTENANT\tRESOURCE\tMODE\tSTATUS\tACTIVE\tCOST")
	fmt.Fprintln(w, "--\t------\t--------\t----\t------\t------\t----")

	for _, session := range result.Sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%ds\t%s %s\n",
			session.ID,
			session.TenantID,
			session.ResourceID,
			session.Mode,
			session.Status,
			session.ActiveSeconds,
			session.cost(),
			session.Currency,
		)
	}
	w.Flush()

	fmt.Printf("\nTotal: %d sessions\n", result.Count)
	return nil
}

func runSessionsGet(cmd *cobra.Command, args []string) error {
	sessionID := args[0]

	resp, err := http.Get(fmt.Sprintf("%s/api/v1/sessions/%s", serverURL, sessionID))
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("session not found: %s", sessionID)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error: %s", string(body))
	}

	var session Session
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if outputFormat == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(session)
	}

	printSession(&session)
	return nil
}

func printSession(session *Session) {
	fmt.Printf("Session ID:     %s\n", session.ID)
	fmt.Printf("Tenant ID:      %s\n", session.TenantID)
	fmt.Printf("Resource ID:    %s\n", session.ResourceID)
	fmt.Printf("Subject ID:     %s\n", session.SubjectID)
	fmt.Printf("Mode:           %s\n", session.Mode)
	fmt.Printf("Status:         %s\n", session.Status)
	fmt.Printf("Rate:           %s %s/minute\n", session.RatePerMinute, session.Currency)
	fmt.Printf("Started At:     %s\n", session.StartedAt)
	fmt.Printf("Active Time:    %ds\n", session.ActiveSeconds)

	if session.RemainingSeconds != nil {
		fmt.Printf("Remaining:      %ds\n", *session.RemainingSeconds)
	}
	if session.StoppedAt != nil {
		fmt.Printf("Stopped At:     %s\n", *session.StoppedAt)
	}
	if session.FinalCost != "" {
		fmt.Printf("Final Cost:     %s %s\n", session.FinalCost, session.Currency)
	} else {
		fmt.Printf("Estimated Cost: %s %s\n", session.EstimatedCost, session.Currency)
	}
}

// transitionRunner builds the RunE for pause, resume, and stop
func transitionRunner(operation string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		sessionID := args[0]

		reqURL := fmt.Sprintf("%s/api/v1/sessions/%s/%s", serverURL, sessionID, operation)
		resp, err := http.Post(reqURL, "application/json", nil)
		if err != nil {
			return fmt.Errorf("failed to connect to server: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("session not found: %s", sessionID)
		}
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("failed to %s session: %s", operation, string(body))
		}

		var session Session
		if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}

		if outputFormat == "json" {
			encoder := json.NewEncoder(os.Stdout)
			encoder.SetIndent("", "  ")
			return encoder.Encode(session)
		}

		fmt.Printf("Session %s is now %s.\n", session.ID, session.Status)
		if session.FinalCost != "" {
			fmt.Printf("Final cost: %s %s\n", session.FinalCost, session.Currency)
		}
		return nil
	}
}
