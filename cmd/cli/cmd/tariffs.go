package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

var (
	tariffRate     string
	tariffCurrency string
	sweepTenantID  string
)

var tariffCmd = &cobra.Command{
	Use:   "tariff",
	Short: "Manage resource tariffs",
}

var tariffGetCmd = &cobra.Command{
	Use:   "get [resource-id]",
	Short: "Show a resource's tariff",
	Args:  cobra.ExactArgs(1),
	RunE:  runTariffGet,
}

var tariffSetCmd = &cobra.Command{
	Use:   "set [resource-id]",
	Short: "Create or replace a resource's tariff",
	Args:  cobra.ExactArgs(1),
	RunE:  runTariffSet,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run an expiration sweep now",
	RunE:  runSweep,
}

func init() {
	rootCmd.AddCommand(tariffCmd)
	rootCmd.AddCommand(sweepCmd)

	tariffCmd.AddCommand(tariffGetCmd)
	tariffCmd.AddCommand(tariffSetCmd)

	tariffSetCmd.Flags().StringVarP(&tariffRate, "rate", "r", "", "Rate per minute (required)")
	tariffSetCmd.Flags().StringVarP(&tariffCurrency, "currency", "c", "", "Currency code (default USD)")
	_ = tariffSetCmd.MarkFlagRequired("rate")

	sweepCmd.Flags().StringVarP(&sweepTenantID, "tenant", "t", "", "Limit the sweep to one tenant")
}

func runTariffGet(cmd *cobra.Command, args []string) error {
	resourceID := args[0]

	resp, err := http.Get(fmt.Sprintf("%s/api/v1/tariffs/%s", serverURL, resourceID))
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("no tariff for resource: %s", resourceID)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error: %s", string(body))
	}

	var tariff Tariff
	if err := json.NewDecoder(resp.Body).Decode(&tariff); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if outputFormat == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(tariff)
	}

	fmt.Printf("Resource ID: %s\n", tariff.ResourceID)
	fmt.Printf("Rate:        %s %s/minute\n", tariff.RatePerMinute, tariff.Currency)
	fmt.Printf("Updated At:  %s\n", tariff.UpdatedAt)
	return nil
}

func runTariffSet(cmd *cobra.Command, args []string) error {
	resourceID := args[0]

	reqBody := map[string]interface{}{
		"rate_per_minute": tariffRate,
	}
	if tariffCurrency != "" {
		reqBody["currency"] = tariffCurrency
	}
	jsonBody, _ := json.Marshal(reqBody)

	req, _ := http.NewRequest("PUT", fmt.Sprintf("%s/api/v1/tariffs/%s", serverURL, resourceID), bytes.NewReader(jsonBody))
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("failed to set tariff: %s", string(body))
	}

	fmt.Printf("Tariff for resource %s updated.\n", resourceID)
	return nil
}

func runSweep(cmd *cobra.Command, args []string) error {
	var body io.Reader
	if sweepTenantID != "" {
		jsonBody, _ := json.Marshal(map[string]string{"tenant_id": sweepTenantID})
		body = bytes.NewReader(jsonBody)
	}

	resp, err := http.Post(fmt.Sprintf("%s/api/v1/sweep", serverURL), "application/json", body)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("sweep failed: %s", string(respBody))
	}

	var result struct {
		SessionsExpired int `json:"sessions_expired"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	fmt.Printf("Sweep complete: %d sessions expired.\n", result.SessionsExpired)
	return nil
}
