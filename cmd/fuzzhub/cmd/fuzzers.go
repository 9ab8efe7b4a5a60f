package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var httpClient = &http.Client{Timeout: 60 * time.Second}

var (
	startConfigFile string
	startOptions    []string
)

var startCmd = &cobra.Command{
	Use:   "start <campaign-id> <fuzzer-type>",
	Short: "Start a fuzzer on the running daemon",
	Long: `Start a fuzzer instance. Fuzzer config comes from a YAML file (--config)
and key=value pairs (--set), the pairs winning on conflicts.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := fuzzerConfig(startConfigFile, startOptions)
		if err != nil {
			return err
		}
		var resp struct {
			FuzzerID string `json:"fuzzer_id"`
		}
		body := map[string]any{"campaign_id": args[0], "fuzzer_type": args[1], "config": cfg}
		if err := callAPI(http.MethodPost, "/fuzzers/start", body, &resp); err != nil {
			return err
		}
		if isJSONOutput() {
			return printJSON(resp)
		}
		fmt.Println(resp.FuzzerID)
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop <fuzzer-id>",
	Short: "Stop a fuzzer on the running daemon",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp map[string]any
		if err := callAPI(http.MethodPost, "/fuzzers/"+args[0]+"/stop", nil, &resp); err != nil {
			return err
		}
		if isJSONOutput() {
			return printJSON(resp)
		}
		fmt.Println(resp["status"])
		return nil
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart <fuzzer-id>",
	Short: "Restart a fuzzer with its persisted config",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Status string `json:"status"`
			NewID  string `json:"new_id"`
		}
		if err := callAPI(http.MethodPost, "/fuzzers/"+args[0]+"/restart", nil, &resp); err != nil {
			return err
		}
		if isJSONOutput() {
			return printJSON(resp)
		}
		fmt.Println(resp.NewID)
		return nil
	},
}

// fuzzerConfig merges the YAML file at path with key=value overrides.
func fuzzerConfig(path string, sets []string) (map[string]any, error) {
	cfg := map[string]any{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	for _, kv := range sets {
		key, val, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --set %q, want key=value", kv)
		}
		var parsed any
		// values go through yaml so numbers and lists keep their type
		if err := yaml.Unmarshal([]byte(val), &parsed); err != nil || parsed == nil {
			parsed = val
		}
		cfg[key] = parsed
	}
	return cfg, nil
}

func callAPI(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, strings.TrimRight(serverURL, "/")+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to fuzzhubd: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("API error (status %d): %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(data))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func init() {
	startCmd.Flags().StringVar(&startConfigFile, "config", "", "YAML file with the fuzzer config")
	startCmd.Flags().StringArrayVar(&startOptions, "set", nil, "fuzzer config entry as key=value, repeatable")
	rootCmd.AddCommand(startCmd, stopCmd, restartCmd)
}
