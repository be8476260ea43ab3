package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"mcplane/internal/config"
)

// statusCmd prints pool statistics from a running control plane.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pool statistics from a running control plane",
	RunE: func(cmd *cobra.Command, args []string) error {
		return printAdminJSON("/stats")
	},
}

// serversCmd prints per-server details from a running control plane.
var serversCmd = &cobra.Command{
	Use:   "servers",
	Short: "Show per-server details from a running control plane",
	RunE: func(cmd *cobra.Command, args []string) error {
		return printAdminJSON("/servers")
	},
}

// printAdminJSON fetches an admin endpoint and pretty-prints the body.
func printAdminJSON(path string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get("http://" + cfg.Admin.Listen + path)
	if err != nil {
		return fmt.Errorf("is the control plane running? %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("admin API returned status %d: %s", resp.StatusCode, string(body))
	}

	var pretty json.RawMessage = body
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		fmt.Println(string(body))
		return nil
	}
	fmt.Println(string(out))
	return nil
}
