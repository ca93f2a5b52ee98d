// Command doorctl is a thin operator CLI over the coordinator's HTTP
// surface (spec §6): it lists device status, tails the access log,
// inspects rate-limiter state, and issues the admin clear-all reset. It
// never touches the core packages directly, grounded in
// _examples/aldrin-isaac-newtron's cobra.Command tree shape.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var baseURL string

	root := &cobra.Command{
		Use:   "doorctl",
		Short: "Operate a running doorserver coordinator",
	}
	root.PersistentFlags().StringVar(&baseURL, "server", "http://localhost:8080", "coordinator base URL")

	client := &httpClient{base: &baseURL, http: &http.Client{Timeout: 10 * time.Second}}

	root.AddCommand(
		newDevicesCmd(client),
		newLogsCmd(client),
		newRateLimitCmd(client),
	)
	return root
}

type httpClient struct {
	base *string
	http *http.Client
}

func (c *httpClient) get(path string, query url.Values) ([]byte, error) {
	u := *c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	resp, err := c.http.Get(u)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (c *httpClient) delete(path string, query url.Values) ([]byte, error) {
	u := *c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequest(http.MethodDelete, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("DELETE %s: %w", path, err)
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func printJSON(raw []byte) error {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		fmt.Println(string(raw))
		return nil
	}
	pretty, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(pretty))
	return nil
}

func newDevicesCmd(c *httpClient) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List current device status",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := c.get("/api/devices/status", nil)
			if err != nil {
				return err
			}
			return printJSON(body)
		},
	}
	return cmd
}

func newLogsCmd(c *httpClient) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Tail the access log",
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{}
			if limit > 0 {
				query.Set("limit", fmt.Sprintf("%d", limit))
			}
			body, err := c.get("/api/access_logs", query)
			if err != nil {
				return err
			}
			return printJSON(body)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of entries to show")
	return cmd
}

func newRateLimitCmd(c *httpClient) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rate-limit",
		Short: "Inspect or reset rate-limiter state",
	}

	var statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show aggregate rate-limiter counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := c.get("/api/security/rate_limiter/stats", nil)
			if err != nil {
				return err
			}
			return printJSON(body)
		},
	}

	var deviceID, userID string
	var userStatusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show rate-limiter state for one (device,user) pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{"device_id": {deviceID}, "user_id": {userID}}
			body, err := c.get("/api/security/rate_limiter/user_status", query)
			if err != nil {
				return err
			}
			return printJSON(body)
		},
	}
	userStatusCmd.Flags().StringVar(&deviceID, "device-id", "", "device id")
	userStatusCmd.Flags().StringVar(&userID, "user-id", "", "user id")
	_ = userStatusCmd.MarkFlagRequired("device-id")
	_ = userStatusCmd.MarkFlagRequired("user-id")

	var adminUserID string
	var clearCmd = &cobra.Command{
		Use:   "clear",
		Short: "Clear all retained rate-limiter records (admin only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{"user_id": {adminUserID}}
			body, err := c.delete("/api/security/rate_limiter/clear", query)
			if err != nil {
				return err
			}
			return printJSON(body)
		},
	}
	clearCmd.Flags().StringVar(&adminUserID, "admin-user-id", "admin", "administrative user id")

	cmd.AddCommand(statsCmd, userStatusCmd, clearCmd)
	return cmd
}
