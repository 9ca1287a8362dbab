package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/surge-downloader/surge/internal/daemon"
	"github.com/surge-downloader/surge/internal/fileutil"
	"github.com/surge-downloader/surge/internal/ingress"
)

// resolveDaemonTarget finds the running daemon's base URL and bearer
// token, mirroring the teacher's cmd/connect.go target resolution
// (explicit host:port, else the locally saved port file) plus
// cmd/utils.go's token lookup order (flag, SURGE_TOKEN env, the
// daemon-saved token file).
func resolveDaemonTarget(cmd *cobra.Command) (baseURL, token string, err error) {
	hostFlag, _ := cmd.Flags().GetString("host")
	port := daemon.ReadActivePort()
	if hostFlag != "" {
		baseURL = "http://" + hostFlag
	} else if port > 0 {
		baseURL = fmt.Sprintf("http://127.0.0.1:%d", port)
	} else {
		return "", "", fmt.Errorf("no active surgectl daemon found; start one with 'surgectl serve'")
	}

	token, _ = cmd.Flags().GetString("token")
	token = strings.TrimSpace(token)
	if token == "" {
		token = strings.TrimSpace(os.Getenv("SURGE_TOKEN"))
	}
	if token == "" {
		token = daemon.ReadToken()
	}
	if token == "" {
		return "", "", fmt.Errorf("no auth token available; pass --token or set SURGE_TOKEN")
	}
	return baseURL, token, nil
}

var httpClient = &http.Client{Timeout: 10 * time.Second}

// doAPIRequest issues method against baseURL+path with an optional JSON
// body, attaching the bearer token as X-Auth-Token, and decodes the JSON
// response into out (if non-nil). Grounded on the teacher's
// cmd/utils.go doAPIRequest.
func doAPIRequest(method, baseURL, token, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Auth-Token", token)

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("contacting daemon: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("daemon returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func addDaemonFlags(c *cobra.Command) {
	c.Flags().String("host", "", "daemon host:port (default: auto-discovered)")
	c.Flags().String("token", "", "bearer token (default: $SURGE_TOKEN or the daemon-saved token)")
}

var addCmd = &cobra.Command{
	Use:   "add [url]",
	Short: "Queue a URL on the running daemon",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		baseURL, token, err := resolveDaemonTarget(cmd)
		if err != nil {
			return err
		}
		referer, _ := cmd.Flags().GetString("referer")
		var resp struct {
			Status  string `json:"status"`
			ID      int64  `json:"id"`
			Message string `json:"message"`
		}
		if err := doAPIRequest(http.MethodPost, baseURL, token, "/download",
			ingress.DownloadRequest{URL: args[0], Referer: referer}, &resp); err != nil {
			return err
		}
		if resp.Status != "ok" {
			return fmt.Errorf("%s", resp.Message)
		}
		fmt.Printf("Queued download %d\n", resp.ID)
		return nil
	},
}

func controlCmd(use, short, action string) *cobra.Command {
	c := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			baseURL, token, err := resolveDaemonTarget(cmd)
			if err != nil {
				return err
			}
			id, err := resolveDownloadID(baseURL, token, args[0])
			if err != nil {
				return err
			}
			deleteFile, _ := cmd.Flags().GetBool("delete-file")
			var resp struct {
				Status  string `json:"status"`
				Message string `json:"message"`
			}
			req := ingress.ControlRequest{Action: action, ID: id, DeleteFile: deleteFile}
			if err := doAPIRequest(http.MethodPost, baseURL, token, "/control", req, &resp); err != nil {
				return err
			}
			if resp.Status != "ok" {
				return fmt.Errorf("%s", resp.Message)
			}
			fmt.Printf("%s: %d\n", action, id)
			return nil
		},
	}
	if action == "remove" {
		c.Flags().Bool("delete-file", false, "also delete the downloaded file and its .partN siblings")
	}
	return c
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List downloads known to the running daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		baseURL, token, err := resolveDaemonTarget(cmd)
		if err != nil {
			return err
		}
		var status struct {
			Active     int `json:"active"`
			TotalSpeed float64 `json:"total_speed"`
			Downloads  []map[string]any `json:"downloads"`
		}
		if err := doAPIRequest(http.MethodGet, baseURL, token, "/status", nil, &status); err != nil {
			return err
		}
		for _, d := range status.Downloads {
			size := "?"
			if ts, ok := d["total_size"].(float64); ok && ts > 0 {
				size = fileutil.HumanBytes(int64(ts))
			}
			fmt.Printf("%-6v %-10v %-8v %-10v %s\n", d["id"], d["status"], fmt.Sprintf("%.0f%%", d["progress"].(float64)*100), size, d["filename"])
		}
		return nil
	},
}

// resolveDownloadID accepts either an exact numeric ID or an unambiguous
// ID prefix. An ID present in the daemon's list wins outright (e.g. "12"
// resolves to download 12 even when 120 and 121 also exist); otherwise
// the argument must prefix exactly one ID. When the list cannot be
// fetched, a numeric argument is taken as the ID as-is. Mirrors the
// teacher's cmd/utils.go resolveDownloadID/resolveIDFromCandidates.
func resolveDownloadID(baseURL, token, arg string) (int64, error) {
	exact, parseErr := strconv.ParseInt(arg, 10, 64)
	var status struct {
		Downloads []map[string]any `json:"downloads"`
	}
	if err := doAPIRequest(http.MethodGet, baseURL, token, "/status", nil, &status); err != nil {
		if parseErr == nil {
			return exact, nil
		}
		return 0, err
	}
	var matches []int64
	for _, d := range status.Downloads {
		idf, ok := d["id"].(float64)
		if !ok {
			continue
		}
		if parseErr == nil && int64(idf) == exact {
			return exact, nil
		}
		if strings.HasPrefix(strconv.FormatInt(int64(idf), 10), arg) {
			matches = append(matches, int64(idf))
		}
	}
	switch len(matches) {
	case 0:
		return 0, fmt.Errorf("no download matches id prefix %q", arg)
	case 1:
		return matches[0], nil
	default:
		return 0, fmt.Errorf("id prefix %q is ambiguous among %v", arg, matches)
	}
}

func init() {
	for _, c := range []*cobra.Command{addCmd, listCmd} {
		addDaemonFlags(c)
	}
	addCmd.Flags().String("referer", "", "Referer header to send")
	rootCmd.AddCommand(addCmd, listCmd)

	pauseCmd := controlCmd("pause [id]", "Pause a download", "pause")
	resumeCmd := controlCmd("resume [id]", "Resume a paused/errored/cancelled download", "resume")
	cancelCmd := controlCmd("cancel [id]", "Cancel a download", "cancel")
	removeCmd := controlCmd("remove [id]", "Remove a download from the registry", "remove")
	for _, c := range []*cobra.Command{pauseCmd, resumeCmd, cancelCmd, removeCmd} {
		addDaemonFlags(c)
		rootCmd.AddCommand(c)
	}
}
