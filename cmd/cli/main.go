package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"vetbox/internal/verdict"
	"vetbox/internal/wire"
)

var (
	serverURL   string
	apiKey      string
	transport   string
	wireNetwork string
	wireAddress string
	preset      string
	timeout     time.Duration
)

func main() {
	root := &cobra.Command{
		Use:           "vetbox-cli",
		Short:         "CLI client for the vetbox analysis service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("VETBOX_API_KEY"), "API key")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 90*time.Second, "Request timeout")

	analyzeCmd := &cobra.Command{
		Use:   "analyze FILE",
		Short: "Vet a file and print the verdict",
		Long:  "Vet a file and print the verdict. Exits 2 for suspicious, 3 for malicious and 4 for critical.",
		Args:  cobra.ExactArgs(1),
		RunE:  runAnalyze,
	}
	analyzeCmd.Flags().StringVar(&transport, "transport", "http", "Transport (http, frame)")
	analyzeCmd.Flags().StringVar(&wireNetwork, "network", "unix", "Framed socket network (unix, tcp)")
	analyzeCmd.Flags().StringVar(&wireAddress, "address", "/run/vetbox/vetbox.sock", "Framed socket address")
	analyzeCmd.Flags().StringVar(&preset, "preset", "", "Budget preset for this request (http only)")
	root.AddCommand(analyzeCmd)

	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		Args:  cobra.NoArgs,
		RunE:  runHealth,
	})

	telemetryCmd := &cobra.Command{
		Use:   "telemetry",
		Short: "Show worker pool counters",
		Args:  cobra.NoArgs,
		RunE:  runTelemetry,
	}
	telemetryCmd.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Reset worker pool counters",
		Args:  cobra.NoArgs,
		RunE:  runTelemetryReset,
	})
	root.AddCommand(telemetryCmd)

	root.AddCommand(&cobra.Command{
		Use:   "verdict SHA256",
		Short: "Look up the latest audited verdict for a content hash",
		Args:  cobra.ExactArgs(1),
		RunE:  runVerdict,
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}
	name := filepath.Base(args[0])

	var result *verdict.Result
	switch transport {
	case "http":
		result, err = analyzeHTTP(cmd.Context(), data, name)
	case "frame":
		result, err = analyzeFrame(cmd.Context(), data, name)
	default:
		return fmt.Errorf("unknown transport %q, use http or frame", transport)
	}
	if err != nil {
		return err
	}

	if err := printJSON(result); err != nil {
		return err
	}
	if code := exitCodeFor(result.Level); code != 0 {
		os.Exit(code)
	}
	return nil
}

func analyzeHTTP(ctx context.Context, data []byte, name string) (*verdict.Result, error) {
	q := url.Values{"filename": {name}}
	if preset != "" {
		q.Set("preset", preset)
	}
	resp, err := do(ctx, http.MethodPost, "/analyze?"+q.Encode(), bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}
	var r verdict.Result
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &r, nil
}

func analyzeFrame(ctx context.Context, data []byte, name string) (*verdict.Result, error) {
	c, err := wire.Dial(ctx, wireNetwork, wireAddress, timeout)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	r, err := c.Analyze(ctx, data, name)
	var re *wire.RemoteError
	if errors.As(err, &re) && re.Fallback != nil {
		fmt.Fprintf(os.Stderr, "warning: %s, showing degraded verdict\n", re.Message)
		return re.Fallback, nil
	}
	return r, err
}

// exitCodeFor maps the verdict onto the process exit status.
func exitCodeFor(l verdict.ThreatLevel) int {
	switch l {
	case verdict.Suspicious:
		return 2
	case verdict.Malicious:
		return 3
	case verdict.Critical:
		return 4
	default:
		return 0
	}
}

func runHealth(cmd *cobra.Command, _ []string) error {
	return getAndPrint(cmd.Context(), "/health")
}

func runTelemetry(cmd *cobra.Command, _ []string) error {
	return getAndPrint(cmd.Context(), "/telemetry")
}

func runTelemetryReset(cmd *cobra.Command, _ []string) error {
	resp, err := do(cmd.Context(), http.MethodPost, "/telemetry/reset", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return apiError(resp)
	}
	fmt.Println("telemetry reset")
	return nil
}

func runVerdict(cmd *cobra.Command, args []string) error {
	return getAndPrint(cmd.Context(), "/verdicts/"+url.PathEscape(args[0]))
}

func getAndPrint(ctx context.Context, path string) error {
	resp, err := do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var result any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if err := printJSON(result); err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}

func do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	req, err := http.NewRequestWithContext(ctx, method, serverURL+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

func apiError(resp *http.Response) error {
	var body struct {
		Error    string          `json:"error"`
		Code     string          `json:"code"`
		Fallback *verdict.Result `json:"fallback"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Error == "" {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	if body.Fallback != nil {
		_ = printJSON(body.Fallback)
	}
	return fmt.Errorf("%s (%s): %s", resp.Status, body.Code, body.Error)
}

func printJSON(v any) error {
	formatted, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(formatted))
	return nil
}
