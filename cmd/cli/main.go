package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"sketchbook/internal/api"
	"sketchbook/internal/preview"
	"sketchbook/internal/storage"
)

var (
	serverURL string
	apiKey    string
	timeout   time.Duration
	outDir    string
	version   int
	rawJSON   bool
	limit     int
	sketchArg string
	statusArg string
)

func main() {
	root := &cobra.Command{
		Use:           "sketchbook",
		Short:         "CLI client for the sketchbook preview studio",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&serverURL, "server", envOr("SKETCHBOOK_URL", "http://localhost:8080"), "Server URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("SKETCHBOOK_API_KEY"), "API key")
	root.PersistentFlags().BoolVar(&rawJSON, "json", false, "Print raw JSON responses")

	root.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List sketches",
		Args:  cobra.NoArgs,
		RunE:  runList,
	})

	root.AddCommand(&cobra.Command{
		Use:   "status [sketch]",
		Short: "Show a sketch's execution state",
		Args:  cobra.ExactArgs(1),
		RunE:  runStatus,
	})

	execCmd := &cobra.Command{
		Use:   "exec [sketch]",
		Short: "Execute a sketch and print the result",
		Args:  cobra.ExactArgs(1),
		RunE:  runExec,
	}
	execCmd.Flags().DurationVar(&timeout, "timeout", 0, "Execution timeout (server default when zero)")
	root.AddCommand(execCmd)

	previewCmd := &cobra.Command{
		Use:   "preview [sketch]",
		Short: "Download the pages of a preview version",
		Args:  cobra.ExactArgs(1),
		RunE:  runPreview,
	}
	previewCmd.Flags().IntVar(&version, "version", 0, "Version to fetch (latest when zero)")
	previewCmd.Flags().StringVarP(&outDir, "out", "o", ".", "Directory to write pages into")
	root.AddCommand(previewCmd)

	root.AddCommand(&cobra.Command{
		Use:   "code [sketch]",
		Short: "Print a sketch's source",
		Args:  cobra.ExactArgs(1),
		RunE:  runCode,
	})

	root.AddCommand(&cobra.Command{
		Use:   "watch [sketch]",
		Short: "Follow live preview events for a sketch",
		Args:  cobra.ExactArgs(1),
		RunE:  runWatch,
	})

	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		Args:  cobra.NoArgs,
		RunE:  runHealth,
	})

	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "List recent executions",
		Args:  cobra.NoArgs,
		RunE:  runHistory,
	}
	historyCmd.Flags().StringVar(&sketchArg, "sketch", "", "Only this sketch")
	historyCmd.Flags().StringVar(&statusArg, "status", "", "Only this status (success, empty, error)")
	historyCmd.Flags().IntVar(&limit, "limit", 20, "Maximum entries")
	root.AddCommand(historyCmd)

	if err := root.Execute(); err != nil {
		failure.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runList(_ *cobra.Command, _ []string) error {
	var sketches []api.SketchInfo
	body, err := getJSON("/sketches", &sketches)
	if err != nil || rawJSON {
		return printRaw(body, err)
	}
	if len(sketches) == 0 {
		fmt.Println("no sketches found")
		return nil
	}
	for _, s := range sketches {
		state := dim.Sprint("never run")
		if s.Version > 0 {
			state = statusColor(s.Status).Sprintf("v%d %s", s.Version, s.Status)
		}
		title := s.Title
		if title == "" {
			title = s.Name
		}
		fmt.Printf("%-32s %-14s %s\n", bold.Sprint(s.Name), state, dim.Sprint(title))
	}
	return nil
}

func runStatus(_ *cobra.Command, args []string) error {
	var st preview.Status
	body, err := getJSON("/status/"+url.PathEscape(args[0]), &st)
	if err != nil || rawJSON {
		return printRaw(body, err)
	}
	fmt.Printf("%s  %s\n", bold.Sprint(st.Sketch), stateColor(st.State).Sprint(st.State))
	if st.Current != nil {
		fmt.Printf("  current   v%d %s (%d pages)\n", st.Current.Number, st.Current.Status, len(st.Current.Pages))
	}
	if st.LastGood > 0 {
		fmt.Printf("  last good v%d\n", st.LastGood)
	}
	if len(st.Versions) > 0 {
		fmt.Printf("  retained  %v\n", st.Versions)
	}
	if !st.LastRun.IsZero() {
		fmt.Printf("  last run  %s\n", st.LastRun.Local().Format(time.RFC3339))
	}
	return nil
}

func runExec(_ *cobra.Command, args []string) error {
	payload := map[string]any{}
	if timeout > 0 {
		payload["timeout"] = timeout.String()
	}
	var res api.ExecuteResponse
	body, err := postJSON("/execute/"+url.PathEscape(args[0]), payload, &res)
	if err != nil || rawJSON {
		return printRaw(body, err)
	}

	if res.Stdout != "" {
		fmt.Print(res.Stdout)
		if !strings.HasSuffix(res.Stdout, "\n") {
			fmt.Println()
		}
	}
	if res.Error != nil {
		printFailure(res.Error)
		return fmt.Errorf("%s failed", res.Sketch)
	}
	note := ""
	if res.Coalesced {
		note = dim.Sprint(" (joined running execution)")
	}
	switch len(res.Pages) {
	case 0:
		success.Printf("✓ %s ran in %.2fs, no preview output%s\n", res.Sketch, res.ExecutionTime, note)
	default:
		success.Printf("✓ %s v%d: %d page(s) in %.2fs%s\n", res.Sketch, res.Version, len(res.Pages), res.ExecutionTime, note)
		for _, p := range res.Pages {
			fmt.Printf("  %s%s  %dx%d\n", serverURL, p.URL, p.Width, p.Height)
		}
	}
	return nil
}

func runPreview(_ *cobra.Command, args []string) error {
	path := "/preview/" + url.PathEscape(args[0])
	if version > 0 {
		path += "/" + strconv.Itoa(version)
	}
	var pv api.PreviewResponse
	body, err := getJSON(path, &pv)
	if err != nil || rawJSON {
		return printRaw(body, err)
	}
	if pv.Error != nil {
		printFailure(pv.Error)
		if pv.LastGood > 0 {
			warn.Printf("last good version is v%d (use --version %d)\n", pv.LastGood, pv.LastGood)
		}
		return fmt.Errorf("v%d is an error version", pv.Version)
	}
	if len(pv.Pages) == 0 {
		fmt.Printf("v%d produced no preview output\n", pv.Version)
		return nil
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("creating output dir: %w", err)
	}
	for _, p := range pv.Pages {
		data, err := get(p.URL)
		if err != nil {
			return fmt.Errorf("page %d: %w", p.Index, err)
		}
		name := filepath.Join(outDir, fmt.Sprintf("%s_v%d_page_%d.png", pv.Sketch, pv.Version, p.Index))
		if err := os.WriteFile(name, data, 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
		success.Printf("✓ %s", name)
		fmt.Printf("  %dx%d\n", p.Width, p.Height)
	}
	return nil
}

func runCode(_ *cobra.Command, args []string) error {
	var code struct {
		Path string `json:"path"`
		Code string `json:"code"`
	}
	body, err := getJSON("/code/"+url.PathEscape(args[0]), &code)
	if err != nil || rawJSON {
		return printRaw(body, err)
	}
	dim.Fprintf(os.Stderr, "# %s\n", code.Path)
	fmt.Print(code.Code)
	return nil
}

func runHealth(_ *cobra.Command, _ []string) error {
	var h api.HealthResponse
	body, err := getJSON("/health", &h)
	var apiErr *apiError
	// 503 still carries a health body
	if err != nil && !(errors.As(err, &apiErr) && apiErr.Status == http.StatusServiceUnavailable) {
		return err
	}
	if rawJSON {
		return printRaw(body, nil)
	}
	fmt.Printf("status       %s\n", statusColor(h.Status).Sprint(h.Status))
	fmt.Printf("database     %s\n", yesNo(h.Database))
	fmt.Printf("rasterizer   %s\n", yesNo(h.Rasterizer))
	fmt.Printf("executions   %d active\n", h.ActiveExecutions)
	fmt.Printf("viewers      %d\n", h.Viewers)
	fmt.Printf("uptime       %s\n", h.Uptime)
	return nil
}

func runHistory(_ *cobra.Command, _ []string) error {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if sketchArg != "" {
		q.Set("sketch", sketchArg)
	}
	if statusArg != "" {
		q.Set("status", statusArg)
	}
	var execs []storage.Execution
	body, err := getJSON("/executions?"+q.Encode(), &execs)
	if err != nil || rawJSON {
		return printRaw(body, err)
	}
	for _, e := range execs {
		outcome := statusColor(e.Status).Sprint(e.Status)
		if e.Failure != "" {
			outcome += " " + failure.Sprint(e.Failure)
		}
		fmt.Printf("%s  %-24s v%-4d %-7s %6dms  %s\n",
			dim.Sprint(e.CreatedAt.Local().Format("15:04:05")), e.Sketch, e.Version, e.Trigger, e.DurationMS, outcome)
	}
	return nil
}

func newRequest(method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequest(method, strings.TrimRight(serverURL, "/")+path, body)
	if err != nil {
		return nil, err
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	return req, nil
}

func printRaw(body []byte, err error) error {
	if err != nil {
		return err
	}
	var v any
	if json.Unmarshal(body, &v) != nil {
		_, werr := os.Stdout.Write(body)
		return werr
	}
	formatted, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(formatted))
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
