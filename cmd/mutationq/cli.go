package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/DarlingtonDeveloper/mutationq"
)

var (
	serverURL  string
	outputJSON bool
)

func addClientFlags(cmds ...*cobra.Command) {
	for _, cmd := range cmds {
		cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "mutationq server URL")
		cmd.Flags().BoolVar(&outputJSON, "output-json", false, "Output as JSON")
	}
}

func apiRequest(method, path string, body any) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, 0, err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, serverURL+"/mutations"+path, reader)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return data, resp.StatusCode, nil
}

func printJSON(data []byte) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		fmt.Fprintln(os.Stdout, string(data))
		return
	}
	fmt.Fprintln(os.Stdout, buf.String())
}

func checkStatus(data []byte, status int) error {
	if status < 400 {
		return nil
	}
	var errResp map[string]string
	if json.Unmarshal(data, &errResp) == nil && errResp["error"] != "" {
		return fmt.Errorf("server returned %d: %s", status, errResp["error"])
	}
	return fmt.Errorf("server returned %d: %s", status, string(data))
}

func call(method, path string, body any) ([]byte, error) {
	data, status, err := apiRequest(method, path, body)
	if err != nil {
		return nil, err
	}
	return data, checkStatus(data, status)
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show mutation counts per status",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := call(http.MethodGet, "/stats", nil)
		if err != nil {
			return err
		}
		if outputJSON {
			printJSON(data)
			return nil
		}

		var s mutationq.Stats
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("decode stats: %w", err)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "PENDING\tPROCESSING\tRETRYING\tCOMPLETED\tFAILED\tTOTAL")
		fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%d\t%d\n", s.Pending, s.Processing, s.Retrying, s.Completed, s.Failed, s.Total)
		return w.Flush()
	},
}

var (
	listStatus string
	listTable  string
	listLimit  int
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued mutations",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		if listStatus != "" {
			q.Set("status", listStatus)
		}
		if listTable != "" {
			q.Set("table", listTable)
		}
		if listLimit > 0 {
			q.Set("limit", strconv.Itoa(listLimit))
		}
		path := "/"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}

		data, err := call(http.MethodGet, path, nil)
		if err != nil {
			return err
		}
		if outputJSON {
			printJSON(data)
			return nil
		}

		var ops []mutationq.Operation
		if err := json.Unmarshal(data, &ops); err != nil {
			return fmt.Errorf("decode mutations: %w", err)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTYPE\tTABLE\tSTATUS\tRETRIES\tERROR")
		for _, op := range ops {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\n", op.ID, op.Type, op.Table, op.Status, op.RetryCount, op.MaxRetries, op.Error)
		}
		return w.Flush()
	},
}

var retryFailedCmd = &cobra.Command{
	Use:   "retry-failed",
	Short: "Reset failed mutations to pending",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := call(http.MethodPost, "/retry-failed", nil)
		if err != nil {
			return err
		}
		if outputJSON {
			printJSON(data)
			return nil
		}
		var resp map[string]int
		_ = json.Unmarshal(data, &resp)
		fmt.Printf("%d failed mutations requeued\n", resp["retried"])
		return nil
	},
}

var clearCompletedCmd = &cobra.Command{
	Use:   "clear-completed",
	Short: "Delete completed mutations",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := call(http.MethodPost, "/clear-completed", nil)
		if err != nil {
			return err
		}
		if outputJSON {
			printJSON(data)
			return nil
		}
		var resp map[string]int
		_ = json.Unmarshal(data, &resp)
		fmt.Printf("%d completed mutations cleared\n", resp["cleared"])
		return nil
	},
}

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Drain the queue now",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := call(http.MethodPost, "/process", nil)
		if err != nil {
			return err
		}
		printJSON(data)
		return nil
	},
}

var (
	enqueueType       string
	enqueueTable      string
	enqueuePayload    string
	enqueueFilters    string
	enqueueMaxRetries int
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Queue a mutation",
	Example: `  mutationq enqueue --type insert --table todos --payload '{"title":"buy milk"}'
  mutationq enqueue --type update --table todos --payload '{"done":true}' --filters '{"id":7}'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		typ, err := mutationq.ParseMutationType(enqueueType)
		if err != nil {
			return err
		}
		req := mutationq.Request{
			Type:       typ,
			Table:      enqueueTable,
			Payload:    json.RawMessage(enqueuePayload),
			MaxRetries: enqueueMaxRetries,
		}
		if !json.Valid(req.Payload) {
			return fmt.Errorf("--payload is not valid JSON")
		}
		if enqueueFilters != "" {
			if err := json.Unmarshal([]byte(enqueueFilters), &req.Filters); err != nil {
				return fmt.Errorf("--filters: %w", err)
			}
		}

		data, err := call(http.MethodPost, "/", req)
		if err != nil {
			return err
		}
		if outputJSON {
			printJSON(data)
			return nil
		}
		var resp map[string]string
		_ = json.Unmarshal(data, &resp)
		fmt.Printf("Queued %s\n", resp["id"])
		return nil
	},
}

func init() {
	listCmd.Flags().StringVar(&listStatus, "status", "", "Filter by status")
	listCmd.Flags().StringVar(&listTable, "table", "", "Filter by table")
	listCmd.Flags().IntVar(&listLimit, "limit", 0, "Maximum number of mutations (server default 50)")

	enqueueCmd.Flags().StringVar(&enqueueType, "type", "", "Mutation type: insert, update, delete, upsert or rpc")
	enqueueCmd.Flags().StringVar(&enqueueTable, "table", "", "Target table (function name for rpc)")
	enqueueCmd.Flags().StringVar(&enqueuePayload, "payload", "{}", "JSON payload")
	enqueueCmd.Flags().StringVar(&enqueueFilters, "filters", "", "JSON filters for update and delete")
	enqueueCmd.Flags().IntVar(&enqueueMaxRetries, "max-retries", 0, "Retry limit (server default when 0)")
	_ = enqueueCmd.MarkFlagRequired("type")

	addClientFlags(statsCmd, listCmd, retryFailedCmd, clearCompletedCmd, processCmd, enqueueCmd)
	rootCmd.AddCommand(statsCmd, listCmd, retryFailedCmd, clearCompletedCmd, processCmd, enqueueCmd)
}
