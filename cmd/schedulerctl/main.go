// Command schedulerctl is a thin CLI client for the scheduler's HTTP
// control plane (pkg/api): start/abort/suspend/resume an operation,
// push updated runtime parameters, and inspect the read-only orchid
// tree.
//
// Grounded on the teacher's `warren service`/`warren node` subcommand
// families (cuemby-warren/cmd/warren/main.go): one cobra subcommand
// per verb, a `--manager` flag on every leaf command, and a plain
// tabular Printf report for list-shaped responses. The teacher talks
// gRPC through pkg/client; this scheduler's control plane is HTTP+JSON
// (pkg/api), so the leaf commands issue net/http requests directly
// instead of going through a generated client stub.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/clusterforge/scheduler/pkg/types"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "schedulerctl",
	Short: "Control client for the fair-share scheduler's HTTP API",
}

func init() {
	rootCmd.PersistentFlags().String("scheduler", "127.0.0.1:8080", "Scheduler control-plane address")

	rootCmd.AddCommand(operationCmd)
	rootCmd.AddCommand(orchidCmd)

	operationCmd.AddCommand(operationStartCmd)
	operationCmd.AddCommand(operationAbortCmd)
	operationCmd.AddCommand(operationSuspendCmd)
	operationCmd.AddCommand(operationResumeCmd)
	operationCmd.AddCommand(operationUpdateParamsCmd)

	operationStartCmd.Flags().String("id", "", "Operation ID (required)")
	operationStartCmd.Flags().String("type", "vanilla", "Operation type")
	operationStartCmd.Flags().String("owner", "", "Owner user")
	operationStartCmd.Flags().String("account", "", "Billing account")
	operationStartCmd.Flags().String("tree", "default", "Tree to schedule into")
	operationStartCmd.Flags().String("pool", "", "Pool within the tree (required)")
	operationStartCmd.MarkFlagRequired("id")
	operationStartCmd.MarkFlagRequired("pool")

	for _, c := range []*cobra.Command{operationAbortCmd, operationSuspendCmd, operationResumeCmd} {
		c.Flags().String("id", "", "Operation ID (required)")
		c.MarkFlagRequired("id")
	}

	operationUpdateParamsCmd.Flags().String("id", "", "Operation ID (required)")
	operationUpdateParamsCmd.Flags().String("tree", "", "Tree whose assignment to update (required)")
	operationUpdateParamsCmd.Flags().Float64("weight", 0, "Operation weight in this tree; the request replaces all runtime parameters of the assignment")
	operationUpdateParamsCmd.MarkFlagRequired("id")
	operationUpdateParamsCmd.MarkFlagRequired("tree")
}

var operationCmd = &cobra.Command{
	Use:   "operation",
	Short: "Manage scheduler operations",
}

var operationStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a new operation",
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("id")
		opType, _ := cmd.Flags().GetString("type")
		owner, _ := cmd.Flags().GetString("owner")
		account, _ := cmd.Flags().GetString("account")
		tree, _ := cmd.Flags().GetString("tree")
		pool, _ := cmd.Flags().GetString("pool")

		req := startOperationRequest{
			ID:      id,
			Type:    opType,
			Owner:   owner,
			Account: account,
			Assignments: []types.PoolAssignment{
				{Tree: tree, Pool: types.PoolID(pool)},
			},
		}

		var resp map[string]string
		if err := post(cmd, "/operations/start", req, &resp); err != nil {
			return err
		}
		fmt.Printf("operation started: id=%s state=%s\n", resp["id"], resp["state"])
		return nil
	},
}

var operationAbortCmd = &cobra.Command{
	Use:   "abort",
	Short: "Abort a running operation",
	RunE:  operationIDAction("/operations/abort"),
}

var operationSuspendCmd = &cobra.Command{
	Use:   "suspend",
	Short: "Suspend a running operation",
	RunE:  operationIDAction("/operations/suspend"),
}

var operationResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume a suspended operation",
	RunE:  operationIDAction("/operations/resume"),
}

func operationIDAction(path string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("id")
		var resp map[string]string
		if err := post(cmd, path, map[string]string{"id": id}, &resp); err != nil {
			return err
		}
		fmt.Printf("operation %s: id=%s state=%s\n", path, resp["id"], resp["state"])
		return nil
	}
}

var operationUpdateParamsCmd = &cobra.Command{
	Use:   "update-runtime-parameters",
	Short: "Push new runtime parameters for an operation's tree assignment",
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("id")
		tree, _ := cmd.Flags().GetString("tree")
		weight, _ := cmd.Flags().GetFloat64("weight")

		req := updateRuntimeParametersRequest{
			ID:   id,
			Tree: tree,
			Params: types.RuntimeParameters{
				Weight: weight,
			},
		}

		var resp map[string]string
		if err := post(cmd, "/operations/update-runtime-parameters", req, &resp); err != nil {
			return err
		}
		fmt.Printf("runtime parameters updated: id=%s tree=%s\n", resp["id"], resp["tree"])
		return nil
	},
}

var orchidCmd = &cobra.Command{
	Use:   "orchid",
	Short: "Display the scheduler's current pool and operation tree",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp orchidResponse
		if err := get(cmd, "/orchid", &resp); err != nil {
			return err
		}

		fmt.Printf("snapshot as of %s\n\n", resp.Timestamp.Format(time.RFC3339))

		poolNames := make([]string, 0, len(resp.Pools))
		for name := range resp.Pools {
			poolNames = append(poolNames, name)
		}
		sort.Strings(poolNames)

		fmt.Println("Pools:")
		fmt.Printf("  %-20s %-12s %-12s %s\n", "NAME", "FAIR_SHARE", "DEMAND", "SATISFACTION")
		for _, name := range poolNames {
			p := resp.Pools[name]
			fmt.Printf("  %-20s %-12.3f %-12.3f %.3f\n", name, p.FairShareRatio, p.DemandRatio, p.SatisfactionRatio)
		}

		opIDs := make([]string, 0, len(resp.Operations))
		for id := range resp.Operations {
			opIDs = append(opIDs, id)
		}
		sort.Strings(opIDs)

		fmt.Println("\nOperations:")
		fmt.Printf("  %-20s %-12s %-10s %-10s %-10s %s\n", "ID", "STATE", "SUSPENDED", "RUNNING", "WAITING", "COMPLETED")
		for _, id := range opIDs {
			op := resp.Operations[id]
			fmt.Printf("  %-20s %-12s %-10t %-10d %-10d %d\n",
				id, op.State, op.Suspended, op.RunningJobs, op.WaitingJobs, op.CompletedJobs)
		}
		return nil
	},
}

// The request/response shapes below mirror pkg/api's wire types. They
// are declared locally rather than imported so this CLI only depends
// on pkg/types, not on the scheduler's internal packages.

type startOperationRequest struct {
	ID          string                   `json:"id"`
	Type        string                   `json:"type"`
	Owner       string                   `json:"owner"`
	Account     string                   `json:"account"`
	Assignments []types.PoolAssignment   `json:"assignments"`
}

type updateRuntimeParametersRequest struct {
	ID     string                  `json:"id"`
	Tree   string                  `json:"tree"`
	Params types.RuntimeParameters `json:"params"`
}

type orchidPool struct {
	FairShareRatio    float64 `json:"fair_share_ratio"`
	DemandRatio       float64 `json:"demand_ratio"`
	SatisfactionRatio float64 `json:"satisfaction_ratio"`
}

type orchidOp struct {
	State           string `json:"state"`
	Suspended       bool   `json:"suspended"`
	ControllerEpoch uint64 `json:"controller_epoch"`
	RunningJobs     int    `json:"running_jobs"`
	WaitingJobs     int    `json:"waiting_jobs"`
	CompletedJobs   int    `json:"completed_jobs"`
}

type orchidResponse struct {
	Timestamp  time.Time             `json:"timestamp"`
	Pools      map[string]orchidPool `json:"pools"`
	Operations map[string]orchidOp   `json:"operations"`
}

var httpClient = &http.Client{Timeout: 10 * time.Second}

func post(cmd *cobra.Command, path string, body, out any) error {
	addr, _ := cmd.Flags().GetString("scheduler")
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	resp, err := httpClient.Post(fmt.Sprintf("http://%s%s", addr, path), "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()
	return decodeOrError(resp, out)
}

func get(cmd *cobra.Command, path string, out any) error {
	addr, _ := cmd.Flags().GetString("scheduler")
	resp, err := httpClient.Get(fmt.Sprintf("http://%s%s", addr, path))
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()
	return decodeOrError(resp, out)
}

func decodeOrError(resp *http.Response, out any) error {
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("scheduler returned %s: %s", resp.Status, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
