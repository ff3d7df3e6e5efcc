// forgectl is the operator CLI for the forged service: it submits component
// generation jobs and inspects their progress over the HTTP API.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/forgeui-labs/forgeui-go/internal/domain"
	"github.com/forgeui-labs/forgeui-go/internal/pipeline"
	"github.com/forgeui-labs/forgeui-go/internal/platform/env"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	server  string
	secret  string
	timeout time.Duration
}

func (o rootOptions) client() *client {
	return newClient(o.server, o.secret, o.timeout)
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "forgectl",
		Short:         "Manage component generation jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.server, "server", env.String("FORGE_SERVER", "http://localhost:8080"), "base URL of the forged service")
	root.PersistentFlags().StringVar(&opts.secret, "secret", env.String("FORGE_INTERNAL_AUTH_SECRET", ""), "shared secret for signing mutating requests")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 2*time.Minute, "request timeout")

	root.AddCommand(
		newSubmitCommand(opts),
		newStatusCommand(opts),
		newEventsCommand(opts),
		newRunStageCommand(opts),
		newEditCommand(opts),
	)
	return root
}

func newSubmitCommand(opts *rootOptions) *cobra.Command {
	var (
		name         string
		description  string
		kind         string
		requirements []string
		mappings     []string
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a new component generation job",
		RunE: func(cmd *cobra.Command, args []string) error {
			mapping, err := parseMappings(mappings)
			if err != nil {
				return err
			}
			req := pipeline.SubmitRequest{
				Request: domain.ComponentRequest{
					Name:          name,
					Description:   description,
					ComponentKind: kind,
					Requirements:  requirements,
				},
				BackendMapping: mapping,
			}
			raw, err := opts.client().do(cmd.Context(), http.MethodPost, "/v1/jobs", req)
			if err != nil {
				return err
			}
			return printJSON(cmd, raw)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "component name (required)")
	cmd.Flags().StringVar(&description, "description", "", "what the component does (required)")
	cmd.Flags().StringVar(&kind, "kind", "", "component kind, e.g. form or card")
	cmd.Flags().StringArrayVar(&requirements, "requirement", nil, "requirement the component must meet (repeatable)")
	cmd.Flags().StringArrayVar(&mappings, "map", nil, "per-stage backend as stage=provider/model (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("description")
	return cmd
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show the current job context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := opts.client().get(cmd.Context(), "/v1/jobs/"+url.PathEscape(args[0]), nil)
			if err != nil {
				return err
			}
			return printJSON(cmd, raw)
		},
	}
}

func newEventsCommand(opts *rootOptions) *cobra.Command {
	var (
		stage string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "events <job-id>",
		Short: "List progress events for a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{}
			if stage != "" {
				query.Set("stage", stage)
			}
			if limit > 0 {
				query.Set("limit", strconv.Itoa(limit))
			}
			raw, err := opts.client().get(cmd.Context(), "/v1/jobs/"+url.PathEscape(args[0])+"/events", query)
			if err != nil {
				return err
			}
			return printJSON(cmd, raw)
		},
	}
	cmd.Flags().StringVar(&stage, "stage", "", "only events for this stage")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of events")
	return cmd
}

func newRunStageCommand(opts *rootOptions) *cobra.Command {
	var backendOverride string
	cmd := &cobra.Command{
		Use:   "run-stage <job-id> <stage>",
		Short: "Invoke one pending stage and everything downstream of it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/jobs/" + url.PathEscape(args[0]) + "/stages/" + url.PathEscape(args[1]) + "/run"
			var body any
			if backendOverride != "" {
				body = map[string]string{"backend_override": backendOverride}
			}
			raw, err := opts.client().do(cmd.Context(), http.MethodPost, path, body)
			if err != nil {
				return err
			}
			return printJSON(cmd, raw)
		},
	}
	cmd.Flags().StringVar(&backendOverride, "backend", "", "backend override as provider/model")
	return cmd
}

func newEditCommand(opts *rootOptions) *cobra.Command {
	var (
		instructions string
		priority     string
	)
	cmd := &cobra.Command{
		Use:   "edit <job-id> <stage>",
		Short: "Re-run a completed stage with amendment instructions",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			edit := domain.EditContext{
				TargetStage:           args[1],
				AmendmentInstructions: instructions,
				Priority:              priority,
			}
			raw, err := opts.client().do(cmd.Context(), http.MethodPost, "/v1/jobs/"+url.PathEscape(args[0])+"/edit", edit)
			if err != nil {
				return err
			}
			return printJSON(cmd, raw)
		},
	}
	cmd.Flags().StringVar(&instructions, "instructions", "", "how the stage result should change (required)")
	cmd.Flags().StringVar(&priority, "priority", "", "optional edit priority")
	_ = cmd.MarkFlagRequired("instructions")
	return cmd
}

func parseMappings(entries []string) (map[string]string, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	mapping := make(map[string]string, len(entries))
	for _, entry := range entries {
		stage, ref, ok := strings.Cut(entry, "=")
		if !ok || strings.TrimSpace(stage) == "" || strings.TrimSpace(ref) == "" {
			return nil, fmt.Errorf("mapping %q must be stage=provider/model", entry)
		}
		mapping[strings.TrimSpace(stage)] = strings.TrimSpace(ref)
	}
	return mapping, nil
}

func printJSON(cmd *cobra.Command, raw json.RawMessage) error {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		cmd.Println(string(raw))
		return nil
	}
	cmd.Println(pretty.String())
	return nil
}
