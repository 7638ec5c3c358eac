package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/bellmanhq/bellman/pkg/client"
)

func apiClient(cmd *cobra.Command) *client.Client {
	addr, _ := cmd.Flags().GetString("coordinator")
	return client.NewClient(addr)
}

func addCoordinatorFlag(cmd *cobra.Command) {
	cmd.Flags().String("coordinator", "http://localhost:8080", "coordinator API address")
}

// parseParams decodes --params JSON
func parseParams(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var params map[string]any
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return nil, fmt.Errorf("invalid --params: %w", err)
	}
	return params, nil
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage schedules",
}

var scheduleAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a schedule",
	Example: `  bellman schedule add --handler worker1 --method backup \
    --trigger '{"type":"cron","hour":3,"minute":0}'
  bellman schedule add --handler worker1 --method poll \
    --trigger '{"type":"interval","seconds":30}'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		handlerID, _ := cmd.Flags().GetString("handler")
		method, _ := cmd.Flags().GetString("method")
		triggerJSON, _ := cmd.Flags().GetString("trigger")
		paramsJSON, _ := cmd.Flags().GetString("params")
		id, _ := cmd.Flags().GetString("id")
		grace, _ := cmd.Flags().GetFloat64("misfire-grace")
		coalesce, _ := cmd.Flags().GetString("coalesce")
		replace, _ := cmd.Flags().GetBool("replace")

		var trigger map[string]any
		if err := json.Unmarshal([]byte(triggerJSON), &trigger); err != nil {
			return fmt.Errorf("invalid --trigger: %w", err)
		}
		params, err := parseParams(paramsJSON)
		if err != nil {
			return err
		}

		scheduleID, err := apiClient(cmd).AddSchedule(cmd.Context(), client.AddScheduleRequest{
			HandlerID:        handlerID,
			JobMethod:        method,
			JobParams:        params,
			Trigger:          trigger,
			JobID:            id,
			MisfireGraceTime: grace,
			Coalesce:         coalesce,
			ReplaceExisting:  replace,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Schedule %s created\n", scheduleID)
		return nil
	},
}

var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List schedules",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		schedules, page, err := apiClient(cmd).ListSchedules(cmd.Context(), limit, offset, time.Time{}, time.Time{})
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tHANDLER\tMETHOD\tTRIGGER\tNEXT FIRE")
		for _, s := range schedules {
			next := "exhausted"
			if s.NextFireTime != nil {
				next = s.NextFireTime.Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.ID, s.HandlerID, s.Method, s.Trigger.Type, next)
		}
		w.Flush()
		fmt.Printf("\n%d of %d schedules\n", len(schedules), page.Total)
		return nil
	},
}

var scheduleRemoveCmd = &cobra.Command{
	Use:   "remove <schedule-id>",
	Short: "Remove a schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient(cmd).RemoveSchedule(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Schedule %s removed\n", args[0])
		return nil
	},
}

var runNowCmd = &cobra.Command{
	Use:   "run-now",
	Short: "Dispatch a job immediately and wait for its result",
	RunE: func(cmd *cobra.Command, args []string) error {
		handlerID, _ := cmd.Flags().GetString("handler")
		method, _ := cmd.Flags().GetString("method")
		paramsJSON, _ := cmd.Flags().GetString("params")

		params, err := parseParams(paramsJSON)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
		defer cancel()

		result, err := apiClient(cmd).RunNow(ctx, handlerID, method, params)
		if err != nil {
			return err
		}
		out, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(out))
		return nil
	},
}

var handlersCmd = &cobra.Command{
	Use:   "handlers",
	Short: "List registered handlers with live status",
	RunE: func(cmd *cobra.Command, args []string) error {
		handlers, err := apiClient(cmd).ListHandlers(cmd.Context())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tADDRESS\tMETHODS\tSTATUS\tALIVE")
		for _, h := range handlers {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\n",
				h.HandlerID, h.Address, strings.Join(h.Methods, ","), h.Status, h.Alive)
		}
		return w.Flush()
	},
}

var executionsCmd = &cobra.Command{
	Use:   "executions",
	Short: "Query the execution log",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		handlerID, _ := cmd.Flags().GetString("handler")
		jobID, _ := cmd.Flags().GetString("job")
		status, _ := cmd.Flags().GetString("status")

		records, err := apiClient(cmd).GetExecutions(cmd.Context(), client.ExecutionFilter{
			HandlerID: handlerID,
			JobID:     jobID,
			Status:    status,
			Limit:     limit,
		})
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "JOB\tHANDLER\tMETHOD\tATTEMPT\tSTATUS\tDURATION\tERROR")
		for _, r := range records {
			dur := "-"
			if r.DurationMS != nil {
				dur = fmt.Sprintf("%dms", *r.DurationMS)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\t%s\n",
				r.JobID, r.HandlerID, r.Method, r.Attempt, r.MaxAttempts, r.Status, dur, r.Error)
		}
		return w.Flush()
	},
}

var executionsErrorsCmd = &cobra.Command{
	Use:   "errors",
	Short: "Show recent terminal failures",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		records, err := apiClient(cmd).GetExecutionErrors(cmd.Context(), limit)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "JOB\tHANDLER\tMETHOD\tATTEMPT\tTIME\tERROR")
		for _, r := range records {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
				r.JobID, r.HandlerID, r.Method, r.Attempt, r.MaxAttempts,
				r.StartedAt.Format(time.RFC3339), r.Error)
		}
		return w.Flush()
	},
}

var executionsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show execution statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		stats, err := apiClient(cmd).GetExecutionStats(cmd.Context())
		if err != nil {
			return err
		}
		out, _ := json.MarshalIndent(stats, "", "  ")
		fmt.Println(string(out))
		return nil
	},
}

var executionsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear the execution log",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient(cmd).ClearExecutions(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("Execution log cleared")
		return nil
	},
}

func init() {
	scheduleAddCmd.Flags().String("handler", "", "target handler id")
	scheduleAddCmd.Flags().String("method", "", "method to invoke")
	scheduleAddCmd.Flags().String("trigger", "", "trigger JSON")
	scheduleAddCmd.Flags().String("params", "", "method params JSON")
	scheduleAddCmd.Flags().String("id", "", "explicit schedule id")
	scheduleAddCmd.Flags().Float64("misfire-grace", 0, "misfire grace window in seconds")
	scheduleAddCmd.Flags().String("coalesce", "", "coalesce policy: latest, earliest or all")
	scheduleAddCmd.Flags().Bool("replace", false, "replace an existing schedule with the same id")
	_ = scheduleAddCmd.MarkFlagRequired("handler")
	_ = scheduleAddCmd.MarkFlagRequired("method")
	_ = scheduleAddCmd.MarkFlagRequired("trigger")

	scheduleListCmd.Flags().Int("limit", 50, "page size")
	scheduleListCmd.Flags().Int("offset", 0, "page offset")

	runNowCmd.Flags().String("handler", "", "target handler id")
	runNowCmd.Flags().String("method", "", "method to invoke")
	runNowCmd.Flags().String("params", "", "method params JSON")
	_ = runNowCmd.MarkFlagRequired("handler")
	_ = runNowCmd.MarkFlagRequired("method")

	executionsCmd.Flags().Int("limit", 100, "max records")
	executionsCmd.Flags().String("handler", "", "filter by handler id")
	executionsCmd.Flags().String("job", "", "filter by job id")
	executionsCmd.Flags().String("status", "", "filter by status: running, success, error or retry")

	executionsErrorsCmd.Flags().Int("limit", 50, "max records")

	scheduleCmd.AddCommand(scheduleAddCmd)
	scheduleCmd.AddCommand(scheduleListCmd)
	scheduleCmd.AddCommand(scheduleRemoveCmd)
	executionsCmd.AddCommand(executionsErrorsCmd)
	executionsCmd.AddCommand(executionsStatsCmd)
	executionsCmd.AddCommand(executionsClearCmd)

	for _, cmd := range []*cobra.Command{
		scheduleAddCmd, scheduleListCmd, scheduleRemoveCmd,
		runNowCmd, handlersCmd, executionsCmd,
		executionsErrorsCmd, executionsStatsCmd, executionsClearCmd,
	} {
		addCoordinatorFlag(cmd)
	}
}
