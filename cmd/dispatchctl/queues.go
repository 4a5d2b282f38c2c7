package main

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"organ_dispatch/internal/config"
	"organ_dispatch/internal/queue"
	sqlitestore "organ_dispatch/internal/store/sqlite"
)

func queuesCmd() *cobra.Command {
	var (
		dbPath     string
		parentID   string
		configPath string
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "queues",
		Short: "Print the delegation queues of a parent task",
		Long: `Group the open foreign subtasks of a parent task into department batches and
print them in the order the dispatcher would run them.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if parentID == "" {
				return fmt.Errorf("--parent is required")
			}
			ctx := cmd.Context()
			store, err := sqlitestore.Open(dbPath)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Migrate(ctx); err != nil {
				return err
			}

			parent, err := store.GetTask(ctx, parentID)
			if err != nil {
				return err
			}
			open, err := store.ListOpenForeignSubtasks(ctx, parentID)
			if err != nil {
				return err
			}
			depts, err := store.ListDepartments(ctx)
			if err != nil {
				return err
			}
			sortOrder := make(map[string]int, len(depts))
			names := make(map[string]string, len(depts))
			for _, d := range depts {
				sortOrder[d.ID] = d.SortOrder
				names[d.ID] = d.Name
			}

			priority := maps.Clone(queue.DefaultPriority)
			if configPath != "" {
				cfg, err := config.Load(configPath)
				if err != nil {
					return err
				}
				maps.Copy(priority, cfg.Departments.Priority)
			}
			queues := queue.Builder{Priority: priority}.Build(open, sortOrder)

			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, queues)
			}
			fmt.Fprintf(out, "%s %s\n", color.CyanString("task:"), parent.Title)
			if len(queues) == 0 {
				fmt.Fprintln(out, color.HiBlackString("no open foreign subtasks"))
				return nil
			}
			for i, q := range queues {
				name := names[q.DepartmentID]
				if name == "" {
					name = q.DepartmentID
				}
				fmt.Fprintf(out, "%s %s (%d)\n", color.YellowString("[%d/%d]", i+1, len(queues)), name, len(q.Subtasks))
				for _, st := range q.Subtasks {
					fmt.Fprintf(out, "    %s %s %s\n", color.HiBlackString(st.ID), st.Status, st.Title)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", envOr("ORGAN_DISPATCH_DB", "data/organ_dispatch.db"), "sqlite database path")
	cmd.Flags().StringVar(&parentID, "parent", "", "parent task id")
	cmd.Flags().StringVar(&configPath, "config", "", "config.toml with [departments.priority] overrides")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of text")
	return cmd
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
