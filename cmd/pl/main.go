package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"phaseline/internal/app"
	"phaseline/internal/config"
	"phaseline/internal/db"
	"phaseline/internal/domain"
	"phaseline/internal/engine"
	"phaseline/internal/repo"
	"phaseline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "pl",
	Short: "Phaseline CLI",
	Long: `Phaseline tracks interior design projects through templated phases.
Core concepts:
- Workspace: your .phaseline directory holding the database; phaseline.yml beside it configures the tenant, templates, roles, and webhooks.
- Project: one client engagement, instantiated from a category template (residential, commercial, ...).
- Phases: the big stages (design, procurement, execution); hard dependencies block a phase from starting until upstream phases complete.
- Sub-phases: the checklist inside a phase; completing them can roll the phase progress forward, and some require a minimum role.
- Status log: append-only diary of every status change, queryable with 'pl phase logs' and pushed to webhooks.
- Members: tenant users with levelled roles; invitations grant roles strictly below the inviter's own.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PHASELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "acting user id")
	rootCmd.PersistentFlags().String("tenant", "", "tenant id (overrides config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("tenant", rootCmd.PersistentFlags().Lookup("tenant"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(phaseCmd())
	rootCmd.AddCommand(subPhaseCmd())
	rootCmd.AddCommand(memberCmd())
	rootCmd.AddCommand(invitationCmd())
	rootCmd.AddCommand(templateCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage workspace config",
		Long:  "Config is the rulebook: tenant identity, phase templates per project category, role levels and permissions, and webhook endpoints. Stored as phaseline.yml in the workspace.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var tenantID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default phaseline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(tenantID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant-id", "studio", "tenant id for the generated config")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate phaseline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.LoadOptional(workspace)
			if err == nil && cfg == nil {
				err = fmt.Errorf("%s not found", config.Path(workspace))
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectUpdateCmd())
	prj.AddCommand(projectDeleteCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var name, category string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project from a category template",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, warning, err := e.CreateProject(ctx, engine.ProjectCreateOptions{
					TenantID: tenantID(e),
					Name:     name,
					Category: category,
				})
				if err != nil {
					return err
				}
				if warning != "" {
					fmt.Fprintln(os.Stderr, "warning:", warning)
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&category, "category", "", "template category (e.g. residential)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("category")
	return cmd
}

func projectListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List active projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListProjects(ctx, tenantID(e))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Category", "Status", "Current Phase"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.Category, p.Status, deref(p.CurrentPhaseID)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a project with its phases",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetProject(ctx, tenantID(e), args[0])
				if err != nil {
					return err
				}
				phases, err := e.ListPhases(ctx, tenantID(e), p.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"project": p, "phases": phases})
				}
				fmt.Printf("Project: %s (%s, %s)\n", p.Name, p.Category, p.Status)
				renderPhaseTable(phases)
				return nil
			})
		},
	}
	return cmd
}

func projectUpdateCmd() *cobra.Command {
	var name, status string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.ProjectUpdateOptions{TenantID: tenantID(e), ProjectID: args[0]}
				if cmd.Flags().Changed("name") {
					opts.Name = &name
				}
				if cmd.Flags().Changed("status") {
					opts.Status = &status
				}
				p, err := e.UpdateProject(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&status, "status", "", "status (active, on_hold, completed, archived)")
	return cmd
}

func projectDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Soft-delete a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteProject(ctx, tenantID(e), args[0])
			})
		},
	}
	return cmd
}

func phaseCmd() *cobra.Command {
	ph := &cobra.Command{
		Use:   "phase",
		Short: "Manage project phases",
		Long:  "Phases move not_started -> in_progress -> completed (or on_hold / cancelled). A phase with incomplete hard dependencies cannot start, and every status change needs notes for the log.",
	}
	ph.AddCommand(phaseListCmd())
	ph.AddCommand(phaseCreateCmd())
	ph.AddCommand(phaseUpdateCmd())
	ph.AddCommand(phaseDeleteCmd())
	ph.AddCommand(phaseDepCmd())
	ph.AddCommand(phaseLogsCmd())
	return ph
}

func phaseListCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List phases with resolved dependencies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				phases, err := e.ListPhases(ctx, tenantID(e), projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(phases)
				}
				renderPhaseTable(phases)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func phaseCreateCmd() *cobra.Command {
	var projectID, name, templateCode, assignee, notes string
	var plannedStart, plannedEnd string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Add a custom phase to a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				detail, err := e.CreatePhase(ctx, engine.PhaseCreateOptions{
					TenantID:         tenantID(e),
					ProjectID:        projectID,
					Name:             name,
					TemplateCode:     templateCode,
					AssignedTo:       optionalString(assignee),
					PlannedStartDate: optionalString(plannedStart),
					PlannedEndDate:   optionalString(plannedEnd),
					Notes:            notes,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(detail)
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().StringVar(&name, "name", "", "phase name")
	cmd.Flags().StringVar(&templateCode, "template", "", "template code to bind (optional)")
	cmd.Flags().StringVar(&assignee, "assign", "", "assignee user id")
	cmd.Flags().StringVar(&plannedStart, "planned-start", "", "planned start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&plannedEnd, "planned-end", "", "planned end date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&notes, "notes", "", "notes")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func phaseUpdateCmd() *cobra.Command {
	var projectID, status, progressMode, assignee, notes, changeNotes string
	var plannedStart, plannedEnd, actualStart, actualEnd string
	var progress int
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Patch a phase; status changes require --change-notes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.PhaseUpdateOptions{
					TenantID:          tenantID(e),
					ProjectID:         projectID,
					PhaseID:           args[0],
					ActorID:           viper.GetString("actor-id"),
					StatusChangeNotes: changeNotes,
				}
				if cmd.Flags().Changed("status") {
					opts.Status = &status
				}
				if cmd.Flags().Changed("progress") {
					opts.ProgressPercentage = &progress
				}
				if cmd.Flags().Changed("progress-mode") {
					opts.ProgressMode = &progressMode
				}
				if cmd.Flags().Changed("assign") {
					opts.AssignedTo = &assignee
				}
				if cmd.Flags().Changed("planned-start") {
					opts.PlannedStartDate = &plannedStart
				}
				if cmd.Flags().Changed("planned-end") {
					opts.PlannedEndDate = &plannedEnd
				}
				if cmd.Flags().Changed("actual-start") {
					opts.ActualStartDate = &actualStart
				}
				if cmd.Flags().Changed("actual-end") {
					opts.ActualEndDate = &actualEnd
				}
				if cmd.Flags().Changed("notes") {
					opts.Notes = &notes
				}
				detail, err := e.UpdatePhase(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(detail)
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().StringVar(&status, "status", "", "new status")
	cmd.Flags().IntVar(&progress, "progress", 0, "progress percentage")
	cmd.Flags().StringVar(&progressMode, "progress-mode", "", "manual or computed")
	cmd.Flags().StringVar(&assignee, "assign", "", "assignee user id (empty clears)")
	cmd.Flags().StringVar(&plannedStart, "planned-start", "", "planned start date (empty clears)")
	cmd.Flags().StringVar(&plannedEnd, "planned-end", "", "planned end date (empty clears)")
	cmd.Flags().StringVar(&actualStart, "actual-start", "", "actual start date (empty clears)")
	cmd.Flags().StringVar(&actualEnd, "actual-end", "", "actual end date (empty clears)")
	cmd.Flags().StringVar(&notes, "notes", "", "phase notes")
	cmd.Flags().StringVar(&changeNotes, "change-notes", "", "reason recorded in the status log")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func phaseDeleteCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a phase (refused while other phases depend on it)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeletePhase(ctx, tenantID(e), projectID, args[0])
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func phaseDepCmd() *cobra.Command {
	dep := &cobra.Command{Use: "dep", Short: "Manage phase dependencies"}
	dep.AddCommand(phaseDepAddCmd())
	dep.AddCommand(phaseDepRemoveCmd())
	return dep
}

func phaseDepAddCmd() *cobra.Command {
	var projectID, dependsOn, depType string
	cmd := &cobra.Command{
		Use:   "add <phase-id>",
		Short: "Add a dependency edge",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.AddDependency(ctx, engine.DependencyOptions{
					TenantID:         tenantID(e),
					ProjectID:        projectID,
					PhaseID:          args[0],
					DependsOnPhaseID: dependsOn,
					Type:             depType,
				})
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().StringVar(&dependsOn, "on", "", "phase id this phase depends on")
	cmd.Flags().StringVar(&depType, "type", "hard", "hard or soft")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("on")
	return cmd
}

func phaseDepRemoveCmd() *cobra.Command {
	var projectID, dependsOn string
	cmd := &cobra.Command{
		Use:   "remove <phase-id>",
		Short: "Remove a dependency edge",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RemoveDependency(ctx, engine.DependencyOptions{
					TenantID:         tenantID(e),
					ProjectID:        projectID,
					PhaseID:          args[0],
					DependsOnPhaseID: dependsOn,
				})
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().StringVar(&dependsOn, "on", "", "phase id of the edge to remove")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("on")
	return cmd
}

func phaseLogsCmd() *cobra.Command {
	var projectID string
	var limit int
	var cursor int64
	cmd := &cobra.Command{
		Use:   "logs <phase-id>",
		Short: "Show the status log of a phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				logs, err := e.ListPhaseLogs(ctx, tenantID(e), projectID, args[0], limit, cursor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(logs)
				}
				renderLogTable(logs)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().IntVar(&limit, "n", 20, "number of entries")
	cmd.Flags().Int64Var(&cursor, "cursor", 0, "return entries older than this id")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func subPhaseCmd() *cobra.Command {
	sp := &cobra.Command{
		Use:   "subphase",
		Short: "Manage sub-phases",
		Long:  "Sub-phases are the checklist inside a phase. 'complete' stamps who finished and when; 'skip' cancels a sub-phase whose template allows it. Completion may require a minimum role.",
	}
	sp.AddCommand(subPhaseListCmd())
	sp.AddCommand(subPhaseCreateCmd())
	sp.AddCommand(subPhaseUpdateCmd())
	sp.AddCommand(subPhaseCompleteCmd())
	sp.AddCommand(subPhaseSkipCmd())
	sp.AddCommand(subPhaseDeleteCmd())
	return sp
}

func subPhaseListCmd() *cobra.Command {
	var projectID, phaseID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sub-phases of a phase",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListSubPhases(ctx, tenantID(e), projectID, phaseID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Progress", "Assignee"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.Name, s.Status, fmt.Sprintf("%d%%", s.ProgressPercentage), deref(s.AssignedTo)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().StringVar(&phaseID, "phase", "", "phase id")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("phase")
	return cmd
}

func subPhaseCreateCmd() *cobra.Command {
	var projectID, phaseID, name, assignee, notes string
	var plannedStart, plannedEnd string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Add a sub-phase",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				detail, err := e.CreateSubPhase(ctx, engine.SubPhaseCreateOptions{
					TenantID:         tenantID(e),
					ProjectID:        projectID,
					PhaseID:          phaseID,
					Name:             name,
					AssignedTo:       optionalString(assignee),
					PlannedStartDate: optionalString(plannedStart),
					PlannedEndDate:   optionalString(plannedEnd),
					Notes:            notes,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(detail)
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().StringVar(&phaseID, "phase", "", "phase id")
	cmd.Flags().StringVar(&name, "name", "", "sub-phase name")
	cmd.Flags().StringVar(&assignee, "assign", "", "assignee user id")
	cmd.Flags().StringVar(&plannedStart, "planned-start", "", "planned start date")
	cmd.Flags().StringVar(&plannedEnd, "planned-end", "", "planned end date")
	cmd.Flags().StringVar(&notes, "notes", "", "notes")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("phase")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func subPhaseUpdateCmd() *cobra.Command {
	var projectID, phaseID, status, assignee, notes, changeNotes string
	var plannedStart, plannedEnd, actualStart, actualEnd string
	var progress int
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Patch a sub-phase; status changes require --change-notes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.SubPhaseUpdateOptions{
					TenantID:          tenantID(e),
					ProjectID:         projectID,
					PhaseID:           phaseID,
					SubPhaseID:        args[0],
					ActorID:           viper.GetString("actor-id"),
					StatusChangeNotes: changeNotes,
				}
				if cmd.Flags().Changed("status") {
					opts.Status = &status
				}
				if cmd.Flags().Changed("progress") {
					opts.ProgressPercentage = &progress
				}
				if cmd.Flags().Changed("assign") {
					opts.AssignedTo = &assignee
				}
				if cmd.Flags().Changed("planned-start") {
					opts.PlannedStartDate = &plannedStart
				}
				if cmd.Flags().Changed("planned-end") {
					opts.PlannedEndDate = &plannedEnd
				}
				if cmd.Flags().Changed("actual-start") {
					opts.ActualStartDate = &actualStart
				}
				if cmd.Flags().Changed("actual-end") {
					opts.ActualEndDate = &actualEnd
				}
				if cmd.Flags().Changed("notes") {
					opts.Notes = &notes
				}
				detail, err := e.UpdateSubPhase(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(detail)
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().StringVar(&phaseID, "phase", "", "phase id")
	cmd.Flags().StringVar(&status, "status", "", "new status")
	cmd.Flags().IntVar(&progress, "progress", 0, "progress percentage")
	cmd.Flags().StringVar(&assignee, "assign", "", "assignee user id (empty clears)")
	cmd.Flags().StringVar(&plannedStart, "planned-start", "", "planned start date (empty clears)")
	cmd.Flags().StringVar(&plannedEnd, "planned-end", "", "planned end date (empty clears)")
	cmd.Flags().StringVar(&actualStart, "actual-start", "", "actual start date (empty clears)")
	cmd.Flags().StringVar(&actualEnd, "actual-end", "", "actual end date (empty clears)")
	cmd.Flags().StringVar(&notes, "notes", "", "sub-phase notes")
	cmd.Flags().StringVar(&changeNotes, "change-notes", "", "reason recorded in the status log")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("phase")
	return cmd
}

func subPhaseCompleteCmd() *cobra.Command {
	var projectID, phaseID, notes string
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Mark a sub-phase completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				detail, err := e.CompleteSubPhase(ctx, engine.SubPhaseUpdateOptions{
					TenantID:          tenantID(e),
					ProjectID:         projectID,
					PhaseID:           phaseID,
					SubPhaseID:        args[0],
					ActorID:           viper.GetString("actor-id"),
					StatusChangeNotes: notes,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(detail)
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().StringVar(&phaseID, "phase", "", "phase id")
	cmd.Flags().StringVar(&notes, "notes", "", "reason recorded in the status log")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("phase")
	return cmd
}

func subPhaseSkipCmd() *cobra.Command {
	var projectID, phaseID, notes string
	cmd := &cobra.Command{
		Use:   "skip <id>",
		Short: "Skip a sub-phase whose template allows it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				detail, err := e.SkipSubPhase(ctx, engine.SubPhaseSkipOptions{
					TenantID:   tenantID(e),
					ProjectID:  projectID,
					PhaseID:    phaseID,
					SubPhaseID: args[0],
					ActorID:    viper.GetString("actor-id"),
					Notes:      notes,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(detail)
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().StringVar(&phaseID, "phase", "", "phase id")
	cmd.Flags().StringVar(&notes, "notes", "", "reason recorded in the status log")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("phase")
	return cmd
}

func subPhaseDeleteCmd() *cobra.Command {
	var projectID, phaseID string
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a sub-phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteSubPhase(ctx, tenantID(e), projectID, phaseID, args[0])
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().StringVar(&phaseID, "phase", "", "phase id")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("phase")
	return cmd
}

func memberCmd() *cobra.Command {
	mem := &cobra.Command{Use: "member", Short: "Manage tenant members"}
	mem.AddCommand(memberListCmd())
	mem.AddCommand(memberRemoveCmd())
	return mem
}

func memberListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List members with roles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				members, err := e.Repo.ListMembers(ctx, tenantID(e))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(members)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Email", "Role", "Level"})
				for _, m := range members {
					tw.AppendRow(table.Row{m.User.ID, m.User.Name, m.User.Email, m.RoleID, m.Level})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func memberRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove <user-id>",
		Short: "Remove a member (only below your own level)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RemoveMember(ctx, tenantID(e), viper.GetString("actor-id"), args[0])
			})
		},
	}
	return cmd
}

func invitationCmd() *cobra.Command {
	inv := &cobra.Command{Use: "invitation", Short: "Manage invitations"}
	inv.AddCommand(invitationCreateCmd())
	inv.AddCommand(invitationListCmd())
	inv.AddCommand(invitationAcceptCmd())
	inv.AddCommand(invitationDeclineCmd())
	inv.AddCommand(invitationRevokeCmd())
	return inv
}

func invitationCreateCmd() *cobra.Command {
	var email, roleID string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Invite a member (role must be below your own level)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				inv, err := e.InviteMember(ctx, engine.InviteOptions{
					TenantID: tenantID(e),
					ActorID:  viper.GetString("actor-id"),
					Email:    email,
					RoleID:   roleID,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(inv)
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "invitee email")
	cmd.Flags().StringVar(&roleID, "role", "", "role id to grant")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func invitationListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List invitations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListInvitations(ctx, tenantID(e), status)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (pending, accepted, declined, revoked)")
	return cmd
}

func invitationAcceptCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "accept <id>",
		Short: "Accept an invitation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.AcceptInvitation(ctx, engine.AcceptInvitationOptions{
					TenantID:     tenantID(e),
					InvitationID: args[0],
					Name:         name,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name for the new member")
	return cmd
}

func invitationDeclineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decline <id>",
		Short: "Decline an invitation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeclineInvitation(ctx, tenantID(e), args[0])
			})
		},
	}
	return cmd
}

func invitationRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke a pending invitation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RevokeInvitation(ctx, tenantID(e), args[0])
			})
		},
	}
	return cmd
}

func templateCmd() *cobra.Command {
	tpl := &cobra.Command{Use: "template", Short: "Inspect phase templates"}
	tpl.AddCommand(templateListCmd())
	return tpl
}

func templateListCmd() *cobra.Command {
	var category string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List templates for a category",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				templates, err := e.Repo.ListPhaseTemplates(ctx, category)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					out := make([]map[string]any, 0, len(templates))
					for _, t := range templates {
						subs, err := e.Repo.ListSubPhaseTemplates(ctx, nil, t.ID)
						if err != nil {
							return err
						}
						out = append(out, map[string]any{"template": t, "sub_phases": subs})
					}
					return printJSON(out)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Code", "Name", "Order", "Chained"})
				for _, t := range templates {
					tw.AppendRow(table.Row{t.Code, t.Name, t.DisplayOrder, t.ChainHardDeps})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "template category")
	_ = cmd.MarkFlagRequired("category")
	return cmd
}

func apiKeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys for the acting user"}
	key.AddCommand(apiKeyCreateCmd())
	key.AddCommand(apiKeyListCmd())
	key.AddCommand(apiKeyDeleteCmd())
	return key
}

func apiKeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (the raw key is printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				raw := "plk_" + uuid.NewString()
				key := domain.APIKey{
					ID:        uuid.NewString(),
					UserID:    viper.GetString("actor-id"),
					Name:      name,
					KeyHash:   repo.HashAPIKey(raw),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				key.KeyHash = ""
				return printJSONOrTable(map[string]any{"api_key": key, "key": raw})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				for i := range keys {
					keys[i].KeyHash = ""
				}
				return printJSONOrTable(keys)
			})
		},
	}
	return cmd
}

func apiKeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{
		Use:   "log",
		Short: "Status change log",
		Long:  "The diary of every phase and sub-phase status change across the workspace.",
	}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail recent status changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				logs, err := e.Repo.ListStatusLogs(ctx, repo.StatusLogFilters{Limit: n})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(logs)
				}
				renderLogTable(logs)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath, ownerEmail string
	var allowUserHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			jwtSecret := os.Getenv("PHASELINE_JWT_SECRET")
			if jwtSecret == "" && !allowUserHeader {
				return fmt.Errorf("PHASELINE_JWT_SECRET is required for bearer auth (or pass --allow-user-header for local use)")
			}
			appCtx, err := app.Bootstrap(cmd.Context(), workspace, ownerEmail, nil)
			if err != nil {
				return err
			}
			defer appCtx.DB.Close()
			handler, err := server.New(server.Config{
				Engine:   appCtx.Engine,
				BasePath: basePath,
				Auth: server.AuthConfig{
					JWTSecret:             jwtSecret,
					AllowLegacyUserHeader: allowUserHeader,
				},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Phaseline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().StringVar(&ownerEmail, "owner-email", "", "ensure an owner user with this email on startup")
	cmd.Flags().BoolVar(&allowUserHeader, "allow-user-header", false, "accept the unauthenticated X-User-Id header (local use only)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	appCtx, err := app.Bootstrap(ctx, workspace, "", nil)
	if err != nil {
		return err
	}
	defer appCtx.DB.Close()
	return fn(ctx, appCtx.Engine)
}

func tenantID(e engine.Engine) string {
	if t := strings.TrimSpace(viper.GetString("tenant")); t != "" {
		return t
	}
	return e.Config.Tenant.ID
}

func renderPhaseTable(phases []engine.PhaseDetail) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Name", "Status", "Progress", "Blocked", "Assignee"})
	for _, p := range phases {
		blocked := ""
		if p.IsBlocked {
			blocked = strings.Join(p.BlockingDependencies, ", ")
		}
		assignee := deref(p.AssignedTo)
		if p.Assignee != nil {
			assignee = p.Assignee.Name
		}
		tw.AppendRow(table.Row{p.ID, p.Name, p.Status, fmt.Sprintf("%d%%", p.ProgressPercentage), blocked, assignee})
	}
	tw.Render()
}

func renderLogTable(logs []domain.StatusLog) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "When", "Target", "Change", "By", "Notes"})
	for _, l := range logs {
		target := deref(l.PhaseID)
		if l.SubPhaseID != nil {
			target = "sub:" + *l.SubPhaseID
		}
		tw.AppendRow(table.Row{l.ID, l.CreatedAt, target, l.PreviousStatus + " -> " + l.NewStatus, l.ChangedBy, l.Notes})
	}
	tw.Render()
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
