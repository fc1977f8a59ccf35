package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
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

	"signoff/internal/app"
	"signoff/internal/config"
	"signoff/internal/db"
	"signoff/internal/domain"
	"signoff/internal/engine"
	"signoff/internal/migrate"
	"signoff/internal/notify"
	"signoff/internal/pdf"
	"signoff/internal/repo"
	"signoff/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "signoff",
	Short: "Signoff CLI",
	Long: `Signoff runs the approval workflow for science project documents.
Every document climbs the same three-step ladder: the project lead signs first,
then the business area lead, then the directorate. Approvals can be taken back
(recall), pushed back down a step (send back), or reopened after the fact.
Concept plans that clear the ladder spawn a project plan; yearly progress
reports keep the project alive; a closure document retires it.
The workspace is the .signoff directory next to you: one SQLite database plus
an optional signoff.yml for notification templates and webhooks.`,
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
	viper.SetEnvPrefix("SIGNOFF")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor", "local-user", "acting user pk")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor", rootCmd.PersistentFlags().Lookup("actor"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(documentCmd())
	rootCmd.AddCommand(caretakerCmd())
	rootCmd.AddCommand(orgCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- config ---

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default signoff.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			if cfg == nil {
				cfg = config.Default()
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			schema, err := migrate.Version(conn)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{
				"schema_version": schema,
				"config":         cfg,
			})
		},
	}
}

// --- project ---

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectDocumentsCmd())
	prj.AddCommand(projectMemberCmd())
	prj.AddCommand(projectSetStatusCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var pk, title, businessArea, leader string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if title == "" {
				return fmt.Errorf("--title is required")
			}
			if businessArea == "" {
				return fmt.Errorf("--business-area is required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if pk == "" {
					pk = uuid.New().String()
				}
				p := domain.Project{
					PK:             pk,
					Title:          title,
					Status:         domain.ProjectNew,
					BusinessAreaPK: businessArea,
					CreatedAt:      time.Now().UTC().Format(time.RFC3339),
				}
				if leader != "" {
					if err := app.EnsureActor(ctx, r, leader); err != nil {
						return err
					}
					p.Team = []domain.Member{{UserPK: leader, IsLeader: true}}
				}
				if err := r.InsertProject(ctx, p); err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&pk, "pk", "", "project pk (generated when empty)")
	cmd.Flags().StringVar(&title, "title", "", "project title")
	cmd.Flags().StringVar(&businessArea, "business-area", "", "business area pk")
	cmd.Flags().StringVar(&leader, "leader", "", "project lead user pk")
	return cmd
}

func projectListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx, status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"PK", "Title", "Status", "Business Area", "Lead"})
				for _, p := range items {
					leader, _ := p.Leader()
					tw.AppendRow(table.Row{p.PK, p.Title, p.Status, p.BusinessAreaPK, leader.UserPK})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	return cmd
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <pk>",
		Short: "Show a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p, err := r.GetProject(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func projectDocumentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "documents <pk>",
		Short: "List a project's documents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				docs, err := r.ListProjectDocuments(ctx, args[0])
				if err != nil {
					return err
				}
				return renderDocuments(docs)
			})
		},
	}
}

func projectSetStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-status <pk> <status>",
		Short: "Force a project status, bypassing the workflow",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			status := args[1]
			known := []string{
				domain.ProjectNew, domain.ProjectPending, domain.ProjectActive,
				domain.ProjectUpdating, domain.ProjectClosureRequested,
				domain.ProjectCompleted, domain.ProjectTerminated, domain.ProjectSuspended,
			}
			ok := false
			for _, s := range known {
				if s == status {
					ok = true
					break
				}
			}
			if !ok {
				return fmt.Errorf("unknown status %q (one of %s)", status, strings.Join(known, ", "))
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if _, err := r.GetProject(ctx, args[0]); err != nil {
					return err
				}
				return r.SetProjectStatus(ctx, args[0], status)
			})
		},
	}
}

func projectMemberCmd() *cobra.Command {
	member := &cobra.Command{Use: "member", Short: "Manage project team"}
	var leader bool
	var role string
	add := &cobra.Command{
		Use:   "add <project-pk> <user-pk>",
		Short: "Add a team member",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := app.EnsureActor(ctx, r, args[1]); err != nil {
					return err
				}
				return r.AddMember(ctx, args[0], domain.Member{UserPK: args[1], IsLeader: leader, Role: role})
			})
		},
	}
	add.Flags().BoolVar(&leader, "leader", false, "mark as project lead")
	add.Flags().StringVar(&role, "role", "", "free-form role label")
	remove := &cobra.Command{
		Use:   "remove <project-pk> <user-pk>",
		Short: "Remove a team member",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.RemoveMember(ctx, args[0], args[1])
			})
		},
	}
	member.AddCommand(add, remove)
	return member
}

// --- document ---

func documentCmd() *cobra.Command {
	doc := &cobra.Command{Use: "document", Short: "Approval documents"}
	doc.AddCommand(documentCreateCmd())
	doc.AddCommand(documentShowCmd())
	doc.AddCommand(documentListCmd())
	doc.AddCommand(documentTransitionCmd("request", domain.ActionRequestApproval, "Put a document in approval"))
	doc.AddCommand(documentTransitionCmd("approve", domain.ActionApprove, "Grant the stage approval"))
	doc.AddCommand(documentTransitionCmd("recall", domain.ActionRecall, "Take back an approval"))
	doc.AddCommand(documentTransitionCmd("sendback", domain.ActionSendBack, "Push the document back one stage"))
	doc.AddCommand(documentTransitionCmd("reopen", domain.ActionReopen, "Reopen an approved document"))
	doc.AddCommand(documentDeleteCmd())
	doc.AddCommand(documentBatchApproveCmd())
	doc.AddCommand(documentPendingCmd())
	doc.AddCommand(documentNextCmd())
	doc.AddCommand(documentPDFCmd())
	return doc
}

func parseKindArg(raw string) (domain.DocumentKind, error) {
	kind := domain.DocumentKind(raw)
	if !kind.Valid() {
		kind = domain.DocumentKind(strings.TrimSuffix(raw, "s"))
	}
	if !kind.Valid() {
		return "", fmt.Errorf("unknown document kind %q (one of %v)", raw, domain.Kinds)
	}
	return kind, nil
}

func documentCreateCmd() *cobra.Command {
	var project, outcome, outcomeReason string
	var year int
	var aecRequired bool
	cmd := &cobra.Command{
		Use:   "create <kind>",
		Short: "Create a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := parseKindArg(args[0])
			if err != nil {
				return err
			}
			if project == "" {
				return fmt.Errorf("--project is required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.CreateDocumentOptions{
					ProjectPK:     project,
					Kind:          kind,
					ActorPK:       viper.GetString("actor"),
					Year:          year,
					Outcome:       outcome,
					OutcomeReason: outcomeReason,
				}
				if cmd.Flags().Changed("aec-required") {
					opts.AECEndorsementRequired = &aecRequired
				}
				env, err := e.CreateDocument(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(env)
			})
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project pk")
	cmd.Flags().IntVar(&year, "year", 0, "report year (progress and student reports)")
	cmd.Flags().StringVar(&outcome, "outcome", "", "closure outcome")
	cmd.Flags().StringVar(&outcomeReason, "outcome-reason", "", "closure outcome reason")
	cmd.Flags().BoolVar(&aecRequired, "aec-required", false, "animal ethics endorsement required (project plans)")
	return cmd
}

func documentShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <kind> <pk>",
		Short: "Show a document",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := parseKindArg(args[0])
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				env, err := r.GetDocument(ctx, kind, args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(env)
			})
		},
	}
}

func documentListCmd() *cobra.Command {
	var project, status string
	var year int
	cmd := &cobra.Command{
		Use:   "list <kind>",
		Short: "List documents of a kind",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := parseKindArg(args[0])
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				docs, err := r.ListDocuments(ctx, kind, repo.DocumentFilters{
					ProjectPK: project,
					Status:    domain.DocumentStatus(status),
					Year:      year,
				})
				if err != nil {
					return err
				}
				return renderDocuments(docs)
			})
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "filter by project pk")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&year, "year", 0, "filter by year")
	return cmd
}

func documentTransitionCmd(use string, action domain.Action, short string) *cobra.Command {
	var stage int
	var noEmail bool
	cmd := &cobra.Command{
		Use:   use + " <kind> <pk>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := parseKindArg(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				env, err := e.Transition(ctx, engine.TransitionOptions{
					Kind:            kind,
					PK:              args[1],
					Action:          action,
					Stage:           stage,
					ActorPK:         viper.GetString("actor"),
					ShouldSendEmail: !noEmail,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(env)
			})
		},
	}
	switch action {
	case domain.ActionApprove, domain.ActionRecall, domain.ActionSendBack:
		cmd.Flags().IntVar(&stage, "stage", 0, "approval stage (1-3)")
		_ = cmd.MarkFlagRequired("stage")
	}
	cmd.Flags().BoolVar(&noEmail, "no-email", false, "suppress notification emails")
	return cmd
}

func documentDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <kind> <pk>",
		Short: "Delete a document",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := parseKindArg(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteDocument(ctx, kind, args[1], viper.GetString("actor"))
			})
		},
	}
}

func documentBatchApproveCmd() *cobra.Command {
	var stage int
	cmd := &cobra.Command{
		Use:   "batchapprove <kind:pk> [<kind:pk>...]",
		Short: "Approve several documents at one stage",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			items := make([]engine.BatchItem, 0, len(args))
			for _, arg := range args {
				kindRaw, pk, ok := strings.Cut(arg, ":")
				if !ok {
					return fmt.Errorf("expected kind:pk, got %q", arg)
				}
				kind, err := parseKindArg(kindRaw)
				if err != nil {
					return err
				}
				items = append(items, engine.BatchItem{Kind: kind, PK: pk})
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				results := e.BatchApprove(ctx, stage, items, viper.GetString("actor"))
				return printJSONOrTable(results)
			})
		},
	}
	cmd.Flags().IntVar(&stage, "stage", 0, "approval stage (1-3)")
	_ = cmd.MarkFlagRequired("stage")
	return cmd
}

func documentPendingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "Documents waiting on you",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				pending, err := e.PendingMyAction(ctx, viper.GetString("actor"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(pending)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Stage", "Kind", "PK", "Project"})
				for _, env := range pending.Stage1 {
					tw.AppendRow(table.Row{1, env.Kind, env.PK, env.ProjectPK})
				}
				for _, env := range pending.Stage2 {
					tw.AppendRow(table.Row{2, env.Kind, env.PK, env.ProjectPK})
				}
				for _, env := range pending.Stage3 {
					tw.AppendRow(table.Row{3, env.Kind, env.PK, env.ProjectPK})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func documentNextCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "next <kind> <pk>",
		Short: "Who needs to act next",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := parseKindArg(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				env, err := e.Repo.GetDocument(ctx, kind, args[1])
				if err != nil {
					return err
				}
				next, err := e.NextApprover(ctx, env)
				if err != nil {
					return err
				}
				return printJSONOrTable(next)
			})
		},
	}
}

func documentPDFCmd() *cobra.Command {
	pdfCmd := &cobra.Command{Use: "pdf", Short: "Document PDF rendering"}
	start := &cobra.Command{
		Use:   "generate <kind> <pk>",
		Short: "Start PDF generation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := parseKindArg(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m := pdf.NewManager(e.Repo, pdfTimeout(e.Config))
				return m.Start(ctx, kind, args[1])
			})
		},
	}
	cancel := &cobra.Command{
		Use:   "cancel <kind> <pk>",
		Short: "Cancel PDF generation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := parseKindArg(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m := pdf.NewManager(e.Repo, pdfTimeout(e.Config))
				return m.Cancel(ctx, kind, args[1])
			})
		},
	}
	status := &cobra.Command{
		Use:   "status <kind> <pk>",
		Short: "Poll PDF generation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := parseKindArg(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m := pdf.NewManager(e.Repo, pdfTimeout(e.Config))
				pending, ref, err := m.Poll(ctx, kind, args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"pending": pending, "ref": ref})
			})
		},
	}
	pdfCmd.AddCommand(start, cancel, status)
	return pdfCmd
}

// --- caretaker ---

func caretakerCmd() *cobra.Command {
	ck := &cobra.Command{Use: "caretaker", Short: "Caretaker delegation"}
	var reason, endDate string
	set := &cobra.Command{
		Use:   "set <user-pk> <caretaker-pk>",
		Short: "Install a caretaker for a user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if args[0] == args[1] {
					return fmt.Errorf("a user cannot be their own caretaker")
				}
				ca := domain.CaretakerAssignment{
					PK:          uuid.New().String(),
					UserPK:      args[0],
					CaretakerPK: args[1],
					Reason:      reason,
					EndDate:     endDate,
					CreatedAt:   time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.SetCaretaker(ctx, ca); err != nil {
					return err
				}
				return printJSONOrTable(ca)
			})
		},
	}
	set.Flags().StringVar(&reason, "reason", "", "why the delegation exists")
	set.Flags().StringVar(&endDate, "end-date", "", "RFC3339 end of the delegation (empty = indefinite)")
	var newEnd string
	extend := &cobra.Command{
		Use:   "extend <user-pk>",
		Short: "Move the end date of the active delegation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.ExtendCaretaker(ctx, args[0], newEnd)
			})
		},
	}
	extend.Flags().StringVar(&newEnd, "end-date", "", "new RFC3339 end date")
	_ = extend.MarkFlagRequired("end-date")
	remove := &cobra.Command{
		Use:   "remove <user-pk>",
		Short: "Retire the active caretaker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.RemoveCaretaker(ctx, args[0])
			})
		},
	}
	var history bool
	list := &cobra.Command{
		Use:   "list <user-pk>",
		Short: "Show caretaker assignments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListCaretakers(ctx, args[0], history)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	list.Flags().BoolVar(&history, "history", false, "include retired assignments")
	ck.AddCommand(set, extend, remove, list)
	return ck
}

// --- org ---

func orgCmd() *cobra.Command {
	org := &cobra.Command{Use: "org", Short: "Users, divisions and business areas"}
	org.AddCommand(orgUserCmd())
	org.AddCommand(orgDivisionCmd())
	org.AddCommand(orgBusinessAreaCmd())
	org.AddCommand(orgAPIKeyCmd())
	return org
}

func orgUserCmd() *cobra.Command {
	user := &cobra.Command{Use: "user", Short: "Manage users"}
	var name, email string
	var super bool
	add := &cobra.Command{
		Use:   "add <pk>",
		Short: "Create a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				u := domain.User{
					PK:          args[0],
					Name:        name,
					Email:       email,
					IsSuperuser: super,
					CreatedAt:   time.Now().UTC().Format(time.RFC3339),
				}
				if u.Name == "" {
					u.Name = u.PK
				}
				if err := r.InsertUser(ctx, u); err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	add.Flags().StringVar(&name, "name", "", "display name")
	add.Flags().StringVar(&email, "email", "", "notification address")
	add.Flags().BoolVar(&super, "superuser", false, "grant full workflow authority")
	list := &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListUsers(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	user.AddCommand(add, list)
	return user
}

func orgAPIKeyCmd() *cobra.Command {
	keys := &cobra.Command{Use: "apikey", Short: "Manage API keys for the HTTP API"}
	var name string
	create := &cobra.Command{
		Use:   "create <user-pk>",
		Short: "Issue an API key; the secret is shown once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if _, err := r.GetUser(ctx, args[0]); err != nil {
					return err
				}
				raw := make([]byte, 32)
				if _, err := rand.Read(raw); err != nil {
					return err
				}
				secret := hex.EncodeToString(raw)
				key := domain.APIKey{
					ID:        uuid.New().String(),
					UserPK:    args[0],
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{
					"id":      key.ID,
					"user_pk": key.UserPK,
					"secret":  secret,
				})
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "key label")
	list := &cobra.Command{
		Use:   "list [user-pk]",
		Short: "List issued keys",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				userPK := ""
				if len(args) == 1 {
					userPK = args[0]
				}
				items, err := r.ListAPIKeys(ctx, userPK)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	revoke := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Delete a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	keys.AddCommand(create, list, revoke)
	return keys
}

func orgDivisionCmd() *cobra.Command {
	div := &cobra.Command{Use: "division", Short: "Manage divisions"}
	var name string
	add := &cobra.Command{
		Use:   "add <pk>",
		Short: "Create a division",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				d := domain.Division{PK: args[0], Name: name}
				if d.Name == "" {
					d.Name = d.PK
				}
				return r.InsertDivision(ctx, d)
			})
		},
	}
	add.Flags().StringVar(&name, "name", "", "division name")
	directorate := &cobra.Command{Use: "directorate", Short: "Directorate membership"}
	dirAdd := &cobra.Command{
		Use:   "add <division-pk> <user-pk>",
		Short: "Add a directorate member",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.AddDirectorateMember(ctx, args[0], args[1])
			})
		},
	}
	dirRemove := &cobra.Command{
		Use:   "remove <division-pk> <user-pk>",
		Short: "Remove a directorate member",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.RemoveDirectorateMember(ctx, args[0], args[1])
			})
		},
	}
	dirList := &cobra.Command{
		Use:   "list <division-pk>",
		Short: "List directorate members",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				members, err := r.ListDirectorateMembers(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(members)
			})
		},
	}
	directorate.AddCommand(dirAdd, dirRemove, dirList)
	div.AddCommand(add, directorate)
	return div
}

func orgBusinessAreaCmd() *cobra.Command {
	ba := &cobra.Command{Use: "businessarea", Short: "Manage business areas"}
	var name, division, leader string
	add := &cobra.Command{
		Use:   "add <pk>",
		Short: "Create a business area",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if division == "" {
				return fmt.Errorf("--division is required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				area := domain.BusinessArea{PK: args[0], Name: name, DivisionPK: division, LeaderPK: leader}
				if area.Name == "" {
					area.Name = area.PK
				}
				return r.InsertBusinessArea(ctx, area)
			})
		},
	}
	add.Flags().StringVar(&name, "name", "", "business area name")
	add.Flags().StringVar(&division, "division", "", "owning division pk")
	add.Flags().StringVar(&leader, "leader", "", "business area lead user pk")
	setLeader := &cobra.Command{
		Use:   "set-leader <pk> <user-pk>",
		Short: "Change the business area lead",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.SetBusinessAreaLeader(ctx, args[0], args[1])
			})
		},
	}
	ba.AddCommand(add, setLeader)
	return ba
}

// --- log ---

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Event log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var project, evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, project, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&project, "project", "", "project pk filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

// --- serve ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacy bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, cfg, err := app.OpenWorkspace(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer conn.Close()
			e := engine.New(conn, cfg)
			e.Notify = notify.NewDispatcher(e.Repo, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:             os.Getenv("SIGNOFF_JWT_SECRET"),
				AllowLegacyUserHeader: allowLegacy,
			}
			if authCfg.JWTSecret == "" && !allowLegacy {
				return fmt.Errorf("SIGNOFF_JWT_SECRET is required for bearer auth (or pass --allow-legacy-user-header for local use)")
			}
			manager := pdf.NewManager(e.Repo, pdfTimeout(cfg))
			handler, err := server.New(server.Config{
				Engine:   e,
				PDF:      manager,
				BasePath: basePath,
				Auth:     authCfg,
			})
			if err != nil {
				return err
			}
			server.StartWebhookDispatcher(e)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Signoff API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacy, "allow-legacy-user-header", false, "accept X-User-Pk without a token (local use only)")
	return cmd
}

// --- helpers ---

func pdfTimeout(cfg *config.Config) time.Duration {
	if cfg != nil && cfg.PDF.TimeoutSeconds > 0 {
		return time.Duration(cfg.PDF.TimeoutSeconds) * time.Second
	}
	return 0
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	conn, cfg, err := app.OpenWorkspace(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer conn.Close()
	r := repo.Repo{DB: conn}
	if err := app.EnsureActor(ctx, r, viper.GetString("actor")); err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	e.Notify = notify.NewDispatcher(r, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, _, err := app.OpenWorkspace(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, repo.Repo{DB: conn})
}

func renderDocuments(docs []domain.DocumentEnvelope) error {
	if viper.GetBool("json") {
		return printJSON(docs)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Kind", "PK", "Project", "Status", "PL", "BAL", "DIR", "Version"})
	for _, env := range docs {
		tw.AppendRow(table.Row{
			env.Kind, env.PK, env.ProjectPK, env.Status,
			mark(env.Flags.ProjectLead), mark(env.Flags.BusinessAreaLead), mark(env.Flags.Directorate),
			env.Version,
		})
	}
	tw.Render()
	return nil
}

func mark(v bool) string {
	if v {
		return "x"
	}
	return "-"
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
