package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stageline/internal/app"
	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/repo"
)

func workflowCmd() *cobra.Command {
	wf := &cobra.Command{Use: "workflow", Short: "Manage staging workflows"}
	var id, managers string
	create := &cobra.Command{
		Use:   "create <project>",
		Short: "Create a staging workflow for a target project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := actor()
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if managers == "" {
					managers = rt.Config.Workflow.ManagersGroup
				}
				res, err := rt.Engine.CreateWorkflow(ctx, domain.StagingWorkflow{ID: id, Project: args[0], ManagersGroup: managers}, a)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	create.Flags().StringVar(&id, "id", "", "workflow id (defaults to the project)")
	create.Flags().StringVar(&managers, "managers-group", "", "staging managers group")
	wf.AddCommand(create)
	wf.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.Repo.ListWorkflows(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Project", "Managers"})
				for _, w := range items {
					tw.AppendRow(table.Row{w.ID, w.Project, w.ManagersGroup})
				}
				tw.Render()
				return nil
			})
		},
	})
	return wf
}

func stagingCmd() *cobra.Command {
	st := &cobra.Command{
		Use:   "staging",
		Short: "Manage staging projects",
		Long:  "Staging projects collect requests that are tested together and accepted in one step.",
	}
	st.AddCommand(stagingCreateCmd())
	st.AddCommand(stagingListCmd())
	st.AddCommand(stagingStatusCmd())
	st.AddCommand(stagingAcceptCmd())
	return st
}

func stagingCreateCmd() *cobra.Command {
	var workflow string
	cmd := &cobra.Command{
		Use:   "create <project>",
		Short: "Create a staging project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := actor()
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if workflow == "" {
					workflow = rt.Config.Workflow.Project
				}
				sp, err := rt.Engine.CreateStagingProject(ctx, args[0], workflow, a)
				if err != nil {
					return err
				}
				return printJSONOrTable(sp)
			})
		},
	}
	cmd.Flags().StringVar(&workflow, "workflow", "", "workflow id (defaults to workflow.project from config)")
	return cmd
}

func stagingListCmd() *cobra.Command {
	var workflow string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List staging projects with their overall state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.Repo.ListStagingProjects(ctx, workflow)
				if err != nil {
					return err
				}
				type row struct {
					domain.StagingProject
					State domain.AggregateState `json:"state"`
				}
				rows := make([]row, 0, len(items))
				for _, sp := range items {
					state, err := rt.Engine.OverallState(ctx, sp.ID)
					if err != nil {
						return err
					}
					rows = append(rows, row{StagingProject: sp, State: state})
				}
				if viper.GetBool("json") {
					return printJSON(rows)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Project", "Workflow", "State", "Requests"})
				for _, r := range rows {
					tw.AppendRow(table.Row{r.ID, r.WorkflowID, r.State, len(r.Requests)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&workflow, "workflow", "", "workflow filter")
	return cmd
}

func stagingStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <project>",
		Short: "Show a staging project's requests and overall state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				st, err := rt.Engine.StagingStatus(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				fmt.Printf("Staging project: %s (workflow %s)\n", st.Project.ID, st.Project.WorkflowID)
				fmt.Printf("Overall state: %s\n", st.State)
				tw := newTable()
				tw.AppendHeader(table.Row{"Request", "State", "Creator", "Blocking", "Open reviews"})
				for _, req := range st.Requests {
					tw.AppendRow(table.Row{req.ID, req.State, req.Creator, engine.IsBlocking(req), openReviews(req)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func openReviews(req domain.StagedRequest) string {
	var out []string
	for _, rv := range req.Reviews {
		if rv.State == domain.ReviewNew {
			out = append(out, string(rv.Subject.Scope)+":"+rv.Subject.ID)
		}
	}
	return strings.Join(out, ", ")
}

func stagingAcceptCmd() *cobra.Command {
	var async bool
	cmd := &cobra.Command{
		Use:   "accept <project>",
		Short: "Accept every request of an acceptable staging project",
		Long: `Accept lands every request staged in the project into its target projects.
It only acts when the overall state is acceptable and you may accept into every
target project; otherwise the current state is reported and nothing changes.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := actor()
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if async {
					job, created, err := rt.Engine.EnqueueAccept(ctx, rt.Jobs, args[0], a)
					if err != nil {
						return err
					}
					if viper.GetBool("json") {
						return printJSON(map[string]any{"job": job, "created": created})
					}
					if created {
						fmt.Printf("Queued job %s\n", job.ID)
					} else {
						fmt.Printf("Job %s already %s\n", job.ID, job.State)
					}
					return nil
				}
				state, err := rt.Engine.AcceptStagingProject(ctx, args[0], a)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"project": args[0], "state": state})
				}
				fmt.Printf("%s: %s\n", args[0], state)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&async, "async", false, "queue the accept for 'stg worker'")
	return cmd
}

func requestCmd() *cobra.Command {
	rq := &cobra.Command{Use: "request", Short: "Manage requests"}
	rq.AddCommand(requestCreateCmd())
	rq.AddCommand(requestShowCmd())
	rq.AddCommand(requestListCmd())
	rq.AddCommand(requestStateCmd())
	rq.AddCommand(requestStageCmd())
	rq.AddCommand(requestUnstageCmd())
	return rq
}

func requestCreateCmd() *cobra.Command {
	var id, desc string
	var submits, deletes, reviews []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a request",
		Example: `  stg request create --submit home:bob/hello=openSUSE:Factory
  stg request create --delete openSUSE:Factory/old --review group:factory-auto`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := actor()
			if err != nil {
				return err
			}
			opts := engine.RequestCreateOptions{ID: id, Creator: a, Description: desc}
			for _, s := range submits {
				act, err := parseSubmit(s)
				if err != nil {
					return err
				}
				opts.Actions = append(opts.Actions, act)
			}
			for _, d := range deletes {
				act, err := parseDelete(d)
				if err != nil {
					return err
				}
				opts.Actions = append(opts.Actions, act)
			}
			for _, r := range reviews {
				subj, err := parseReviewSubject(r)
				if err != nil {
					return err
				}
				opts.Reviews = append(opts.Reviews, subj)
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				req, err := rt.Engine.CreateRequest(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "request id")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringArrayVar(&submits, "submit", nil, "submit action src_project/src_package=target_project[/target_package]")
	cmd.Flags().StringArrayVar(&deletes, "delete", nil, "delete action target_project/target_package")
	cmd.Flags().StringArrayVar(&reviews, "review", nil, "review scope:id (user, group, project, package)")
	return cmd
}

func requestShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a request with actions and reviews",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				req, err := rt.Engine.GetRequest(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
}

func requestListCmd() *cobra.Command {
	var f repo.RequestFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.ListRequests(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "State", "Creator", "Staging", "Updated"})
				for _, r := range items {
					tw.AppendRow(table.Row{r.ID, r.State, r.Creator, r.StagedIn(), r.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.State, "state", "", "state filter")
	cmd.Flags().StringVar(&f.StagingProject, "staging", "", "staging project filter")
	cmd.Flags().StringVar(&f.Creator, "creator", "", "creator filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 100, "max requests")
	return cmd
}

func requestStateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "state <id> <new|review|declined|revoked|superseded>",
		Short: "Change a request's state",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := actor()
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				req, err := rt.Engine.SetRequestState(ctx, args[0], domain.RequestState(args[1]), a, viper.GetBool("force"))
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
}

func requestStageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stage <id> <staging-project>",
		Short: "Attach a request to a staging project",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := actor()
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				req, err := rt.Engine.StageRequest(ctx, args[0], args[1], a)
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
}

func requestUnstageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unstage <id>",
		Short: "Detach a request from its staging project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := actor()
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				req, err := rt.Engine.UnstageRequest(ctx, args[0], a)
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
}

func reviewCmd() *cobra.Command {
	rv := &cobra.Command{Use: "review", Short: "Manage reviews"}
	rv.AddCommand(&cobra.Command{
		Use:   "add <request> <scope:id>",
		Short: "Add a review to a request",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := actor()
			if err != nil {
				return err
			}
			subj, err := parseReviewSubject(args[1])
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				req, err := rt.Engine.AddReview(ctx, args[0], subj, a)
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	})
	var reason string
	set := &cobra.Command{
		Use:   "set <review-id> <accepted|declined>",
		Short: "Record a review decision",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := actor()
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Engine.SetReviewState(ctx, args[0], domain.ReviewState(args[1]), reason, a)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	set.Flags().StringVar(&reason, "reason", "", "decision comment")
	rv.AddCommand(set)
	return rv
}

// parseSubmit reads src_project/src_package=target_project[/target_package].
func parseSubmit(s string) (domain.Action, error) {
	src, dst, ok := strings.Cut(s, "=")
	if !ok {
		return domain.Action{}, fmt.Errorf("invalid submit %q: want src_project/src_package=target_project[/target_package]", s)
	}
	srcProject, srcPackage, ok := strings.Cut(src, "/")
	if !ok || srcProject == "" || srcPackage == "" {
		return domain.Action{}, fmt.Errorf("invalid submit source %q", src)
	}
	tgtProject, tgtPackage, _ := strings.Cut(dst, "/")
	if tgtProject == "" {
		return domain.Action{}, fmt.Errorf("invalid submit target %q", dst)
	}
	return domain.Action{
		Type:          domain.ActionSubmit,
		SourceProject: srcProject,
		SourcePackage: srcPackage,
		TargetProject: tgtProject,
		TargetPackage: tgtPackage,
	}, nil
}

func parseDelete(s string) (domain.Action, error) {
	project, pkg, ok := strings.Cut(s, "/")
	if !ok || project == "" || pkg == "" {
		return domain.Action{}, fmt.Errorf("invalid delete %q: want target_project/target_package", s)
	}
	return domain.Action{Type: domain.ActionDelete, TargetProject: project, TargetPackage: pkg}, nil
}

// parseReviewSubject reads scope:id. Only the first colon separates, so
// project names keep theirs.
func parseReviewSubject(s string) (domain.ReviewSubject, error) {
	scope, id, ok := strings.Cut(s, ":")
	if !ok || scope == "" || id == "" {
		return domain.ReviewSubject{}, fmt.Errorf("invalid review %q: want scope:id", s)
	}
	return domain.ReviewSubject{Scope: domain.ReviewScope(scope), ID: id}, nil
}
