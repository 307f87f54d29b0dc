package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/greenroom-ai/pipeline"
)

// CLI configuration
type Config struct {
	Command   string
	Args      []string
	DataDir   string
	PlanFile  string
	ProjectID string
	User      string
	Approve   bool
	Reject    bool
	Feedback  string
	Verbose   bool
}

func main() {
	config := parseFlags()

	logger := setupLogger(config.Verbose)
	store, err := pipeline.NewFileStore(config.DataDir)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	queue, err := pipeline.NewApprovalQueue(pipeline.ApprovalQueueOptions{
		Store:  store,
		Logger: logger,
	})
	if err != nil {
		log.Fatalf("Failed to create approval queue: %v", err)
	}

	ctx := context.Background()
	switch config.Command {
	case "projects":
		listProjects(ctx, store)
	case "approvals":
		listApprovals(queue, config)
	case "respond":
		respond(ctx, queue, config)
	case "expire":
		expireOverdue(ctx, queue)
	case "history":
		showHistory(ctx, queue, config)
	case "plan":
		showPlan(config)
	default:
		color.Red("Error: unknown command %q", config.Command)
		flag.Usage()
		os.Exit(1)
	}
}

func parseFlags() Config {
	var config Config

	flag.StringVar(&config.DataDir, "data", "", "Data directory (default ~/.greenroom/pipeline)")
	flag.StringVar(&config.PlanFile, "plan", "", "Plan YAML file to validate and print")
	flag.StringVar(&config.ProjectID, "project", "", "Filter by project identifier")
	flag.StringVar(&config.User, "user", "", "Filter by assignee, or identify the responder")
	flag.BoolVar(&config.Approve, "approve", false, "Approve the approval request")
	flag.BoolVar(&config.Reject, "reject", false, "Reject the approval request")
	flag.StringVar(&config.Feedback, "feedback", "", "Feedback or revision notes for the response")
	flag.BoolVar(&config.Verbose, "verbose", false, "Enable verbose logging")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <command> [args]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  projects              List all projects\n")
		fmt.Fprintf(os.Stderr, "  approvals             List pending approval requests\n")
		fmt.Fprintf(os.Stderr, "  respond <approval-id> Respond to an approval request\n")
		fmt.Fprintf(os.Stderr, "  expire                Auto-reject overdue approval requests\n")
		fmt.Fprintf(os.Stderr, "  history               Show approval history for -project\n")
		fmt.Fprintf(os.Stderr, "  plan                  Validate and print the -plan file\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(1)
	}
	config.Command = args[0]
	config.Args = args[1:]
	return config
}

func setupLogger(verbose bool) *slog.Logger {
	if verbose {
		return pipeline.NewLogger()
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func listProjects(ctx context.Context, store pipeline.Store) {
	projects, err := store.ListProjects(ctx, "")
	if err != nil {
		log.Fatalf("Failed to list projects: %v", err)
	}
	if len(projects) == 0 {
		color.Yellow("No projects found")
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"ID", "Name", "Status", "Stage", "Updated"})
	for _, project := range projects {
		t.AppendRow(table.Row{
			project.ID,
			project.Name,
			statusColor(project.Status),
			project.CurrentStage,
			project.UpdatedAt.Format(time.RFC3339),
		})
	}
	t.SetStyle(table.StyleLight)
	t.Render()
}

func statusColor(status pipeline.ProjectStatus) string {
	switch status {
	case pipeline.ProjectStatusCompleted:
		return color.GreenString(string(status))
	case pipeline.ProjectStatusFailed:
		return color.RedString(string(status))
	case pipeline.ProjectStatusPaused:
		return color.YellowString(string(status))
	default:
		return string(status)
	}
}

func listApprovals(queue *pipeline.ApprovalQueue, config Config) {
	requests := queue.ListPending(pipeline.PendingFilter{
		ProjectID:  config.ProjectID,
		AssignedTo: config.User,
	})
	if len(requests) == 0 {
		color.Yellow("No pending approvals")
		return
	}

	now := time.Now()
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"ID", "Project", "Stage", "Title", "Priority", "Score", "Age", "Due"})
	for _, request := range requests {
		due := "-"
		if !request.DueAt.IsZero() {
			due = request.DueAt.Format(time.RFC3339)
			if request.Overdue(now) {
				due = color.RedString(due)
			}
		}
		t.AppendRow(table.Row{
			request.ID,
			request.ProjectID,
			request.Stage,
			request.Title,
			request.Priority,
			fmt.Sprintf("%.0f", request.PriorityScore(now)),
			now.Sub(request.RequestedAt).Round(time.Minute),
			due,
		})
	}
	t.SetStyle(table.StyleLight)
	t.Render()
}

func respond(ctx context.Context, queue *pipeline.ApprovalQueue, config Config) {
	if len(config.Args) != 1 {
		color.Red("Error: respond requires an approval identifier")
		os.Exit(1)
	}
	if config.Approve == config.Reject {
		color.Red("Error: pass exactly one of -approve or -reject")
		os.Exit(1)
	}

	decision := pipeline.Decision{
		Approved:   config.Approve,
		ResolvedBy: config.User,
	}
	if config.Reject {
		decision.RevisionNotes = config.Feedback
	} else {
		decision.Feedback = config.Feedback
	}

	resolved, err := queue.Respond(ctx, config.Args[0], decision)
	if err != nil {
		log.Fatalf("Failed to respond: %v", err)
	}
	color.Green("Approval %s resolved: %s", resolved.ID, resolved.Status)
	if resolved.Status == pipeline.ApprovalStatusRevisionRequested {
		color.White("Revision notes: %s", resolved.Feedback)
	}
}

func expireOverdue(ctx context.Context, queue *pipeline.ApprovalQueue) {
	expired, err := queue.ExpireOverdue(ctx)
	if err != nil {
		log.Fatalf("Failed to expire approvals: %v", err)
	}
	if len(expired) == 0 {
		color.Yellow("No overdue approvals")
		return
	}
	color.Green("Expired %d approval(s): %s", len(expired), strings.Join(expired, ", "))
}

func showHistory(ctx context.Context, queue *pipeline.ApprovalQueue, config Config) {
	if config.ProjectID == "" {
		color.Red("Error: history requires -project")
		os.Exit(1)
	}
	requests, err := queue.History(ctx, config.ProjectID)
	if err != nil {
		log.Fatalf("Failed to load history: %v", err)
	}
	if len(requests) == 0 {
		color.Yellow("No approval history for project %s", config.ProjectID)
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"ID", "Stage", "Status", "Resolved By", "Response Time", "Feedback"})
	for _, request := range requests {
		responseTime := "-"
		if request.ResponseTime > 0 {
			responseTime = request.ResponseTime.Round(time.Second).String()
		}
		t.AppendRow(table.Row{
			request.ID,
			request.Stage,
			request.Status,
			request.ResolvedBy,
			responseTime,
			request.Feedback,
		})
	}
	t.SetStyle(table.StyleLight)
	t.Render()
}

func showPlan(config Config) {
	if config.PlanFile == "" {
		color.Red("Error: plan requires -plan")
		os.Exit(1)
	}
	plan, err := pipeline.LoadPlanFile(config.PlanFile)
	if err != nil {
		log.Fatalf("Invalid plan: %v", err)
	}
	color.Cyan("Plan: %s", plan.Name())

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"#", "Stage", "Mode", "Strategy", "Providers", "Timeout"})
	for i, stage := range plan.Stages() {
		timeout := "-"
		if stage.Timeout > 0 {
			timeout = stage.Timeout.String()
		}
		t.AppendRow(table.Row{
			i + 1,
			stage.Name,
			stage.Mode,
			stage.Strategy,
			strings.Join(stage.Providers, ", "),
			timeout,
		})
	}
	t.SetStyle(table.StyleLight)
	t.Render()
}
