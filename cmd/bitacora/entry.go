package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"bitacora/internal/domain"
	"bitacora/internal/engine"
	"bitacora/internal/repo"
	"bitacora/internal/server"
)

func entryCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "entry", Short: "Write, approve and sign log entries"}
	cmd.AddCommand(entryCreateCmd())
	cmd.AddCommand(entryListCmd())
	cmd.AddCommand(entryShowCmd())
	cmd.AddCommand(entryUpdateCmd())
	cmd.AddCommand(entryDeleteCmd())
	cmd.AddCommand(entryApproveCmd())
	cmd.AddCommand(entryRejectCmd())
	cmd.AddCommand(entrySignCmd())
	cmd.AddCommand(entryAddSignatoryCmd())
	return cmd
}

func entryCreateCmd() *cobra.Command {
	var opts engine.CreateEntryOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a draft entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.ProjectID = e.Config.Project.ID
				opts.ActorID = actorID()
				v, err := e.CreateEntry(ctx, opts)
				if err != nil {
					return err
				}
				return printEntry(v)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Body, "body", "", "entry text")
	cmd.Flags().StringVar(&opts.EntryDate, "date", "", "entry date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.Location, "location", "", "location on site")
	cmd.Flags().StringVar(&opts.Weather, "weather", "", "weather conditions")
	cmd.Flags().BoolVar(&opts.IsConfidential, "confidential", false, "restrict content to author, assignees, signatories and admins")
	cmd.Flags().StringSliceVar(&opts.Assignees, "assignee", nil, "assignee user id (repeatable)")
	cmd.Flags().StringSliceVar(&opts.Signatories, "signatory", nil, "required signatory user id (repeatable)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func entryListCmd() *cobra.Command {
	var f repo.EntryFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f.ProjectID = e.Config.Project.ID
				items, err := e.ListEntries(ctx, f, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					out := make([]server.EntryResponse, 0, len(items))
					for _, v := range items {
						out = append(out, server.NewEntryResponse(v))
					}
					return printJSON(out)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Date", "Title", "Status", "Author", "Review", "Signatures"})
				for _, v := range items {
					title := v.Entry.Title
					if v.Entry.IsConfidential {
						title += " (confidential)"
					}
					tw.AppendRow(table.Row{
						v.Entry.ID, v.Entry.EntryDate, title, v.Entry.Status, v.Entry.AuthorID,
						reviewLabel(v), fmt.Sprintf("%d/%d", v.Summary.Signed, v.Summary.Total),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.AuthorID, "author", "", "author filter")
	cmd.Flags().StringVar(&f.SignerID, "signer", "", "entries awaiting or holding this user's signature")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum entries")
	return cmd
}

func entryShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show an entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.GetEntry(ctx, e.Config.Project.ID, args[0], actorID())
				if err != nil {
					return err
				}
				return printEntry(v)
			})
		},
	}
}

func entryUpdateCmd() *cobra.Command {
	var title, body, date, location, weather string
	var confidential bool
	var assignees, signatories []string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Edit a draft",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.UpdateEntryOptions{ActorID: actorID()}
			flags := cmd.Flags()
			if flags.Changed("title") {
				opts.Title = optionalString(title)
			}
			if flags.Changed("body") {
				opts.Body = optionalString(body)
			}
			if flags.Changed("date") {
				opts.EntryDate = optionalString(date)
			}
			if flags.Changed("location") {
				opts.Location = optionalString(location)
			}
			if flags.Changed("weather") {
				opts.Weather = optionalString(weather)
			}
			if flags.Changed("confidential") {
				opts.IsConfidential = &confidential
			}
			if flags.Changed("assignee") {
				opts.Assignees = &assignees
			}
			if flags.Changed("signatory") {
				opts.Signatories = &signatories
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.UpdateEntry(ctx, e.Config.Project.ID, args[0], opts)
				if err != nil {
					return err
				}
				return printEntry(v)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&body, "body", "", "entry text")
	cmd.Flags().StringVar(&date, "date", "", "entry date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&location, "location", "", "location on site")
	cmd.Flags().StringVar(&weather, "weather", "", "weather conditions")
	cmd.Flags().BoolVar(&confidential, "confidential", false, "confidential flag")
	cmd.Flags().StringSliceVar(&assignees, "assignee", nil, "replace assignees")
	cmd.Flags().StringSliceVar(&signatories, "signatory", nil, "replace required signatories")
	return cmd
}

func entryDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an unsigned entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.DeleteEntry(ctx, e.Config.Project.ID, args[0], actorID()); err != nil {
					return err
				}
				fmt.Printf("deleted %s\n", args[0])
				return nil
			})
		},
	}
}

func entryApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve a reviewed entry and open its signature tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.Approve(ctx, e.Config.Project.ID, args[0], actorID())
				if err != nil {
					return err
				}
				return printEntry(v)
			})
		},
	}
}

func entryRejectCmd() *cobra.Command {
	var opts engine.RejectOptions
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Return an entry under review to draft",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.ActorID = actorID()
				v, err := e.Reject(ctx, e.Config.Project.ID, args[0], opts)
				if err != nil {
					return err
				}
				return printEntry(v)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Reason, "reason", "", "reason shown to the author")
	cmd.Flags().BoolVar(&opts.Final, "final", false, "close the entry as REJECTED (admins only)")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func entrySignCmd() *cobra.Command {
	var opts engine.SignOptions
	cmd := &cobra.Command{
		Use:   "sign <id>",
		Short: "Sign an approved entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Secret == "" {
				opts.Secret = viper.GetString("signing-secret")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.ActorID = actorID()
				v, err := e.Sign(ctx, e.Config.Project.ID, args[0], opts)
				if err != nil {
					return err
				}
				if v.Replayed {
					fmt.Println("already signed; nothing changed")
				}
				return printEntry(v)
			})
		},
	}
	cmd.Flags().BoolVar(&opts.Consent, "consent", false, "confirm you have read the entry and consent to sign it")
	cmd.Flags().StringVar(&opts.Secret, "secret", "", "signing credential (or BITACORA_SIGNING_SECRET)")
	cmd.Flags().StringVar(&opts.TaskID, "task", "", "signature task id (defaults to your pending task)")
	return cmd
}

func entryAddSignatoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add-signatory <id> <user-id>",
		Short: "Add a required signatory to an approved entry",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.AddSignatory(ctx, e.Config.Project.ID, args[0], args[1], actorID())
				if err != nil {
					return err
				}
				return printEntry(v)
			})
		},
	}
}

func reviewCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "review", Short: "Review workflow"}
	cmd.AddCommand(reviewRequestCmd())
	for _, verdict := range []struct{ use, short string }{
		{"approve", "Clear your review obligation"},
		{"comment", "Comment and clear your review obligation"},
		{"forward", "Hand the entry to the other party"},
	} {
		cmd.AddCommand(reviewActionCmd(verdict.use, verdict.short))
	}
	return cmd
}

func reviewRequestCmd() *cobra.Command {
	var opts engine.SendForReviewOptions
	var includeAuthor bool
	cmd := &cobra.Command{
		Use:   "request <entry-id>",
		Short: "Send a draft for review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("include-author") {
				opts.IncludeAuthor = &includeAuthor
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.ActorID = actorID()
				v, err := e.SendForReview(ctx, e.Config.Project.ID, args[0], opts)
				if err != nil {
					return err
				}
				return printEntry(v)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Policy, "policy", "", "parallel or handoff (defaults to the project setting)")
	cmd.Flags().StringSliceVar(&opts.Reviewers, "reviewer", nil, "reviewer user id for parallel review (defaults to the signatories)")
	cmd.Flags().BoolVar(&includeAuthor, "include-author", false, "let the author review their own entry")
	cmd.Flags().StringVar(&opts.Target, "target", "", "first party for hand-off review (CONTRACTOR or INTERVENTORIA)")
	return cmd
}

func reviewActionCmd(verdict, short string) *cobra.Command {
	var comment, target string
	cmd := &cobra.Command{
		Use:   verdict + " <entry-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.RecordReviewAction(ctx, e.Config.Project.ID, args[0], engine.ReviewActionOptions{
					Verdict: verdict,
					Comment: comment,
					Target:  target,
					ActorID: actorID(),
				})
				if err != nil {
					return err
				}
				return printEntry(v)
			})
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "comment text")
	if verdict == "forward" {
		cmd.Flags().StringVar(&target, "to", "", "party to hand off to (defaults to the other party)")
	}
	return cmd
}

func reviewLabel(v engine.EntryView) string {
	kind := string(v.Entry.PolicyKind())
	if kind == "" {
		return ""
	}
	if p := partyOrEmpty(v.Entry.PendingReviewBy()); p != "" {
		return kind + " -> " + p
	}
	if tasks := v.Entry.ReviewTasks(); len(tasks) > 0 {
		done := 0
		for _, t := range tasks {
			if t.Status == domain.ReviewCompleted {
				done++
			}
		}
		return fmt.Sprintf("%s %d/%d", kind, done, len(tasks))
	}
	return kind
}

func printEntry(v engine.EntryView) error {
	if viper.GetBool("json") {
		return printJSON(server.NewEntryResponse(v))
	}
	e := v.Entry
	tw := newTable()
	tw.AppendRows([]table.Row{
		{"ID", e.ID},
		{"Title", e.Title},
		{"Status", e.Status},
		{"Version", e.Version},
		{"Date", e.EntryDate},
		{"Author", e.AuthorID},
		{"Confidential", e.IsConfidential},
		{"Signatories", strings.Join(e.RequiredSignatories, ", ")},
		{"Review", reviewLabel(v)},
		{"Review completed by", stringOrEmpty(e.ReviewCompletedBy)},
		{"Signatures", fmt.Sprintf("%d signed, %d pending of %d", v.Summary.Signed, v.Summary.Pending, v.Summary.Total)},
	})
	if v.ContentVisible {
		tw.AppendRows([]table.Row{
			{"Location", e.Location},
			{"Weather", e.Weather},
			{"Body", e.Body},
		})
	} else {
		tw.AppendRow(table.Row{"Body", "(confidential)"})
	}
	tw.Render()
	return nil
}
