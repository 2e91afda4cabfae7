package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"bitacora/internal/engine"
)

func userCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "user", Short: "Manage users"}
	cmd.AddCommand(userAddCmd())
	cmd.AddCommand(userListCmd())
	cmd.AddCommand(userCapabilitiesCmd())
	cmd.AddCommand(userPasswdCmd())
	cmd.AddCommand(userKeyCmd())
	return cmd
}

func userAddCmd() *cobra.Command {
	var opts engine.CreateUserOptions
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a user (the first user needs no actor)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.ActorID = actorID()
				u, err := e.CreateUser(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "user id")
	cmd.Flags().StringVar(&opts.FullName, "name", "", "full name")
	cmd.Flags().StringVar(&opts.ProjectRole, "role", "", "project role (resident, supervisor, director, contractor_rep, interventor, observer)")
	cmd.Flags().StringVar(&opts.AppRole, "app-role", "editor", "application role (admin, editor, viewer)")
	cmd.Flags().StringVar(&opts.Entity, "entity", "", "organization (IDU, Interventoría, Contratista or a configured alias)")
	cmd.Flags().StringVar(&opts.Password, "password", "", "signing credential")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("role")
	_ = cmd.MarkFlagRequired("entity")
	return cmd
}

func userListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				users, err := e.Repo.ListUsers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Role", "App role", "Entity"})
				for _, u := range users {
					tw.AppendRow(table.Row{u.ID, u.FullName, u.ProjectRole, u.AppRole, u.Entity})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func userCapabilitiesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the capabilities of the acting user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, caps, err := e.Capabilities(ctx, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"user": u, "capabilities": caps})
			})
		},
	}
}

func userPasswdCmd() *cobra.Command {
	var userID, password string
	cmd := &cobra.Command{
		Use:   "passwd",
		Short: "Set a user's signing credential",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				userID = actorID()
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.SetPassword(ctx, userID, password, actorID()); err != nil {
					return err
				}
				fmt.Printf("credential updated for %s\n", userID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id (defaults to the actor)")
	cmd.Flags().StringVar(&password, "password", "", "new credential")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func userKeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "key", Short: "Manage API keys"}
	var userID, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key; the secret is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				userID = actorID()
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				k, raw, err := e.CreateAPIKey(ctx, userID, name, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"id": k.ID, "user_id": k.UserID, "name": k.Name, "key": raw})
			})
		},
	}
	create.Flags().StringVar(&userID, "user", "", "user id (defaults to the actor)")
	create.Flags().StringVar(&name, "name", "", "key label")
	key.AddCommand(create)
	key.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List API keys of the acting user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	})
	var revokeUser string
	revoke := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if revokeUser == "" {
				revokeUser = actorID()
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.RevokeAPIKey(ctx, revokeUser, args[0], actorID()); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", args[0])
				return nil
			})
		},
	}
	revoke.Flags().StringVar(&revokeUser, "user", "", "key owner (defaults to the actor)")
	key.AddCommand(revoke)
	return key
}
