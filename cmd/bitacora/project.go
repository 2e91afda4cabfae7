package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"bitacora/internal/config"
	"bitacora/internal/engine"
)

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectConfigCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var id, name string
	var writeConfig bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project and store its default configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log, r, closeFn, err := openWorkspace(ctx)
			if err != nil {
				return err
			}
			defer closeFn()
			cfg := config.Default(id)
			if fileCfg, err := config.LoadOptional(viper.GetString("workspace")); err != nil {
				return err
			} else if fileCfg != nil && fileCfg.Project.ID == id {
				cfg = fileCfg
			}
			e := engine.New(r.DB, cfg, log)
			p, err := e.InitProject(ctx, id, name, actorID())
			if err != nil {
				return err
			}
			if writeConfig {
				path := config.Path(viper.GetString("workspace"))
				if _, err := os.Stat(path); err == nil {
					return fmt.Errorf("%s already exists", path)
				}
				if err := os.WriteFile(path, []byte(config.GenerateDefault(id)), 0o644); err != nil {
					return err
				}
			}
			return printJSONOrTable(p)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id")
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().BoolVar(&writeConfig, "write-config", false, "also write a default bitacora.yml to the workspace")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, r, closeFn, err := openWorkspace(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			items, err := r.ListProjects(cmd.Context())
			if err != nil {
				return err
			}
			return printJSONOrTable(items)
		},
	}
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the active project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetProject(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func projectConfigCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage project config",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show project config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	})
	cfg.AddCommand(projectConfigImportCmd())
	return cfg
}

func projectConfigImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import project config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if cfg.Project.ID == "" {
					cfg.Project.ID = e.Config.Project.ID
				}
				if err := e.Repo.UpsertProjectConfig(ctx, nil, cfg.Project.ID, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
