package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stageline/internal/app"
	"stageline/internal/domain"
	"stageline/internal/engine"
)

func userCmd() *cobra.Command {
	u := &cobra.Command{Use: "user", Short: "Manage users"}
	u.AddCommand(&cobra.Command{
		Use:   "create <login>",
		Short: "Create a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Engine.CreateUser(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("Created user", args[0])
				return nil
			})
		},
	})
	return u
}

func groupCmd() *cobra.Command {
	g := &cobra.Command{Use: "group", Short: "Manage groups"}
	g.AddCommand(&cobra.Command{
		Use:   "add <group> <login>",
		Short: "Add a user to a group",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := actor()
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				return rt.Engine.AddGroupMember(ctx, args[0], args[1], a)
			})
		},
	})
	g.AddCommand(&cobra.Command{
		Use:   "remove <group> <login>",
		Short: "Remove a user from a group",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				return rt.Engine.RemoveGroupMember(ctx, args[0], args[1])
			})
		},
	})
	g.AddCommand(&cobra.Command{
		Use:   "members <group>",
		Short: "List group members",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				members, err := rt.Engine.Repo.ListGroupMembers(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(members)
			})
		},
	})
	return g
}

func roleCmd() *cobra.Command {
	r := &cobra.Command{
		Use:   "role",
		Short: "Manage project roles",
		Long:  "Roles on a target project decide who may accept requests into it (see accept.roles in stageline.yml).",
	}
	var user, group string
	relationship := func(project, role string) domain.Relationship {
		return domain.Relationship{Project: project, Role: role, UserLogin: optionalString(user), GroupID: optionalString(group)}
	}
	grant := &cobra.Command{
		Use:   "grant <project> <role>",
		Short: "Grant a role to a user or group",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := actor()
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				return rt.Engine.GrantRole(ctx, relationship(args[0], args[1]), a)
			})
		},
	}
	revoke := &cobra.Command{
		Use:   "revoke <project> <role>",
		Short: "Revoke a role from a user or group",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := actor()
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				return rt.Engine.RevokeRole(ctx, relationship(args[0], args[1]), a)
			})
		},
	}
	for _, c := range []*cobra.Command{grant, revoke} {
		c.Flags().StringVar(&user, "user", "", "user login")
		c.Flags().StringVar(&group, "group", "", "group id")
	}
	r.AddCommand(grant, revoke)
	r.AddCommand(&cobra.Command{
		Use:   "list <project>",
		Short: "List role assignments on a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				rels, err := rt.Engine.Repo.ListRelationships(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rels)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Role", "User", "Group"})
				for _, rel := range rels {
					tw.AppendRow(table.Row{rel.Role, deref(rel.UserLogin), deref(rel.GroupID)})
				}
				tw.Render()
				return nil
			})
		},
	})
	return r
}

func packageCmd() *cobra.Command {
	p := &cobra.Command{Use: "package", Short: "Manage packages"}
	p.AddCommand(&cobra.Command{
		Use:   "register <project> <package>",
		Short: "Record a package whose content is already in the promotion backend",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				pkg, err := rt.Engine.RegisterPackage(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(pkg)
			})
		},
	})
	p.AddCommand(&cobra.Command{
		Use:   "list <project>",
		Short: "List packages of a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				pkgs, err := rt.Engine.Repo.ListPackages(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(pkgs)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Package", "From request", "Created"})
				for _, pkg := range pkgs {
					tw.AppendRow(table.Row{pkg.Name, deref(pkg.OriginRequestID), pkg.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	})
	return p
}

func attribCmd() *cobra.Command {
	at := &cobra.Command{
		Use:   "attrib",
		Short: "Manage ordered attribute values",
		Long:  "Attribute values keep a 1-based position; inserting or removing a value renumbers the rest.",
	}
	var ref engine.AttribRef
	bind := func(c *cobra.Command) {
		c.Flags().StringVar(&ref.Project, "project", "", "project")
		c.Flags().StringVar(&ref.Package, "package", "", "package (optional)")
		c.Flags().StringVar(&ref.Namespace, "namespace", "OBS", "attribute namespace")
		c.Flags().StringVar(&ref.Name, "name", "", "attribute name")
		_ = c.MarkFlagRequired("project")
		_ = c.MarkFlagRequired("name")
	}
	var position int
	add := &cobra.Command{
		Use:   "add <value>",
		Short: "Insert a value (at --position, default last)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := actor()
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Engine.AddAttribValue(ctx, ref, args[0], position, a)
				if err != nil {
					return err
				}
				return printAttrib(res)
			})
		},
	}
	bind(add)
	add.Flags().IntVar(&position, "position", 0, "1-based position, 0 appends")

	rm := &cobra.Command{
		Use:   "rm <position>",
		Short: "Remove the value at a position",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := actor()
			if err != nil {
				return err
			}
			pos, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid position %q", args[0])
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Engine.RemoveAttribValue(ctx, ref, pos, a)
				if err != nil {
					return err
				}
				return printAttrib(res)
			})
		},
	}
	bind(rm)

	mv := &cobra.Command{
		Use:   "mv <from> <to>",
		Short: "Move a value to another position",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := actor()
			if err != nil {
				return err
			}
			from, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid position %q", args[0])
			}
			to, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid position %q", args[1])
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Engine.MoveAttribValue(ctx, ref, from, to, a)
				if err != nil {
					return err
				}
				return printAttrib(res)
			})
		},
	}
	bind(mv)

	show := &cobra.Command{
		Use:   "show",
		Short: "Show an attribute's values in order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Engine.GetAttrib(ctx, ref)
				if err != nil {
					return err
				}
				return printAttrib(res)
			})
		},
	}
	bind(show)

	at.AddCommand(add, rm, mv, show)
	return at
}

func printAttrib(a domain.Attrib) error {
	if viper.GetBool("json") {
		return printJSON(a)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"#", "Value"})
	for _, v := range a.Values {
		tw.AppendRow(table.Row{v.Position, v.Value})
	}
	tw.Render()
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func apiKeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage API keys for the HTTP API"}
	var name string
	create := &cobra.Command{
		Use:   "create <login>",
		Short: "Mint an API key; the secret is shown once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				key, secret, err := rt.Engine.CreateAPIKey(ctx, args[0], name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"key": key, "secret": secret})
				}
				fmt.Printf("API key %s for %s\n%s\n", key.ID, key.Login, secret)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "label")
	var login string
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				keys, err := rt.Engine.Repo.ListAPIKeys(ctx, login)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Login", "Name", "Created"})
				for _, key := range keys {
					tw.AppendRow(table.Row{key.ID, key.Login, key.Name, key.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&login, "login", "", "login filter")
	k.AddCommand(create, list, &cobra.Command{
		Use:   "revoke <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				return rt.Engine.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	})
	return k
}
