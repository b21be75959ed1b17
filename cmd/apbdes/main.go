package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"apbdes/internal/config"
	"apbdes/internal/db"
	"apbdes/internal/domain"
	"apbdes/internal/engine"
	"apbdes/internal/migrate"
	"apbdes/internal/notify"
	"apbdes/internal/server"
	"apbdes/internal/store"
	"apbdes/internal/summary"
	"apbdes/internal/taxonomy"
)

var rootCmd = &cobra.Command{
	Use:   "apbdes",
	Short: "APBDes budget workflow CLI",
	Long: `apbdes manages the annual village budget (APBDes) approval workflow.
Village admins draft and submit budget lines; the district (kecamatan)
approves or rejects them. Approved lines accumulate realization records.
Statuses move draft -> submitted -> approved, with rejected looping back
through draft on edit.`,
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
	viper.SetEnvPrefix("APBDES")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("role", string(domain.RoleVillageAdmin), "caller role (village-admin or district-admin)")
	rootCmd.PersistentFlags().String("village", "", "caller village (village-admin only)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("role", rootCmd.PersistentFlags().Lookup("role"))
	_ = viper.BindPFlag("village", rootCmd.PersistentFlags().Lookup("village"))
}

func registerCommands() {
	rootCmd.AddCommand(budgetCmd())
	rootCmd.AddCommand(realizationCmd())
	rootCmd.AddCommand(summaryCmd())
	rootCmd.AddCommand(inboxCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

type env struct {
	Engine engine.Engine
	Store  *store.DB
	Inbox  notify.Inbox
}

func withEnv(ctx context.Context, fn func(ctx context.Context, env env) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	s := store.New(conn)
	inbox := notify.Inbox{DB: conn}
	eng := engine.New(s, s, taxonomy.Default())
	eng.OnEvent = notify.Forward(inbox, nil)
	return fn(ctx, env{Engine: eng, Store: s, Inbox: inbox})
}

func identityFromFlags() (domain.Identity, error) {
	role := domain.Role(viper.GetString("role"))
	village := viper.GetString("village")
	switch role {
	case domain.RoleVillageAdmin:
		if village == "" {
			return domain.Identity{}, errors.New("--village is required for village-admin")
		}
	case domain.RoleDistrictAdmin:
		village = ""
	default:
		return domain.Identity{}, fmt.Errorf("unknown role %q", role)
	}
	return domain.Identity{
		Subject: viper.GetString("actor-id"),
		Role:    role,
		Village: village,
	}, nil
}

func budgetCmd() *cobra.Command {
	budget := &cobra.Command{Use: "budget", Short: "Manage budget lines"}
	budget.AddCommand(budgetCreateCmd())
	budget.AddCommand(budgetListCmd())
	budget.AddCommand(budgetShowCmd())
	budget.AddCommand(budgetEditCmd())
	budget.AddCommand(budgetSubmitCmd())
	budget.AddCommand(budgetApproveCmd())
	budget.AddCommand(budgetRejectCmd())
	budget.AddCommand(budgetDeleteCmd())
	return budget
}

func budgetCreateCmd() *cobra.Command {
	var (
		year     int
		kind     string
		category string
		amount   int64
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a draft budget line",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env env) error {
				ident, err := identityFromFlags()
				if err != nil {
					return err
				}
				line, err := env.Engine.Create(ctx, ident, engine.CreateOptions{
					FiscalYear: year,
					Kind:       domain.Kind(kind),
					Category:   category,
					Amount:     amount,
				})
				if err != nil {
					return err
				}
				return printLine(line)
			})
		},
	}
	cmd.Flags().IntVar(&year, "year", 0, "fiscal year")
	cmd.Flags().StringVar(&kind, "kind", "expense", "income or expense")
	cmd.Flags().StringVar(&category, "category", "", "budget category")
	cmd.Flags().Int64Var(&amount, "amount", 0, "amount in minor currency units")
	_ = cmd.MarkFlagRequired("year")
	_ = cmd.MarkFlagRequired("category")
	return cmd
}

func budgetListCmd() *cobra.Command {
	var (
		village string
		year    int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List budget lines for a village and year",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env env) error {
				target := village
				if target == "" {
					target = viper.GetString("village")
				}
				if target == "" {
					return errors.New("--village is required")
				}
				lines, err := env.Store.ListLines(ctx, target, year)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(lines)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"ID", "Code", "Category", "Kind", "Amount", "Status"})
				for _, l := range lines {
					t.AppendRow(table.Row{l.ID, l.AccountCode, l.Category, l.Kind, l.Amount, l.Status})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&village, "for", "", "village to list (defaults to caller village)")
	cmd.Flags().IntVar(&year, "year", 0, "fiscal year")
	_ = cmd.MarkFlagRequired("year")
	return cmd
}

func budgetShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <line-id>",
		Short: "Show one budget line with its realizations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env env) error {
				line, err := env.Store.GetLine(ctx, args[0])
				if err != nil {
					return err
				}
				realizations, err := env.Store.ListRealizations(ctx, line.ID)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{
					"line":         line,
					"realizations": realizations,
				})
			})
		},
	}
	return cmd
}

func budgetEditCmd() *cobra.Command {
	var (
		kind     string
		category string
		amount   int64
	)
	cmd := &cobra.Command{
		Use:   "edit <line-id>",
		Short: "Edit a draft or rejected line (re-queues it as draft)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env env) error {
				ident, err := identityFromFlags()
				if err != nil {
					return err
				}
				var opts engine.EditOptions
				if cmd.Flags().Changed("kind") {
					k := domain.Kind(kind)
					opts.Kind = &k
				}
				if cmd.Flags().Changed("category") {
					opts.Category = &category
				}
				if cmd.Flags().Changed("amount") {
					opts.Amount = &amount
				}
				line, err := env.Engine.Edit(ctx, ident, args[0], opts)
				if err != nil {
					return err
				}
				return printLine(line)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "income or expense")
	cmd.Flags().StringVar(&category, "category", "", "budget category")
	cmd.Flags().Int64Var(&amount, "amount", 0, "amount in minor currency units")
	return cmd
}

func budgetSubmitCmd() *cobra.Command {
	return transitionCmd("submit", "Submit a line for district review",
		func(ctx context.Context, env env, ident domain.Identity, id string) (domain.BudgetLine, error) {
			return env.Engine.Submit(ctx, ident, id)
		})
}

func budgetApproveCmd() *cobra.Command {
	return transitionCmd("approve", "Approve a submitted line (district admin)",
		func(ctx context.Context, env env, ident domain.Identity, id string) (domain.BudgetLine, error) {
			return env.Engine.Approve(ctx, ident, id)
		})
}

func budgetRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <line-id>",
		Short: "Reject a submitted line with a reason (district admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env env) error {
				ident, err := identityFromFlags()
				if err != nil {
					return err
				}
				line, err := env.Engine.Reject(ctx, ident, args[0], reason)
				if err != nil {
					return err
				}
				return printLine(line)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func budgetDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <line-id>",
		Short: "Delete a line and all of its realizations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env env) error {
				ident, err := identityFromFlags()
				if err != nil {
					return err
				}
				if err := env.Engine.Delete(ctx, ident, args[0]); err != nil {
					return err
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	}
	return cmd
}

func transitionCmd(use, short string, fn func(ctx context.Context, env env, ident domain.Identity, id string) (domain.BudgetLine, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <line-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env env) error {
				ident, err := identityFromFlags()
				if err != nil {
					return err
				}
				line, err := fn(ctx, env, ident, args[0])
				if err != nil {
					return err
				}
				return printLine(line)
			})
		},
	}
}

func realizationCmd() *cobra.Command {
	realization := &cobra.Command{Use: "realization", Short: "Manage realizations"}

	var (
		amount int64
		date   string
		note   string
	)
	add := &cobra.Command{
		Use:   "add <line-id>",
		Short: "Record a realization under an approved line",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env env) error {
				ident, err := identityFromFlags()
				if err != nil {
					return err
				}
				r, err := env.Engine.AddRealization(ctx, ident, args[0], amount, date, note)
				if err != nil {
					return err
				}
				return printJSON(r)
			})
		},
	}
	add.Flags().Int64Var(&amount, "amount", 0, "amount in minor currency units")
	add.Flags().StringVar(&date, "date", "", "realization date (YYYY-MM-DD)")
	add.Flags().StringVar(&note, "note", "", "free-text note")
	_ = add.MarkFlagRequired("date")

	list := &cobra.Command{
		Use:   "list <line-id>",
		Short: "List realizations under a line",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env env) error {
				items, err := env.Store.ListRealizations(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(items)
			})
		},
	}

	realization.AddCommand(add)
	realization.AddCommand(list)
	return realization
}

func summaryCmd() *cobra.Command {
	var (
		village string
		year    int
	)
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Income/expense totals for a village and year",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env env) error {
				target := village
				if target == "" {
					target = viper.GetString("village")
				}
				if target == "" {
					return errors.New("--village is required")
				}
				lines, err := env.Store.ListLines(ctx, target, year)
				if err != nil {
					return err
				}
				totals := summary.Calculate(lines)
				if viper.GetBool("json") {
					return printJSON(totals)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"Total Income", "Total Expense", "Surplus"})
				t.AppendRow(table.Row{totals.TotalIncome, totals.TotalExpense, totals.Surplus})
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&village, "for", "", "village to summarize (defaults to caller village)")
	cmd.Flags().IntVar(&year, "year", 0, "fiscal year")
	_ = cmd.MarkFlagRequired("year")
	return cmd
}

func inboxCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "List notifications addressed to the caller",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env env) error {
				ident, err := identityFromFlags()
				if err != nil {
					return err
				}
				var items []domain.Notification
				if ident.Role == domain.RoleDistrictAdmin {
					items, err = env.Inbox.List(ctx, domain.RoleDistrictAdmin, "", limit)
				} else {
					items, err = env.Inbox.List(ctx, "", ident.Village, limit)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"When", "Message", "Link"})
				for _, n := range items {
					t.AppendRow(table.Row{n.CreatedAt, n.Message, n.Link})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max messages")
	return cmd
}

func logCmd() *cobra.Command {
	logc := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	var (
		village string
		limit   int
	)
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show latest workflow events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env env) error {
				items, err := env.Store.LatestEvents(ctx, limit, village)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"ID", "TS", "Type", "Village", "Line", "Actor"})
				for _, e := range items {
					t.AppendRow(table.Row{e.ID, e.TS, e.Type, e.Village, e.LineID, e.Actor})
				}
				t.Render()
				return nil
			})
		},
	}
	tail.Flags().StringVar(&village, "village-filter", "", "filter by village")
	tail.Flags().IntVar(&limit, "limit", 50, "max events")
	logc.AddCommand(tail)
	return logc
}

func serveCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env env) error {
				cfg, err := config.LoadOptional(viper.GetString("workspace"))
				if err != nil {
					return err
				}
				if listen != "" {
					cfg.Server.Listen = listen
				}
				handler, err := server.New(server.Config{
					Engine:   env.Engine,
					Store:    env.Store,
					Inbox:    env.Inbox,
					BasePath: cfg.Server.BasePath,
					Auth: server.AuthConfig{
						JWTSecret:             cfg.Auth.JWTSecret,
						AllowInsecureIdentity: cfg.Auth.AllowInsecureIdentity,
					},
					Webhooks: cfg.Webhooks,
				})
				if err != nil {
					return err
				}
				fmt.Println("listening on", cfg.Server.Listen)
				return http.ListenAndServe(cfg.Server.Listen, handler)
			})
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides config)")
	return cmd
}

func printLine(line domain.BudgetLine) error {
	if viper.GetBool("json") {
		return printJSON(line)
	}
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"ID", "Code", "Category", "Kind", "Amount", "Status", "Reason"})
	t.AppendRow(table.Row{line.ID, line.AccountCode, line.Category, line.Kind, line.Amount, line.Status, line.RejectionReason})
	t.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
