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

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cardflow/internal/config"
	"cardflow/internal/db"
	"cardflow/internal/domain"
	"cardflow/internal/engine"
	"cardflow/internal/migrate"
	"cardflow/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "cardflow",
	Short: "Cardflow CLI",
	Long: `Cardflow is a task board with workflow automation.
Boards hold ordered columns; columns hold cards. Each column can carry a rule
set: when a card is created in or moved into the column, enabled rules whose
conditions hold fire their action (send an email, move the card, assign a due
date, add a label, notify a user). Time-driven sweeps handle approaching due
dates and daily accountant digests.`,
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
	viper.SetEnvPrefix("CARDFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(boardCmd())
	rootCmd.AddCommand(columnCmd())
	rootCmd.AddCommand(cardCmd())
	rootCmd.AddCommand(customerCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func boardCmd() *cobra.Command {
	board := &cobra.Command{Use: "board", Short: "Manage boards"}
	board.AddCommand(boardCreateCmd())
	board.AddCommand(boardShowCmd())
	return board
}

func boardCreateCmd() *cobra.Command {
	var name, ownerID string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a board with a seeded Inbox column",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.CreateBoard(ctx, name, ownerID)
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "board name")
	cmd.Flags().StringVar(&ownerID, "owner-id", "", "owner user id")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func boardShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a board with its columns",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.Repo.GetBoard(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(b)
				}
				fmt.Printf("Board: %s (%s)\n", b.Name, b.ID)
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"Order", "Column", "ID", "Rules"})
				for _, c := range b.Columns {
					rulesState := "-"
					if len(c.Rules) > 0 {
						rulesState = "configured"
					}
					t.AppendRow(table.Row{c.Order, c.Name, c.ID, rulesState})
				}
				t.Render()
				return nil
			})
		},
	}
	return cmd
}

func columnCmd() *cobra.Command {
	col := &cobra.Command{Use: "column", Short: "Manage columns and their rules"}
	col.AddCommand(columnCreateCmd())
	col.AddCommand(columnRulesCmd())
	return col
}

func columnCreateCmd() *cobra.Command {
	var boardID, name, description, rulesFile string
	var order int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a column",
		RunE: func(cmd *cobra.Command, args []string) error {
			var ruleBytes []byte
			if rulesFile != "" {
				data, err := os.ReadFile(rulesFile)
				if err != nil {
					return err
				}
				ruleBytes = data
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.CreateColumn(ctx, engine.ColumnCreateOptions{
					BoardID:     boardID,
					Name:        name,
					Description: description,
					Order:       order,
					Rules:       ruleBytes,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&boardID, "board", "", "board id")
	cmd.Flags().StringVar(&name, "name", "", "column name")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().IntVar(&order, "order", 0, "position in the board")
	cmd.Flags().StringVar(&rulesFile, "rules-file", "", "path to a JSON rule configuration")
	_ = cmd.MarkFlagRequired("board")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func columnRulesCmd() *cobra.Command {
	rulesCmd := &cobra.Command{Use: "rules", Short: "Inspect or replace a column's rule configuration"}

	show := &cobra.Command{
		Use:   "show <column-id>",
		Short: "Show the stored rule configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.Repo.GetColumn(ctx, args[0])
				if err != nil {
					return err
				}
				if len(c.Rules) == 0 {
					fmt.Println("no rules configured")
					return nil
				}
				var pretty any
				if err := json.Unmarshal(c.Rules, &pretty); err != nil {
					return err
				}
				return printJSON(pretty)
			})
		},
	}

	var rulesFile string
	set := &cobra.Command{
		Use:   "set <column-id>",
		Short: "Validate and replace the rule configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(rulesFile)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.UpdateColumnRules(ctx, args[0], data)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	set.Flags().StringVar(&rulesFile, "file", "", "path to a JSON rule configuration")
	_ = set.MarkFlagRequired("file")

	rulesCmd.AddCommand(show)
	rulesCmd.AddCommand(set)
	return rulesCmd
}

func cardCmd() *cobra.Command {
	card := &cobra.Command{Use: "card", Short: "Manage cards"}
	card.AddCommand(cardCreateCmd())
	card.AddCommand(cardShowCmd())
	card.AddCommand(cardMoveCmd())
	card.AddCommand(cardHistoryCmd())
	return card
}

func cardCreateCmd() *cobra.Command {
	var columnID, name, description, customerID, dueDate string
	var labels []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a card (column rules run immediately)",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.CardCreateOptions{
				ColumnID:    columnID,
				Name:        name,
				Description: description,
				CustomerID:  customerID,
				Labels:      labels,
			}
			if dueDate != "" {
				due, err := time.Parse("2006-01-02", dueDate)
				if err != nil {
					return fmt.Errorf("invalid --due-date, want YYYY-MM-DD: %w", err)
				}
				opts.DueDate = &due
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.CreateCard(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&columnID, "column", "", "column id")
	cmd.Flags().StringVar(&name, "name", "", "card name")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&customerID, "customer", "", "customer id")
	cmd.Flags().StringVar(&dueDate, "due-date", "", "due date (YYYY-MM-DD)")
	cmd.Flags().StringArrayVar(&labels, "label", []string{}, "label id (repeatable)")
	_ = cmd.MarkFlagRequired("column")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func cardShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a card",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.Repo.GetCard(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func cardMoveCmd() *cobra.Command {
	var targetColumn string
	cmd := &cobra.Command{
		Use:   "move <id>",
		Short: "Move a card (target column rules run immediately)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.MoveCard(ctx, args[0], targetColumn)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&targetColumn, "to", "", "target column id")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func cardHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <id>",
		Short: "Show a card's change history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				hist, err := e.Repo.ListCardHistory(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(hist)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"When", "Action", "Details"})
				for _, h := range hist {
					t.AppendRow(table.Row{h.CreatedAt, h.Action, historyDetails(h)})
				}
				t.Render()
				return nil
			})
		},
	}
	return cmd
}

func historyDetails(h domain.CardHistory) string {
	if h.Action == domain.HistoryMoved {
		from, _ := h.Changes["oldColumnName"].(string)
		to, _ := h.Changes["newColumnName"].(string)
		return fmt.Sprintf("%s -> %s", from, to)
	}
	if h.Description != "" {
		return h.Description
	}
	if len(h.Changes) > 0 {
		b, _ := json.Marshal(h.Changes)
		return string(b)
	}
	return ""
}

func customerCmd() *cobra.Command {
	cust := &cobra.Command{Use: "customer", Short: "Manage customers"}
	var name, lastName, email, documentID, accountantID string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a customer",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := domain.Customer{
				Name:       name,
				LastName:   lastName,
				Email:      email,
				DocumentID: documentID,
			}
			if accountantID != "" {
				c.AccountantID = &accountantID
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.CreateCustomer(ctx, c)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "customer name")
	create.Flags().StringVar(&lastName, "last-name", "", "last name")
	create.Flags().StringVar(&email, "email", "", "email address")
	create.Flags().StringVar(&documentID, "document-id", "", "document id")
	create.Flags().StringVar(&accountantID, "accountant", "", "owning accountant user id")
	_ = create.MarkFlagRequired("name")
	cust.AddCommand(create)
	return cust
}

func userCmd() *cobra.Command {
	user := &cobra.Command{Use: "user", Short: "Manage users"}
	var name, email string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.CreateUser(ctx, domain.User{Name: name, Email: email})
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "user name")
	create.Flags().StringVar(&email, "email", "", "email address")
	_ = create.MarkFlagRequired("name")
	_ = create.MarkFlagRequired("email")
	user.AddCommand(create)
	return user
}

func sweepCmd() *cobra.Command {
	sweep := &cobra.Command{Use: "sweep", Short: "Run time-driven sweeps"}

	var dueDate string
	due := &cobra.Command{
		Use:   "due-date",
		Short: "Run the approaching-due-date sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseRefDate(dueDate)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				summary, err := e.RunApproachingDueDateSweep(ctx, ref)
				if err != nil {
					return err
				}
				return printJSONOrTable(summary)
			})
		},
	}
	due.Flags().StringVar(&dueDate, "date", "", "reference date (YYYY-MM-DD, default today)")

	var digestDate string
	digest := &cobra.Command{
		Use:   "owner-digest",
		Short: "Send each accountant a digest of cards due on the reference date",
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseRefDate(digestDate)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				summary, err := e.RunOwnerDigestSweep(ctx, ref)
				if err != nil {
					return err
				}
				return printJSONOrTable(summary)
			})
		},
	}
	digest.Flags().StringVar(&digestDate, "date", "", "reference date (YYYY-MM-DD, default today)")

	sweep.AddCommand(due)
	sweep.AddCommand(digest)
	return sweep
}

func parseRefDate(raw string) (time.Time, error) {
	if raw == "" {
		return time.Now(), nil
	}
	ref, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --date, want YYYY-MM-DD: %w", err)
	}
	return ref, nil
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	var n int
	var boardID string
	var afterID int64
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.EventsAfter(ctx, n, afterID, boardID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"ID", "When", "Type", "Entity", "Payload"})
				for _, evt := range events {
					t.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + ":" + evt.EntityID, evt.Payload})
				}
				t.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&boardID, "board", "", "board id filter")
	tail.Flags().Int64Var(&afterID, "after-id", 0, "only events after this id")
	log.AddCommand(tail)
	return log
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath})
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
			fmt.Printf("Serving Cardflow API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
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
