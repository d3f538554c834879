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

	"shopline/internal/app"
	"shopline/internal/config"
	"shopline/internal/db"
	"shopline/internal/domain"
	"shopline/internal/engine"
	"shopline/internal/logger"
	"shopline/internal/repo"
	"shopline/internal/server"
	"shopline/internal/store"
	"shopline/internal/timeutil"
	"shopline/internal/transform"
	shoplinesdk "shopline/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "sl",
	Short: "Shopline CLI",
	Long: `Shopline keeps the per-machine timeline of a production floor.
- Areas: one-letter zones; machine A3 lives in area A.
- Work orders: externally issued production orders. They are imported, and only their machine and planned start may change while their order status allows it.
- Status records: operator-entered machine states (Idle, Setup, Testing, Stopped). Once an actual start or end is recorded they are history and locked.
- Timeline: within one machine no two entries may overlap; an open-ended record blocks everything after its start.
- Backend: the local workspace database, or a remote shopline server (--remote).
- Event log: audit trail of every stored change, view with 'sl log tail'.`,
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
	viper.SetEnvPrefix("SHOPLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("remote", "", "shopline server URL (overrides remote.url)")
	rootCmd.PersistentFlags().String("token", "", "bearer token for the remote server")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("remote", rootCmd.PersistentFlags().Lookup("remote"))
	_ = viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(machineCmd())
	rootCmd.AddCommand(orderCmd())
	rootCmd.AddCommand(scheduleCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create shopline.yml and the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			logger.Configure(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
			_, conn, err := app.OpenStore(cmd.Context(), workspace, cfg, logger.New())
			if err != nil {
				return err
			}
			defer conn.Close()
			fmt.Printf("Initialized workspace %s (config %s, database %s)\n", workspace, path, db.Path(workspace))
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config is shopline.yml in the workspace: timeline defaults, editable work-order statuses, the reconcile policy for failed remote calls, and the remote server.",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadOrDefault(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate shopline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(viper.GetString("workspace")); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	})
	return cfg
}

func machineCmd() *cobra.Command {
	m := &cobra.Command{Use: "machine", Short: "Manage machines"}
	m.AddCommand(machineAddCmd())
	m.AddCommand(machineListCmd())
	return m
}

// machineAdder is served by both the local store and the sdk client.
type machineAdder interface {
	AddMachine(ctx context.Context, m domain.Machine) (domain.Machine, error)
}

func machineAddCmd() *cobra.Command {
	var m domain.Machine
	cmd := &cobra.Command{
		Use:   "add <machineSN>",
		Short: "Register a machine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m.ID = args[0]
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				adder, ok := a.Backend.(machineAdder)
				if !ok {
					return fmt.Errorf("backend %T cannot add machines", a.Backend)
				}
				saved, err := adder.AddMachine(ctx, m)
				if err != nil {
					return err
				}
				return printMachines([]domain.Machine{saved})
			})
		},
	}
	cmd.Flags().StringVar(&m.Area, "area", "", "area letter (default: first letter of the serial)")
	cmd.Flags().StringVar(&m.Name, "name", "", "machine name")
	cmd.Flags().StringVar(&m.Process, "process", "", "process name")
	return cmd
}

func machineListCmd() *cobra.Command {
	var area string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List machines",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Coord.Machines(ctx, area)
				if err != nil {
					return err
				}
				return printMachines(items)
			})
		},
	}
	cmd.Flags().StringVar(&area, "area", "", "area filter")
	return cmd
}

func printMachines(items []domain.Machine) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Machine", "Area", "Name", "Process"})
	for _, m := range items {
		tw.AppendRow(table.Row{m.ID, m.Area, m.Name, m.Process})
	}
	tw.Render()
	return nil
}

func orderCmd() *cobra.Command {
	o := &cobra.Command{Use: "order", Short: "Manage work orders"}
	o.AddCommand(orderImportCmd())
	o.AddCommand(orderMoveCmd())
	return o
}

func orderImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import work orders from a YAML file",
		Long:  "The file holds a top-level 'orders' list of production schedules. Orders whose workOrderSN is already stored are skipped.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			orders, err := store.ParseOrders(data)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var (
					imported []domain.ExternalRecord
					skipped  []string
				)
				if a.Store != nil {
					res, err := a.Store.ImportWorkOrders(ctx, orders)
					if err != nil {
						return err
					}
					imported, skipped = res.Imported, res.Skipped
				} else {
					client, err := remoteClient(a)
					if err != nil {
						return err
					}
					res, err := client.ImportWorkOrders(ctx, orders)
					if err != nil {
						return err
					}
					imported, skipped = res.Imported, res.Skipped
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"imported": imported, "skipped": skipped})
				}
				fmt.Printf("imported %d work orders\n", len(imported))
				for _, sn := range skipped {
					fmt.Printf("skipped %s (already stored)\n", sn)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "order file (YAML)")
	return cmd
}

func orderMoveCmd() *cobra.Command {
	var area, machine, start string
	cmd := &cobra.Command{
		Use:   "move <productionScheduleId>",
		Short: "Move a work order to another machine or planned start",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if area == "" {
				area = domain.AreaOf(machine)
			}
			if area == "" {
				return fmt.Errorf("--area or --machine required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				item, err := loadItem(ctx, a, area, args[0])
				if err != nil {
					return err
				}
				if !item.IsWorkOrder() {
					return fmt.Errorf("%s is a status record; use sl status set", args[0])
				}
				if machine != "" {
					item.MachineID = machine
				}
				if start != "" {
					t, err := a.Coord.Normalizer.Parse(start)
					if err != nil {
						return err
					}
					item.Start = t
				}
				return submit(ctx, a, item)
			})
		},
	}
	cmd.Flags().StringVar(&area, "area", "", "area the order is currently scheduled in")
	cmd.Flags().StringVar(&machine, "machine", "", "target machine")
	cmd.Flags().StringVar(&start, "start", "", "new planned start")
	return cmd
}

func scheduleCmd() *cobra.Command {
	s := &cobra.Command{Use: "schedule", Short: "Inspect the timeline"}
	var from, to string
	show := &cobra.Command{
		Use:   "show <area>",
		Short: "Show the timeline of an area",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				fromT, err := optionalTime(a.Coord.Normalizer, from)
				if err != nil {
					return err
				}
				toT, err := optionalTime(a.Coord.Normalizer, to)
				if err != nil {
					return err
				}
				items, err := a.Coord.Load(ctx, strings.ToUpper(args[0]), fromT, toT)
				if err != nil {
					return err
				}
				return printItems(a.Coord.Normalizer, items)
			})
		},
	}
	show.Flags().StringVar(&from, "from", "", "window start")
	show.Flags().StringVar(&to, "to", "", "window end")
	s.AddCommand(show)
	return s
}

func statusCmd() *cobra.Command {
	s := &cobra.Command{Use: "status", Short: "Manage machine status records"}
	s.AddCommand(statusAddCmd())
	s.AddCommand(statusSetCmd())
	s.AddCommand(statusDeleteCmd())
	return s
}

type statusFlags struct {
	status, start, end, reason, product string
}

func (f *statusFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.status, "status", "", "status (Idle, Setup, Testing, Stopped)")
	cmd.Flags().StringVar(&f.start, "start", "", "start time")
	cmd.Flags().StringVar(&f.end, "end", "", "end time")
	cmd.Flags().StringVar(&f.reason, "reason", "", "reason")
	cmd.Flags().StringVar(&f.product, "product", "", "product under test")
}

// apply copies the flags that were set onto item.
func (f *statusFlags) apply(cmd *cobra.Command, n timeutil.Normalizer, item *domain.TimelineItem) error {
	if cmd.Flags().Changed("status") {
		s, ok := domain.ParseStatus(f.status)
		if !ok {
			return fmt.Errorf("unknown status %q", f.status)
		}
		item.Status = s
	}
	if cmd.Flags().Changed("start") {
		t, err := n.Parse(f.start)
		if err != nil {
			return err
		}
		item.Start = t
	}
	if cmd.Flags().Changed("end") {
		t, err := n.Parse(f.end)
		if err != nil {
			return err
		}
		item.End = t
	}
	if cmd.Flags().Changed("reason") || cmd.Flags().Changed("product") {
		if item.Record == nil {
			item.Record = &domain.StatusDetail{}
		}
		if cmd.Flags().Changed("reason") {
			item.Record.Reason = f.reason
		}
		if cmd.Flags().Changed("product") {
			item.Record.Product = f.product
		}
	}
	return nil
}

func statusAddCmd() *cobra.Command {
	var f statusFlags
	var machine string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a status record",
		RunE: func(cmd *cobra.Command, args []string) error {
			if machine == "" {
				return fmt.Errorf("--machine required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				// load so the overlap check sees the machine's current timeline
				if _, err := a.Coord.Load(ctx, domain.AreaOf(machine), nil, nil); err != nil {
					return err
				}
				item := domain.TimelineItem{MachineID: machine}
				if err := f.apply(cmd, a.Coord.Normalizer, &item); err != nil {
					return err
				}
				return submit(ctx, a, item)
			})
		},
	}
	cmd.Flags().StringVar(&machine, "machine", "", "machine serial")
	f.bind(cmd)
	return cmd
}

func statusSetCmd() *cobra.Command {
	var f statusFlags
	var area, machine string
	cmd := &cobra.Command{
		Use:   "set <machineStatusId>",
		Short: "Update a status record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if area == "" {
				return fmt.Errorf("--area required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				item, err := loadItem(ctx, a, area, args[0])
				if err != nil {
					return err
				}
				if item.IsWorkOrder() {
					return fmt.Errorf("%s is a work order; use sl order move", args[0])
				}
				if machine != "" {
					item.MachineID = machine
				}
				if err := f.apply(cmd, a.Coord.Normalizer, &item); err != nil {
					return err
				}
				return submit(ctx, a, item)
			})
		},
	}
	cmd.Flags().StringVar(&area, "area", "", "area of the record")
	cmd.Flags().StringVar(&machine, "machine", "", "move to machine")
	f.bind(cmd)
	return cmd
}

func statusDeleteCmd() *cobra.Command {
	var area string
	cmd := &cobra.Command{
		Use:   "delete <machineStatusId>",
		Short: "Delete a status record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if area == "" {
				return fmt.Errorf("--area required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if _, err := loadItem(ctx, a, area, args[0]); err != nil {
					return err
				}
				p, err := a.Coord.Delete(ctx, args[0])
				if err != nil {
					return err
				}
				out, err := p.Wait(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": args[0], "remote": out.Remote})
				}
				fmt.Printf("deleted %s\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&area, "area", "", "area of the record")
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Inspect event log",
		Long:  "Event log is the audit trail of every stored change (machines added, work orders imported or moved, status records written or deleted).",
	}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var area, evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var items []domain.Event
				if a.Store != nil {
					evs, err := a.Store.ListEvents(ctx, repo.EventFilter{
						Area: area, Type: evtType, EntityKind: entityKind, EntityID: entityID, Limit: n,
					})
					if err != nil {
						return err
					}
					items = evs
				} else {
					client, err := remoteClient(a)
					if err != nil {
						return err
					}
					page, err := client.ListEvents(ctx, shoplinesdk.EventQuery{
						Area: area, Type: evtType, EntityKind: entityKind, EntityID: entityID, Limit: n,
					})
					if err != nil {
						return err
					}
					items = page.Items
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Entity", "Actor"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind + ":" + e.EntityID, e.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&area, "area", "", "area filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.LoadOrDefault(workspace)
			if err != nil {
				return err
			}
			logger.Configure(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
			log := logger.New()
			svc, conn, err := app.OpenStore(cmd.Context(), workspace, cfg, log)
			if err != nil {
				return err
			}
			defer conn.Close()
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			authCfg := server.AuthConfig{JWTSecret: viper.GetString("jwt-secret")}
			if authCfg.JWTSecret == "" {
				log.Warn("SHOPLINE_JWT_SECRET not set; requests are not authenticated")
			}
			handler, err := server.New(server.Config{Store: svc, BasePath: basePath, Auth: authCfg, Log: log})
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
			fmt.Printf("Serving Shopline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default: server.base_path)")
	return cmd
}

func tokenCmd() *cobra.Command {
	var actor string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token with SHOPLINE_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("SHOPLINE_JWT_SECRET is required")
			}
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			tok, err := server.SignToken(secret, actor, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "token subject (default: --actor-id)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	actor := viper.GetString("actor-id")
	a, err := app.Wire(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		RemoteURL: viper.GetString("remote"),
		Token:     viper.GetString("token"),
		ActorID:   actor,
		LogOutput: os.Stderr,
	})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(logger.WithActor(ctx, actor), a)
}

func remoteClient(a *app.App) (*shoplinesdk.Client, error) {
	client, ok := a.Backend.(*shoplinesdk.Client)
	if !ok {
		return nil, fmt.Errorf("backend %T is neither local nor remote", a.Backend)
	}
	return client, nil
}

// loadItem loads area into the index and returns the entry with id.
func loadItem(ctx context.Context, a *app.App, area, id string) (domain.TimelineItem, error) {
	if _, err := a.Coord.Load(ctx, strings.ToUpper(area), nil, nil); err != nil {
		return domain.TimelineItem{}, err
	}
	item, ok := a.Index.Get(id)
	if !ok {
		return domain.TimelineItem{}, fmt.Errorf("%s not found in area %s", id, strings.ToUpper(area))
	}
	return item, nil
}

// submit applies item through the coordinator and waits for the remote half.
func submit(ctx context.Context, a *app.App, item domain.TimelineItem) error {
	p, err := a.Coord.Submit(ctx, engine.Intent{Item: item, ActorID: viper.GetString("actor-id")})
	if err != nil {
		return err
	}
	out, err := p.Wait(ctx)
	if err != nil {
		return err
	}
	return printItems(a.Coord.Normalizer, []domain.TimelineItem{out.Item})
}

func optionalTime(n timeutil.Normalizer, raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := n.Parse(raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func printItems(n timeutil.Normalizer, items []domain.TimelineItem) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Machine", "Kind", "Status", "Start", "End", "Detail"})
	for _, it := range items {
		end := n.Display(it.End)
		if !it.HasEnd() {
			end = "open"
		}
		tw.AppendRow(table.Row{it.ID, it.MachineID, it.Kind, it.Status, n.Display(it.Start), end, transform.Describe(it)})
	}
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
