package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/taskhive/taskhive/internal/config"
	internal_http "github.com/taskhive/taskhive/internal/http"
	"github.com/taskhive/taskhive/internal/log"
	internal_storage "github.com/taskhive/taskhive/internal/storage"
	"github.com/taskhive/taskhive/pkg/models"
	"github.com/taskhive/taskhive/pkg/service"
	"github.com/taskhive/taskhive/pkg/storage"
)

// engine bundles the wired services for a CLI invocation.
type engine struct {
	store    storage.Store
	tasks    *service.TaskService
	bookings *service.BookingService
	ledger   *service.Ledger
	disputes *service.DisputeService
	cfg      service.Config
}

func SetupCLI(rootCmd *cobra.Command) {
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task in draft (CLI)",
		Run: func(cmd *cobra.Command, args []string) {
			eng := initEngine(cmd)
			defer eng.store.Close()
			clientID := mustUUIDFlag(cmd, "client")
			category, _ := cmd.Flags().GetString("category")
			description, _ := cmd.Flags().GetString("description")
			lat, _ := cmd.Flags().GetFloat64("lat")
			lng, _ := cmd.Flags().GetFloat64("lng")
			startsIn, _ := cmd.Flags().GetDuration("starts-in")
			priceMax, _ := cmd.Flags().GetString("price-max")
			currency, _ := cmd.Flags().GetString("currency")

			max, err := decimal.NewFromString(priceMax)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: invalid price-max: %v\n", err)
				os.Exit(1)
			}
			task, err := eng.tasks.Create(models.Actor{ID: clientID, Role: models.RoleClient}, service.CreateTaskInput{
				Category:    category,
				Description: description,
				Location:    models.Location{Lat: lat, Lng: lng},
				Schedule:    models.Schedule{StartsAt: time.Now().Add(startsIn)},
				PriceMax:    max,
				Currency:    currency,
			})
			if err != nil {
				log.GetLogger().Errorf("Failed to create task: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to create task: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Created task %s in category '%s'\n", task.ID, task.Category)
		},
	}
	createCmd.Flags().String("client", "", "Client id (UUID)")
	createCmd.Flags().String("category", "", "Task category")
	createCmd.Flags().String("description", "", "Task description")
	createCmd.Flags().Float64("lat", 0, "Latitude")
	createCmd.Flags().Float64("lng", 0, "Longitude")
	createCmd.Flags().Duration("starts-in", 24*time.Hour, "Time until the scheduled start")
	createCmd.Flags().String("price-max", "0", "Price ceiling")
	createCmd.Flags().String("currency", "EUR", "Currency code")

	postCmd := &cobra.Command{
		Use:   "post [task-id]",
		Short: "Post a draft task for matching (CLI)",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			eng := initEngine(cmd)
			defer eng.store.Close()
			taskID := mustUUID(args[0])
			clientID := mustUUIDFlag(cmd, "client")
			mode, _ := cmd.Flags().GetString("mode")
			task, err := eng.tasks.Post(context.Background(), models.Actor{ID: clientID, Role: models.RoleClient}, taskID, models.BidMode(mode))
			if err != nil {
				log.GetLogger().Errorf("Failed to post task: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to post task: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Posted task %s in mode '%s'\n", task.ID, task.BidMode)
		},
	}
	postCmd.Flags().String("client", "", "Client id (UUID)")
	postCmd.Flags().String("mode", string(models.BidModeOpen), "Bid mode (open_for_bids or invite_only)")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all tasks (CLI)",
		Run: func(cmd *cobra.Command, args []string) {
			eng := initEngine(cmd)
			defer eng.store.Close()
			listTasks(eng.tasks)
		},
	}

	transitionCmd := &cobra.Command{
		Use:   "transition [task-id] [target]",
		Short: "Force a task transition as admin (CLI)",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			eng := initEngine(cmd)
			defer eng.store.Close()
			taskID := mustUUID(args[0])
			reason, _ := cmd.Flags().GetString("reason")
			admin := models.Actor{ID: uuid.New(), Role: models.RoleAdmin}
			task, err := eng.tasks.TransitionTo(admin, taskID, models.TaskState(args[1]), reason)
			if err != nil {
				log.GetLogger().Errorf("Failed to transition task: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to transition task: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Task %s is now '%s'\n", task.ID, task.State)
		},
	}
	transitionCmd.Flags().String("reason", "", "Reason recorded with the transition")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and the sweeper",
		Run: func(cmd *cobra.Command, args []string) {
			eng := initEngine(cmd)
			defer eng.store.Close()
			envCfg, err := config.Load()
			if err != nil {
				log.GetLogger().Errorf("Failed to load config: %v", err)
				os.Exit(1)
			}
			sweeper := service.NewSweeper(eng.tasks, eng.bookings, envCfg.SweepInterval, log.GetLogger())
			sweeper.Start(context.Background())
			defer sweeper.Stop()

			server := internal_http.NewServer(eng.tasks, eng.bookings, eng.ledger, eng.disputes)
			if err := internal_http.StartServer(envCfg.HTTPPort, server); err != nil {
				log.GetLogger().Errorf("Server stopped: %v", err)
				os.Exit(1)
			}
		},
	}

	rootCmd.AddCommand(createCmd, postCmd, listCmd, transitionCmd, serveCmd)
}

func listTasks(svc *service.TaskService) {
	tasks, err := svc.List()
	if err != nil {
		log.GetLogger().Errorf("Failed to list tasks: %v", err)
		fmt.Fprintf(os.Stderr, "Error: failed to list tasks: %v\n", err)
		os.Exit(1)
	}
	if len(tasks) == 0 {
		fmt.Fprintf(os.Stdout, "No tasks found.\n")
		return
	}
	fmt.Fprintf(os.Stdout, "Tasks:\n")
	for _, t := range tasks {
		fmt.Fprintf(os.Stdout, "- ID: %s, Category: %s, State: %s, Created: %s\n",
			t.ID, t.Category, t.State, t.CreatedAt.Format(time.RFC3339))
	}
}

func initEngine(cmd *cobra.Command) *engine {
	dbConnStr, err := cmd.Flags().GetString("db")
	if err != nil {
		log.GetLogger().Errorf("Error retrieving db flag: %v", err)
		os.Exit(1)
	}
	store, err := internal_storage.InitStore(dbConnStr)
	if err != nil {
		log.GetLogger().Errorf("Failed to initialize store: %v", err)
		os.Exit(1)
	}

	envCfg, err := config.Load()
	if err != nil {
		log.GetLogger().Errorf("Failed to load config: %v", err)
		os.Exit(1)
	}
	cfg := envCfg.Engine()
	logger := log.GetLogger()
	emitter := &service.LogEmitter{Logger: logger}
	// The profile directory and the payment processor are external
	// collaborators; the CLI wires the local stand-ins.
	matcher := service.NewMatcher(service.NewInMemoryDirectory(), cfg, logger)
	ledger := service.NewLedger(store, service.ApprovingGateway{}, emitter, cfg, logger)

	return &engine{
		store:    store,
		tasks:    service.NewTaskService(store, matcher, emitter, cfg, logger),
		bookings: service.NewBookingService(store, matcher, ledger, emitter, cfg, logger),
		ledger:   ledger,
		disputes: service.NewDisputeService(store, ledger, emitter, cfg, logger),
		cfg:      cfg,
	}
}

func mustUUID(s string) uuid.UUID {
	id, err := uuid.Parse(s)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid id '%s': %v\n", s, err)
		os.Exit(1)
	}
	return id
}

func mustUUIDFlag(cmd *cobra.Command, name string) uuid.UUID {
	v, _ := cmd.Flags().GetString(name)
	return mustUUID(v)
}
