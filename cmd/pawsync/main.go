// ABOUTME: pawsync CLI: local-first pet care records with remote sync and sharing.

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/harperreed/pawsync/cmd/internal/cli"
	"github.com/harperreed/pawsync/petsync"
)

func main() {
	log.SetFlags(0)
	if len(os.Args) < 2 {
		usage()
		return
	}

	switch os.Args[1] {
	case "pet-add":
		petAdd()
	case "pet-list":
		petList()
	case "log-add":
		logAdd()
	case "feed-add":
		feedAdd()
	case "weight-add":
		weightAdd()
	case "schedule-add":
		scheduleAdd()
	case "schedule-done":
		scheduleDone()
	case "sync":
		syncCmd()
	case "watch":
		watch()
	case "share":
		share()
	case "accept":
		accept()
	case "participants":
		participants()
	case "unshare":
		unshare()
	case "permission":
		permission()
	default:
		usage()
	}
}

func usage() {
	fmt.Println(`usage: pawsync <command> [flags]

records:
  pet-add        add a pet
  pet-list       list pets
  log-add        record a performed care entry
  feed-add       record a feeding
  weight-add     record a weight measurement
  schedule-add   plan a care entry
  schedule-done  complete a planned entry

sync:
  sync           run one sync pass now
  watch          run periodic sync until interrupted

sharing:
  share          share a pet and print the invite URL
  accept         accept an invite URL
  participants   list a share's participants
  unshare        stop sharing a pet
  permission     change a participant's permission`)
}

func mustParse(args []string, fs *flag.FlagSet) {
	if err := fs.Parse(args); err != nil {
		log.Fatal(err)
	}
}

func runApp(cfg cli.RuntimeConfig, fn func(ctx context.Context, app *cli.App) error) error {
	app, err := cli.NewApp(cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = app.Close()
	}()
	return fn(context.Background(), app)
}

// saveAndQueue persists a new entity locally, queues it for upload, and
// pushes immediately when a server is configured.
func saveAndQueue(ctx context.Context, app *cli.App, e petsync.Entity) error {
	if err := app.Store.Put(ctx, e); err != nil {
		return err
	}
	if _, err := app.Store.EnqueueUpload(ctx, e.Kind(), e.EntityID()); err != nil {
		return err
	}
	if app.Client.Configured() {
		return app.Merger.PushUploads(ctx)
	}
	return nil
}

func petAdd() {
	fs := flag.NewFlagSet("pet-add", flag.ExitOnError)
	var cfg cli.RuntimeConfig
	cfg.BindFlags(fs)
	name := fs.String("name", "", "pet name")
	species := fs.String("species", "", "species")
	breed := fs.String("breed", "", "breed")
	birth := fs.String("birth", "", "birth date (YYYY-MM-DD)")
	gender := fs.String("gender", "", "gender")
	notes := fs.String("notes", "", "notes")
	icon := fs.String("icon", "", "path to icon image")
	mustParse(os.Args[2:], fs)

	if *name == "" {
		log.Fatal("pet name required")
	}

	if err := runApp(cfg, func(ctx context.Context, app *cli.App) error {
		now := time.Now().UTC()
		pet := &petsync.Pet{
			ID:        petsync.NewEntityID(),
			Name:      *name,
			Species:   *species,
			Breed:     *breed,
			Gender:    *gender,
			Notes:     *notes,
			CreatedAt: now,
			UpdatedAt: now,
			IsActive:  true,
		}
		if *birth != "" {
			t, err := time.Parse("2006-01-02", *birth)
			if err != nil {
				return fmt.Errorf("parse birth date: %w", err)
			}
			pet.BirthDate = t
		}
		if *icon != "" {
			data, err := os.ReadFile(*icon)
			if err != nil {
				return err
			}
			pet.Icon = data
		}
		if err := saveAndQueue(ctx, app, pet); err != nil {
			return err
		}
		fmt.Println(pet.ID)
		return nil
	}); err != nil {
		log.Fatal(err)
	}
}

func petList() {
	fs := flag.NewFlagSet("pet-list", flag.ExitOnError)
	var cfg cli.RuntimeConfig
	cfg.BindFlags(fs)
	all := fs.Bool("all", false, "include inactive pets")
	mustParse(os.Args[2:], fs)

	if err := runApp(cfg, func(ctx context.Context, app *cli.App) error {
		pets, err := app.Store.List(ctx, petsync.KindPet)
		if err != nil {
			return err
		}
		for _, e := range pets {
			pet := e.(*petsync.Pet)
			if !pet.IsActive && !*all {
				continue
			}
			status := ""
			if pet.ShareState == petsync.ShareStateShared {
				status = " [shared]"
			}
			if !pet.IsActive {
				status += " [inactive]"
			}
			fmt.Printf("%s  %s (%s)%s\n", pet.ID, pet.Name, pet.Species, status)
		}
		return nil
	}); err != nil {
		log.Fatal(err)
	}
}

func logAdd() {
	fs := flag.NewFlagSet("log-add", flag.ExitOnError)
	var cfg cli.RuntimeConfig
	cfg.BindFlags(fs)
	pet := fs.String("pet", "", "pet id")
	typ := fs.String("type", "", "care type (walk, grooming, medication, ...)")
	notes := fs.String("notes", "", "notes")
	by := fs.String("by", "", "performer name")
	mustParse(os.Args[2:], fs)

	if *pet == "" || *typ == "" {
		log.Fatal("pet id and type required")
	}

	if err := runApp(cfg, func(ctx context.Context, app *cli.App) error {
		now := time.Now().UTC()
		entry := &petsync.CareLog{
			ID:          petsync.NewEntityID(),
			Type:        *typ,
			Timestamp:   now,
			Notes:       *notes,
			PerformedBy: *by,
			IsCompleted: true,
			PetID:       *pet,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := saveAndQueue(ctx, app, entry); err != nil {
			return err
		}
		fmt.Println(entry.ID)
		return nil
	}); err != nil {
		log.Fatal(err)
	}
}

func feedAdd() {
	fs := flag.NewFlagSet("feed-add", flag.ExitOnError)
	var cfg cli.RuntimeConfig
	cfg.BindFlags(fs)
	pet := fs.String("pet", "", "pet id")
	food := fs.String("food", "", "food type")
	amount := fs.Float64("amount", 0, "amount")
	unit := fs.String("unit", "g", "unit")
	mustParse(os.Args[2:], fs)

	if *pet == "" {
		log.Fatal("pet id required")
	}

	if err := runApp(cfg, func(ctx context.Context, app *cli.App) error {
		now := time.Now().UTC()
		entry := &petsync.FeedingLog{
			ID:        petsync.NewEntityID(),
			PetID:     *pet,
			Timestamp: now,
			FoodType:  *food,
			Amount:    *amount,
			Unit:      *unit,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := saveAndQueue(ctx, app, entry); err != nil {
			return err
		}
		fmt.Println(entry.ID)
		return nil
	}); err != nil {
		log.Fatal(err)
	}
}

func weightAdd() {
	fs := flag.NewFlagSet("weight-add", flag.ExitOnError)
	var cfg cli.RuntimeConfig
	cfg.BindFlags(fs)
	pet := fs.String("pet", "", "pet id")
	kg := fs.Float64("kg", 0, "weight in kilograms")
	mustParse(os.Args[2:], fs)

	if *pet == "" || *kg <= 0 {
		log.Fatal("pet id and positive weight required")
	}

	if err := runApp(cfg, func(ctx context.Context, app *cli.App) error {
		now := time.Now().UTC()
		entry := &petsync.WeightLog{
			ID:        petsync.NewEntityID(),
			PetID:     *pet,
			Date:      now,
			WeightKg:  *kg,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := saveAndQueue(ctx, app, entry); err != nil {
			return err
		}
		fmt.Println(entry.ID)
		return nil
	}); err != nil {
		log.Fatal(err)
	}
}

func scheduleAdd() {
	fs := flag.NewFlagSet("schedule-add", flag.ExitOnError)
	var cfg cli.RuntimeConfig
	cfg.BindFlags(fs)
	pet := fs.String("pet", "", "pet id")
	typ := fs.String("type", "", "care type")
	date := fs.String("date", "", "scheduled date (RFC 3339 or YYYY-MM-DD)")
	assignee := fs.String("assignee", "", "assigned profile id")
	notes := fs.String("notes", "", "notes")
	mustParse(os.Args[2:], fs)

	if *pet == "" || *typ == "" || *date == "" {
		log.Fatal("pet id, type, and date required")
	}

	if err := runApp(cfg, func(ctx context.Context, app *cli.App) error {
		when, err := time.Parse(time.RFC3339, *date)
		if err != nil {
			when, err = time.Parse("2006-01-02", *date)
			if err != nil {
				return fmt.Errorf("parse date: %w", err)
			}
		}
		now := time.Now().UTC()
		entry := &petsync.CareSchedule{
			ID:            petsync.NewEntityID(),
			Type:          *typ,
			AssignedTo:    *assignee,
			ScheduledDate: when.UTC(),
			Notes:         *notes,
			PetID:         *pet,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := saveAndQueue(ctx, app, entry); err != nil {
			return err
		}
		fmt.Println(entry.ID)
		return nil
	}); err != nil {
		log.Fatal(err)
	}
}

func scheduleDone() {
	fs := flag.NewFlagSet("schedule-done", flag.ExitOnError)
	var cfg cli.RuntimeConfig
	cfg.BindFlags(fs)
	id := fs.String("id", "", "schedule id")
	by := fs.String("by", "", "completing profile id")
	mustParse(os.Args[2:], fs)

	if *id == "" {
		log.Fatal("schedule id required")
	}

	if err := runApp(cfg, func(ctx context.Context, app *cli.App) error {
		e, err := app.Store.Get(ctx, petsync.KindCareSchedule, *id)
		if err != nil {
			return err
		}
		entry := e.(*petsync.CareSchedule)
		if !entry.Complete(*by, time.Now()) {
			return fmt.Errorf("schedule %s already completed", *id)
		}
		return saveAndQueue(ctx, app, entry)
	}); err != nil {
		log.Fatal(err)
	}
}

func syncCmd() {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	var cfg cli.RuntimeConfig
	cfg.BindFlags(fs)
	mustParse(os.Args[2:], fs)

	if err := runApp(cfg, func(ctx context.Context, app *cli.App) error {
		if !app.Client.Configured() {
			return fmt.Errorf("sync requires -server and -token")
		}
		if err := app.Scheduler.SyncNow(ctx); err != nil {
			return err
		}
		status, err := app.Store.SyncStatus(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("synced; %d uploads pending\n", status.PendingUploads)
		return nil
	}); err != nil {
		log.Fatal(err)
	}
}

func watch() {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	var cfg cli.RuntimeConfig
	cfg.BindFlags(fs)
	interval := fs.Duration("interval", time.Minute, "sync interval")
	mustParse(os.Args[2:], fs)

	if err := runApp(cfg, func(ctx context.Context, app *cli.App) error {
		if !app.Client.Configured() {
			return fmt.Errorf("watch requires -server and -token")
		}
		ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()
		schedCfg := petsync.DefaultSchedulerConfig()
		schedCfg.Interval = *interval
		events := &petsync.SchedulerEvents{
			OnPhase: func(p petsync.SyncPhase) {
				fmt.Printf("%s  %s\n", time.Now().Format(time.TimeOnly), p)
			},
		}
		sched := petsync.NewScheduler(app.Client, app.Merger, app.Store, schedCfg, app.Log, events)
		sched.Run(ctx)
		return nil
	}); err != nil {
		log.Fatal(err)
	}
}

func share() {
	fs := flag.NewFlagSet("share", flag.ExitOnError)
	var cfg cli.RuntimeConfig
	cfg.BindFlags(fs)
	pet := fs.String("pet", "", "pet id")
	mustParse(os.Args[2:], fs)

	if *pet == "" {
		log.Fatal("pet id required")
	}

	if err := runApp(cfg, func(ctx context.Context, app *cli.App) error {
		token, err := app.Sharing.CreateShare(ctx, *pet)
		if err != nil {
			return err
		}
		fmt.Println(token.URL)
		return nil
	}); err != nil {
		log.Fatal(err)
	}
}

func accept() {
	fs := flag.NewFlagSet("accept", flag.ExitOnError)
	var cfg cli.RuntimeConfig
	cfg.BindFlags(fs)
	urlFlag := fs.String("url", "", "invite URL")
	identity := fs.String("identity", "", "your stable identity")
	contact := fs.String("contact", "", "your contact identifier")
	name := fs.String("name", "", "your display name")
	mustParse(os.Args[2:], fs)

	if *urlFlag == "" || *identity == "" {
		log.Fatal("invite url and identity required")
	}

	if err := runApp(cfg, func(ctx context.Context, app *cli.App) error {
		return app.Sharing.AcceptInvitation(ctx, *urlFlag, petsync.Participant{
			Identity: *identity,
			Contact:  *contact,
			Name:     *name,
		})
	}); err != nil {
		log.Fatal(err)
	}
}

func participants() {
	fs := flag.NewFlagSet("participants", flag.ExitOnError)
	var cfg cli.RuntimeConfig
	cfg.BindFlags(fs)
	pet := fs.String("pet", "", "pet id")
	mustParse(os.Args[2:], fs)

	if *pet == "" {
		log.Fatal("pet id required")
	}

	if err := runApp(cfg, func(ctx context.Context, app *cli.App) error {
		list, err := app.Sharing.FetchParticipants(ctx, *pet)
		if err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Println("no participants")
			return nil
		}
		for _, p := range list {
			fmt.Printf("%s  %s  %s\n", p.Identity, p.Contact, p.Permission)
		}
		return nil
	}); err != nil {
		log.Fatal(err)
	}
}

func unshare() {
	fs := flag.NewFlagSet("unshare", flag.ExitOnError)
	var cfg cli.RuntimeConfig
	cfg.BindFlags(fs)
	pet := fs.String("pet", "", "pet id")
	mustParse(os.Args[2:], fs)

	if *pet == "" {
		log.Fatal("pet id required")
	}

	if err := runApp(cfg, func(ctx context.Context, app *cli.App) error {
		if err := app.Sharing.RemoveShare(ctx, *pet); err != nil {
			return err
		}
		// Push the cleared root now rather than waiting for a sync pass.
		return app.Merger.PushUploads(ctx)
	}); err != nil {
		log.Fatal(err)
	}
}

func permission() {
	fs := flag.NewFlagSet("permission", flag.ExitOnError)
	var cfg cli.RuntimeConfig
	cfg.BindFlags(fs)
	pet := fs.String("pet", "", "pet id")
	contact := fs.String("contact", "", "participant contact identifier")
	perm := fs.String("perm", string(petsync.PermissionReadWrite), "readOnly or readWrite")
	mustParse(os.Args[2:], fs)

	if *pet == "" || *contact == "" {
		log.Fatal("pet id and contact required")
	}

	if err := runApp(cfg, func(ctx context.Context, app *cli.App) error {
		return app.Sharing.UpdateParticipantPermission(ctx, *pet, *contact, petsync.Permission(*perm))
	}); err != nil {
		log.Fatal(err)
	}
}
