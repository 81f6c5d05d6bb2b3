package main

import (
	"context"
	"log"
	"os"
	"time"

	"stylistapi/dbhelper"
	"stylistapi/services"
	"stylistapi/tasks"
	"stylistapi/telegram"

	firebase "firebase.google.com/go/v4"
	"github.com/getsentry/sentry-go"
	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
)

func runScheduler() {

	scheduler := asynq.NewScheduler(asynq.RedisClientOpt{Addr: os.Getenv("ASYNC_BROKER_ADDRESS")}, &asynq.SchedulerOpts{
		LogLevel: asynq.InfoLevel,
	})

	scheduled := []struct {
		cron string
		task *asynq.Task
		desc string
	}{
		{
			cron: "*/30 * * * *",
			task: tasks.NewStaleGenerationSweepTask(),
			desc: "Stale generation sweep",
		},
	}

	for _, t := range scheduled {
		entryID, err := scheduler.Register(t.cron, t.task)
		if err != nil {
			log.Fatalf("Failed to register task '%s': %v", t.desc, err)
		}
		log.Printf("Registered task '%s' with ID: %s, cron: %s", t.desc, entryID, t.cron)
	}

	log.Println("Starting scheduler...")
	if err := scheduler.Run(); err != nil {
		log.Fatalf("Scheduler failed: %v", err)
	}
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using process environment")
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:         os.Getenv("SENTRY_DSN"),
		Environment: services.GetEnv("ENV", "local"),
		Release:     "stylistapi@1.0.0",
	})
	if err != nil {
		log.Fatalf("sentry.Init: %s", err)
	}
	defer sentry.Flush(2 * time.Second)

	srv := asynq.NewServer(
		asynq.RedisClientOpt{Addr: os.Getenv("ASYNC_BROKER_ADDRESS")},
		asynq.Config{Concurrency: 10, Queues: map[string]int{
			"generate": 7,
		}},
	)
	awsService := &services.AWSService{}
	if err := awsService.InitPresignClient(context.Background()); err != nil {
		log.Fatal("[Queue] Failed to initialize AWS provider: S3")
	}
	app, err := firebase.NewApp(context.Background(), nil)
	if err != nil {
		log.Fatalf("error initializing firebase app: %v\n", err)
		return
	}
	db := dbhelper.SetupDB()

	descriptionCache, err := services.NewDescriptionCacheService()
	if err != nil {
		log.Fatal("[Queue] Failed to initialize description cache")
	}
	alertBot := telegram.NewAlertBot()
	pipeline := &services.OutfitPipeline{
		Vision:            services.NewGoogleVisionService(),
		Stylist:           services.NewGradientAgentService(),
		Weather:           services.NewOpenMeteoWeatherService(),
		Sessions:          services.NewSessionStore(services.DefaultSessionTimeout),
		Emitter:           services.NewRedisProgressEmitter(services.GetEnv("REDIS_ADDRESS", services.GetEnv("ASYNC_BROKER_ADDRESS", "localhost:6379"))),
		Cache:             descriptionCache,
		Alert:             alertBot.SendAlert,
		WhitenBackgrounds: services.GetEnv("WHITEN_CLOTHING_BACKGROUND", "false") == "true",
	}

	mux := asynq.NewServeMux()
	mux.HandleFunc(tasks.TypeOutfitGeneration, func(ctx context.Context, t *asynq.Task) error {
		return tasks.HandleOutfitGenerationTask(ctx, t, db, pipeline, awsService, app)
	})
	mux.HandleFunc(tasks.TypeStaleGenerationSweep, func(ctx context.Context, t *asynq.Task) error {
		return tasks.HandleStaleGenerationSweepTask(ctx, t, db)
	})

	go runScheduler()
	if err := srv.Run(mux); err != nil {
		log.Fatal(err)
	}
}
