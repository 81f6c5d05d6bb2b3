package main

import (
	"context"
	"log"
	"os"
	"time"

	"stylistapi/controllers"
	"stylistapi/dbhelper"
	"stylistapi/services"
	"stylistapi/telegram"

	firebase "firebase.google.com/go/v4"
	"github.com/getsentry/sentry-go"
	sentryecho "github.com/getsentry/sentry-go/echo"
	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4/middleware"
)

const sessionCleanupInterval = 10 * time.Minute

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using process environment")
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              os.Getenv("SENTRY_DSN"),
		Environment:      services.GetEnv("ENV", "local"),
		Release:          "stylistapi@1.0.0",
		Debug:            false,
		TracesSampleRate: 1.0,
	})
	if err != nil {
		log.Fatalf("sentry.Init: %s", err)
	}
	defer sentry.Recover()
	defer sentry.Flush(2 * time.Second)

	db := dbhelper.SetupDB()

	app, err := firebase.NewApp(context.Background(), nil)
	if err != nil {
		log.Fatalf("error initializing firebase app: %v\n", err)
		return
	}
	asynqClient := asynq.NewClient(asynq.RedisClientOpt{Addr: os.Getenv("ASYNC_BROKER_ADDRESS")})
	asynqInspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: os.Getenv("ASYNC_BROKER_ADDRESS")})

	bucketName := services.GetEnv("R2_BUCKET_NAME", "")
	awsService := &services.AWSService{}
	urlCache, err := services.NewOutfitURLCache(awsService, bucketName)
	if err != nil {
		log.Fatal("Failed to initialize URL cache service")
	}
	descriptionCache, err := services.NewDescriptionCacheService()
	if err != nil {
		log.Fatal("Failed to initialize description cache")
	}

	sessions := services.NewSessionStore(services.DefaultSessionTimeout)
	go func() {
		for range time.Tick(sessionCleanupInterval) {
			if removed := sessions.CleanupExpired(); removed > 0 {
				log.Printf("Session cleanup removed %d expired sessions", removed)
			}
		}
	}()

	alertBot := telegram.NewAlertBot()
	pipeline := &services.OutfitPipeline{
		Vision:            services.NewGoogleVisionService(),
		Stylist:           services.NewGradientAgentService(),
		Weather:           services.NewOpenMeteoWeatherService(),
		Sessions:          sessions,
		Emitter:           services.NewRedisProgressEmitter(services.GetEnv("REDIS_ADDRESS", services.GetEnv("ASYNC_BROKER_ADDRESS", "localhost:6379"))),
		Cache:             descriptionCache,
		Alert:             alertBot.SendAlert,
		WhitenBackgrounds: services.GetEnv("WHITEN_CLOTHING_BACKGROUND", "false") == "true",
	}

	e := controllers.SetupServer(
		db, pipeline, awsService, urlCache, app,
		asynqClient, asynqInspector,
	)
	e.Debug = true
	e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(3)))
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(sentryecho.New(sentryecho.Options{Repanic: true}))
	e.Logger.Fatal(e.Start(":8083"))
}
