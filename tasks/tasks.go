package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"stylistapi/models"
	"stylistapi/services"

	firebase "firebase.google.com/go/v4"
	"github.com/getsentry/sentry-go"
	"github.com/hibiken/asynq"
	"github.com/lib/pq"
	"gorm.io/gorm"
)

const TypeOutfitGeneration = "generate:outfits"

// MaxGenerationRetries bounds how many times a generation record may be
// retried across worker restarts before it is marked failed for good.
const MaxGenerationRetries = 3

type OutfitGenerationPayload struct {
	GenerationID uint `json:"generation_id"`
}

// NewClient initializes an asynq client for enqueuing tasks.
func NewClient() (*asynq.Client, error) {
	return asynq.NewClient(asynq.RedisClientOpt{Addr: os.Getenv("ASYNC_BROKER_ADDRESS")}), nil
}

func NewOutfitGenerationTask(generationID uint) (*asynq.Task, error) {
	payload, err := json.Marshal(OutfitGenerationPayload{GenerationID: generationID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeOutfitGeneration, payload), nil
}

// downloadImageToTemp pulls an uploaded image out of R2 into a local temp
// file the vision model can consume.
func downloadImageToTemp(awsService services.AWSServiceProvider, generationID uint, objectKey string) (string, error) {
	bucketName := os.Getenv("R2_BUCKET_NAME")
	fileUrl, err := awsService.GetPresignedR2FileReadURL(context.TODO(), bucketName, objectKey)
	if err != nil {
		sentry.CaptureException(fmt.Errorf("[Generation: %v] Error on getting presigned URL for %s", generationID, objectKey))
		return "", err
	}
	fmt.Printf("[Generation: %v] Downloading %s\n", generationID, objectKey)
	fileBytes, err := services.ReadFileFromUrl(fileUrl)
	if err != nil {
		sentry.CaptureException(fmt.Errorf("[Generation: %v] Error on downloading %s: %v", generationID, objectKey, err))
		return "", err
	}
	return services.CreateTempFile(fileBytes, filepath.Base(objectKey))
}

func saveGenerationFail(db *gorm.DB, generation models.OutfitGeneration, msg string, shouldRetry bool) error {
	generation.GenerationErrorMessage = services.StrPointer(msg)
	if shouldRetry && generation.GenerationRetryTimes < MaxGenerationRetries {
		generation.Status = "pending"
	} else {
		generation.Status = "failed"
	}
	if err := db.Save(&generation).Error; err != nil {
		sentry.CaptureException(err)
		return err
	}
	if !shouldRetry || generation.Status == "failed" {
		return nil
	}
	return fmt.Errorf("[Generation: %v] %s", generation.ID, msg)
}

func toInt64Array(values []int) pq.Int64Array {
	out := make(pq.Int64Array, len(values))
	for i, v := range values {
		out[i] = int64(v)
	}
	return out
}

// HandleOutfitGenerationTask runs the outfit pipeline for a stored
// generation record: downloads the uploaded images, executes the pipeline,
// uploads the results and notifies registered devices.
func HandleOutfitGenerationTask(
	ctx context.Context,
	t *asynq.Task,
	db *gorm.DB,
	pipeline *services.OutfitPipeline,
	awsService services.AWSServiceProvider,
	fbApp *firebase.App,
) error {
	var payload OutfitGenerationPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		sentry.CaptureException(err)
		return fmt.Errorf("failed to unmarshal payload: %v: %w", err, asynq.SkipRetry)
	}

	var generation models.OutfitGeneration
	if err := db.First(&generation, payload.GenerationID).Error; err != nil {
		fmt.Printf("[Generation: %v] Record not found: %v\n", payload.GenerationID, err)
		return fmt.Errorf("generation %v not found: %w", payload.GenerationID, asynq.SkipRetry)
	}
	if generation.Status == "completed" {
		fmt.Printf("[Generation: %v] Already completed, skipping\n", generation.ID)
		return nil
	}

	generation.Status = "processing"
	generation.GenerationRetryTimes++
	if err := db.Save(&generation).Error; err != nil {
		sentry.CaptureException(err)
		return err
	}

	var tempFiles []string
	defer func() {
		for _, path := range tempFiles {
			os.Remove(path)
		}
	}()

	var imagePaths []string
	for _, key := range generation.ImageKeys {
		path, err := downloadImageToTemp(awsService, generation.ID, key)
		if err != nil {
			return saveGenerationFail(db, generation, fmt.Sprintf("failed to fetch image %s", key), true)
		}
		tempFiles = append(tempFiles, path)
		imagePaths = append(imagePaths, path)
	}
	selfiePath := ""
	if generation.SelfieKey != nil && *generation.SelfieKey != "" {
		path, err := downloadImageToTemp(awsService, generation.ID, *generation.SelfieKey)
		if err != nil {
			return saveGenerationFail(db, generation, "failed to fetch selfie", true)
		}
		tempFiles = append(tempFiles, path)
		selfiePath = path
	}

	query := ""
	if generation.Query != nil {
		query = *generation.Query
	}
	result, err := pipeline.Run(ctx, services.PipelineRequest{
		CorrelationID:      generation.CorrelationID,
		SessionID:          generation.SessionID,
		ClientID:           generation.ClientID,
		ClientIP:           generation.ClientIP,
		Query:              query,
		ClothingImagePaths: imagePaths,
		SelfiePath:         selfiePath,
	})
	if err != nil {
		sentry.CaptureException(err)
		notifyClient(fbApp, db, generation, "Outfit generation failed", "Something went wrong, please try again")
		return saveGenerationFail(db, generation, err.Error(), true)
	}

	generation.SessionID = result.SessionID
	if result.QuestionAnswer != "" {
		generation.QuestionAnswer = services.StrPointer(result.QuestionAnswer)
	}

	// a request without images carries only the answer
	if len(result.Outfits) == 0 && result.QuestionAnswer != "" {
		generation.Status = "completed"
		if err := db.Save(&generation).Error; err != nil {
			sentry.CaptureException(err)
			return err
		}
		notifyClient(fbApp, db, generation, "Your stylist replied", result.QuestionAnswer)
		return nil
	}

	bucketName := os.Getenv("R2_BUCKET_NAME")
	succeeded := 0
	for _, outfit := range result.Outfits {
		row := models.GeneratedOutfit{
			OutfitGenerationID:  generation.ID,
			OutfitNumber:        outfit.OutfitNumber,
			SelectedIndices:     toInt64Array(outfit.SelectedIndices),
			Reasoning:           outfit.Reasoning,
			WearingInstructions: services.StrPointer(outfit.WearingInstructions),
		}
		if outfit.Error != "" {
			row.ErrorMessage = services.StrPointer(outfit.Error)
		} else {
			tempFiles = append(tempFiles, outfit.GeneratedImagePath)
			imageBytes, err := os.ReadFile(outfit.GeneratedImagePath)
			if err != nil {
				sentry.CaptureException(err)
				row.ErrorMessage = services.StrPointer("failed to read generated image")
			} else {
				objectKey := fmt.Sprintf("generations/%s/outfit-%d.png", generation.CorrelationID, outfit.OutfitNumber)
				if _, err := awsService.UploadOutfitImage(context.TODO(), bucketName, objectKey, imageBytes); err != nil {
					sentry.CaptureException(err)
					row.ErrorMessage = services.StrPointer("failed to store generated image")
				} else {
					row.ImageKey = services.StrPointer(objectKey)
					succeeded++
				}
			}
		}
		if err := db.Create(&row).Error; err != nil {
			sentry.CaptureException(err)
			return saveGenerationFail(db, generation, "failed to save outfit result", true)
		}
	}

	if succeeded == 0 {
		notifyClient(fbApp, db, generation, "Outfit generation failed", "Could not generate outfit images, please try again")
		return saveGenerationFail(db, generation, "no outfit image could be stored", true)
	}

	generation.Status = "completed"
	generation.GenerationErrorMessage = nil
	if err := db.Save(&generation).Error; err != nil {
		sentry.CaptureException(err)
		return err
	}
	fmt.Printf("[Generation: %v] Completed with %d outfits\n", generation.ID, succeeded)
	notifyClient(fbApp, db, generation, "Your outfits are ready", fmt.Sprintf("We put together %d looks for you", succeeded))
	return nil
}

const TypeStaleGenerationSweep = "maintenance:stale_generations"

func NewStaleGenerationSweepTask() *asynq.Task {
	return asynq.NewTask(TypeStaleGenerationSweep, []byte{})
}

// HandleStaleGenerationSweepTask fails generation records stuck in
// processing, usually left behind by a worker crash mid-run.
func HandleStaleGenerationSweepTask(ctx context.Context, t *asynq.Task, db *gorm.DB) error {
	result := db.Model(&models.OutfitGeneration{}).
		Where("status = ? AND updated_at < NOW() - INTERVAL '1 hour'", "processing").
		Updates(map[string]interface{}{
			"status":                   "failed",
			"generation_error_message": "generation timed out",
		})
	if result.Error != nil {
		sentry.CaptureException(result.Error)
		return result.Error
	}
	if result.RowsAffected > 0 {
		fmt.Printf("[Sweep] Marked %d stale generations as failed\n", result.RowsAffected)
	}
	return nil
}

func notifyClient(fbApp *firebase.App, db *gorm.DB, generation models.OutfitGeneration, title, body string) {
	if fbApp == nil || generation.ClientID == "" {
		return
	}
	services.SendNotification(fbApp, db, generation.ClientID, title, body, map[string]string{
		"correlation_id": generation.CorrelationID,
	})
}
