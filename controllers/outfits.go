package controllers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"stylistapi/models"
	"stylistapi/services"
	"stylistapi/tasks"

	firebase "firebase.google.com/go/v4"
	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/labstack/echo/v4"
	"github.com/lib/pq"
	"gorm.io/gorm"
)

type RegisterPushTokenIn struct {
	ClientID string `json:"client_id" validate:"required,max=100"`
	Platform string `json:"platform" validate:"required,oneof=ios android"`
	Token    string `json:"token" validate:"required,max=500"`
}

type OutfitResponse struct {
	OutfitNumber        int     `json:"outfit_number"`
	SelectedIndices     []int64 `json:"selected_indices"`
	Reasoning           string  `json:"reasoning"`
	WearingInstructions *string `json:"wearing_instructions,omitempty"`
	ImageURL            *string `json:"image_url,omitempty"`
	Error               *string `json:"error,omitempty"`
}

type GenerationResponse struct {
	CorrelationID  string           `json:"correlation_id"`
	SessionID      string           `json:"session_id"`
	SessionIsNew   bool             `json:"session_is_new,omitempty"`
	SessionContext string           `json:"session_context,omitempty"`
	Status         string           `json:"status"`
	QuestionAnswer *string          `json:"question_answer,omitempty"`
	Outfits        []OutfitResponse `json:"outfits,omitempty"`
}

type GenerationAcceptedResponse struct {
	CorrelationID   string `json:"correlation_id"`
	GenerationID    uint   `json:"generation_id"`
	Status          string `json:"status"`
	ProgressChannel string `json:"progress_channel"`
}

type OutfitsController struct {
	Pipeline    *services.OutfitPipeline
	AWSService  services.AWSServiceProvider
	URLCache    services.OutfitURLCacheProvider
	FirebaseApp *firebase.App
}

func (controller *OutfitsController) OutfitRoutes(g *echo.Group) {
	g.POST("/generate", controller.GenerateOutfits)
	g.GET("/generations/:correlationId", controller.GetGeneration)
	g.POST("/push/register", controller.RegisterPushToken)
}

// saveUpload normalizes one uploaded image and writes it to a temp file.
func saveUpload(fileHeader *multipart.FileHeader) (string, error) {
	src, err := fileHeader.Open()
	if err != nil {
		return "", fmt.Errorf("failed to open upload %s: %w", fileHeader.Filename, err)
	}
	defer src.Close()

	raw, err := io.ReadAll(src)
	if err != nil {
		return "", fmt.Errorf("failed to read upload %s: %w", fileHeader.Filename, err)
	}
	converted, _, err := services.ConvertAndValidateImage(raw)
	if err != nil {
		return "", fmt.Errorf("%s: %w", fileHeader.Filename, err)
	}
	return services.CreateTempFile(converted, fileHeader.Filename)
}

func parseDescriptions(value string, imageCount int) []models.ClothingItemDescription {
	if value == "" {
		return nil
	}
	var texts []string
	if err := json.Unmarshal([]byte(value), &texts); err != nil {
		log.Printf("Ignoring malformed descriptions field: %v", err)
		return nil
	}
	if len(texts) != imageCount {
		log.Printf("Ignoring descriptions: %d entries for %d images", len(texts), imageCount)
		return nil
	}
	descriptions := make([]models.ClothingItemDescription, len(texts))
	for i, text := range texts {
		descriptions[i] = models.ClothingItemDescription{Index: i + 1, Description: text}
	}
	return descriptions
}

func (controller *OutfitsController) GenerateOutfits(c echo.Context) error {
	db, ok := c.Get("__db").(*gorm.DB)
	if !ok {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Database connection error"})
	}

	form, err := c.MultipartForm()
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid multipart form"})
	}
	clothingFiles := form.File["clothing_images"]
	if len(clothingFiles) == 0 && c.FormValue("query") == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "At least one clothing image or a query is required"})
	}
	if len(clothingFiles) > services.MaxClothingImages {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": fmt.Sprintf("Too many images, maximum %d per request", services.MaxClothingImages),
		})
	}

	query := c.FormValue("query")
	sessionID := c.FormValue("session_id")
	clientID := c.FormValue("client_id")
	isAsync := c.FormValue("async") == "true"
	descriptions := parseDescriptions(c.FormValue("descriptions"), len(clothingFiles))

	var tempPaths []string
	cleanup := func() {
		for _, path := range tempPaths {
			os.Remove(path)
		}
	}

	var clothingPaths []string
	for _, fileHeader := range clothingFiles {
		path, err := saveUpload(fileHeader)
		if err != nil {
			cleanup()
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		tempPaths = append(tempPaths, path)
		clothingPaths = append(clothingPaths, path)
	}
	selfiePath := ""
	if selfieFiles := form.File["selfie"]; len(selfieFiles) > 0 {
		path, err := saveUpload(selfieFiles[0])
		if err != nil {
			cleanup()
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		tempPaths = append(tempPaths, path)
		selfiePath = path
	}

	correlationID := uuid.NewString()
	generation := models.OutfitGeneration{
		CorrelationID:  correlationID,
		SessionID:      sessionID,
		ClientID:       clientID,
		ClientIP:       c.RealIP(),
		Query:          services.StrPointer(query),
		ImageCount:     len(clothingPaths),
		SelfieProvided: selfiePath != "",
		Status:         "pending",
	}

	if isAsync {
		defer cleanup()
		return controller.enqueueGeneration(c, db, generation, clothingPaths, selfiePath)
	}

	generation.Status = "processing"
	if err := db.Create(&generation).Error; err != nil {
		cleanup()
		sentry.CaptureException(err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to start generation, please try again"})
	}

	result, err := controller.Pipeline.Run(c.Request().Context(), services.PipelineRequest{
		CorrelationID:           correlationID,
		SessionID:               sessionID,
		ClientID:                clientID,
		ClientIP:                c.RealIP(),
		Query:                   query,
		ClothingImagePaths:      clothingPaths,
		SelfiePath:              selfiePath,
		PrecomputedDescriptions: descriptions,
	})
	if err != nil {
		cleanup()
		generation.Status = "failed"
		generation.GenerationErrorMessage = services.StrPointer(err.Error())
		db.Save(&generation)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Generation failed, please try again"})
	}

	response := controller.storeResult(c.Request().Context(), db, &generation, result, &tempPaths)
	cleanup()
	return c.JSON(http.StatusCreated, response)
}

func (controller *OutfitsController) enqueueGeneration(c echo.Context, db *gorm.DB, generation models.OutfitGeneration, clothingPaths []string, selfiePath string) error {
	asynqClient, ok := c.Get("__asynqclient").(*asynq.Client)
	if !ok {
		return c.JSON(http.StatusInternalServerError, map[string]string{"message": "Service is not available, please try again a bit later"})
	}
	bucketName := services.GetEnv("R2_BUCKET_NAME", "")
	ctx := c.Request().Context()

	var imageKeys pq.StringArray
	for i, path := range clothingPaths {
		raw, err := os.ReadFile(path)
		if err != nil {
			sentry.CaptureException(err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to store uploads, please try again"})
		}
		key := fmt.Sprintf("uploads/%s/item-%d%s", generation.CorrelationID, i+1, filepath.Ext(path))
		if _, err := controller.AWSService.UploadOutfitImage(ctx, bucketName, key, raw); err != nil {
			sentry.CaptureException(err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to store uploads, please try again"})
		}
		imageKeys = append(imageKeys, key)
	}
	generation.ImageKeys = imageKeys
	if selfiePath != "" {
		raw, err := os.ReadFile(selfiePath)
		if err != nil {
			sentry.CaptureException(err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to store uploads, please try again"})
		}
		key := fmt.Sprintf("uploads/%s/selfie%s", generation.CorrelationID, filepath.Ext(selfiePath))
		if _, err := controller.AWSService.UploadOutfitImage(ctx, bucketName, key, raw); err != nil {
			sentry.CaptureException(err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to store uploads, please try again"})
		}
		generation.SelfieKey = services.StrPointer(key)
	}

	if err := db.Create(&generation).Error; err != nil {
		sentry.CaptureException(err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to start generation, please try again"})
	}

	task, err := tasks.NewOutfitGenerationTask(generation.ID)
	if err != nil {
		sentry.CaptureException(err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"message": "Sorry, could not start generation, please try again"})
	}
	info, err := asynqClient.Enqueue(task, asynq.MaxRetry(3), asynq.Queue("generate"))
	if err != nil {
		sentry.CaptureException(err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"message": "Sorry, could not start generation, please try again"})
	}
	fmt.Println("[Queue] Outfit generation task submitted, Generation ID: ", generation.ID, " Task ID: ", info.ID)

	return c.JSON(http.StatusAccepted, GenerationAcceptedResponse{
		CorrelationID:   generation.CorrelationID,
		GenerationID:    generation.ID,
		Status:          generation.Status,
		ProgressChannel: services.ProgressChannelName(generation.CorrelationID),
	})
}

// storeResult persists a synchronous pipeline result and builds the client
// response with presigned image URLs.
func (controller *OutfitsController) storeResult(ctx context.Context, db *gorm.DB, generation *models.OutfitGeneration, result *services.PipelineResult, tempPaths *[]string) GenerationResponse {
	generation.SessionID = result.SessionID
	response := GenerationResponse{
		CorrelationID:  generation.CorrelationID,
		SessionID:      result.SessionID,
		SessionIsNew:   result.SessionIsNew,
		SessionContext: result.SessionContext,
	}

	// a question answer rides along with whatever outfits were generated
	if result.QuestionAnswer != "" {
		generation.QuestionAnswer = services.StrPointer(result.QuestionAnswer)
		response.QuestionAnswer = generation.QuestionAnswer
	}

	bucketName := services.GetEnv("R2_BUCKET_NAME", "")
	for _, outfit := range result.Outfits {
		row := models.GeneratedOutfit{
			OutfitGenerationID:  generation.ID,
			OutfitNumber:        outfit.OutfitNumber,
			Reasoning:           outfit.Reasoning,
			WearingInstructions: services.StrPointer(outfit.WearingInstructions),
		}
		for _, index := range outfit.SelectedIndices {
			row.SelectedIndices = append(row.SelectedIndices, int64(index))
		}
		if outfit.Error != "" {
			row.ErrorMessage = services.StrPointer(outfit.Error)
		} else {
			*tempPaths = append(*tempPaths, outfit.GeneratedImagePath)
			imageBytes, err := os.ReadFile(outfit.GeneratedImagePath)
			if err == nil {
				objectKey := fmt.Sprintf("generations/%s/outfit-%d.png", generation.CorrelationID, outfit.OutfitNumber)
				if _, err := controller.AWSService.UploadOutfitImage(ctx, bucketName, objectKey, imageBytes); err == nil {
					row.ImageKey = services.StrPointer(objectKey)
				} else {
					sentry.CaptureException(err)
					row.ErrorMessage = services.StrPointer("failed to store generated image")
				}
			} else {
				sentry.CaptureException(err)
				row.ErrorMessage = services.StrPointer("failed to read generated image")
			}
		}
		if err := db.Create(&row).Error; err != nil {
			sentry.CaptureException(err)
		}
		generation.Outfits = append(generation.Outfits, row)
	}

	generation.Status = "completed"
	if err := db.Save(generation).Error; err != nil {
		sentry.CaptureException(err)
	}
	response.Status = generation.Status
	response.Outfits = controller.populatePresignedOutfits(ctx, generation.Outfits)
	return response
}

// populatePresignedOutfits enriches stored outfit rows with presigned read
// URLs concurrently. When the URL cache itself fails, the storage service is
// hit directly as a failsafe.
func (controller *OutfitsController) populatePresignedOutfits(ctx context.Context, outfits []models.GeneratedOutfit) []OutfitResponse {
	if len(outfits) == 0 {
		return []OutfitResponse{}
	}

	var wg sync.WaitGroup
	responses := make([]OutfitResponse, len(outfits))
	bucketName := services.GetEnv("R2_BUCKET_NAME", "")

	for i, outfit := range outfits {
		wg.Add(1)
		go func(index int, outfit models.GeneratedOutfit) {
			defer wg.Done()

			var imageUrl *string
			if outfit.ImageKey != nil && *outfit.ImageKey != "" {
				objectKey := *outfit.ImageKey
				url, err := controller.URLCache.GetReadURL(ctx, objectKey)
				if err == nil {
					imageUrl = &url
				} else {
					log.Printf("URL cache failed for key '%s': %v, falling back to direct presign", objectKey, err)
					sentry.CaptureException(err)
					fallbackUrl, fallbackErr := controller.AWSService.GetPresignedR2FileReadURL(ctx, bucketName, objectKey)
					if fallbackErr != nil {
						log.Printf("Direct presign also failed for key '%s': %v", objectKey, fallbackErr)
						sentry.CaptureException(fallbackErr)
					} else {
						imageUrl = &fallbackUrl
					}
				}
			}
			responses[index] = OutfitResponse{
				OutfitNumber:        outfit.OutfitNumber,
				SelectedIndices:     outfit.SelectedIndices,
				Reasoning:           outfit.Reasoning,
				WearingInstructions: outfit.WearingInstructions,
				ImageURL:            imageUrl,
				Error:               outfit.ErrorMessage,
			}
		}(i, outfit)
	}

	wg.Wait()
	return responses
}

func (controller *OutfitsController) GetGeneration(c echo.Context) error {
	db, ok := c.Get("__db").(*gorm.DB)
	if !ok {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Database connection error"})
	}

	correlationID := c.Param("correlationId")
	var generation models.OutfitGeneration
	if err := db.Preload("Outfits").Where("correlation_id = ?", correlationID).First(&generation).Error; err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Generation not found"})
	}

	return c.JSON(http.StatusOK, GenerationResponse{
		CorrelationID:  generation.CorrelationID,
		SessionID:      generation.SessionID,
		Status:         generation.Status,
		QuestionAnswer: generation.QuestionAnswer,
		Outfits:        controller.populatePresignedOutfits(c.Request().Context(), generation.Outfits),
	})
}

func (controller *OutfitsController) RegisterPushToken(c echo.Context) error {
	var req RegisterPushTokenIn
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}
	if err := c.Validate(req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	db, ok := c.Get("__db").(*gorm.DB)
	if !ok {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Database connection error"})
	}

	var token models.PushToken
	err := db.Where("client_id = ? AND token = ?", req.ClientID, req.Token).First(&token).Error
	if err == nil {
		token.Active = true
		token.Platform = req.Platform
		if err := db.Save(&token).Error; err != nil {
			sentry.CaptureException(err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to register token"})
		}
		return c.JSON(http.StatusOK, token)
	}

	token = models.PushToken{
		ClientID: req.ClientID,
		Platform: req.Platform,
		Token:    req.Token,
		Active:   true,
	}
	if err := db.Create(&token).Error; err != nil {
		sentry.CaptureException(err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to register token"})
	}
	return c.JSON(http.StatusCreated, token)
}
