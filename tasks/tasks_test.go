package tasks

import (
	"context"
	"image/color"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"stylistapi/dbhelper"
	"stylistapi/models"
	"stylistapi/services"
	"stylistapi/test"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newImageServer serves a valid PNG for any path, standing in for presigned
// R2 read URLs.
func newImageServer(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(test.PNGBytes(64, 64, color.White))
	}))
	t.Cleanup(server.Close)
	return server
}

func newWorkerPipeline(vision *test.VisionMock, stylist *test.StylistMock) *services.OutfitPipeline {
	return &services.OutfitPipeline{
		Vision:   vision,
		Stylist:  stylist,
		Sessions: services.NewSessionStore(services.DefaultSessionTimeout),
		Emitter:  &test.CaptureEmitter{},
	}
}

func TestHandleOutfitGenerationTaskOk(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()

	server := newImageServer(t)
	awsMock := &test.AWSProviderMock{ReadURLBase: server.URL}

	generation := models.OutfitGeneration{
		CorrelationID: "corr-task-1",
		SessionID:     "sess-task-1",
		Query:         services.StrPointer("something warm"),
		ImageCount:    2,
		Status:        "pending",
		ImageKeys:     []string{"uploads/corr-task-1/item-1.png", "uploads/corr-task-1/item-2.png"},
	}
	require.NoError(t, db.Create(&generation).Error)

	task, err := NewOutfitGenerationTask(generation.ID)
	require.NoError(t, err)

	stylist := &test.StylistMock{ConsultReply: "OUTFIT 1:\n1, 2\nLayered for colder days."}
	pipeline := newWorkerPipeline(&test.VisionMock{}, stylist)

	err = HandleOutfitGenerationTask(context.Background(), task, db, pipeline, awsMock, nil)
	require.NoError(t, err)

	var stored models.OutfitGeneration
	require.NoError(t, db.Preload("Outfits").First(&stored, generation.ID).Error)
	assert.Equal(t, "completed", stored.Status)
	assert.Equal(t, 1, stored.GenerationRetryTimes)
	require.Len(t, stored.Outfits, 1)
	require.NotNil(t, stored.Outfits[0].ImageKey)
	assert.Equal(t, "generations/corr-task-1/outfit-1.png", *stored.Outfits[0].ImageKey)

	// generated image was uploaded under the correlation prefix
	_, uploaded := awsMock.Objects["generations/corr-task-1/outfit-1.png"]
	assert.True(t, uploaded)
}

func TestHandleOutfitGenerationTaskQuestion(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()

	server := newImageServer(t)
	awsMock := &test.AWSProviderMock{ReadURLBase: server.URL}

	generation := models.OutfitGeneration{
		CorrelationID: "corr-task-q",
		SessionID:     "sess-task-q",
		Query:         services.StrPointer("does navy go with brown?"),
		ImageCount:    1,
		Status:        "pending",
		ImageKeys:     []string{"uploads/corr-task-q/item-1.png"},
	}
	require.NoError(t, db.Create(&generation).Error)

	task, err := NewOutfitGenerationTask(generation.ID)
	require.NoError(t, err)

	stylist := &test.StylistMock{
		ConsultReply: "OUTFIT 1:\n1\nNavy anchors the look.",
		ClassifyResult: &services.QueryResult{
			Type:   services.QueryTypeQuestion,
			Answer: "Navy and brown is a classic combination.",
		},
	}
	vision := &test.VisionMock{}
	pipeline := newWorkerPipeline(vision, stylist)

	err = HandleOutfitGenerationTask(context.Background(), task, db, pipeline, awsMock, nil)
	require.NoError(t, err)

	// both the answer and the generated outfit land on the row
	var stored models.OutfitGeneration
	require.NoError(t, db.Preload("Outfits").First(&stored, generation.ID).Error)
	assert.Equal(t, "completed", stored.Status)
	require.NotNil(t, stored.QuestionAnswer)
	assert.Contains(t, *stored.QuestionAnswer, "classic combination")
	require.Len(t, stored.Outfits, 1)
	require.NotNil(t, stored.Outfits[0].ImageKey)
	require.Len(t, vision.GenerateCalls, 1)
}

func TestHandleOutfitGenerationTaskTextOnlyQuery(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()

	generation := models.OutfitGeneration{
		CorrelationID: "corr-task-text",
		Query:         services.StrPointer("what should I wear to a beach wedding?"),
		Status:        "pending",
	}
	require.NoError(t, db.Create(&generation).Error)

	task, err := NewOutfitGenerationTask(generation.ID)
	require.NoError(t, err)

	stylist := &test.StylistMock{ConsultReply: "Linen suit, light colors, no tie."}
	vision := &test.VisionMock{}
	pipeline := newWorkerPipeline(vision, stylist)

	err = HandleOutfitGenerationTask(context.Background(), task, db, pipeline, &test.AWSProviderMock{}, nil)
	require.NoError(t, err)

	var stored models.OutfitGeneration
	require.NoError(t, db.Preload("Outfits").First(&stored, generation.ID).Error)
	assert.Equal(t, "completed", stored.Status)
	require.NotNil(t, stored.QuestionAnswer)
	assert.Contains(t, *stored.QuestionAnswer, "Linen suit")
	assert.Empty(t, stored.Outfits)
	assert.Empty(t, vision.GenerateCalls)
}

func TestHandleOutfitGenerationTaskSkipsCompleted(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()

	generation := models.OutfitGeneration{
		CorrelationID: "corr-task-done",
		Status:        "completed",
		ImageCount:    1,
		ImageKeys:     []string{"uploads/corr-task-done/item-1.png"},
	}
	require.NoError(t, db.Create(&generation).Error)

	task, err := NewOutfitGenerationTask(generation.ID)
	require.NoError(t, err)

	vision := &test.VisionMock{}
	pipeline := newWorkerPipeline(vision, &test.StylistMock{})

	err = HandleOutfitGenerationTask(context.Background(), task, db, pipeline, &test.AWSProviderMock{}, nil)
	require.NoError(t, err)

	// record untouched, no model calls made
	assert.Empty(t, vision.DescribeCalls)
	var stored models.OutfitGeneration
	require.NoError(t, db.First(&stored, generation.ID).Error)
	assert.Equal(t, 0, stored.GenerationRetryTimes)
}

func TestHandleOutfitGenerationTaskMissingRecord(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()

	task, err := NewOutfitGenerationTask(99999)
	require.NoError(t, err)

	pipeline := newWorkerPipeline(&test.VisionMock{}, &test.StylistMock{})
	err = HandleOutfitGenerationTask(context.Background(), task, db, pipeline, &test.AWSProviderMock{}, nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestHandleOutfitGenerationTaskRetriesOnDownloadFailure(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()

	// presign fails, so every download fails
	awsMock := &test.AWSProviderMock{PresignErr: assert.AnError}

	generation := models.OutfitGeneration{
		CorrelationID: "corr-task-retry",
		Status:        "pending",
		ImageCount:    1,
		ImageKeys:     []string{"uploads/corr-task-retry/item-1.png"},
	}
	require.NoError(t, db.Create(&generation).Error)

	task, err := NewOutfitGenerationTask(generation.ID)
	require.NoError(t, err)

	pipeline := newWorkerPipeline(&test.VisionMock{}, &test.StylistMock{})
	err = HandleOutfitGenerationTask(context.Background(), task, db, pipeline, awsMock, nil)

	// error requeues the task, record goes back to pending
	require.Error(t, err)
	assert.NotErrorIs(t, err, asynq.SkipRetry)

	var stored models.OutfitGeneration
	require.NoError(t, db.First(&stored, generation.ID).Error)
	assert.Equal(t, "pending", stored.Status)
	assert.Equal(t, 1, stored.GenerationRetryTimes)
	require.NotNil(t, stored.GenerationErrorMessage)
}

func TestHandleOutfitGenerationTaskFailsAfterMaxRetries(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()

	awsMock := &test.AWSProviderMock{PresignErr: assert.AnError}

	generation := models.OutfitGeneration{
		CorrelationID:        "corr-task-exhausted",
		Status:               "pending",
		ImageCount:           1,
		ImageKeys:            []string{"uploads/corr-task-exhausted/item-1.png"},
		GenerationRetryTimes: MaxGenerationRetries - 1,
	}
	require.NoError(t, db.Create(&generation).Error)

	task, err := NewOutfitGenerationTask(generation.ID)
	require.NoError(t, err)

	pipeline := newWorkerPipeline(&test.VisionMock{}, &test.StylistMock{})
	err = HandleOutfitGenerationTask(context.Background(), task, db, pipeline, awsMock, nil)

	// retries exhausted, record is failed for good and the task is dropped
	require.NoError(t, err)

	var stored models.OutfitGeneration
	require.NoError(t, db.First(&stored, generation.ID).Error)
	assert.Equal(t, "failed", stored.Status)
}

func TestHandleStaleGenerationSweepTask(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()

	stale := models.OutfitGeneration{
		CorrelationID: "corr-stale",
		Status:        "processing",
		ImageCount:    1,
	}
	require.NoError(t, db.Create(&stale).Error)
	require.NoError(t, db.Model(&stale).UpdateColumn("updated_at", time.Now().Add(-2*time.Hour)).Error)

	fresh := models.OutfitGeneration{
		CorrelationID: "corr-fresh",
		Status:        "processing",
		ImageCount:    1,
	}
	require.NoError(t, db.Create(&fresh).Error)

	err := HandleStaleGenerationSweepTask(context.Background(), NewStaleGenerationSweepTask(), db)
	require.NoError(t, err)

	var storedStale, storedFresh models.OutfitGeneration
	require.NoError(t, db.First(&storedStale, stale.ID).Error)
	require.NoError(t, db.First(&storedFresh, fresh.ID).Error)
	assert.Equal(t, "failed", storedStale.Status)
	require.NotNil(t, storedStale.GenerationErrorMessage)
	assert.Equal(t, "generation timed out", *storedStale.GenerationErrorMessage)
	assert.Equal(t, "processing", storedFresh.Status)
}
