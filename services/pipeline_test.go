package services_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stylistapi/models"
	"stylistapi/services"
	"stylistapi/test"
)

func newTestPipeline(vision *test.VisionMock, stylist *test.StylistMock, emitter *test.CaptureEmitter) *services.OutfitPipeline {
	return &services.OutfitPipeline{
		Vision:   vision,
		Stylist:  stylist,
		Sessions: services.NewSessionStore(services.DefaultSessionTimeout),
		Emitter:  emitter,
	}
}

func tempItems(t *testing.T, count int) []string {
	t.Helper()
	paths := make([]string, count)
	for i := range paths {
		path, err := test.TempImageFile(64, 64)
		require.NoError(t, err)
		paths[i] = path
	}
	t.Cleanup(func() { test.RemoveAll(paths...) })
	return paths
}

func TestPipelineRunGeneratesOutfits(t *testing.T) {
	paths := tempItems(t, 2)
	vision := &test.VisionMock{}
	stylist := &test.StylistMock{
		ConsultReply: "OUTFIT 1:\n1, 2\nClassic pairing for a casual day.\n\nOUTFIT 2:\n2\nStatement piece on its own.",
	}
	emitter := &test.CaptureEmitter{}
	pipeline := newTestPipeline(vision, stylist, emitter)

	result, err := pipeline.Run(context.Background(), services.PipelineRequest{
		CorrelationID:      "corr-1",
		SessionID:          "sess-1",
		Query:              "something for the weekend",
		ClothingImagePaths: paths,
	})
	require.NoError(t, err)
	require.NotNil(t, result)

	// unknown session id gets replaced by a freshly allocated one
	assert.NotEmpty(t, result.SessionID)
	assert.NotEqual(t, "sess-1", result.SessionID)
	assert.True(t, result.SessionIsNew)
	assert.Empty(t, result.SessionContext)
	assert.Empty(t, result.QuestionAnswer)
	require.Len(t, result.Outfits, 2)
	assert.Equal(t, []int{1, 2}, result.Outfits[0].SelectedIndices)
	assert.Equal(t, []int{2}, result.Outfits[1].SelectedIndices)
	for _, outfit := range result.Outfits {
		assert.Empty(t, outfit.Error)
		assert.NotEmpty(t, outfit.GeneratedImagePath)
		test.RemoveAll(outfit.GeneratedImagePath)
	}
	require.Len(t, result.ItemDescriptions, 2)
	assert.Equal(t, 1, result.ItemDescriptions[0].Index)

	events := emitter.Snapshot()
	require.NotEmpty(t, events)
	assert.Equal(t, models.StepStarting, events[0].Step)
	last := events[len(events)-1]
	assert.Equal(t, models.StepComplete, last.Step)
	assert.Equal(t, 100, last.Percent)
	assert.Equal(t, 2, last.Details["outfit_count"])

	// percent only ever moves forward
	previous := 0
	for _, event := range events {
		assert.GreaterOrEqual(t, event.Percent, previous, "step %s went backwards", event.Step)
		previous = event.Percent
	}

	// user query and assistant summary both recorded
	session := pipeline.Sessions.Get(result.SessionID)
	require.NotNil(t, session)
	require.Len(t, session.Messages, 2)
	assert.Equal(t, "user", session.Messages[0].Role)
	assert.Equal(t, "assistant", session.Messages[1].Role)
	assert.Contains(t, session.Messages[1].Content, "Outfit 1")
}

func TestPipelineQuestionAnswerRidesAlongWithOutfits(t *testing.T) {
	paths := tempItems(t, 1)
	vision := &test.VisionMock{}
	stylist := &test.StylistMock{
		ConsultReply: "OUTFIT 1:\n1\nMuted stripes carry the look.",
		ClassifyResult: &services.QueryResult{
			Type:   services.QueryTypeQuestion,
			Answer: "Stripes and florals can work if you keep one of them muted.",
		},
	}
	emitter := &test.CaptureEmitter{}
	pipeline := newTestPipeline(vision, stylist, emitter)

	result, err := pipeline.Run(context.Background(), services.PipelineRequest{
		CorrelationID:      "corr-q",
		SessionID:          "sess-q",
		Query:              "can I mix stripes with florals?",
		ClothingImagePaths: paths,
	})
	require.NoError(t, err)

	// the answer and the outfit sequence come back together
	assert.Contains(t, result.QuestionAnswer, "Stripes and florals")
	require.Len(t, result.Outfits, 1)
	assert.Equal(t, []int{1}, result.Outfits[0].SelectedIndices)
	assert.NotEmpty(t, result.Outfits[0].GeneratedImagePath)
	test.RemoveAll(result.Outfits[0].GeneratedImagePath)

	assert.NotEmpty(t, vision.DescribeCalls)
	require.Len(t, vision.GenerateCalls, 1)
	require.NotEmpty(t, stylist.ConsultPrompts)
	// a question never steers outfit selection
	assert.NotContains(t, stylist.ConsultPrompts[0], "Requirement:")

	session := pipeline.Sessions.Get(result.SessionID)
	require.NotNil(t, session)
	require.Len(t, session.Messages, 3)
	assert.Contains(t, session.Messages[1].Content, "Stripes and florals")

	events := emitter.Snapshot()
	last := events[len(events)-1]
	assert.Equal(t, models.StepComplete, last.Step)
	assert.Equal(t, 100, last.Percent)
}

func TestPipelineQuestionWithoutImagesReturnsAnswerOnly(t *testing.T) {
	vision := &test.VisionMock{}
	stylist := &test.StylistMock{
		ClassifyResult: &services.QueryResult{
			Type:   services.QueryTypeQuestion,
			Answer: "Brown belts pair with brown shoes.",
		},
	}
	emitter := &test.CaptureEmitter{}
	pipeline := newTestPipeline(vision, stylist, emitter)

	result, err := pipeline.Run(context.Background(), services.PipelineRequest{
		CorrelationID: "corr-q-text",
		Query:         "what belt goes with brown shoes?",
	})
	require.NoError(t, err)

	assert.Contains(t, result.QuestionAnswer, "Brown belts")
	assert.Empty(t, result.Outfits)
	assert.Empty(t, vision.DescribeCalls)
	assert.Empty(t, vision.GenerateCalls)

	events := emitter.Snapshot()
	last := events[len(events)-1]
	assert.Equal(t, models.StepComplete, last.Step)
	assert.Equal(t, 100, last.Percent)
}

func TestPipelinePrecomputedDescriptionsSkipVision(t *testing.T) {
	paths := tempItems(t, 2)
	vision := &test.VisionMock{}
	stylist := &test.StylistMock{ConsultReply: "OUTFIT 1:\n1, 2\nGoes well together."}
	emitter := &test.CaptureEmitter{}
	pipeline := newTestPipeline(vision, stylist, emitter)

	result, err := pipeline.Run(context.Background(), services.PipelineRequest{
		CorrelationID:      "corr-pre",
		SessionID:          "sess-pre",
		ClothingImagePaths: paths,
		PrecomputedDescriptions: []models.ClothingItemDescription{
			{Description: "blue denim jacket"},
			{Description: "white cotton tee"},
		},
	})
	require.NoError(t, err)
	for _, outfit := range result.Outfits {
		test.RemoveAll(outfit.GeneratedImagePath)
	}

	assert.Empty(t, vision.DescribeCalls)
	require.Len(t, result.ItemDescriptions, 2)
	assert.Equal(t, "blue denim jacket", result.ItemDescriptions[0].Description)
	assert.Equal(t, paths[0], result.ItemDescriptions[0].SourcePath)

	require.Len(t, stylist.ConsultPrompts, 1)
	assert.Contains(t, stylist.ConsultPrompts[0], "blue denim jacket")
}

func TestPipelinePartialDescriptionsFallBackToVision(t *testing.T) {
	paths := tempItems(t, 2)
	vision := &test.VisionMock{}
	stylist := &test.StylistMock{ConsultReply: "OUTFIT 1:\n1\nSimple look."}
	emitter := &test.CaptureEmitter{}
	pipeline := newTestPipeline(vision, stylist, emitter)

	result, err := pipeline.Run(context.Background(), services.PipelineRequest{
		CorrelationID:      "corr-partial",
		SessionID:          "sess-partial",
		ClothingImagePaths: paths,
		PrecomputedDescriptions: []models.ClothingItemDescription{
			{Description: "only one provided"},
		},
	})
	require.NoError(t, err)
	for _, outfit := range result.Outfits {
		test.RemoveAll(outfit.GeneratedImagePath)
	}

	// partial set is ignored, every image is described fresh
	assert.Len(t, vision.DescribeCalls, 2)
}

func TestPipelineAgentFailureFallsBackToAllItems(t *testing.T) {
	paths := tempItems(t, 3)
	vision := &test.VisionMock{}
	stylist := &test.StylistMock{ConsultErr: errors.New("agent unavailable")}
	emitter := &test.CaptureEmitter{}
	pipeline := newTestPipeline(vision, stylist, emitter)

	result, err := pipeline.Run(context.Background(), services.PipelineRequest{
		CorrelationID:      "corr-fb",
		SessionID:          "sess-fb",
		ClothingImagePaths: paths,
	})
	require.NoError(t, err)

	require.Len(t, result.Outfits, 1)
	fallback := result.Outfits[0]
	assert.Equal(t, 1, fallback.OutfitNumber)
	assert.Equal(t, []int{1, 2, 3}, fallback.SelectedIndices)
	assert.Equal(t, "Fallback: combined all provided items into one look.", fallback.Reasoning)
	test.RemoveAll(fallback.GeneratedImagePath)
}

func TestPipelineAllGenerationsFailed(t *testing.T) {
	paths := tempItems(t, 2)
	vision := &test.VisionMock{GenerateErr: errors.New("model overloaded")}
	stylist := &test.StylistMock{ConsultReply: "OUTFIT 1:\n1, 2\nNice."}
	emitter := &test.CaptureEmitter{}
	alerts := []string{}
	pipeline := newTestPipeline(vision, stylist, emitter)
	pipeline.Alert = func(message string) { alerts = append(alerts, message) }

	result, err := pipeline.Run(context.Background(), services.PipelineRequest{
		CorrelationID:      "corr-fail",
		SessionID:          "sess-fail",
		ClothingImagePaths: paths,
	})
	require.Error(t, err)
	assert.Nil(t, result)
	assert.Len(t, alerts, 1)

	events := emitter.Snapshot()
	last := events[len(events)-1]
	assert.Equal(t, models.StepError, last.Step)
	assert.Equal(t, 0, last.Percent)
}

func TestPipelineOneFailedOutfitSurvives(t *testing.T) {
	paths := tempItems(t, 2)
	vision := &test.VisionMock{FailOutfitPaths: map[string]bool{paths[1]: true}}
	stylist := &test.StylistMock{
		ConsultReply: "OUTFIT 1:\n1\nFirst look.\nOUTFIT 2:\n2\nSecond look.",
	}
	emitter := &test.CaptureEmitter{}
	pipeline := newTestPipeline(vision, stylist, emitter)

	result, err := pipeline.Run(context.Background(), services.PipelineRequest{
		CorrelationID:      "corr-iso",
		SessionID:          "sess-iso",
		ClothingImagePaths: paths,
	})
	require.NoError(t, err)

	require.Len(t, result.Outfits, 2)
	assert.Empty(t, result.Outfits[0].Error)
	assert.NotEmpty(t, result.Outfits[0].GeneratedImagePath)
	assert.Equal(t, "image generation failed", result.Outfits[1].Error)
	assert.Empty(t, result.Outfits[1].GeneratedImagePath)
	test.RemoveAll(result.Outfits[0].GeneratedImagePath)

	events := emitter.Snapshot()
	last := events[len(events)-1]
	assert.Equal(t, models.StepComplete, last.Step)
	assert.Equal(t, 1, last.Details["outfit_count"])
}

func TestPipelineNoImagesRejected(t *testing.T) {
	emitter := &test.CaptureEmitter{}
	pipeline := newTestPipeline(&test.VisionMock{}, &test.StylistMock{}, emitter)

	result, err := pipeline.Run(context.Background(), services.PipelineRequest{
		CorrelationID: "corr-empty",
		SessionID:     "sess-empty",
	})
	require.Error(t, err)
	assert.Nil(t, result)
	assert.Contains(t, err.Error(), "no images")

	events := emitter.Snapshot()
	last := events[len(events)-1]
	assert.Equal(t, models.StepError, last.Step)
}

func TestPipelineTextOnlyQueryAnswered(t *testing.T) {
	vision := &test.VisionMock{}
	stylist := &test.StylistMock{ConsultReply: "Go with loafers, they dress the outfit up without socks."}
	emitter := &test.CaptureEmitter{}
	pipeline := newTestPipeline(vision, stylist, emitter)

	result, err := pipeline.Run(context.Background(), services.PipelineRequest{
		CorrelationID: "corr-text",
		SessionID:     "sess-text",
		Query:         "what shoes go with chinos?",
	})
	require.NoError(t, err)

	assert.Contains(t, result.QuestionAnswer, "loafers")
	assert.Empty(t, result.Outfits)
	assert.Empty(t, vision.DescribeCalls)
	assert.Empty(t, vision.GenerateCalls)

	events := emitter.Snapshot()
	last := events[len(events)-1]
	assert.Equal(t, models.StepComplete, last.Step)
	assert.Equal(t, 100, last.Percent)
}

func TestPipelineVisionFailureDegradesToStub(t *testing.T) {
	paths := tempItems(t, 1)
	vision := &test.VisionMock{DescribeErr: errors.New("vision down")}
	stylist := &test.StylistMock{ConsultReply: "OUTFIT 1:\n1\nOnly option."}
	emitter := &test.CaptureEmitter{}
	pipeline := newTestPipeline(vision, stylist, emitter)

	result, err := pipeline.Run(context.Background(), services.PipelineRequest{
		CorrelationID:      "corr-stub",
		SessionID:          "sess-stub",
		ClothingImagePaths: paths,
	})
	require.NoError(t, err)
	for _, outfit := range result.Outfits {
		test.RemoveAll(outfit.GeneratedImagePath)
	}

	require.Len(t, result.ItemDescriptions, 1)
	assert.Contains(t, result.ItemDescriptions[0].Description, "clothing item (")
}

func TestPipelineReusedSessionCarriesContext(t *testing.T) {
	paths := tempItems(t, 1)
	vision := &test.VisionMock{}
	stylist := &test.StylistMock{ConsultReply: "OUTFIT 1:\n1\nEasy repeat."}
	emitter := &test.CaptureEmitter{}
	pipeline := newTestPipeline(vision, stylist, emitter)

	first, err := pipeline.Run(context.Background(), services.PipelineRequest{
		CorrelationID:      "corr-s1",
		Query:              "something for brunch",
		ClothingImagePaths: paths,
	})
	require.NoError(t, err)
	for _, outfit := range first.Outfits {
		test.RemoveAll(outfit.GeneratedImagePath)
	}

	second, err := pipeline.Run(context.Background(), services.PipelineRequest{
		CorrelationID:      "corr-s2",
		SessionID:          first.SessionID,
		Query:              "now something dressier",
		ClothingImagePaths: paths,
	})
	require.NoError(t, err)
	for _, outfit := range second.Outfits {
		test.RemoveAll(outfit.GeneratedImagePath)
	}

	assert.Equal(t, first.SessionID, second.SessionID)
	assert.False(t, second.SessionIsNew)
	// recap reflects the conversation before the second request
	assert.Contains(t, second.SessionContext, "Outfit 1")
}

func TestPipelineCapsOutfitCount(t *testing.T) {
	paths := tempItems(t, 4)
	vision := &test.VisionMock{}
	stylist := &test.StylistMock{
		ConsultReply: "OUTFIT 1:\n1\nA.\nOUTFIT 2:\n2\nB.\nOUTFIT 3:\n3\nC.\nOUTFIT 4:\n4\nD.",
	}
	emitter := &test.CaptureEmitter{}
	pipeline := newTestPipeline(vision, stylist, emitter)

	result, err := pipeline.Run(context.Background(), services.PipelineRequest{
		CorrelationID:      "corr-cap",
		SessionID:          "sess-cap",
		ClothingImagePaths: paths,
	})
	require.NoError(t, err)

	assert.Len(t, result.Outfits, services.MaxOutfitsPerRequest)
	for _, outfit := range result.Outfits {
		test.RemoveAll(outfit.GeneratedImagePath)
	}
}
