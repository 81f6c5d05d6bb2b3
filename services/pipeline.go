package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/getsentry/sentry-go"

	"stylistapi/models"
)

// MaxOutfitsPerRequest caps how many outfit images one request may produce.
const MaxOutfitsPerRequest = 3

const generationAttempts = 2

// PipelineRequest is one outfit generation job. ClothingImagePaths point at
// temp files owned by the caller. PrecomputedDescriptions, when it covers
// every image, skips the vision analysis stage entirely.
type PipelineRequest struct {
	CorrelationID           string
	SessionID               string
	ClientID                string
	ClientIP                string
	Query                   string
	ClothingImagePaths      []string
	SelfiePath              string
	PrecomputedDescriptions []models.ClothingItemDescription
}

// PipelineResult is the terminal outcome of a run. QuestionAnswer is set when
// the query was classified as a question; Outfits still covers the uploaded
// items, and is empty only when no images were provided.
// SessionContext recaps the conversation as it stood before this run.
type PipelineResult struct {
	SessionID        string                           `json:"session_id"`
	SessionIsNew     bool                             `json:"session_is_new"`
	SessionContext   string                           `json:"session_context,omitempty"`
	QuestionAnswer   string                           `json:"question_answer,omitempty"`
	ItemDescriptions []models.ClothingItemDescription `json:"item_descriptions,omitempty"`
	Outfits          []models.OutfitSelection         `json:"outfits,omitempty"`
}

// OutfitPipeline orchestrates one request end to end: validate, analyze,
// consult the stylist agent, then fan out image generation. Progress events
// flow through Emitter and never block or fail the run.
type OutfitPipeline struct {
	Vision   VisionProvider
	Stylist  StylistProvider
	Weather  WeatherProvider
	Sessions *SessionStore
	Emitter  ProgressEmitter
	Cache    *DescriptionCacheService

	// Alert is an optional ops hook fired on unrecoverable failures.
	Alert func(message string)

	// WhitenBackgrounds preprocesses clothing photos onto a clean white
	// background before generation. Off by default, gated by config.
	WhitenBackgrounds bool
}

type progressTracker struct {
	emitter       ProgressEmitter
	correlationID string
	mu            sync.Mutex
	lastPercent   int
}

// emit publishes an event, clamping percent so it never goes backwards
// within one run. A terminal error event bypasses the clamp. The mutex stays
// held across the publish so clamp order equals publish order under
// concurrent completions.
func (t *progressTracker) emit(step, message string, percent int, details map[string]interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if step != models.StepError {
		if percent < t.lastPercent {
			percent = t.lastPercent
		}
		t.lastPercent = percent
	}
	t.emitter.Emit(t.correlationID, models.ProgressEvent{
		Step:    step,
		Message: message,
		Percent: percent,
		Details: details,
	})
}

// Run executes the full pipeline. Errors returned here are user-facing, the
// terminal error event has already been emitted by the time Run returns.
func (p *OutfitPipeline) Run(ctx context.Context, req PipelineRequest) (result *PipelineResult, err error) {
	tracker := &progressTracker{emitter: p.Emitter, correlationID: req.CorrelationID}

	defer func() {
		if r := recover(); r != nil {
			panicErr := fmt.Errorf("outfit pipeline panic: %v", r)
			sentry.CurrentHub().Recover(r)
			tracker.emit(models.StepError, "Something went wrong, please try again", 0, nil)
			p.alert(fmt.Sprintf("Pipeline panic for %s: %v", req.CorrelationID, r))
			result, err = nil, panicErr
		}
	}()

	tracker.emit(models.StepStarting, "Starting outfit generation", 0, nil)

	textOnly := len(req.ClothingImagePaths) == 0 && req.Query != ""
	if !textOnly {
		if err := ValidateImagePaths(req.ClothingImagePaths, MaxClothingImages); err != nil {
			tracker.emit(models.StepError, err.Error(), 0, nil)
			return nil, err
		}
		if req.SelfiePath != "" {
			if err := ValidateImagePath(req.SelfiePath); err != nil {
				tracker.emit(models.StepError, err.Error(), 0, nil)
				return nil, err
			}
		}
	}
	tracker.emit(models.StepValidatingImages, "Images validated", 5, map[string]interface{}{
		"image_count": len(req.ClothingImagePaths),
	})

	session, created := p.Sessions.GetOrCreate(req.SessionID)
	if created {
		fmt.Println("Created new session:", session.SessionID)
	}
	// recap of the conversation as it stood before this request
	contextSummary := session.ContextSummary()
	if req.Query != "" {
		p.Sessions.AddMessage(session, "user", req.Query)
	}

	questionAnswer := ""
	instruction := ""
	if req.Query != "" {
		classification, err := p.Stylist.ClassifyQuery(ctx, req.Query, contextSummary)
		if err != nil {
			// ClassifyQuery degrades internally, an error here means a bug
			sentry.CaptureException(err)
			classification = &QueryResult{Type: QueryTypeInstruction, Answer: req.Query}
		}
		if classification.Type == QueryTypeQuestion {
			// the answer rides along, outfit generation still runs for the
			// uploaded items
			questionAnswer = classification.Answer
			p.Sessions.AddMessage(session, "assistant", classification.Answer)
			if textOnly {
				tracker.emit(models.StepComplete, "Answered styling question", 100, nil)
				return &PipelineResult{
					SessionID:      session.SessionID,
					SessionIsNew:   created,
					SessionContext: contextSummary,
					QuestionAnswer: questionAnswer,
				}, nil
			}
		} else {
			instruction = classification.Answer
		}
	}

	// with no wardrobe to style, the query can only be answered, not acted on
	if textOnly {
		return p.answerTextOnly(ctx, tracker, session, created, contextSummary, req.Query)
	}

	selfieDescription := ""
	if req.SelfiePath != "" {
		tracker.emit(models.StepAnalyzingSelfie, "Analyzing your photo", 15, nil)
		description, err := p.Vision.DescribePerson(ctx, req.SelfiePath)
		if err != nil || strings.Contains(description, "NO_PERSON") {
			fmt.Println("Selfie analysis unusable, continuing without it:", err)
		} else {
			selfieDescription = description
		}
		tracker.emit(models.StepAnalyzingSelfie, "Photo analyzed", 20, nil)
	}

	items := p.describeClothing(ctx, tracker, req)

	tracker.emit(models.StepConsultingAgent, "Consulting your stylist", 45, nil)
	outfits := p.consultStylist(ctx, req, items, selfieDescription, instruction)
	tracker.emit(models.StepConsultingAgent, "Outfits selected", 50, map[string]interface{}{
		"outfit_count": len(outfits),
	})

	if p.WhitenBackgrounds {
		outfits = p.whitenSelectedItems(outfits)
	}

	generated := p.generateOutfits(ctx, tracker, req, items, outfits, selfieDescription)

	succeeded := 0
	for _, outfit := range generated {
		if outfit.Error == "" {
			succeeded++
		}
	}
	if succeeded == 0 {
		err := fmt.Errorf("all outfit generations failed")
		sentry.CaptureException(err)
		tracker.emit(models.StepError, "Could not generate any outfit images, please try again", 0, nil)
		p.alert(fmt.Sprintf("All generations failed for %s", req.CorrelationID))
		return nil, err
	}

	p.Sessions.AddMessage(session, "assistant", summarizeOutfits(generated))
	tracker.emit(models.StepComplete, "Your outfits are ready", 100, map[string]interface{}{
		"outfit_count": succeeded,
	})

	return &PipelineResult{
		SessionID:        session.SessionID,
		SessionIsNew:     created,
		SessionContext:   contextSummary,
		QuestionAnswer:   questionAnswer,
		ItemDescriptions: items,
		Outfits:          generated,
	}, nil
}

// answerTextOnly handles a query that arrived without any clothing images.
// The agent is consulted in question-answering mode and the reply comes back
// with an empty outfit list.
func (p *OutfitPipeline) answerTextOnly(ctx context.Context, tracker *progressTracker, session *models.ChatSession, isNew bool, contextSummary, query string) (*PipelineResult, error) {
	tracker.emit(models.StepConsultingAgent, "Consulting your stylist", 45, nil)
	reply, err := p.Stylist.Consult(ctx, "Answer this styling question directly, no outfit list needed: "+query)
	if err != nil {
		sentry.CaptureException(err)
		tracker.emit(models.StepError, "Could not reach your stylist, please try again", 0, nil)
		return nil, fmt.Errorf("stylist agent unavailable: %w", err)
	}
	answer := strings.TrimSpace(StripThinking(reply))
	p.Sessions.AddMessage(session, "assistant", answer)
	tracker.emit(models.StepComplete, "Answered styling question", 100, nil)
	return &PipelineResult{
		SessionID:      session.SessionID,
		SessionIsNew:   isNew,
		SessionContext: contextSummary,
		QuestionAnswer: answer,
	}, nil
}

func (p *OutfitPipeline) alert(message string) {
	if p.Alert != nil {
		p.Alert(message)
	}
}

// describeClothing produces one description per clothing image. Precomputed
// descriptions are honored only when they cover the whole batch, a partial
// set would desync indices between the client and the agent. Vision failures
// degrade to a filename stub so a single bad image never sinks the batch.
func (p *OutfitPipeline) describeClothing(ctx context.Context, tracker *progressTracker, req PipelineRequest) []models.ClothingItemDescription {
	total := len(req.ClothingImagePaths)

	if len(req.PrecomputedDescriptions) == total && total > 0 {
		items := make([]models.ClothingItemDescription, total)
		for i, description := range req.PrecomputedDescriptions {
			items[i] = models.ClothingItemDescription{
				Index:       i + 1,
				SourcePath:  req.ClothingImagePaths[i],
				Description: description.Description,
			}
		}
		tracker.emit(models.StepAnalyzingClothing, "Using provided item descriptions", 40, nil)
		return items
	}

	tracker.emit(models.StepAnalyzingClothing, "Analyzing your clothing items", 25, nil)
	items := make([]models.ClothingItemDescription, total)
	for i, path := range req.ClothingImagePaths {
		items[i] = models.ClothingItemDescription{
			Index:       i + 1,
			SourcePath:  path,
			Description: p.describeOne(ctx, path),
		}
		done := i + 1
		tracker.emit(models.StepAnalyzingClothing,
			fmt.Sprintf("Analyzed item %d of %d", done, total),
			25+done*15/total, nil)
	}
	return items
}

func (p *OutfitPipeline) describeOne(ctx context.Context, path string) string {
	var cacheKey string
	if p.Cache != nil {
		if raw, err := os.ReadFile(path); err == nil {
			cacheKey = HashImage(raw)
			if cached, ok := p.Cache.Get(ctx, cacheKey); ok {
				return cached
			}
		}
	}

	attempt := RetryAttempts(2, func(attempt int) (string, error) {
		return p.Vision.DescribeImage(ctx, path)
	})
	description := attempt.Value
	if !attempt.Ok || strings.TrimSpace(description) == "" {
		fmt.Println("Describe failed for", path, ":", attempt.Err)
		base := filepath.Base(path)
		return "clothing item (" + strings.TrimSuffix(base, filepath.Ext(base)) + ")"
	}
	if p.Cache != nil && cacheKey != "" {
		p.Cache.Set(ctx, cacheKey, description)
	}
	return description
}

// consultStylist asks the agent for outfit combinations and parses its free
// text reply. Agent failure or an unparseable reply falls back to a single
// outfit using every item.
func (p *OutfitPipeline) consultStylist(ctx context.Context, req PipelineRequest, items []models.ClothingItemDescription, selfieDescription, instruction string) []models.OutfitSelection {
	prompt := buildStylistPrompt(ctx, p.Weather, req, items, selfieDescription, instruction)

	reply, err := p.Stylist.Consult(ctx, prompt)
	if err != nil {
		fmt.Println("Stylist agent failed, falling back to all items:", err)
		sentry.CaptureException(err)
		return []models.OutfitSelection{fallbackSelection(items)}
	}

	outfits := ParseOutfits(reply, items)
	if len(outfits) == 0 {
		fmt.Println("Could not parse any outfit from agent reply, falling back to all items")
		return []models.OutfitSelection{fallbackSelection(items)}
	}
	if len(outfits) > MaxOutfitsPerRequest {
		outfits = outfits[:MaxOutfitsPerRequest]
	}
	return outfits
}

func fallbackSelection(items []models.ClothingItemDescription) models.OutfitSelection {
	indices := make([]int, len(items))
	paths := make([]string, len(items))
	for i, item := range items {
		indices[i] = item.Index
		paths[i] = item.SourcePath
	}
	return models.OutfitSelection{
		OutfitNumber:    1,
		SelectedIndices: indices,
		SelectedPaths:   paths,
		Reasoning:       "Fallback: combined all provided items into one look.",
	}
}

// whitenSelectedItems swaps each selected clothing photo for a copy
// composited onto a white background. Each item is processed once even when
// several outfits share it. Any failure keeps the original photo.
func (p *OutfitPipeline) whitenSelectedItems(outfits []models.OutfitSelection) []models.OutfitSelection {
	whitened := make(map[string]string)
	for oi := range outfits {
		for pi, path := range outfits[oi].SelectedPaths {
			if replacement, ok := whitened[path]; ok {
				outfits[oi].SelectedPaths[pi] = replacement
				continue
			}
			raw, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			processed, err := WhitenClothingBackgroundSmooth(raw, 230, 4.0)
			if err != nil {
				fmt.Println("Background whitening failed for", path, ":", err)
				continue
			}
			tempPath, err := CreateTempFile(processed, "whitened.png")
			if err != nil {
				continue
			}
			whitened[path] = tempPath
			outfits[oi].SelectedPaths[pi] = tempPath
		}
	}
	return outfits
}

func buildStylistPrompt(ctx context.Context, weather WeatherProvider, req PipelineRequest, items []models.ClothingItemDescription, selfieDescription, instruction string) string {
	var b strings.Builder
	b.WriteString("Put together 1 to 3 outfits from this wardrobe:\n")
	for _, item := range items {
		fmt.Fprintf(&b, "%d. %s\n", item.Index, item.Description)
	}
	if selfieDescription != "" {
		b.WriteString("\nThe person wearing them: " + selfieDescription + "\n")
	}
	if weather != nil {
		if conditions := weather.CurrentConditions(ctx, req.ClientIP); conditions != "" {
			b.WriteString("\n" + conditions + "\n")
		}
	}
	if instruction != "" {
		b.WriteString("\nRequirement: " + instruction + "\n")
	}
	b.WriteString("\nFor each outfit reply with a line \"OUTFIT N:\" followed by a line of the item numbers used, then your reasoning and how to wear it.")
	return b.String()
}

// generateOutfits renders every selected outfit concurrently. Each outfit
// fails or succeeds on its own, one blocked generation never cancels its
// siblings. Progress percent is driven by completion count so it stays
// monotone regardless of finish order.
func (p *OutfitPipeline) generateOutfits(ctx context.Context, tracker *progressTracker, req PipelineRequest, items []models.ClothingItemDescription, outfits []models.OutfitSelection, selfieDescription string) []models.OutfitSelection {
	total := len(outfits)
	tracker.emit(models.StepGeneratingImages, fmt.Sprintf("Generating %d outfit images", total), 60, nil)

	results := make([]models.OutfitSelection, total)
	var mu sync.Mutex
	completed := 0

	var wg sync.WaitGroup
	for i, outfit := range outfits {
		wg.Add(1)
		go func(i int, outfit models.OutfitSelection) {
			defer wg.Done()

			instructions := outfit.WearingInstructions
			if instructions == "" {
				instructions = outfit.Reasoning
			}
			attempt := RetryAttempts(generationAttempts, func(attempt int) (string, error) {
				imageBytes, err := p.Vision.GenerateOutfitImage(ctx, req.SelfiePath, outfit.SelectedPaths, instructions)
				if err != nil {
					return "", err
				}
				return CreateTempFile(imageBytes, fmt.Sprintf("outfit-%d.png", outfit.OutfitNumber))
			})
			if attempt.Ok {
				outfit.GeneratedImagePath = attempt.Value
			} else {
				fmt.Printf("Outfit %d generation failed after %d attempts: %v\n", outfit.OutfitNumber, attempt.Attempts, attempt.Err)
				sentry.CaptureException(attempt.Err)
				outfit.Error = "image generation failed"
			}
			results[i] = outfit

			mu.Lock()
			completed++
			done := completed
			mu.Unlock()

			if outfit.Error == "" {
				tracker.emit(models.StepPreviewReady, fmt.Sprintf("Outfit %d ready", outfit.OutfitNumber), 60+done*35/total, map[string]interface{}{
					"outfit_number": outfit.OutfitNumber,
				})
			} else {
				tracker.emit(models.StepGeneratingImages, fmt.Sprintf("Outfit %d failed", outfit.OutfitNumber), 60+done*35/total, map[string]interface{}{
					"outfit_number": outfit.OutfitNumber,
				})
			}
		}(i, outfit)
	}
	wg.Wait()
	return results
}

func summarizeOutfits(outfits []models.OutfitSelection) string {
	var parts []string
	for _, outfit := range outfits {
		if outfit.Error != "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("Outfit %d: items %v. %s", outfit.OutfitNumber, outfit.SelectedIndices, outfit.Reasoning))
	}
	return strings.Join(parts, "\n")
}
