package services

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// LLMModelName selects the Gemini model for a call.
type LLMModelName int32

const (
	Pro25 LLMModelName = iota
	Flash25
	FlashLite25
	Flash20
	Flash25Image
)

func (t LLMModelName) String() string {
	switch t {
	case Pro25:
		return "gemini-2.5-pro"
	case Flash25:
		return "gemini-2.5-flash"
	case FlashLite25:
		return "gemini-2.5-flash-lite-preview-06-17"
	case Flash25Image:
		return "gemini-2.5-flash-image-preview"
	case Flash20:
		return "gemini-2.0-flash"
	default:
		return "gemini-2.0-flash"
	}
}

func floatPointer(f float32) *float32 {
	return &f
}

func Int64Pointer(i int64) *int64 {
	return &i
}

func Int32Pointer(i int32) *int32 {
	return &i
}

// LLMResponse carries the model output plus usage accounting.
type LLMResponse struct {
	Response           string   `json:"response"`
	Images             [][]byte `json:"images,omitempty"`
	InputTokenCount    int32    `json:"input_token_count"`
	Thoughts           string   `json:"thoughts"`
	ThoughtsTokenCount int32    `json:"thoughts_token_count"`
	OutputTokenCount   int32    `json:"output_token_count"`
	TotalTokenCount    int32    `json:"total_token_count"`
}

// VisionProvider abstracts the multimodal model behind the pipeline so tests
// can run against a mock.
type VisionProvider interface {
	DescribeImage(ctx context.Context, imagePath string) (string, error)
	DescribePerson(ctx context.Context, selfiePath string) (string, error)
	GenerateOutfitImage(ctx context.Context, selfiePath string, itemPaths []string, instructions string) ([]byte, error)
}

// GoogleVisionService talks to the Gemini API. Text analysis and image
// generation can run on different models.
type GoogleVisionService struct {
	TextModel  LLMModelName
	ImageModel LLMModelName
}

func NewGoogleVisionService() *GoogleVisionService {
	return &GoogleVisionService{
		TextModel:  Flash25,
		ImageModel: Flash25Image,
	}
}

func newGenaiClient(ctx context.Context) (*genai.Client, error) {
	return genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  GetEnv("GOOGLE_API_KEY", ""),
		Backend: genai.BackendGeminiAPI,
	})
}

const maxUploadAttempts = 3

func tryUploadGoogleStorage(ctx context.Context, client *genai.Client, filePath string) (*genai.File, error) {
	result := RetryAttempts(maxUploadAttempts, func(attempt int) (*genai.File, error) {
		genFile, err := client.Files.UploadFromPath(ctx, filePath, &genai.UploadFileConfig{})
		if err != nil {
			fmt.Printf("Error uploading file %s, attempt %d: %v\n", filePath, attempt, err)
			return nil, err
		}
		return genFile, nil
	})
	if !result.Ok {
		return nil, fmt.Errorf("failed to upload file to google storage after %d attempts: %s", maxUploadAttempts, filePath)
	}
	return result.Value, nil
}

func uploadAllAsParts(ctx context.Context, client *genai.Client, filePaths []string) ([]*genai.Part, error) {
	var parts []*genai.Part
	for i, filePath := range filePaths {
		if filePath == "" {
			fmt.Println("File path empty in index:", i)
			continue
		}
		genFile, err := tryUploadGoogleStorage(ctx, client, filePath)
		if err != nil {
			return nil, fmt.Errorf("error uploading file %s: %v", filePath, err)
		}
		parts = append(parts, &genai.Part{
			FileData: &genai.FileData{
				FileURI:  genFile.URI,
				MIMEType: genFile.MIMEType,
			},
		})
	}
	return parts, nil
}

func GetAllInlineImages(result *genai.GenerateContentResponse) ([][]byte, error) {
	if result == nil {
		return nil, fmt.Errorf("nil response")
	}

	var allImageData [][]byte
	for _, cand := range result.Candidates {
		for _, rating := range cand.SafetyRatings {
			if rating.Blocked {
				return nil, fmt.Errorf("content blocked by safety setting: %s", rating.Category)
			}
		}
		if cand.Content == nil || len(cand.Content.Parts) == 0 {
			continue
		}
		for _, part := range cand.Content.Parts {
			inlineData := part.InlineData
			if inlineData != nil && strings.HasPrefix(inlineData.MIMEType, "image/") && len(inlineData.Data) > 0 {
				allImageData = append(allImageData, inlineData.Data)
			}
		}
	}
	if len(allImageData) == 0 {
		return nil, nil
	}
	return allImageData, nil
}

type ResponseWithThoughts struct {
	Thoughts string `json:"thoughts"`
	Text     string `json:"text"`
}

func GetFirstCandidateTextWithThoughts(result *genai.GenerateContentResponse) (*ResponseWithThoughts, error) {
	var thinkingContent string
	for _, c := range result.Candidates {
		fmt.Println("Finish reason: ", c.FinishReason, " Finish message: ", c.FinishMessage)
		for _, rating := range c.SafetyRatings {
			fmt.Println("[Safety] rating:", rating.Category, "Score:", rating.Probability, " Blocked:", rating.Blocked)
			if rating.Blocked {
				return nil, fmt.Errorf("content violation: response blocked for %s", rating.Category)
			}
		}
		for _, part := range c.Content.Parts {
			if part.Thought && part.Text != "" {
				thinkingContent = part.Text
			}
		}
	}
	return &ResponseWithThoughts{
		Thoughts: thinkingContent,
		Text:     result.Text(),
	}, nil
}

func logUsage(result *genai.GenerateContentResponse) {
	if result.UsageMetadata == nil {
		fmt.Println("UsageMetadata is nil!")
		return
	}
	fmt.Println("Input token count:", result.UsageMetadata.PromptTokenCount)
	fmt.Println("Output token count:", result.UsageMetadata.CandidatesTokenCount)
	fmt.Println("Thoughts token count:", result.UsageMetadata.ThoughtsTokenCount)
	fmt.Println("Total token count:", result.UsageMetadata.TotalTokenCount)
}

func (s *GoogleVisionService) generateText(ctx context.Context, filePaths []string, prompt, systemInstruction string) (string, error) {
	client, err := newGenaiClient(ctx)
	if err != nil {
		return "", err
	}

	parts, err := uploadAllAsParts(ctx, client, filePaths)
	if err != nil {
		return "", err
	}
	parts = append(parts, &genai.Part{Text: prompt})

	result, err := client.Models.GenerateContent(ctx, s.TextModel.String(), []*genai.Content{{Parts: parts}}, &genai.GenerateContentConfig{
		CandidateCount:  1,
		MaxOutputTokens: 2000,
		Temperature:     floatPointer(0.4),
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{{Text: systemInstruction}},
		},
	})
	if err != nil {
		fmt.Println("Error in GenerateContent:", err)
		return "", fmt.Errorf("%v", err)
	}
	logUsage(result)

	if result.PromptFeedback != nil {
		fmt.Println(result.PromptFeedback.BlockReason)
		fmt.Println(result.PromptFeedback.BlockReasonMessage)
		return "", fmt.Errorf("content violation: %s", result.PromptFeedback.BlockReasonMessage)
	}

	response, err := GetFirstCandidateTextWithThoughts(result)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(response.Text), nil
}

// DescribeImage returns a short catalog-style description of a single
// clothing item photo.
func (s *GoogleVisionService) DescribeImage(ctx context.Context, imagePath string) (string, error) {
	return s.generateText(ctx, []string{imagePath},
		"Describe this clothing item in one or two sentences. Include the garment type, color, material if visible, pattern and overall style. Do not mention the background or photo quality.",
		"You are a fashion catalog writer. Respond with the description only, no preamble.")
}

// DescribePerson summarizes the person in a selfie so outfit suggestions can
// account for their appearance.
func (s *GoogleVisionService) DescribePerson(ctx context.Context, selfiePath string) (string, error) {
	return s.generateText(ctx, []string{selfiePath},
		"Describe the person in this photo for a stylist: apparent build, skin tone, hair color and length. Two sentences maximum. If no person is visible return NO_PERSON.",
		"You are a personal stylist assistant. Respond with the description only.")
}

// GenerateOutfitImage renders the person from the selfie wearing the given
// clothing items. selfiePath may be empty, in which case a neutral model is
// generated instead. Returns raw image bytes.
func (s *GoogleVisionService) GenerateOutfitImage(ctx context.Context, selfiePath string, itemPaths []string, instructions string) ([]byte, error) {
	client, err := newGenaiClient(ctx)
	if err != nil {
		return nil, err
	}

	paths := itemPaths
	if selfiePath != "" {
		paths = append([]string{selfiePath}, itemPaths...)
	}
	parts, err := uploadAllAsParts(ctx, client, paths)
	if err != nil {
		return nil, err
	}

	subject := "a neutral full-body fashion model"
	if selfiePath != "" {
		subject = "the exact person from the first image, keeping their identity, facial features and body proportions completely unchanged"
	}
	prompt := fmt.Sprintf("Generate a fashion-style full-body commercial head to toe photo of %s wearing all the provided clothing items together as one outfit. For missing clothing categories keep neutral basics. Natural, soft, professional lighting, flat white background, no watermarks or background objects, confident relaxed pose facing the camera. Aspect ratio 9:16 portrait size.", subject)
	if instructions != "" {
		prompt += " Styling notes: " + instructions
	}
	parts = append(parts, &genai.Part{Text: prompt})

	result, err := client.Models.GenerateContent(ctx, s.ImageModel.String(), []*genai.Content{{Parts: parts}}, &genai.GenerateContentConfig{
		CandidateCount:  1,
		MaxOutputTokens: 50000,
		Temperature:     floatPointer(1),
	})
	if err != nil {
		fmt.Println("Error in GenerateContent:", err)
		return nil, fmt.Errorf("%v", err)
	}
	logUsage(result)

	if result.PromptFeedback != nil {
		fmt.Println(result.PromptFeedback.BlockReason)
		fmt.Println(result.PromptFeedback.BlockReasonMessage)
		return nil, fmt.Errorf("content violation: %s", result.PromptFeedback.BlockReasonMessage)
	}

	images, err := GetAllInlineImages(result)
	if err != nil {
		return nil, fmt.Errorf("error getting generated image: %v", err)
	}
	if len(images) == 0 {
		text, _ := GetFirstCandidateTextWithThoughts(result)
		if text != nil && text.Text != "" {
			return nil, fmt.Errorf("model returned no image: %s", text.Text)
		}
		return nil, fmt.Errorf("model returned no image")
	}
	return images[0], nil
}
