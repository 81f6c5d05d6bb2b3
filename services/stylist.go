package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
)

const (
	QueryTypeQuestion    = "question"
	QueryTypeInstruction = "instruction"
)

// QueryResult is the classification of a free-text user query. Questions get
// a direct textual answer, instructions steer outfit selection.
type QueryResult struct {
	Type   string `json:"type"`
	Answer string `json:"answer"`
}

// StylistProvider is the text agent that picks outfit combinations and
// answers styling questions.
type StylistProvider interface {
	Consult(ctx context.Context, prompt string) (string, error)
	ClassifyQuery(ctx context.Context, query, sessionContext string) (*QueryResult, error)
}

// GradientAgentService calls an OpenAI-compatible chat completions endpoint.
type GradientAgentService struct {
	BaseURL string
	APIKey  string
	Model   string
	Client  *http.Client
}

func NewGradientAgentService() *GradientAgentService {
	return &GradientAgentService{
		BaseURL: GetEnv("STYLIST_API_URL", "https://api.openai.com/v1"),
		APIKey:  GetEnv("STYLIST_API_KEY", ""),
		Model:   GetEnv("STYLIST_MODEL", "gpt-4o-mini"),
		Client:  &http.Client{Timeout: 120 * time.Second},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float32       `json:"temperature"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

const stylistSystemPrompt = `You are a professional fashion stylist. You combine clothing items into wearable outfits that match the occasion, weather and the person's appearance when provided. Be decisive and concrete.`

func (s *GradientAgentService) chat(ctx context.Context, messages []chatMessage) (string, error) {
	body, err := json.Marshal(chatCompletionRequest{
		Model:       s.Model,
		Messages:    messages,
		Temperature: 0.7,
	})
	if err != nil {
		return "", err
	}

	url := strings.TrimRight(s.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+s.APIKey)
	req.Header.Set("Content-Type", "application/json")

	res, err := s.Client.Do(req)
	if err != nil {
		fmt.Println("Stylist agent request failed:", err)
		sentry.CaptureException(err)
		return "", err
	}
	defer res.Body.Close()

	b, err := io.ReadAll(res.Body)
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("stylist agent returned status %d: %s", res.StatusCode, string(b))
	}

	var parsed chatCompletionResponse
	if err := json.Unmarshal(b, &parsed); err != nil {
		return "", fmt.Errorf("failed to decode stylist agent response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("stylist agent error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("stylist agent returned no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

// Consult sends the full styling prompt to the agent and returns its raw
// free-text reply.
func (s *GradientAgentService) Consult(ctx context.Context, prompt string) (string, error) {
	return s.chat(ctx, []chatMessage{
		{Role: "system", Content: stylistSystemPrompt},
		{Role: "user", Content: prompt},
	})
}

const classifyPromptTemplate = `A user of a virtual wardrobe app wrote: "%s"
%s
Decide whether this is a styling QUESTION that deserves a direct textual answer, or an INSTRUCTION about what kind of outfit to put together.

Reply in exactly this format:
TYPE: question or instruction
RESPONSE: if question, the answer to give the user. If instruction, a concise restatement of the styling requirement.`

// ClassifyQuery decides whether a free-text query is a question or an outfit
// instruction. Any malformed or failed agent reply degrades to treating the
// query as an instruction with its original text.
func (s *GradientAgentService) ClassifyQuery(ctx context.Context, query, sessionContext string) (*QueryResult, error) {
	contextLine := ""
	if sessionContext != "" {
		contextLine = "Earlier in the conversation: " + sessionContext
	}

	reply, err := s.chat(ctx, []chatMessage{
		{Role: "system", Content: stylistSystemPrompt},
		{Role: "user", Content: fmt.Sprintf(classifyPromptTemplate, query, contextLine)},
	})
	if err != nil {
		fmt.Println("Query classification failed, treating as instruction:", err)
		return &QueryResult{Type: QueryTypeInstruction, Answer: query}, nil
	}
	return ParseQueryClassification(reply, query), nil
}

// ParseQueryClassification extracts TYPE and RESPONSE lines from the agent
// reply. Anything unparseable falls back to an instruction carrying the raw
// query.
func ParseQueryClassification(reply, originalQuery string) *QueryResult {
	result := &QueryResult{Type: QueryTypeInstruction, Answer: originalQuery}

	var sawType bool
	var responseLines []string
	var inResponse bool
	for _, line := range strings.Split(StripThinking(reply), "\n") {
		trimmed := strings.TrimSpace(line)
		upper := strings.ToUpper(trimmed)
		switch {
		case strings.HasPrefix(upper, "TYPE:"):
			inResponse = false
			value := strings.ToLower(strings.TrimSpace(trimmed[len("TYPE:"):]))
			if value == QueryTypeQuestion || value == QueryTypeInstruction {
				result.Type = value
				sawType = true
			}
		case strings.HasPrefix(upper, "RESPONSE:"):
			inResponse = true
			if value := strings.TrimSpace(trimmed[len("RESPONSE:"):]); value != "" {
				responseLines = append(responseLines, value)
			}
		case inResponse && trimmed != "":
			responseLines = append(responseLines, trimmed)
		}
	}

	if !sawType {
		return &QueryResult{Type: QueryTypeInstruction, Answer: originalQuery}
	}
	if len(responseLines) > 0 {
		result.Answer = strings.Join(responseLines, "\n")
	} else if result.Type == QueryTypeInstruction {
		result.Answer = originalQuery
	} else {
		result.Answer = ""
	}
	return result
}
