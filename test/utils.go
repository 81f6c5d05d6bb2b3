package test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"

	"stylistapi/models"
	"stylistapi/services"
)

func JsonString(model interface{}) string {
	b, _ := json.Marshal(model)
	return string(b)
}

func NewJSONRequest(method string, target string, param interface{}) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(JsonString(param)))
	req.Header.Add("Content-Type", "application/json")
	req.Header.Add("Accept", "application/json")
	return req
}

// PNGBytes renders a small solid-color PNG, enough to pass image decoding
// and dimension checks in handlers.
func PNGBytes(width, height int, c color.Color) []byte {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	png.Encode(&buf, img)
	return buf.Bytes()
}

// TempImageFile writes a test PNG to disk and returns its path. The caller
// owns cleanup.
func TempImageFile(width, height int) (string, error) {
	return services.CreateTempFile(PNGBytes(width, height, color.White), "test.png")
}

// NewMultipartRequest builds a multipart generate request with the given
// form fields and one clothing image per entry in imageNames.
func NewMultipartRequest(target string, fields map[string]string, imageNames []string, selfieName string) *http.Request {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for key, value := range fields {
		writer.WriteField(key, value)
	}
	for _, name := range imageNames {
		part, _ := writer.CreateFormFile("clothing_images", name)
		part.Write(PNGBytes(64, 64, color.White))
	}
	if selfieName != "" {
		part, _ := writer.CreateFormFile("selfie", selfieName)
		part.Write(PNGBytes(64, 64, color.White))
	}
	writer.Close()

	req := httptest.NewRequest("POST", target, body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

// VisionMock is a scriptable services.VisionProvider.
type VisionMock struct {
	mu sync.Mutex

	Descriptions map[string]string
	DescribeErr  error

	PersonDescription string
	PersonErr         error

	GeneratedImage []byte
	GenerateErr    error
	// FailOutfitPaths marks item paths whose generation always fails.
	FailOutfitPaths map[string]bool

	DescribeCalls []string
	GenerateCalls [][]string
}

func (m *VisionMock) DescribeImage(ctx context.Context, imagePath string) (string, error) {
	m.mu.Lock()
	m.DescribeCalls = append(m.DescribeCalls, imagePath)
	m.mu.Unlock()
	if m.DescribeErr != nil {
		return "", m.DescribeErr
	}
	if description, ok := m.Descriptions[imagePath]; ok {
		return description, nil
	}
	return fmt.Sprintf("described %s", imagePath), nil
}

func (m *VisionMock) DescribePerson(ctx context.Context, selfiePath string) (string, error) {
	if m.PersonErr != nil {
		return "", m.PersonErr
	}
	if m.PersonDescription != "" {
		return m.PersonDescription, nil
	}
	return "average build, dark short hair", nil
}

func (m *VisionMock) GenerateOutfitImage(ctx context.Context, selfiePath string, itemPaths []string, instructions string) ([]byte, error) {
	m.mu.Lock()
	m.GenerateCalls = append(m.GenerateCalls, itemPaths)
	m.mu.Unlock()
	for _, path := range itemPaths {
		if m.FailOutfitPaths[path] {
			return nil, fmt.Errorf("generation failed for %s", path)
		}
	}
	if m.GenerateErr != nil {
		return nil, m.GenerateErr
	}
	if m.GeneratedImage != nil {
		return m.GeneratedImage, nil
	}
	return PNGBytes(32, 32, color.Black), nil
}

// StylistMock is a scriptable services.StylistProvider.
type StylistMock struct {
	ConsultReply string
	ConsultErr   error

	ClassifyResult *services.QueryResult
	ClassifyErr    error

	ConsultPrompts []string
}

func (m *StylistMock) Consult(ctx context.Context, prompt string) (string, error) {
	m.ConsultPrompts = append(m.ConsultPrompts, prompt)
	if m.ConsultErr != nil {
		return "", m.ConsultErr
	}
	return m.ConsultReply, nil
}

func (m *StylistMock) ClassifyQuery(ctx context.Context, query, sessionContext string) (*services.QueryResult, error) {
	if m.ClassifyErr != nil {
		return nil, m.ClassifyErr
	}
	if m.ClassifyResult != nil {
		return m.ClassifyResult, nil
	}
	return &services.QueryResult{Type: services.QueryTypeInstruction, Answer: query}, nil
}

// CaptureEmitter records every progress event for assertions.
type CaptureEmitter struct {
	mu     sync.Mutex
	Events []models.ProgressEvent
}

func (e *CaptureEmitter) Emit(correlationID string, event models.ProgressEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Events = append(e.Events, event)
}

func (e *CaptureEmitter) Snapshot() []models.ProgressEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.ProgressEvent, len(e.Events))
	copy(out, e.Events)
	return out
}

// AWSProviderMock keeps uploaded objects in memory. ReadURLBase, when set,
// points read URLs at a local httptest server so downloads really resolve.
type AWSProviderMock struct {
	mu      sync.Mutex
	Objects map[string][]byte

	UploadErr   error
	PresignErr  error
	ReadURLBase string
}

func (m *AWSProviderMock) InitPresignClient(ctx context.Context) error { return nil }

func (m *AWSProviderMock) PresignLink(ctx context.Context, bucketName string, fileName string) (string, error) {
	if m.PresignErr != nil {
		return "", m.PresignErr
	}
	return "https://storage.example.com/put/" + fileName, nil
}

func (m *AWSProviderMock) GetPresignedR2FileReadURL(ctx context.Context, bucketName, fileKey string) (string, error) {
	if m.PresignErr != nil {
		return "", m.PresignErr
	}
	if m.ReadURLBase != "" {
		return m.ReadURLBase + "/" + fileKey, nil
	}
	return "https://storage.example.com/get/" + fileKey, nil
}

func (m *AWSProviderMock) UploadToPresignedURL(ctx context.Context, bucketName, url string, fileContent []byte) (string, int, error) {
	if m.UploadErr != nil {
		return "", 0, m.UploadErr
	}
	return "", http.StatusOK, nil
}

func (m *AWSProviderMock) UploadOutfitImage(ctx context.Context, bucketName, key string, imageBytes []byte) (string, error) {
	if m.UploadErr != nil {
		return "", m.UploadErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Objects == nil {
		m.Objects = map[string][]byte{}
	}
	m.Objects[key] = imageBytes
	return key, nil
}

// NoopURLCache presigns directly without caching.
type NoopURLCache struct {
	AWS *AWSProviderMock
}

func (c *NoopURLCache) GetReadURL(ctx context.Context, objectKey string) (string, error) {
	if objectKey == "" {
		return "", nil
	}
	return c.AWS.GetPresignedR2FileReadURL(ctx, "", objectKey)
}

func ReadBody(res *httptest.ResponseRecorder) string {
	return res.Body.String()
}

func RemoveAll(paths ...string) {
	for _, path := range paths {
		os.Remove(path)
	}
}
