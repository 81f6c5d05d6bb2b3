package services

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

var allowedImageExtensions = []string{".jpg", ".jpeg", ".png", ".gif", ".bmp", ".webp", ".heic", ".heif"}

// MaxClothingImages bounds one request batch.
const MaxClothingImages = 20

func StrPointer(str string) *string {
	if str == "" {
		return nil
	}
	return &str
}

func IsAllowedImageName(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	return slices.Contains(allowedImageExtensions, ext)
}

// ValidateImagePaths checks a clothing batch before any model call is made.
func ValidateImagePaths(paths []string, maxCount int) error {
	if len(paths) == 0 {
		return fmt.Errorf("no images provided")
	}
	if len(paths) > maxCount {
		return fmt.Errorf("too many images, maximum: %d, provided: %d", maxCount, len(paths))
	}
	for _, path := range paths {
		if err := ValidateImagePath(path); err != nil {
			return err
		}
	}
	return nil
}

func ValidateImagePath(path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("image not found: %s", path)
	}
	if !IsAllowedImageName(path) {
		return fmt.Errorf("invalid image format: %s, supported: %v", filepath.Ext(path), allowedImageExtensions)
	}
	return nil
}

func ReadFileFromUrl(url string) ([]byte, error) {
	httpClient := &http.Client{}
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %v", err)
	}

	// Set headers to prevent caching
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get response: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("failed to fetch file, status code: %d", resp.StatusCode)
	}

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %v", err)
	}

	return content, nil
}

func GetEnv(key, fallback string) string {
	value := os.Getenv(key)
	if len(value) == 0 {
		return fallback
	}
	return value
}

func CreateTempFile(data []byte, filename string) (string, error) {
	ext := filepath.Ext(filename)
	tempFile, err := os.CreateTemp("", "temp-*"+ext)
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %v", err)
	}
	defer tempFile.Close()
	if _, err := tempFile.Write(data); err != nil {
		return "", fmt.Errorf("failed to write to temp file: %v", err)
	}

	return tempFile.Name(), nil
}
