package services

import (
	"regexp"
	"strconv"
	"strings"

	"stylistapi/models"
)

// The stylist agent is prompted to answer in "OUTFIT <n>:" blocks with an
// index line followed by reasoning, but model output drifts. Parsing degrades
// over three tiers: structured multi-outfit blocks, a heuristic single index
// line, then empty. The parser never fails; the pipeline handles an empty
// result by selecting every item.

var (
	thinkBlockRegex    = regexp.MustCompile(`(?s)<think>.*?</think>`)
	outfitMarkerRegex  = regexp.MustCompile(`(?i)OUTFIT\s+(\d+)\s*:`)
	integerRegex       = regexp.MustCompile(`\d+`)
	alphaWordRegex     = regexp.MustCompile(`[a-zA-Z]+`)
	digitsOnlyRegex    = regexp.MustCompile(`^[\d,\s]+$`)
	whitespaceCollapse = regexp.MustCompile(`\s+`)
)

// StripThinking removes model deliberation blocks. Their content must never
// reach parsed indices or user-facing reasoning text.
func StripThinking(text string) string {
	return thinkBlockRegex.ReplaceAllString(text, "")
}

// ParseOutfits extracts every outfit selection from the agent's reply,
// resolving item indices against the known batch. Unknown indices are dropped.
// Always returns a (possibly empty) slice, never an error.
func ParseOutfits(responseText string, knownItems []models.ClothingItemDescription) []models.OutfitSelection {
	cleaned := StripThinking(responseText)

	outfits := parseOutfitBlocks(cleaned)
	if len(outfits) == 0 {
		// no group markers: treat the whole reply as a single selection
		indices := ParseSingleSelection(cleaned)
		if len(indices) == 0 {
			return []models.OutfitSelection{}
		}
		outfits = []models.OutfitSelection{{
			OutfitNumber:    1,
			SelectedIndices: indices,
			Reasoning:       strings.TrimSpace(whitespaceCollapse.ReplaceAllString(cleaned, " ")),
		}}
	}

	for i := range outfits {
		outfits[i].SelectedIndices, outfits[i].SelectedPaths = resolveItems(outfits[i].SelectedIndices, knownItems)
	}
	return outfits
}

// parseOutfitBlocks splits on OUTFIT <n>: markers into alternating
// (number, content) pairs. Content before the first marker is discarded.
func parseOutfitBlocks(text string) []models.OutfitSelection {
	markers := outfitMarkerRegex.FindAllStringSubmatchIndex(text, -1)
	if len(markers) == 0 {
		return nil
	}

	var outfits []models.OutfitSelection
	for i, m := range markers {
		number, err := strconv.Atoi(text[m[2]:m[3]])
		if err != nil {
			continue
		}
		blockEnd := len(text)
		if i+1 < len(markers) {
			blockEnd = markers[i+1][0]
		}
		block := text[m[1]:blockEnd]

		indices, reasoning := parseBlock(block)
		if len(indices) == 0 {
			// a block without any item numbers is noise, not an empty outfit
			continue
		}
		outfits = append(outfits, models.OutfitSelection{
			OutfitNumber:    number,
			SelectedIndices: indices,
			Reasoning:       reasoning,
		})
	}
	return outfits
}

// parseBlock reads one outfit block: the first non-empty line carries the item
// indices, everything after it is reasoning joined with single spaces.
func parseBlock(block string) ([]int, string) {
	lines := strings.Split(block, "\n")
	var indices []int
	var reasoningLines []string
	indexLineSeen := false

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if !indexLineSeen {
			indexLineSeen = true
			indices = extractIntegers(trimmed)
			continue
		}
		reasoningLines = append(reasoningLines, trimmed)
	}

	return indices, strings.Join(reasoningLines, " ")
}

// ParseSingleSelection recovers item indices from a reply with no outfit
// markers. Tier 1: the first non-empty line with at most 3 alphabetic words.
// Tier 2: a line of only digits, commas and whitespace. Tier 3: whatever
// integers appear in the first non-empty line. Returns nil when nothing fits.
func ParseSingleSelection(responseText string) []int {
	cleaned := strings.TrimSpace(StripThinking(responseText))
	lines := strings.Split(cleaned, "\n")

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		wordCount := len(alphaWordRegex.FindAllString(trimmed, -1))
		if wordCount <= 3 {
			if indices := extractIntegers(trimmed); len(indices) > 0 {
				return indices
			}
		}
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if digitsOnlyRegex.MatchString(trimmed) {
			if indices := extractIntegers(trimmed); len(indices) > 0 {
				return indices
			}
		}
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		return extractIntegers(trimmed)
	}

	return nil
}

// extractIntegers pulls every integer substring, de-duplicated in first
// occurrence order. A model may repeat an index by mistake; the item must be
// generated once, at its original mention position, so downstream image order
// stays stable.
func extractIntegers(line string) []int {
	matches := integerRegex.FindAllString(line, -1)
	seen := map[int]bool{}
	var result []int
	for _, m := range matches {
		n, err := strconv.Atoi(m)
		if err != nil {
			continue
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		result = append(result, n)
	}
	return result
}

// resolveItems maps indices onto the known batch. Indices that match nothing
// are dropped from both slices, preserving the order of the rest.
func resolveItems(indices []int, knownItems []models.ClothingItemDescription) ([]int, []string) {
	byIndex := make(map[int]string, len(knownItems))
	for _, item := range knownItems {
		byIndex[item.Index] = item.SourcePath
	}

	var resolvedIndices []int
	var resolvedPaths []string
	for _, idx := range indices {
		path, ok := byIndex[idx]
		if !ok {
			continue
		}
		resolvedIndices = append(resolvedIndices, idx)
		resolvedPaths = append(resolvedPaths, path)
	}
	return resolvedIndices, resolvedPaths
}
