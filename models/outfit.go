package models

// ClothingItemDescription is one analyzed clothing image. Index is 1-based and
// unique within a request batch; SourcePath points at the temp file for the
// uploaded image and is only valid for the lifetime of that request.
type ClothingItemDescription struct {
	Index       int    `json:"index"`
	SourcePath  string `json:"source_path"`
	Description string `json:"description"`
}

// OutfitSelection is one outfit picked by the stylist agent. SelectedIndices
// keeps the agent's mention order with duplicates removed; SelectedPaths is the
// resolved file list for the same indices. Exactly one of GeneratedImagePath
// and Error is set once generation finished.
type OutfitSelection struct {
	OutfitNumber        int      `json:"outfit_number"`
	SelectedIndices     []int    `json:"selected_indices"`
	SelectedPaths       []string `json:"selected_paths"`
	Reasoning           string   `json:"reasoning"`
	WearingInstructions string   `json:"wearing_instructions,omitempty"`
	GeneratedImagePath  string   `json:"generated_image_path,omitempty"`
	Error               string   `json:"error,omitempty"`
}
