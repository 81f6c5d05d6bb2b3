package models

import "github.com/lib/pq"

// OutfitGeneration is the persisted record of one generation request. The
// synchronous endpoint writes it for history; the async endpoint drives the
// whole lifecycle through it (pending -> processing -> completed/failed).
type OutfitGeneration struct {
	JsonModel
	CorrelationID string  `gorm:"index" json:"correlation_id"`
	SessionID     string  `json:"session_id"`
	ClientID      string  `gorm:"index" json:"client_id"`
	ClientIP      string  `json:"-"`
	Query         *string `gorm:"type:text" json:"query"`
	// number of clothing images submitted with the request
	ImageCount     int     `json:"image_count"`
	SelfieProvided bool    `json:"selfie_provided"`
	QuestionAnswer *string `gorm:"type:text" json:"question_answer"`
	// pending, processing, completed, failed
	Status                 string  `json:"status"`
	GenerationRetryTimes   int     `json:"generation_retry_times"`
	GenerationErrorMessage *string `json:"generation_error_message"`
	// uploaded clothing image object keys, index order
	ImageKeys pq.StringArray `gorm:"type:text[]" json:"-"`
	SelfieKey *string        `json:"-"`

	Outfits []GeneratedOutfit `json:"outfits"`
}

// GeneratedOutfit is one outfit row of a generation. Either ImageKey or
// ErrorMessage ends up set, never both.
type GeneratedOutfit struct {
	JsonModel
	OutfitGenerationID  uint             `json:"-"`
	OutfitGeneration    OutfitGeneration `gorm:"constraint:OnDelete:CASCADE;" json:"-"`
	OutfitNumber        int              `json:"outfit_number"`
	SelectedIndices     pq.Int64Array    `gorm:"type:integer[]" json:"selected_indices"`
	Reasoning           string           `gorm:"type:text" json:"reasoning"`
	WearingInstructions *string          `gorm:"type:text" json:"wearing_instructions"`
	// object key of the generated image in storage
	ImageKey     *string `json:"-"`
	ErrorMessage *string `json:"error_message"`
}

// PushToken is a device token registered for progress push notifications,
// keyed by the caller-supplied client id.
type PushToken struct {
	JsonModel
	ClientID string `gorm:"index" json:"client_id"`
	Platform string `json:"platform"` // ios, android
	Token    string `json:"token"`
	Active   bool   `gorm:"default:true" json:"active"`
}
