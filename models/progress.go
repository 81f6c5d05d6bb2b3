package models

// Pipeline stage tags. Clients key their progress bar off these values, so
// they are part of the wire contract.
const (
	StepStarting          = "starting"
	StepValidatingImages  = "validating_images"
	StepAnalyzingSelfie   = "analyzing_selfie"
	StepAnalyzingClothing = "analyzing_clothing"
	StepConsultingAgent   = "consulting_agent"
	StepGeneratingImages  = "generating_images"
	StepPreviewReady      = "preview_ready"
	StepComplete          = "complete"
	StepError             = "error"
)

// ProgressEvent is a transient status update pushed to the client while a
// generation request runs. Percent is monotonically non-decreasing within one
// request, except for a terminal error event which resets to 0.
type ProgressEvent struct {
	Step    string                 `json:"step"`
	Message string                 `json:"message"`
	Percent int                    `json:"percent"`
	Details map[string]interface{} `json:"details,omitempty"`
}
