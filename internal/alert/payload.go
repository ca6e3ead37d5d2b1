package alert

// AlertTypeCvdZScore names the only alert family emitted by the pipeline.
const AlertTypeCvdZScore = "cvd_zscore"

// CvdAlertPayload is the queue payload carrying both the raw and log-domain
// values so formatting can present what the operator configured.
type CvdAlertPayload struct {
	AlertType        string  `json:"alertType"`
	Symbol           string  `json:"symbol"`
	DisplayName      string  `json:"displayName,omitempty"`
	Timestamp        int64   `json:"timestamp"`
	TriggerSource    string  `json:"triggerSource"`
	ZScore           float64 `json:"zScore"`
	DeltaZScore      float64 `json:"deltaZScore"`
	Delta            float64 `json:"delta"`
	CumulativeValue  float64 `json:"cumulativeValue"`
	Threshold        float64 `json:"threshold"`
	RawThreshold     float64 `json:"rawThreshold"`
	LogTriggerZScore float64 `json:"logTriggerZScore"`
	RawTriggerZScore float64 `json:"rawTriggerZScore"`
}
