package installer

import "time"

// Stage names a step of an install.
type Stage string

const (
	StageDownloading Stage = "downloading"
	StageExtracting  Stage = "extracting"
	StageVerifying   Stage = "verifying"
	StageInstalling  Stage = "installing"
)

// Progress is published while an install runs. Percent is in [0,1] when known.
type Progress struct {
	Stage   Stage    `json:"stage"`
	Percent *float64 `json:"percent,omitempty"`
	Detail  string   `json:"detail"`
}

// Pct is a convenience for building Progress literals.
func Pct(f float64) *float64 { return &f }

// Result summarizes a finished install attempt. It is also published as the
// payload of the install-finished event.
type Result struct {
	RunID     string        `json:"run_id"`
	Component string        `json:"component"`
	Version   string        `json:"version,omitempty"`
	Skipped   bool          `json:"skipped"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
}
