package main

import "strings"

// QualityPreset defines a video quality preset. The streamer is asked to keep
// its encoder bitrate between MinBitrate and MaxBitrate.
type QualityPreset struct {
	Name        string
	MinBitrate  int    // in kbps
	MaxBitrate  int    // in kbps
	Description string // short description for UI
}

// Quality presets from lowest to highest
var QualityPresets = []QualityPreset{
	{Name: "Low", MinBitrate: 100, MaxBitrate: 500, Description: "500 kbps"},
	{Name: "Medium", MinBitrate: 500, MaxBitrate: 1500, Description: "1.5 Mbps"},
	{Name: "High", MinBitrate: 1000, MaxBitrate: 3000, Description: "3 Mbps"},
	{Name: "Ultra", MinBitrate: 2000, MaxBitrate: 6000, Description: "6 Mbps"},
	{Name: "Extreme", MinBitrate: 4000, MaxBitrate: 10000, Description: "10 Mbps"},
	{Name: "Insane", MinBitrate: 6000, MaxBitrate: 15000, Description: "15 Mbps"},
	{Name: "Max", MinBitrate: 10000, MaxBitrate: 20000, Description: "20 Mbps"},
}

// DefaultQualityIndex returns the index of the default quality preset (Medium)
func DefaultQualityIndex() int {
	return 1 // Medium
}

// QualityByName finds a quality preset by name (case-insensitive).
// The short names lo, med and hi are accepted too.
func QualityByName(name string) *QualityPreset {
	name = strings.ToLower(strings.TrimSpace(name))
	switch name {
	case "lo":
		name = "low"
	case "med":
		name = "medium"
	case "hi":
		name = "high"
	}
	for i := range QualityPresets {
		if strings.ToLower(QualityPresets[i].Name) == name {
			return &QualityPresets[i]
		}
	}
	return nil
}

// WebRTCParams returns the streamer parameters for the preset. Bitrates go
// over the wire in bps.
func (p QualityPreset) WebRTCParams() WebRTCParams {
	return WebRTCParams{
		MinBitrate: p.MinBitrate * 1000,
		MaxBitrate: p.MaxBitrate * 1000,
	}
}

// QualityIndexForBitrate returns the preset whose MaxBitrate (bps) matches,
// or -1.
func QualityIndexForBitrate(maxBitrate int) int {
	for i, p := range QualityPresets {
		if p.MaxBitrate*1000 == maxBitrate {
			return i
		}
	}
	return -1
}

// Encoder QP above these values is shown as degraded.
const (
	blockyQP = 26
	poorQP   = 35
)

// EncodingQuality classifies the streamer's average encoder QP.
type EncodingQuality int

const (
	EncodingUnknown EncodingQuality = iota
	EncodingClear
	EncodingBlocky
	EncodingPoor
)

// EncodingQualityForQP maps an average QP to a quality band. Negative QP
// means none has been reported yet.
func EncodingQualityForQP(qp float64) EncodingQuality {
	switch {
	case qp < 0:
		return EncodingUnknown
	case qp > poorQP:
		return EncodingPoor
	case qp > blockyQP:
		return EncodingBlocky
	default:
		return EncodingClear
	}
}

func (q EncodingQuality) String() string {
	switch q {
	case EncodingClear:
		return "Clear encoding quality"
	case EncodingBlocky:
		return "Blocky encoding quality"
	case EncodingPoor:
		return "Poor encoding quality"
	default:
		return "Encoding quality unknown"
	}
}
