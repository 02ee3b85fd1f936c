package main

// FPSPreset is a framerate the player can ask the streamer's encoder for. It
// is sent as the WebRTC.Fps console command once this player owns quality
// control.
type FPSPreset struct {
	Value       int
	Description string
}

// FPSPresets are ordered by framerate; the TUI steps through them with [ and ].
var FPSPresets = []FPSPreset{
	{Value: 15, Description: "slow links"},
	{Value: 24, Description: "film"},
	{Value: 30, Description: "streamer default"},
	{Value: 60, Description: "interactive"},
	{Value: 120, Description: "high refresh"},
}

const defaultFPSIndex = 2

// DefaultFPSIndex is the preset matching Unreal's default WebRTC.Fps of 30.
func DefaultFPSIndex() int { return defaultFPSIndex }

// FPSIndex finds the preset requesting exactly fps frames per second. The
// streamer reports its current framerate in InitialSettings, and values that
// match no preset are not offered.
func FPSIndex(fps int) (int, bool) {
	for i, preset := range FPSPresets {
		if preset.Value == fps {
			return i, true
		}
	}
	return defaultFPSIndex, false
}

// clampIndex keeps i inside [0, n).
func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}
