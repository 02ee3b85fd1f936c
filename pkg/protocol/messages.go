package protocol

// Outbound message names.
const (
	IFrameRequest          = "IFrameRequest"
	RequestQualityControl  = "RequestQualityControl"
	FpsRequest             = "FpsRequest"
	AverageBitrateRequest  = "AverageBitrateRequest"
	StartStreaming         = "StartStreaming"
	StopStreaming          = "StopStreaming"
	LatencyTest            = "LatencyTest"
	RequestInitialSettings = "RequestInitialSettings"
	TestEcho               = "TestEcho"
	UIInteraction          = "UIInteraction"
	Command                = "Command"
	KeyDown                = "KeyDown"
	KeyUp                  = "KeyUp"
	KeyPress               = "KeyPress"
	MouseEnter             = "MouseEnter"
	MouseLeave             = "MouseLeave"
	MouseDown              = "MouseDown"
	MouseUp                = "MouseUp"
	MouseMove              = "MouseMove"
	MouseWheel             = "MouseWheel"
	MouseDouble            = "MouseDouble"
	TouchStart             = "TouchStart"
	TouchEnd               = "TouchEnd"
	TouchMove              = "TouchMove"
	GamepadButtonPressed   = "GamepadButtonPressed"
	GamepadButtonReleased  = "GamepadButtonReleased"
	GamepadAnalog          = "GamepadAnalog"
)

// Inbound message names. LatencyTest, Command and TestEcho exist in both
// directions with different ids.
const (
	QualityControlOwnership = "QualityControlOwnership"
	Response                = "Response"
	FreezeFrame             = "FreezeFrame"
	UnfreezeFrame           = "UnfreezeFrame"
	VideoEncoderAvgQP       = "VideoEncoderAvgQP"
	InitialSettings         = "InitialSettings"
	FileExtension           = "FileExtension"
	FileMimeType            = "FileMimeType"
	FileContents            = "FileContents"
	InputControlOwnership   = "InputControlOwnership"
	Protocol                = "Protocol"
)

// DefaultToStreamer returns the built-in outbound table.
func DefaultToStreamer() map[string]MessageDefinition {
	return map[string]MessageDefinition{
		// Control
		IFrameRequest:          fixed(0),
		RequestQualityControl:  fixed(1),
		FpsRequest:             fixed(2),
		AverageBitrateRequest:  fixed(3),
		StartStreaming:         fixed(4),
		StopStreaming:          fixed(5),
		LatencyTest:            fixed(6),
		RequestInitialSettings: fixed(7),
		TestEcho:               fixed(8),

		// Descriptors carry their own length prefix.
		UIInteraction: fixed(50),
		Command:       fixed(51),

		// Keyboard: key code, repeat
		KeyDown:  fixed(60, Uint8, Uint8),
		KeyUp:    fixed(61, Uint8),
		KeyPress: fixed(62, Uint16),

		// Mouse
		MouseEnter:  fixed(70),
		MouseLeave:  fixed(71),
		MouseDown:   fixed(72, Uint8, Uint16, Uint16),
		MouseUp:     fixed(73, Uint8, Uint16, Uint16),
		MouseMove:   fixed(74, Uint16, Uint16, Int16, Int16),
		MouseWheel:  fixed(75, Int16, Uint16, Uint16),
		MouseDouble: fixed(76, Uint8, Uint16, Uint16),

		// Touch: count, x, y, finger id, force, in range
		TouchStart: fixed(80, Uint8, Uint16, Uint16, Uint8, Uint8, Uint8),
		TouchEnd:   fixed(81, Uint8, Uint16, Uint16, Uint8, Uint8, Uint8),
		TouchMove:  fixed(82, Uint8, Uint16, Uint16, Uint8, Uint8, Uint8),

		// Gamepad: controller, button/axis, repeat or value
		GamepadButtonPressed:  fixed(90, Uint8, Uint8, Uint8),
		GamepadButtonReleased: fixed(91, Uint8, Uint8, Uint8),
		GamepadAnalog:         fixed(92, Uint8, Uint8, Float64),
	}
}

// DefaultFromStreamer returns the built-in inbound ids.
func DefaultFromStreamer() map[string]byte {
	return map[string]byte{
		QualityControlOwnership: 0,
		Response:                1,
		Command:                 2,
		FreezeFrame:             3,
		UnfreezeFrame:           4,
		VideoEncoderAvgQP:       5,
		LatencyTest:             6,
		InitialSettings:         7,
		FileExtension:           8,
		FileMimeType:            9,
		FileContents:            10,
		TestEcho:                11,
		InputControlOwnership:   12,
		Protocol:                255,
	}
}
