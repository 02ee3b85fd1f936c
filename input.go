package main

import (
	"math"

	"github.com/hashicorp/go-multierror"
	"github.com/pion/logging"
	"github.com/tomaslejdung/pixelpeep/pkg/protocol"
	"github.com/tomaslejdung/pixelpeep/pkg/quantize"
	"github.com/tomaslejdung/pixelpeep/pkg/settings"
)

// Mouse button numbers as the streamer expects them.
const (
	MainButton      = 0 // left
	AuxiliaryButton = 1 // wheel
	SecondaryButton = 2 // right
	FourthButton    = 3 // back
	FifthButton     = 4 // forward
)

// Button mask bits, as reported for the buttons held during an event.
const (
	PrimaryMask   = 1
	SecondaryMask = 2
	AuxiliaryMask = 4
	FourthMask    = 8
	FifthMask     = 16
)

// Key codes with left/right variants. The right-hand ones use codes the
// streamer reserves for them.
const (
	KeyBackspace    = 8
	KeyTab          = 9
	KeyShift        = 16
	KeyControl      = 17
	KeyAlt          = 18
	KeyRightShift   = 253
	KeyRightControl = 254
	KeyRightAlt     = 255
)

// Standard gamepad layout trigger buttons, sent as analog axes 5 and 6.
const (
	leftTrigger       = 6
	rightTrigger      = 7
	leftTriggerAxis   = 5
	rightTriggerAxis  = 6
	maxFingers        = 10
	maxByteValue      = 255
	singleTouchInList = 1
)

// InputOptions selects how raw input is translated.
type InputOptions struct {
	// ControlScheme is settings.SchemeLocked or settings.SchemeHovering.
	ControlScheme        string
	FakeMouseWithTouches bool
	SuppressBrowserKeys  bool
}

// Touch is one contact point in player pixels. Force is in [0, 1].
type Touch struct {
	ID    int
	X, Y  float64
	Force float64
}

type GamepadButton struct {
	Pressed bool
	Value   float64
}

// GamepadState is one polled snapshot of a controller.
type GamepadState struct {
	Buttons []GamepadButton
	Axes    []float64
}

type fakeFinger struct {
	id   int
	x, y float64
}

// Input turns already-extracted device values into outbound messages.
type Input struct {
	send func(name string, values ...float64) error
	q    *quantize.Quantizer
	opts InputOptions
	log  logging.LeveledLogger

	activeKeys []int

	free      [maxFingers]bool
	fingerIDs map[int]int
	fake      *fakeFinger

	width, height    float64
	lockedX, lockedY float64
}

func NewInput(send func(string, ...float64) error, q *quantize.Quantizer, opts InputOptions, loggerFactory logging.LoggerFactory) *Input {
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}
	if opts.ControlScheme == "" {
		opts.ControlScheme = settings.SchemeHovering
	}
	in := &Input{
		send: send,
		q:    q,
		opts: opts,
		log:  loggerFactory.NewLogger("player"),
	}
	in.Reset()
	return in
}

func (in *Input) Locked() bool { return in.opts.ControlScheme == settings.SchemeLocked }

// SetControlScheme switches between locked and hovering mouse handling.
func (in *Input) SetControlScheme(scheme string) {
	in.opts.ControlScheme = scheme
	in.lockedX, in.lockedY = in.width/2, in.height/2
}

// Center records the player size and moves the locked cursor to its middle.
func (in *Input) Center(width, height float64) {
	in.width, in.height = width, height
	in.lockedX, in.lockedY = width/2, height/2
}

// Reset forgets held keys and touches.
func (in *Input) Reset() {
	in.activeKeys = nil
	for i := range in.free {
		in.free[i] = true
	}
	in.fingerIDs = make(map[int]int)
	in.fake = nil
}

func (in *Input) position(x, y float64) (quantize.Unsigned, error) {
	if in.Locked() {
		x, y = in.lockedX, in.lockedY
	}
	return in.q.NormalizeAndQuantizeUnsigned(x, y)
}

func (in *Input) buttonAt(name string, button int, x, y float64) error {
	pos, err := in.position(x, y)
	if err != nil {
		return err
	}
	return in.send(name, float64(button), float64(pos.X), float64(pos.Y))
}

func (in *Input) buttons(name string, mask int, x, y float64) error {
	var result *multierror.Error
	for _, b := range []struct{ mask, button int }{
		{PrimaryMask, MainButton},
		{SecondaryMask, SecondaryButton},
		{AuxiliaryMask, AuxiliaryButton},
		{FourthMask, FourthButton},
		{FifthMask, FifthButton},
	} {
		if mask&b.mask != 0 {
			result = multierror.Append(result, in.buttonAt(name, b.button, x, y))
		}
	}
	return result.ErrorOrNil()
}

// PressButtons sends MouseDown for every button in mask.
func (in *Input) PressButtons(mask int, x, y float64) error {
	return in.buttons(protocol.MouseDown, mask, x, y)
}

// ReleaseButtons sends MouseUp for every button in mask.
func (in *Input) ReleaseButtons(mask int, x, y float64) error {
	return in.buttons(protocol.MouseUp, mask, x, y)
}

// MouseEnter announces the cursor and presses whatever was already held.
func (in *Input) MouseEnter(mask int, x, y float64) error {
	if err := in.send(protocol.MouseEnter); err != nil {
		return err
	}
	return in.PressButtons(mask, x, y)
}

// MouseLeave releases held buttons after announcing the cursor left.
func (in *Input) MouseLeave(mask int, x, y float64) error {
	if err := in.send(protocol.MouseLeave); err != nil {
		return err
	}
	return in.ReleaseButtons(mask, x, y)
}

// MouseMove sends a position and delta. In locked mode x and y are ignored
// and the virtual cursor moves by the delta, wrapping at the edges.
func (in *Input) MouseMove(x, y, dx, dy float64) error {
	if in.Locked() {
		in.lockedX = wrap(in.lockedX+dx, in.width)
		in.lockedY = wrap(in.lockedY+dy, in.height)
	}
	pos, err := in.position(x, y)
	if err != nil {
		return err
	}
	delta, err := in.q.NormalizeAndQuantizeSigned(dx, dy)
	if err != nil {
		return err
	}
	return in.send(protocol.MouseMove, float64(pos.X), float64(pos.Y), float64(delta.X), float64(delta.Y))
}

func wrap(v, size float64) float64 {
	if size <= 0 {
		return v
	}
	switch {
	case v > size:
		return v - size
	case v < 0:
		return size + v
	}
	return v
}

func (in *Input) MouseDown(button int, x, y float64) error {
	return in.buttonAt(protocol.MouseDown, button, x, y)
}

func (in *Input) MouseUp(button int, x, y float64) error {
	return in.buttonAt(protocol.MouseUp, button, x, y)
}

func (in *Input) MouseDouble(button int, x, y float64) error {
	return in.buttonAt(protocol.MouseDouble, button, x, y)
}

func (in *Input) MouseWheel(delta int, x, y float64) error {
	pos, err := in.position(x, y)
	if err != nil {
		return err
	}
	return in.send(protocol.MouseWheel, float64(delta), float64(pos.X), float64(pos.Y))
}

// KeyCode resolves the streamer key code, separating right-hand modifiers.
func KeyCode(keyCode int, code string) int {
	switch {
	case keyCode == KeyShift && code == "ShiftRight":
		return KeyRightShift
	case keyCode == KeyControl && code == "ControlRight":
		return KeyRightControl
	case keyCode == KeyAlt && code == "AltRight":
		return KeyRightAlt
	}
	return keyCode
}

// IsBrowserKey reports function keys and Tab, which have no char code.
func IsBrowserKey(keyCode int) bool {
	return keyCode >= 112 && keyCode <= 123 || keyCode == KeyTab
}

// KeyDown sends the key and reports whether the host should swallow it.
// Backspace is also sent as a key press so text fields can delete.
func (in *Input) KeyDown(keyCode int, code string, repeat bool) (bool, error) {
	key := KeyCode(keyCode, code)
	if err := in.send(protocol.KeyDown, float64(key), boolValue(repeat)); err != nil {
		return false, err
	}
	in.activeKeys = append(in.activeKeys, key)
	if keyCode == KeyBackspace {
		if err := in.KeyPress(KeyBackspace); err != nil {
			return false, err
		}
	}
	return in.opts.SuppressBrowserKeys && IsBrowserKey(keyCode), nil
}

func (in *Input) KeyUp(keyCode int, code string) (bool, error) {
	key := KeyCode(keyCode, code)
	if err := in.send(protocol.KeyUp, float64(key)); err != nil {
		return false, err
	}
	kept := in.activeKeys[:0]
	for _, k := range in.activeKeys {
		if k != key {
			kept = append(kept, k)
		}
	}
	in.activeKeys = kept
	return in.opts.SuppressBrowserKeys && IsBrowserKey(keyCode), nil
}

func (in *Input) KeyPress(charCode int) error {
	return in.send(protocol.KeyPress, float64(charCode))
}

// ActiveKeys returns the keys currently held, in press order.
func (in *Input) ActiveKeys() []int {
	return append([]int(nil), in.activeKeys...)
}

// PointerLockLost releases every held key once. Key up events are not
// delivered while the pointer is unlocked.
func (in *Input) PointerLockLost() error {
	var result *multierror.Error
	seen := make(map[int]bool)
	for _, k := range in.activeKeys {
		if seen[k] {
			continue
		}
		seen[k] = true
		result = multierror.Append(result, in.send(protocol.KeyUp, float64(k)))
	}
	in.activeKeys = nil
	return result.ErrorOrNil()
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func (in *Input) rememberTouch(id int) bool {
	for finger := range in.free {
		if in.free[finger] {
			in.free[finger] = false
			in.fingerIDs[id] = finger
			return true
		}
	}
	in.log.Warnf("Exhausted touch identifiers, dropping touch %d", id)
	return false
}

func (in *Input) forgetTouch(id int) {
	if finger, ok := in.fingerIDs[id]; ok {
		in.free[finger] = true
		delete(in.fingerIDs, id)
	}
}

func (in *Input) emitTouches(name string, touches []Touch) error {
	var result *multierror.Error
	for _, t := range touches {
		finger, ok := in.fingerIDs[t.ID]
		if !ok {
			continue
		}
		pos, err := in.q.NormalizeAndQuantizeUnsigned(t.X, t.Y)
		if err != nil {
			return err
		}
		force := math.Round(math.Max(0, math.Min(1, t.Force)) * maxByteValue)
		result = multierror.Append(result, in.send(name, singleTouchInList,
			float64(pos.X), float64(pos.Y), float64(finger), force, boolValue(pos.InRange)))
	}
	return result.ErrorOrNil()
}

// TouchStart assigns a finger to each new touch. With fake mouse enabled
// the first touch drives the mouse instead.
func (in *Input) TouchStart(changed []Touch) error {
	if len(changed) == 0 {
		return nil
	}
	if in.opts.FakeMouseWithTouches {
		if in.fake != nil {
			return nil
		}
		first := changed[0]
		in.fake = &fakeFinger{id: first.ID, x: first.X, y: first.Y}
		if err := in.send(protocol.MouseEnter); err != nil {
			return err
		}
		pos, err := in.q.NormalizeAndQuantizeUnsigned(first.X, first.Y)
		if err != nil {
			return err
		}
		return in.send(protocol.MouseDown, MainButton, float64(pos.X), float64(pos.Y))
	}

	for _, t := range changed {
		in.rememberTouch(t.ID)
	}
	return in.emitTouches(protocol.TouchStart, changed)
}

func (in *Input) TouchEnd(changed []Touch) error {
	if in.opts.FakeMouseWithTouches {
		if in.fake == nil {
			return nil
		}
		for _, t := range changed {
			if t.ID != in.fake.id {
				continue
			}
			in.fake = nil
			pos, err := in.q.NormalizeAndQuantizeUnsigned(t.X, t.Y)
			if err != nil {
				return err
			}
			if err := in.send(protocol.MouseUp, MainButton, float64(pos.X), float64(pos.Y)); err != nil {
				return err
			}
			return in.send(protocol.MouseLeave)
		}
		return nil
	}

	err := in.emitTouches(protocol.TouchEnd, changed)
	for _, t := range changed {
		in.forgetTouch(t.ID)
	}
	return err
}

// TouchMove takes every current touch, not only the changed ones.
func (in *Input) TouchMove(touches []Touch) error {
	if in.opts.FakeMouseWithTouches {
		if in.fake == nil {
			return nil
		}
		for _, t := range touches {
			if t.ID != in.fake.id {
				continue
			}
			pos, err := in.q.NormalizeAndQuantizeUnsigned(t.X, t.Y)
			if err != nil {
				return err
			}
			delta, err := in.q.NormalizeAndQuantizeSigned(t.X-in.fake.x, t.Y-in.fake.y)
			if err != nil {
				return err
			}
			in.fake.x, in.fake.y = t.X, t.Y
			return in.send(protocol.MouseMove, float64(pos.X), float64(pos.Y), float64(delta.X), float64(delta.Y))
		}
		return nil
	}
	return in.emitTouches(protocol.TouchMove, touches)
}

// GamepadUpdate diffs two polls of one controller. Held buttons are resent
// every poll with the previous pressed state as the repeat flag.
func (in *Input) GamepadUpdate(controller int, prev, cur GamepadState) error {
	var result *multierror.Error
	c := float64(controller)
	for i, button := range cur.Buttons {
		var was GamepadButton
		if i < len(prev.Buttons) {
			was = prev.Buttons[i]
		}
		switch {
		case button.Pressed && i == leftTrigger:
			result = multierror.Append(result, in.send(protocol.GamepadAnalog, c, leftTriggerAxis, button.Value))
		case button.Pressed && i == rightTrigger:
			result = multierror.Append(result, in.send(protocol.GamepadAnalog, c, rightTriggerAxis, button.Value))
		case button.Pressed:
			result = multierror.Append(result, in.send(protocol.GamepadButtonPressed, c, float64(i), boolValue(was.Pressed)))
		case was.Pressed && i == leftTrigger:
			result = multierror.Append(result, in.send(protocol.GamepadAnalog, c, leftTriggerAxis, 0))
		case was.Pressed && i == rightTrigger:
			result = multierror.Append(result, in.send(protocol.GamepadAnalog, c, rightTriggerAxis, 0))
		case was.Pressed:
			result = multierror.Append(result, in.send(protocol.GamepadButtonReleased, c, float64(i), 0))
		}
	}

	for i := 0; i+1 < len(cur.Axes); i += 2 {
		x := round4(cur.Axes[i])
		// Browsers report positive y as down.
		y := -round4(cur.Axes[i+1])
		result = multierror.Append(result,
			in.send(protocol.GamepadAnalog, c, float64(i+1), x),
			in.send(protocol.GamepadAnalog, c, float64(i+2), y))
	}
	return result.ErrorOrNil()
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
