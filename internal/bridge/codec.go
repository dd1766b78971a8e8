package bridge

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

// ErrBadEvent marks a client frame the codec could not encode. The frame
// is dropped; the session stays open.
var ErrBadEvent = errors.New("bad client event")

// Codec converts between client frames and upstream bytes.
type Codec interface {
	// Inbound returns the upstream bytes for a client frame.
	Inbound(f Frame) ([]byte, error)
	// Outbound wraps upstream bytes into a client frame.
	Outbound(p []byte) Frame
}

// CodecFor returns the codec of protocol p.
func CodecFor(p Protocol) Codec {
	if p == VNC {
		return vncCodec{}
	}
	return rawCodec{}
}

// rawCodec passes terminal bytes through untouched in both directions.
type rawCodec struct{}

func (rawCodec) Inbound(f Frame) ([]byte, error) { return f.Payload, nil }

func (rawCodec) Outbound(p []byte) Frame { return Frame{Kind: Binary, Payload: p} }

// vncCodec forwards binary client frames verbatim as RFB client messages
// and encodes JSON event records into RFB PointerEvent and KeyEvent
// messages. Framebuffer bytes go to the client unmodified.
type vncCodec struct{}

// Event is a structured pointer or keyboard event sent by a client.
type Event struct {
	Type    string `json:"type"` // mouse_move, mouse_click, key_down, key_up
	X       int    `json:"x"`
	Y       int    `json:"y"`
	Button  int    `json:"button,omitempty"`  // 1-based, mouse_click only
	Buttons uint8  `json:"buttons,omitempty"` // held button mask, mouse_move only
	Key     string `json:"key,omitempty"`
	Keysym  uint32 `json:"keysym,omitempty"`
}

// RFB client message types.
const (
	rfbKeyEvent     = 4
	rfbPointerEvent = 5
)

func (vncCodec) Inbound(f Frame) ([]byte, error) {
	if f.Kind == Binary {
		return f.Payload, nil
	}
	var ev Event
	if err := json.Unmarshal(f.Payload, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEvent, err)
	}
	return EncodeEvent(ev)
}

func (vncCodec) Outbound(p []byte) Frame { return Frame{Kind: Binary, Payload: p} }

// EncodeEvent encodes ev as RFB client messages. A click is a press
// followed by a release.
func EncodeEvent(ev Event) ([]byte, error) {
	switch ev.Type {
	case "mouse_move":
		if err := checkPosition(ev); err != nil {
			return nil, err
		}
		return pointerEvent(ev.Buttons, ev.X, ev.Y), nil
	case "mouse_click":
		if err := checkPosition(ev); err != nil {
			return nil, err
		}
		button := ev.Button
		if button == 0 {
			button = 1
		}
		if button < 1 || button > 8 {
			return nil, fmt.Errorf("%w: button %d out of range", ErrBadEvent, button)
		}
		mask := uint8(1) << (button - 1)
		return append(pointerEvent(mask, ev.X, ev.Y), pointerEvent(0, ev.X, ev.Y)...), nil
	case "key_down", "key_up":
		sym, err := keysym(ev)
		if err != nil {
			return nil, err
		}
		msg := make([]byte, 8)
		msg[0] = rfbKeyEvent
		if ev.Type == "key_down" {
			msg[1] = 1
		}
		binary.BigEndian.PutUint32(msg[4:], sym)
		return msg, nil
	}
	return nil, fmt.Errorf("%w: unknown type %q", ErrBadEvent, ev.Type)
}

func checkPosition(ev Event) error {
	if ev.X < 0 || ev.Y < 0 || ev.X > 0xffff || ev.Y > 0xffff {
		return fmt.Errorf("%w: position (%d, %d) out of range", ErrBadEvent, ev.X, ev.Y)
	}
	return nil
}

func pointerEvent(mask uint8, x, y int) []byte {
	msg := make([]byte, 6)
	msg[0] = rfbPointerEvent
	msg[1] = mask
	binary.BigEndian.PutUint16(msg[2:], uint16(x))
	binary.BigEndian.PutUint16(msg[4:], uint16(y))
	return msg
}

// X11 keysyms of the named keys browsers report.
var namedKeys = map[string]uint32{
	"Backspace":  0xff08,
	"Tab":        0xff09,
	"Enter":      0xff0d,
	"Escape":     0xff1b,
	"Home":       0xff50,
	"ArrowLeft":  0xff51,
	"ArrowUp":    0xff52,
	"ArrowRight": 0xff53,
	"ArrowDown":  0xff54,
	"PageUp":     0xff55,
	"PageDown":   0xff56,
	"End":        0xff57,
	"Insert":     0xff63,
	"F1":         0xffbe,
	"F2":         0xffbf,
	"F3":         0xffc0,
	"F4":         0xffc1,
	"F5":         0xffc2,
	"F6":         0xffc3,
	"F7":         0xffc4,
	"F8":         0xffc5,
	"F9":         0xffc6,
	"F10":        0xffc7,
	"F11":        0xffc8,
	"F12":        0xffc9,
	"Shift":      0xffe1,
	"Control":    0xffe3,
	"Meta":       0xffe7,
	"Alt":        0xffe9,
	"Delete":     0xffff,
}

func keysym(ev Event) (uint32, error) {
	if ev.Keysym != 0 {
		return ev.Keysym, nil
	}
	if sym, ok := namedKeys[ev.Key]; ok {
		return sym, nil
	}
	if r, size := utf8.DecodeRuneInString(ev.Key); size > 0 && size == len(ev.Key) && r != utf8.RuneError {
		if r < 0x100 {
			return uint32(r), nil
		}
		// Unicode keysyms beyond Latin-1.
		return 0x01000000 | uint32(r), nil
	}
	return 0, fmt.Errorf("%w: unknown key %q", ErrBadEvent, ev.Key)
}
