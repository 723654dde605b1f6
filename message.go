package mdmbridge

import (
	"encoding/binary"
	"fmt"
)

// ControlBits is a modem control-line bitmask. Outbound lines (DTR, RTS) go
// to the modem; inbound lines (CTS, DSR, CD, RI) come from it.
type ControlBits uint16

// Control line bits.
const (
	LineDTR ControlBits = 1 << iota // Data Terminal Ready (to modem)
	LineRTS                         // Request To Send (to modem)
	LineCTS                         // Clear To Send (from modem)
	LineDSR                         // Data Set Ready (from modem)
	LineCD                          // Carrier Detect (from modem)
	LineRI                          // Ring Indicator (from modem)
)

const (
	// OutboundLines masks the lines driven by the host side
	OutboundLines = LineDTR | LineRTS
	// InboundLines masks the lines reported by the modem
	InboundLines = LineCTS | LineDSR | LineCD | LineRI
)

// String returns the set lines, e.g. "DTR|RTS".
func (b ControlBits) String() string {
	names := []struct {
		bit  ControlBits
		name string
	}{
		{LineDTR, "DTR"}, {LineRTS, "RTS"}, {LineCTS, "CTS"},
		{LineDSR, "DSR"}, {LineCD, "CD"}, {LineRI, "RI"},
	}
	s := ""
	for _, n := range names {
		if b&n.bit == 0 {
			continue
		}
		if s != "" {
			s += "|"
		}
		s += n.name
	}
	if s == "" {
		return "0"
	}
	return s
}

// Class request codes.
const (
	RequestSendEncapsulatedCommand = 0x00
	RequestGetEncapsulatedResponse = 0x01
	RequestSetControlLineState     = 0x22
)

// Notification codes.
const (
	NotificationNetworkConnection = 0x00
	NotificationResponseAvailable = 0x01
	NotificationSerialState       = 0x20
)

// Request type values (direction | class | interface).
const (
	RequestTypeOut          = 0x21
	RequestTypeIn           = 0xA1
	RequestTypeNotification = 0xA1
)

// Wire bits of SET_CONTROL_LINE_STATE.
const (
	wireDTR = 1 << 0
	wireRTS = 1 << 1
)

// Wire bits of the SERIAL_STATE notification. Bit 7 is not assigned by
// CDC; transports that can observe CTS report it there.
const (
	wireDCD     = 1 << 0
	wireDSR     = 1 << 1
	wireBreak   = 1 << 2
	wireRing    = 1 << 3
	wireFraming = 1 << 4
	wireParity  = 1 << 5
	wireOverrun = 1 << 6
	wireCTS     = 1 << 7
)

// HeaderSize is the size of a request or notification header.
const HeaderSize = 8

// MaxResponseSize bounds encapsulated response fetches.
const MaxResponseSize = 512

// Header is the common 8-byte header of requests and notifications.
type Header struct {
	RequestType uint8
	Request     uint8 // request or notification code
	Value       uint16
	Index       uint16
	Length      uint16
}

// MarshalTo writes the header to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (h *Header) MarshalTo(buf []byte) int {
	if len(buf) < HeaderSize {
		return 0
	}
	buf[0] = h.RequestType
	buf[1] = h.Request
	binary.LittleEndian.PutUint16(buf[2:], h.Value)
	binary.LittleEndian.PutUint16(buf[4:], h.Index)
	binary.LittleEndian.PutUint16(buf[6:], h.Length)
	return HeaderSize
}

// ParseHeader parses raw bytes into a Header.
// Returns false if data is too short.
func ParseHeader(data []byte, out *Header) bool {
	if len(data) < HeaderSize {
		return false
	}
	out.RequestType = data[0]
	out.Request = data[1]
	out.Value = binary.LittleEndian.Uint16(data[2:])
	out.Index = binary.LittleEndian.Uint16(data[4:])
	out.Length = binary.LittleEndian.Uint16(data[6:])
	return true
}

// EncodeRequest builds a control request for the given channel interface.
func EncodeRequest(request uint8, value uint16, index uint16, body []byte) []byte {
	msg := make([]byte, HeaderSize+len(body))
	reqType := uint8(RequestTypeOut)
	if request == RequestGetEncapsulatedResponse {
		reqType = RequestTypeIn
	}
	h := Header{
		RequestType: reqType,
		Request:     request,
		Value:       value,
		Index:       index,
		Length:      uint16(len(body)),
	}
	h.MarshalTo(msg)
	copy(msg[HeaderSize:], body)
	return msg
}

// DecodeRequest splits a control request into header and body.
func DecodeRequest(msg []byte) (Header, []byte, error) {
	var h Header
	if !ParseHeader(msg, &h) {
		return h, nil, ErrShortMessage
	}
	body := msg[HeaderSize:]
	if int(h.Length) > len(body) {
		return h, nil, fmt.Errorf("%w: body %d < %d", ErrShortMessage, len(body), h.Length)
	}
	return h, body[:h.Length], nil
}

// EncodeNotification builds a notification as sent on the interrupt pipe.
func EncodeNotification(notification uint8, index uint16, data []byte) []byte {
	msg := make([]byte, HeaderSize+len(data))
	h := Header{
		RequestType: RequestTypeNotification,
		Request:     notification,
		Index:       index,
		Length:      uint16(len(data)),
	}
	h.MarshalTo(msg)
	copy(msg[HeaderSize:], data)
	return msg
}

// DecodeNotification splits a notification into header and data.
func DecodeNotification(msg []byte) (Header, []byte, error) {
	return DecodeRequest(msg)
}

// EncodeLineState converts outbound bits to the SET_CONTROL_LINE_STATE value.
func EncodeLineState(bits ControlBits) uint16 {
	var v uint16
	if bits&LineDTR != 0 {
		v |= wireDTR
	}
	if bits&LineRTS != 0 {
		v |= wireRTS
	}
	return v
}

// DecodeLineState converts a SET_CONTROL_LINE_STATE value to outbound bits.
func DecodeLineState(v uint16) ControlBits {
	var bits ControlBits
	if v&wireDTR != 0 {
		bits |= LineDTR
	}
	if v&wireRTS != 0 {
		bits |= LineRTS
	}
	return bits
}

// EncodeSerialState converts inbound bits to a SERIAL_STATE payload.
func EncodeSerialState(bits ControlBits) []byte {
	var v uint16
	if bits&LineCD != 0 {
		v |= wireDCD
	}
	if bits&LineDSR != 0 {
		v |= wireDSR
	}
	if bits&LineRI != 0 {
		v |= wireRing
	}
	if bits&LineCTS != 0 {
		v |= wireCTS
	}
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, v)
	return buf
}

// DecodeSerialState converts a SERIAL_STATE payload to inbound bits.
// Error bits (break, framing, parity, overrun) are returned separately.
func DecodeSerialState(data []byte) (bits ControlBits, errBits uint16, err error) {
	if len(data) < 2 {
		return 0, 0, ErrShortMessage
	}
	v := binary.LittleEndian.Uint16(data)
	if v&wireDCD != 0 {
		bits |= LineCD
	}
	if v&wireDSR != 0 {
		bits |= LineDSR
	}
	if v&wireRing != 0 {
		bits |= LineRI
	}
	if v&wireCTS != 0 {
		bits |= LineCTS
	}
	errBits = v & (wireBreak | wireFraming | wireParity | wireOverrun)
	return bits, errBits, nil
}
