package kiro

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"sync"
)

var (
	// ErrInvalidPreludeCRC indicates the prelude CRC doesn't match.
	ErrInvalidPreludeCRC = errors.New("invalid prelude CRC")
	// ErrInvalidMessageCRC indicates the message CRC doesn't match.
	ErrInvalidMessageCRC = errors.New("invalid message CRC")
	// ErrInvalidHeaderType indicates an unsupported header type.
	ErrInvalidHeaderType = errors.New("invalid header type")
	// ErrBufferOverflow indicates the parse buffer exceeded its ceiling.
	ErrBufferOverflow = errors.New("event stream buffer overflow")
)

const (
	initialBufferCap = 8192
	// maxBufferSize caps buffered partial data at 1MB.
	maxBufferSize = 1024 * 1024

	headerTypeString = 7

	headerMessageType = ":message-type"
	headerEventType   = ":event-type"

	// MessageTypeEvent marks a normal event frame.
	MessageTypeEvent = "event"
	// MessageTypeException marks a backend-reported error frame.
	MessageTypeException = "exception"
)

// EventMessage is one decoded frame of the AWS binary event stream.
type EventMessage struct {
	Headers map[string]string
	Payload []byte
}

// MessageType returns the frame's :message-type header.
func (m *EventMessage) MessageType() string {
	return m.Headers[headerMessageType]
}

// EventType returns the frame's :event-type header.
func (m *EventMessage) EventType() string {
	return m.Headers[headerEventType]
}

// IsEvent returns true for normal event frames.
func (m *EventMessage) IsEvent() bool {
	return m.MessageType() == MessageTypeEvent
}

// IsException returns true for backend exception frames.
func (m *EventMessage) IsException() bool {
	return m.MessageType() == MessageTypeException
}

// AssistantEvent is the JSON payload carried by assistant response frames.
type AssistantEvent struct {
	Content   string `json:"content,omitempty"`
	Name      string `json:"name,omitempty"`
	ToolUseID string `json:"toolUseId,omitempty"`
	Input     string `json:"input,omitempty"`
	Stop      bool   `json:"stop,omitempty"`

	// Followup prompt suggestions are ignored by the translator.
	FollowupPrompt json.RawMessage `json:"followupPrompt,omitempty"`

	// Usage can be a bare number (output tokens) or an object.
	Usage json.RawMessage `json:"usage,omitempty"`
}

// DecodeAssistantEvent parses a frame payload into an AssistantEvent.
func DecodeAssistantEvent(payload []byte) (*AssistantEvent, error) {
	var ev AssistantEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("failed to parse assistant event: %w", err)
	}
	return &ev, nil
}

// TokenCounts extracts input/output token counts from the event's usage
// field, tolerating both the bare-number and object encodings.
func (e *AssistantEvent) TokenCounts() (input, output int64, ok bool) {
	if len(e.Usage) == 0 {
		return 0, 0, false
	}
	var n int64
	if err := json.Unmarshal(e.Usage, &n); err == nil {
		return 0, n, true
	}
	var obj struct {
		InputTokens  int64 `json:"inputTokens"`
		OutputTokens int64 `json:"outputTokens"`
	}
	if err := json.Unmarshal(e.Usage, &obj); err == nil {
		return obj.InputTokens, obj.OutputTokens, true
	}
	return 0, 0, false
}

var parserPool = sync.Pool{
	New: func() interface{} {
		return &EventStreamParser{
			buffer: make([]byte, 0, initialBufferCap),
		}
	},
}

// GetEventStreamParser gets a parser from the pool.
// Call ReleaseEventStreamParser when done.
func GetEventStreamParser() *EventStreamParser {
	return parserPool.Get().(*EventStreamParser)
}

// ReleaseEventStreamParser returns a parser to the pool.
func ReleaseEventStreamParser(p *EventStreamParser) {
	p.Reset()
	parserPool.Put(p)
}

// EventStreamParser decodes the AWS event-stream binary framing:
// a 12-byte prelude (total length, headers length, prelude CRC), headers,
// payload, and a trailing message CRC.
type EventStreamParser struct {
	buffer []byte
}

// NewEventStreamParser creates a standalone parser. Prefer the pool accessors
// on hot paths.
func NewEventStreamParser() *EventStreamParser {
	return &EventStreamParser{buffer: make([]byte, 0, initialBufferCap)}
}

// Parse consumes input data and returns all complete frames. Partial frames
// stay buffered for the next call.
func (p *EventStreamParser) Parse(data []byte) ([]*EventMessage, error) {
	if len(p.buffer)+len(data) > maxBufferSize {
		return nil, ErrBufferOverflow
	}
	p.buffer = append(p.buffer, data...)

	var messages []*EventMessage

	for len(p.buffer) >= 12 {
		totalLength := binary.BigEndian.Uint32(p.buffer[0:4])
		headersLength := binary.BigEndian.Uint32(p.buffer[4:8])
		preludeCRC := binary.BigEndian.Uint32(p.buffer[8:12])

		if want := crc32.ChecksumIEEE(p.buffer[0:8]); preludeCRC != want {
			return messages, fmt.Errorf("%w: expected %x, got %x", ErrInvalidPreludeCRC, want, preludeCRC)
		}

		if uint32(len(p.buffer)) < totalLength {
			break
		}

		frame := p.buffer[:totalLength]
		p.buffer = p.buffer[totalLength:]

		messageCRC := binary.BigEndian.Uint32(frame[totalLength-4:])
		if want := crc32.ChecksumIEEE(frame[:totalLength-4]); messageCRC != want {
			return messages, fmt.Errorf("%w: expected %x, got %x", ErrInvalidMessageCRC, want, messageCRC)
		}

		headers, err := parseHeaders(frame[12 : 12+headersLength])
		if err != nil {
			return messages, fmt.Errorf("failed to parse headers: %w", err)
		}

		// Copy the payload: frame aliases the shared buffer, which the
		// next Parse call may overwrite.
		payload := make([]byte, totalLength-4-(12+headersLength))
		copy(payload, frame[12+headersLength:totalLength-4])

		messages = append(messages, &EventMessage{
			Headers: headers,
			Payload: payload,
		})
	}

	return messages, nil
}

// ParseAll decodes every frame from a fully buffered response body.
func (p *EventStreamParser) ParseAll(r io.Reader) ([]*EventMessage, error) {
	var all []*EventMessage
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			msgs, parseErr := p.Parse(buf[:n])
			all = append(all, msgs...)
			if parseErr != nil {
				return all, parseErr
			}
		}
		if err == io.EOF {
			return all, nil
		}
		if err != nil {
			return all, err
		}
	}
}

func parseHeaders(data []byte) (map[string]string, error) {
	headers := make(map[string]string)
	reader := bytes.NewReader(data)

	for reader.Len() > 0 {
		nameLen, err := reader.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("failed to read header name length: %w", err)
		}

		name := make([]byte, int(nameLen))
		if _, err := io.ReadFull(reader, name); err != nil {
			return nil, fmt.Errorf("failed to read header name: %w", err)
		}

		headerType, err := reader.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("failed to read header type: %w", err)
		}
		if headerType != headerTypeString {
			return nil, fmt.Errorf("%w: %d", ErrInvalidHeaderType, headerType)
		}

		var valueLen uint16
		if err := binary.Read(reader, binary.BigEndian, &valueLen); err != nil {
			return nil, fmt.Errorf("failed to read header value length: %w", err)
		}
		value := make([]byte, valueLen)
		if _, err := io.ReadFull(reader, value); err != nil {
			return nil, fmt.Errorf("failed to read header value: %w", err)
		}

		headers[string(name)] = string(value)
	}

	return headers, nil
}

// EncodeEventMessage frames a payload with string headers into the AWS
// event-stream binary format, the inverse of Parse.
func EncodeEventMessage(headers map[string]string, payload []byte) []byte {
	var hdr bytes.Buffer
	for name, value := range headers {
		hdr.WriteByte(byte(len(name)))
		hdr.WriteString(name)
		hdr.WriteByte(headerTypeString)
		binary.Write(&hdr, binary.BigEndian, uint16(len(value)))
		hdr.WriteString(value)
	}

	totalLength := 12 + hdr.Len() + len(payload) + 4
	out := make([]byte, 0, totalLength)

	prelude := make([]byte, 8)
	binary.BigEndian.PutUint32(prelude[0:4], uint32(totalLength))
	binary.BigEndian.PutUint32(prelude[4:8], uint32(hdr.Len()))
	out = append(out, prelude...)
	out = binary.BigEndian.AppendUint32(out, crc32.ChecksumIEEE(prelude))
	out = append(out, hdr.Bytes()...)
	out = append(out, payload...)
	out = binary.BigEndian.AppendUint32(out, crc32.ChecksumIEEE(out))
	return out
}

// EncodeAssistantEvent frames an assistant event as a normal event message.
func EncodeAssistantEvent(ev *AssistantEvent) []byte {
	payload, _ := json.Marshal(ev)
	return EncodeEventMessage(map[string]string{
		headerMessageType: MessageTypeEvent,
		headerEventType:   "assistantResponseEvent",
	}, payload)
}

// Reset clears the parser buffer while retaining capacity for reuse.
func (p *EventStreamParser) Reset() {
	if cap(p.buffer) > maxBufferSize {
		p.buffer = make([]byte, 0, initialBufferCap)
	} else {
		p.buffer = p.buffer[:0]
	}
}
