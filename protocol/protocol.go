// Package protocol defines the JSON payloads exchanged with camera devices
// over the broker, and normalizes the field-name variants that different
// firmware revisions emit. Downstream code consumes the canonical shapes
// only.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Kind classifies an inbound payload.
type Kind int

const (
	KindUnknown Kind = iota
	KindHello
	KindMetadata
	KindChunk
	KindAck
)

func (k Kind) String() string {
	switch k {
	case KindHello:
		return "hello"
	case KindMetadata:
		return "metadata"
	case KindChunk:
		return "chunk"
	case KindAck:
		return "ack"
	default:
		return "unknown"
	}
}

var quoteReplacer = strings.NewReplacer(
	"“", `"`, // left double
	"”", `"`, // right double
	"‘", `'`, // left single
	"’", `'`, // right single
)

// Sanitize trims surrounding whitespace and replaces Unicode smart quotes
// with plain ASCII quotes. Device firmware occasionally emits payloads
// copy-pasted through tooling that curls them.
func Sanitize(raw []byte) []byte {
	return bytes.TrimSpace([]byte(quoteReplacer.Replace(string(raw))))
}

// Hello is the first message of a device wake cycle, received on the
// status topic.
type Hello struct {
	DeviceID        string   `json:"device_id"`
	DeviceMAC       string   `json:"device_mac"`
	Status          string   `json:"status"`
	PendingImg      *int     `json:"pendingImg"`
	PendingCount    *int     `json:"pending_count"`
	PendingList     []string `json:"pending_list"`
	FirmwareVersion string   `json:"firmware_version"`
	BatteryVoltage  *float64 `json:"battery_voltage"`
	WifiRSSI        *int     `json:"wifi_rssi"`
	Hardware        string   `json:"hardware"`
}

// MAC returns whichever identifier field the firmware populated.
func (h *Hello) MAC() string {
	if h.DeviceID != "" {
		return h.DeviceID
	}
	return h.DeviceMAC
}

// Pending returns the device-reported count of images held on local
// storage. When the count and pending_list disagree, the count is
// authoritative for drain accounting.
func (h *Hello) Pending() int {
	if h.PendingImg != nil {
		return *h.PendingImg
	}
	if h.PendingCount != nil {
		return *h.PendingCount
	}
	return 0
}

// Sensors is the environmental snapshot captured alongside an image.
// Temperature is degrees Celsius; conversion to Fahrenheit happens at
// persistence boundaries, not here.
type Sensors struct {
	Temperature   *float64 `json:"temperature"`
	Humidity      *float64 `json:"humidity"`
	Pressure      *float64 `json:"pressure"`
	GasResistance *float64 `json:"gas_resistance"`
}

// Metadata announces a new image transfer on the data topic.
// It is the canonical shape; see ParseMetadata for the tolerated variants.
type Metadata struct {
	DeviceID      string
	ImageName     string
	ImageID       string
	ImageSize     int64
	CapturedAtRaw string
	MaxChunkSize  int
	TotalChunks   int
	Location      string
	DeviceError   string
	Sensors       Sensors
}

// rawMetadata tolerates every firmware field-name variant observed in the
// field. This is the single place such variants are resolved.
type rawMetadata struct {
	DeviceID         string `json:"device_id"`
	ImageName        string `json:"image_name"`
	ImageID          string `json:"image_id"`
	ImageSize        int64  `json:"image_size"`
	Timestamp        string `json:"timestamp"`
	CaptureTimestamp string `json:"capture_timestamp"`
	CaptureTimeStamp string `json:"capture_timeStamp"`
	MaxChunksSize    *int   `json:"max_chunks_size"`
	MaxChunkSize     *int   `json:"max_chunk_size"`
	TotalChunkCount  *int   `json:"total_chunk_count"`
	TotalChunksCount *int   `json:"total_chunks_count"`
	Location         string `json:"location"`
	Error            string `json:"error"`

	SensorData *Sensors `json:"sensor_data"`
	// Flat equivalents emitted by firmware without the sensor_data object.
	Temperature   *float64 `json:"temperature"`
	Humidity      *float64 `json:"humidity"`
	Pressure      *float64 `json:"pressure"`
	GasResistance *float64 `json:"gas_resistance"`
}

// Chunk carries one base64-encoded slice of an image on the data topic.
type Chunk struct {
	DeviceID     string `json:"device_id"`
	ImageName    string `json:"image_name"`
	ChunkID      *int   `json:"chunk_id"`
	MaxChunkSize int    `json:"max_chunk_size"`
	Payload      string `json:"payload"`
}

// Classify decides the kind of a sanitized data-topic payload: a chunk
// carries chunk_id, metadata carries a total-chunk count without chunk_id.
func Classify(raw []byte) Kind {
	var probe struct {
		ChunkID          *int    `json:"chunk_id"`
		TotalChunkCount  *int    `json:"total_chunk_count"`
		TotalChunksCount *int    `json:"total_chunks_count"`
		Status           *string `json:"status"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return KindUnknown
	}
	switch {
	case probe.ChunkID != nil:
		return KindChunk
	case probe.TotalChunkCount != nil || probe.TotalChunksCount != nil:
		return KindMetadata
	case probe.Status != nil && *probe.Status == "alive":
		return KindHello
	default:
		return KindUnknown
	}
}

// ParseHello decodes a sanitized status payload.
func ParseHello(raw []byte) (*Hello, error) {
	var h Hello
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, fmt.Errorf("decoding hello: %w", err)
	}
	if h.MAC() == "" {
		return nil, fmt.Errorf("hello carries no device identifier")
	}
	return &h, nil
}

// ParseMetadata decodes a sanitized metadata payload, resolving firmware
// field-name variants into the canonical Metadata shape.
func ParseMetadata(raw []byte) (*Metadata, error) {
	var r rawMetadata
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decoding metadata: %w", err)
	}
	if r.ImageName == "" {
		return nil, fmt.Errorf("metadata carries no image_name")
	}

	var m = Metadata{
		DeviceID:    r.DeviceID,
		ImageName:   r.ImageName,
		ImageID:     r.ImageID,
		ImageSize:   r.ImageSize,
		Location:    r.Location,
		DeviceError: r.Error,
	}
	switch {
	case r.Timestamp != "":
		m.CapturedAtRaw = r.Timestamp
	case r.CaptureTimestamp != "":
		m.CapturedAtRaw = r.CaptureTimestamp
	default:
		m.CapturedAtRaw = r.CaptureTimeStamp
	}
	if r.MaxChunksSize != nil {
		m.MaxChunkSize = *r.MaxChunksSize
	} else if r.MaxChunkSize != nil {
		m.MaxChunkSize = *r.MaxChunkSize
	}
	if r.TotalChunkCount != nil {
		m.TotalChunks = *r.TotalChunkCount
	} else if r.TotalChunksCount != nil {
		m.TotalChunks = *r.TotalChunksCount
	}
	if r.SensorData != nil {
		m.Sensors = *r.SensorData
	} else {
		m.Sensors = Sensors{
			Temperature:   r.Temperature,
			Humidity:      r.Humidity,
			Pressure:      r.Pressure,
			GasResistance: r.GasResistance,
		}
	}
	return &m, nil
}

// ParseChunk decodes a sanitized chunk payload.
func ParseChunk(raw []byte) (*Chunk, error) {
	var c Chunk
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decoding chunk: %w", err)
	}
	if c.ChunkID == nil {
		return nil, fmt.Errorf("chunk carries no chunk_id")
	}
	if *c.ChunkID < 0 {
		return nil, fmt.Errorf("chunk_id %d is negative", *c.ChunkID)
	}
	if c.ImageName == "" {
		return nil, fmt.Errorf("chunk carries no image_name")
	}
	return &c, nil
}

// IsTerminalAck reports whether an ack-topic payload is an image-terminal
// ACK_OK (ours, echoed or retained) rather than a command acknowledgment.
func IsTerminalAck(raw []byte) bool {
	var probe struct {
		AckOK *json.RawMessage `json:"ACK_OK"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	return probe.AckOK != nil
}

// IsMissingChunksRequest reports whether an ack-topic payload is a
// missing-chunks request rather than a command acknowledgment.
func IsMissingChunksRequest(raw []byte) bool {
	var probe struct {
		Missing *json.RawMessage `json:"missing_chunks"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	return probe.Missing != nil
}

// JPEG stream markers. Chunk 0 must open with the SOI sequence; the
// reassembled stream should close with EOI.
var (
	jpegMagic   = []byte{0xFF, 0xD8, 0xFF}
	jpegTrailer = []byte{0xFF, 0xD9}
)

// HasJPEGMagic reports whether b opens with the JPEG SOI marker bytes.
func HasJPEGMagic(b []byte) bool {
	return bytes.HasPrefix(b, jpegMagic)
}

// HasJPEGTrailer reports whether b closes with the JPEG EOI marker.
func HasJPEGTrailer(b []byte) bool {
	return bytes.HasSuffix(b, jpegTrailer)
}
