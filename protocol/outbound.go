package protocol

import (
	"encoding/json"
	"time"
)

// Outbound command payloads published on a device's cmd topic. The
// device_id field always carries the canonical MAC.

func mustMarshal(v interface{}) []byte {
	var b, err = json.Marshal(v)
	if err != nil {
		panic(err) // Static shapes cannot fail to marshal.
	}
	return b
}

// CaptureImage instructs the device to capture and stream a fresh image.
func CaptureImage(mac string) []byte {
	return mustMarshal(map[string]interface{}{
		"device_id":     mac,
		"capture_image": true,
	})
}

// SendImage requests retransmission of a named pending image.
func SendImage(mac, imageName string) []byte {
	return mustMarshal(map[string]interface{}{
		"device_id":  mac,
		"send_image": imageName,
	})
}

// SendAllPending starts the drain sub-protocol for a device that announced
// pending images in its HELLO.
func SendAllPending(mac string) []byte {
	return mustMarshal(map[string]interface{}{
		"device_id":        mac,
		"send_all_pending": true,
	})
}

// SetWakeSchedule carries the device-formatted next wake time.
func SetWakeSchedule(mac, nextWake string) []byte {
	return mustMarshal(map[string]interface{}{
		"device_id": mac,
		"next_wake": nextWake,
	})
}

// Reboot asks the device to restart.
func Reboot(mac string) []byte {
	return mustMarshal(map[string]interface{}{
		"device_id": mac,
		"reboot":    true,
	})
}

// UpdateFirmware points the device at a firmware artifact.
func UpdateFirmware(mac, firmwareURL string) []byte {
	return mustMarshal(map[string]interface{}{
		"device_id":    mac,
		"firmware_url": firmwareURL,
	})
}

// Ping probes a device for liveness.
func Ping(mac string, now time.Time) []byte {
	return mustMarshal(map[string]interface{}{
		"device_id": mac,
		"ping":      true,
		"timestamp": now.UTC().Format(time.RFC3339),
	})
}

// UpdateConfig merges the queued payload with the device identifier.
func UpdateConfig(mac string, payload map[string]interface{}) []byte {
	var out = make(map[string]interface{}, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	out["device_id"] = mac
	return mustMarshal(out)
}

// MissingChunks requests targeted retransmission of chunk indices.
func MissingChunks(mac, imageName string, indices []int) []byte {
	if indices == nil {
		indices = []int{}
	}
	return mustMarshal(map[string]interface{}{
		"device_id":      mac,
		"image_name":     imageName,
		"missing_chunks": indices,
	})
}

// AckOK is the terminal acknowledgment for a received image. nextWake is
// empty during a pending drain, and carries the device-formatted wake time
// in the fresh-capture flow.
func AckOK(mac, imageName, nextWake string) []byte {
	var inner = map[string]interface{}{}
	if nextWake != "" {
		inner["next_wake_time"] = nextWake
	}
	return mustMarshal(map[string]interface{}{
		"device_id":  mac,
		"image_name": imageName,
		"ACK_OK":     inner,
	})
}
