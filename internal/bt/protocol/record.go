package protocol

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// NoData is shown for characteristics that returned an empty value.
const NoData = "No data"

// NoReadable is the record produced when a peripheral exposes nothing readable.
const NoReadable = "No readable characteristics found."

var batteryLevel = uuid.MustParse("00002a19-0000-1000-8000-00805f9b34fb")

// DecodeValue renders a characteristic value for display. The battery level
// characteristic is an unsigned percentage byte; everything else is treated as
// UTF-8 text, with invalid sequences replaced.
func DecodeValue(id uuid.UUID, value []byte) string {
	if len(value) == 0 {
		return NoData
	}
	if id == batteryLevel {
		return fmt.Sprintf("%d%%", value[0])
	}
	return DecodeText(value)
}

// DecodeText converts bytes to a valid UTF-8 string.
func DecodeText(value []byte) string {
	return strings.ToValidUTF8(string(value), "�")
}

// ReadRecord formats a successful characteristic read.
func ReadRecord(id uuid.UUID, value []byte) string {
	return fmt.Sprintf("Characteristic UUID: %s\nValue: %s\n\n", id, DecodeValue(id, value))
}

// ReadErrorRecord formats a failed characteristic read.
func ReadErrorRecord(id uuid.UUID, status int) string {
	return fmt.Sprintf("Characteristic UUID: %s\nError reading: %d\n\n", id, status)
}

// NotificationRecord formats an incoming notification. Notifications are
// always decoded as text.
func NotificationRecord(id uuid.UUID, value []byte) string {
	text := NoData
	if len(value) > 0 {
		text = DecodeText(value)
	}
	return fmt.Sprintf("Notification from UUID: %s\nValue: %s\n\n", id, text)
}

// IsErrorRecord reports whether a transcript record describes a failed read.
func IsErrorRecord(record string) bool {
	return strings.Contains(record, "\nError reading: ")
}
