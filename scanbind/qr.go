package scanbind

import (
	"fmt"
	"regexp"
	"strings"
)

var macPattern = regexp.MustCompile(`^(?:[0-9A-Fa-f]{2}:){5}[0-9A-Fa-f]{2}$`)

// DecodeQR extracts the battery serial and the optional device-address hint
// from a scanned QR payload. Battery labels encode either the bare serial or
// `serial;mac` (some printers use a comma).
func DecodeQR(text string) (batteryID, macHint string, err error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", "", fmt.Errorf("empty QR payload")
	}

	sep := ";"
	if !strings.Contains(text, sep) && strings.Contains(text, ",") {
		sep = ","
	}

	parts := strings.SplitN(text, sep, 2)
	batteryID = strings.TrimSpace(parts[0])
	if batteryID == "" {
		return "", "", fmt.Errorf("QR payload has no battery serial: %q", text)
	}

	if len(parts) == 2 {
		hint := strings.ToUpper(strings.TrimSpace(parts[1]))
		if !macPattern.MatchString(hint) {
			return "", "", fmt.Errorf("QR payload has malformed address hint: %q", parts[1])
		}
		macHint = hint
	}

	return batteryID, macHint, nil
}
