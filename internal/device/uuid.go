package device

import (
	"fmt"
	"strings"
)

// bluetoothBaseSuffix is the tail of every UUID derived from the Bluetooth base UUID.
const bluetoothBaseSuffix = "-0000-1000-8000-00805f9b34fb"

// NormalizeAddress converts a peer address to the canonical upper-case,
// colon-separated form. Underscores (as used in BlueZ object paths) and
// dashes in a 48-bit MAC are accepted as separators. Other identifiers, such
// as the UUIDs CoreBluetooth reports, are only upper-cased.
func NormalizeAddress(addr string) string {
	addr = strings.ReplaceAll(strings.TrimSpace(addr), "_", ":")
	if len(addr) == 17 {
		addr = strings.ReplaceAll(addr, "-", ":")
	}
	return strings.ToUpper(addr)
}

// NormalizeUUID converts a service ID to the canonical lower-case, dashed
// 128-bit form. A 16-bit or 32-bit short form (optionally prefixed with 0x)
// is expanded against the Bluetooth base UUID. Returns "" if uuid is not
// well-formed.
func NormalizeUUID(uuid string) string {
	u := strings.ToLower(strings.TrimSpace(uuid))
	u = strings.TrimPrefix(u, "0x")

	switch len(u) {
	case 4:
		u = "0000" + u
		fallthrough
	case 8:
		if !isHex(u) {
			return ""
		}
		return u + bluetoothBaseSuffix
	case 32:
		if !isHex(u) {
			return ""
		}
		return u[0:8] + "-" + u[8:12] + "-" + u[12:16] + "-" + u[16:20] + "-" + u[20:32]
	case 36:
		if u[8] != '-' || u[13] != '-' || u[18] != '-' || u[23] != '-' {
			return ""
		}
		if !isHex(strings.ReplaceAll(u, "-", "")) {
			return ""
		}
		return u
	default:
		return ""
	}
}

// ShortenUUID returns a truncated version of a UUID for display purposes.
// Returns the first eight characters for long UUIDs and short UUIDs by themselves.
func ShortenUUID(uuid string) string {
	if len(uuid) > 8 {
		return uuid[:8]
	}
	return uuid
}

// ValidateUUID validates that UUID strings are non-empty and well-formed.
// Returns normalized UUID strings or an error.
func ValidateUUID(uuids ...string) ([]string, error) {
	if len(uuids) == 0 {
		return nil, fmt.Errorf("at least one UUID is required")
	}

	result := make([]string, 0, len(uuids))
	for i, uuid := range uuids {
		if uuid == "" {
			return nil, fmt.Errorf("UUID at index %d cannot be empty", i)
		}
		normalized := NormalizeUUID(uuid)
		if normalized == "" {
			return nil, fmt.Errorf("invalid UUID format at index %d: %s", i, uuid)
		}
		result = append(result, normalized)
	}
	return result, nil
}

func isHex(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return s != ""
}
