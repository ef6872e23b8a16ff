//go:build arm

package device

import "time"

// 32-bit ARM boards (Raspberry Pi Zero and friends) have a much slower BLE stack.
const defaultReadTimeout = 45 * time.Second
