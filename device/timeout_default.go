//go:build !arm

package device

import "time"

const defaultReadTimeout = 15 * time.Second
