package id

import (
	"strings"

	"github.com/google/uuid"
)

const maxInboundLength = 128

func New() string {
	return uuid.NewString()
}

// FromRequest reuses a caller-supplied request id when it is printable and
// reasonably short, otherwise it mints a new one.
func FromRequest(inbound string) string {
	inbound = strings.TrimSpace(inbound)
	if inbound == "" || len(inbound) > maxInboundLength {
		return New()
	}
	for _, r := range inbound {
		if r < 0x21 || r > 0x7e {
			return New()
		}
	}
	return inbound
}
