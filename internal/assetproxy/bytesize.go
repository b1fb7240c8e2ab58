package assetproxy

import (
	"fmt"
	"strconv"
	"strings"
)

// parseByteSize accepts sizes such as "512", "64k", "64kb", "1.5m", "2g".
// Zero is valid and disables whatever the size bounds.
func parseByteSize(raw string) (int64, error) {
	s := strings.TrimSpace(strings.ToLower(raw))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	s = strings.TrimSuffix(s, "b")
	if s == "" {
		return 0, fmt.Errorf("invalid size %q", raw)
	}

	mult := int64(1)
	switch s[len(s)-1] {
	case 'k':
		mult = 1 << 10
	case 'm':
		mult = 1 << 20
	case 'g':
		mult = 1 << 30
	}
	if mult > 1 {
		s = strings.TrimSpace(s[:len(s)-1])
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", raw)
	}
	if v < 0 {
		return 0, fmt.Errorf("negative size %q", raw)
	}
	return int64(v * float64(mult)), nil
}
