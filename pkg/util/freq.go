package util

import "fmt"

// FormatMHz renders a frequency given in Hz as MHz with four decimals, the
// form the radio configuration commands expect.
func FormatMHz(hz int) string {
	return fmt.Sprintf("%0.4f", float64(hz)/1e6)
}

// ParseMHz is the inverse of FormatMHz.
func ParseMHz(mhz string) (int, error) {
	var f float64
	if _, err := fmt.Sscanf(mhz, "%f", &f); err != nil {
		return 0, fmt.Errorf("invalid frequency %q: %w", mhz, err)
	}
	return int(f*1e6 + 0.5), nil
}
