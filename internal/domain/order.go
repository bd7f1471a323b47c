package domain

import "fmt"

const DefaultOrderRefPrefix = "ACF"

// FormatOrderRef renders the human readable order reference, e.g. ACF-2027-00001.
func FormatOrderRef(prefix string, year, seq int) string {
	if prefix == "" {
		prefix = DefaultOrderRefPrefix
	}
	return fmt.Sprintf("%s-%04d-%05d", prefix, year, seq)
}
