package dispatcher

import (
	"fmt"
	"net/url"
)

// Descriptor identifies one request of a dispatch cycle.
// It is created once and consumed by exactly one task.
type Descriptor struct {
	URL   string
	Index int
}

func (d Descriptor) String() string {
	return fmt.Sprintf(`#%d GET "%s"`, d.Index, d.URL)
}

func newDescriptors(targetURL string, count int) []Descriptor {
	out := make([]Descriptor, count)
	for i := range out {
		out[i] = Descriptor{URL: targetURL, Index: i}
	}
	return out
}

// ValidateURL checks that the target is an absolute http or https URL.
func ValidateURL(targetURL string) error {
	u, err := url.Parse(targetURL)
	if err != nil {
		return fmt.Errorf(`target url "%s" is not valid: %w`, targetURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf(`target url "%s" is not valid: scheme must be "http" or "https"`, targetURL)
	}
	if u.Host == "" {
		return fmt.Errorf(`target url "%s" is not valid: host is missing`, targetURL)
	}
	return nil
}
