package decode

import (
	"mime"
	"strings"

	"github.com/umisama/go-regexpcache"
)

// jsonMediaType matches "application/json" and structured suffixes, for example "application/problem+json".
const jsonMediaType = `^application/([a-z0-9.\-]+\+)?json$`

// IsJSON returns true if the Content-Type header value denotes a JSON body.
// Parameters, for example "; charset=utf-8", are ignored.
func IsJSON(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType, _, _ = strings.Cut(contentType, ";")
	}
	mediaType = strings.ToLower(strings.TrimSpace(mediaType))
	return mediaType != "" && regexpcache.MustCompile(jsonMediaType).MatchString(mediaType)
}
