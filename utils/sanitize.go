package utils

import "github.com/microcosm-cc/bluemonday"

// History descriptions and item names originate from collaborator services
// but end up rendered in the client's coin-history modal, so strip all markup.
var sanitizer = bluemonday.StrictPolicy()

// Sanitize cleans HTML content to prevent XSS attacks.
func Sanitize(input string) string {
	return sanitizer.Sanitize(input)
}
