package router

import "regexp"

// User-facing messages returned by ClassifyError.
const (
	MsgCredentials  = "Bot API credentials are not configured correctly."
	MsgAuthFailed   = "Bot authentication failed. Please check your API key."
	MsgRateLimited  = "Rate limited. Please try again in a moment."
	MsgOverloaded   = "The AI service is currently overloaded. Please try again shortly."
	MsgGenericError = "An error occurred while processing your message."
)

// errorPatterns is evaluated top to bottom; the first match wins.
// "authorized" is matched as a whole word so "Unauthorized" (an HTTP 401)
// falls through to the authentication rule.
var errorPatterns = []struct {
	re      *regexp.Regexp
	message string
}{
	{regexp.MustCompile(`(?i)credential|\bauthorized\b`), MsgCredentials},
	{regexp.MustCompile(`(?i)authentication|401|invalid api key`), MsgAuthFailed},
	{regexp.MustCompile(`(?i)rate[ _]limit|429`), MsgRateLimited},
	{regexp.MustCompile(`(?i)overloaded|529`), MsgOverloaded},
}

// ClassifyErrorMessage maps a raw error message to a short message that is
// safe to show to a chat user.
func ClassifyErrorMessage(raw string) string {
	for _, p := range errorPatterns {
		if p.re.MatchString(raw) {
			return p.message
		}
	}
	return MsgGenericError
}

// ClassifyError is ClassifyErrorMessage for an error value. A nil error maps
// to the generic message.
func ClassifyError(err error) string {
	if err == nil {
		return MsgGenericError
	}
	return ClassifyErrorMessage(err.Error())
}
