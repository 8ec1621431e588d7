package utils

import (
	"net/url"
)

// LogURL returns the URL as-is or an obfuscated form, depending on the
// obfuscation setting. Stream URLs frequently embed access tokens, so logs
// default to the obfuscated form in most configurations.
func LogURL(obfuscate bool, raw string) string {
	if obfuscate {
		return ObfuscateURL(raw)
	}
	return raw
}

// ObfuscateURL keeps the scheme and host of a URL but masks path, query and
// fragment. Unparseable input is masked entirely.
func ObfuscateURL(raw string) string {
	if raw == "" {
		return ""
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "***OBFUSCATED***"
	}

	result := u.Scheme + "://" + u.Host
	if u.Path != "" && u.Path != "/" {
		result += "/***"
	}
	if u.RawQuery != "" {
		result += "?***"
	}
	if u.Fragment != "" {
		result += "#***"
	}

	return result
}
