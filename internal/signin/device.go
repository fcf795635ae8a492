package signin

import (
	"fmt"
	"strings"

	"github.com/mssola/useragent"
)

const unknownDevice = "Unknown Device"

// ParseUserAgent turns a User-Agent header into a short label such as
// "Chrome on Mac OS X" for the session list.
func ParseUserAgent(userAgent string) string {
	userAgent = strings.TrimSpace(userAgent)
	if userAgent == "" {
		return unknownDevice
	}
	ua := useragent.New(userAgent)

	browser, _ := ua.Browser()
	if browser == "" {
		browser = "Unknown Browser"
	}
	os := ua.OS()
	if platform := ua.Platform(); ua.Mobile() && platform != "" && platform != "Linux" {
		os = platform
	}
	if os == "" {
		os = "Unknown OS"
	}
	return strings.TrimSpace(fmt.Sprintf("%s on %s", browser, os))
}
