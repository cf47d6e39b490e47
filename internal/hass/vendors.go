package hass

import "strings"

const (
	vendorApple   = "Apple"
	vendorGoogle  = "Google"
	vendorSamsung = "Samsung"
)

// ouiVendors maps the first three octets of common phone and tablet MACs to
// their manufacturer. Randomized (locally administered) addresses never
// match.
var ouiVendors = map[string]string{
	"00:03:93": vendorApple,
	"00:0A:95": vendorApple,
	"28:CF:E9": vendorApple,
	"3C:22:FB": vendorApple,
	"AC:BC:32": vendorApple,
	"CC:20:E8": vendorApple,
	"F0:18:98": vendorApple,
	"00:1A:11": vendorGoogle,
	"3C:5A:B4": vendorGoogle,
	"F4:F5:D8": vendorGoogle,
	"00:00:F0": vendorSamsung,
	"5C:0A:5B": vendorSamsung,
	"8C:77:12": vendorSamsung,
}

// VendorByMAC returns the manufacturer for mac, or "" if unknown.
func VendorByMAC(mac string) string {
	if len(mac) < 8 {
		return ""
	}
	oui := strings.ToUpper(strings.ReplaceAll(mac[:8], "-", ":"))
	return ouiVendors[oui]
}
