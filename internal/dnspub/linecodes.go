package dnspub

import "github.com/lineopthq/optimizer/pkg/types"

// Vendor resolution-line codes (aliyun-style). The rest of the module
// speaks canonical line names only.
var vendorCodes = map[types.Line]string{
	types.LineTelecom:  "telecom",
	types.LineUnicom:   "unicom",
	types.LineMobile:   "mobile",
	types.LineOverseas: "oversea",
	types.LineDefault:  "default",
}

var canonicalLines = map[string]types.Line{
	"telecom": types.LineTelecom,
	"unicom":  types.LineUnicom,
	"mobile":  types.LineMobile,
	"oversea": types.LineOverseas,
	"default": types.LineDefault,
}

// vendorLineCode maps a canonical line to the vendor code.
func vendorLineCode(line types.Line) string {
	if code, ok := vendorCodes[line]; ok {
		return code
	}
	return "default"
}

// lineFromVendor maps a vendor code back to the canonical line.
func lineFromVendor(code string) (types.Line, bool) {
	line, ok := canonicalLines[code]
	return line, ok
}
