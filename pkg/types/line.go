package types

// Line identifies one ISP routing category, or the catch-all DEFAULT
// record that aggregates across lines.
type Line string

const (
	LineTelecom  Line = "TELECOM"
	LineUnicom   Line = "UNICOM"
	LineMobile   Line = "MOBILE"
	LineOverseas Line = "OVERSEAS"
	LineDefault  Line = "DEFAULT"
)

// DomesticLines returns the three mainland ISP lines.
func DomesticLines() []Line {
	return []Line{LineTelecom, LineUnicom, LineMobile}
}

// PublishableLines returns every line that is measured and published
// directly. DEFAULT is derived from the others after selection.
func PublishableLines() []Line {
	return []Line{LineTelecom, LineUnicom, LineMobile, LineOverseas}
}

// AllLines returns every line including DEFAULT, in a stable order.
func AllLines() []Line {
	return []Line{LineTelecom, LineUnicom, LineMobile, LineOverseas, LineDefault}
}

// Valid reports whether the line is one of the canonical five.
func (l Line) Valid() bool {
	switch l {
	case LineTelecom, LineUnicom, LineMobile, LineOverseas, LineDefault:
		return true
	}
	return false
}

// Domestic reports whether the line is a mainland ISP line.
func (l Line) Domestic() bool {
	switch l {
	case LineTelecom, LineUnicom, LineMobile:
		return true
	}
	return false
}

// Origin identifies one of the fixed public resolvers used for HTTP
// probing. Domestic lines are judged by domestic origins, OVERSEAS by
// the single overseas origin.
type Origin string

const (
	OriginAliyun Origin = "ALIYUN"
	OriginBaidu  Origin = "BAIDU"
	OriginGoogle Origin = "GOOGLE"
)

// AllOrigins returns every probe origin in a stable order.
func AllOrigins() []Origin {
	return []Origin{OriginAliyun, OriginBaidu, OriginGoogle}
}

// OriginsForLine returns the origin set whose measurements count toward
// the given line's HTTP score.
func OriginsForLine(l Line) []Origin {
	switch l {
	case LineOverseas:
		return []Origin{OriginGoogle}
	case LineDefault:
		return AllOrigins()
	default:
		return []Origin{OriginAliyun, OriginBaidu}
	}
}

// ResolverAddress returns the public resolver address behind an origin.
func ResolverAddress(o Origin) string {
	switch o {
	case OriginAliyun:
		return "223.5.5.5"
	case OriginBaidu:
		return "180.76.76.76"
	case OriginGoogle:
		return "8.8.8.8"
	}
	return ""
}
