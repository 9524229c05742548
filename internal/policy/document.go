package policy

import (
	"encoding/json"
	"sort"
	"strings"
)

// Enforcement modes form a closed set; anything else is coerced to monitor.
const (
	ModeOff     = "off"
	ModeMonitor = "monitor"
	ModeEnforce = "enforce"
)

// Enforcement carries the mode for one policy section.
type Enforcement struct {
	Mode string `json:"mode"`
}

// Inbound controls request framing and body handling at the gateway edge.
type Inbound struct {
	Enforcement    Enforcement `json:"enforcement"`
	AllowedMethods []string    `json:"allowed_methods"`
	NormalizePath  bool        `json:"normalize_path"`
	MaxBodyBytes   int64       `json:"max_body_bytes"`
	TrustForwarded bool        `json:"trust_forwarded"`
}

// Browser controls security headers and cookie flags injected into responses.
type Browser struct {
	Enforcement   Enforcement `json:"enforcement"`
	HeadersPreset string      `json:"headers_preset"` // none, basic, strict
	HSTS          bool        `json:"hsts"`
	HSTSMaxAge    int         `json:"hsts_max_age"`
	CSP           string      `json:"csp"`
	SecureCookies bool        `json:"secure_cookies"`
}

// Outbound controls upstream/egress behavior for gateway-initiated requests.
type Outbound struct {
	Enforcement     Enforcement `json:"enforcement"`
	AllowedSchemes  []string    `json:"allowed_schemes"`
	Allowlist       []string    `json:"allowlist"`
	FollowRedirects bool        `json:"follow_redirects"`
	MaxRedirects    int         `json:"max_redirects"`
	PinDNS          bool        `json:"pin_dns"`
	TimeoutSecs     int         `json:"timeout_secs"`
}

// Document is the versioned policy unit exchanged with the policy store.
// A normalized document is structurally total: every field is populated either
// from input or from the default document.
type Document struct {
	Inbound  Inbound  `json:"inbound"`
	Browser  Browser  `json:"browser"`
	Outbound Outbound `json:"outbound"`
}

var knownMethods = map[string]bool{
	"GET": true, "HEAD": true, "POST": true, "PUT": true,
	"PATCH": true, "DELETE": true, "OPTIONS": true,
}

var knownPresets = map[string]bool{
	"none": true, "basic": true, "strict": true,
}

var knownSchemes = map[string]bool{
	"http": true, "https": true,
}

const maxCSPLength = 2048

// Default returns the hard-coded safe policy document. It is what callers get
// when no set has an active version, and the base every stored document is
// merged against.
func Default() Document {
	return Document{
		Inbound: Inbound{
			Enforcement:    Enforcement{Mode: ModeMonitor},
			AllowedMethods: []string{"DELETE", "GET", "HEAD", "OPTIONS", "PATCH", "POST", "PUT"},
			NormalizePath:  true,
			MaxBodyBytes:   10 << 20,
			TrustForwarded: false,
		},
		Browser: Browser{
			Enforcement:   Enforcement{Mode: ModeMonitor},
			HeadersPreset: "basic",
			HSTS:          true,
			HSTSMaxAge:    15552000,
			CSP:           "",
			SecureCookies: true,
		},
		Outbound: Outbound{
			Enforcement:     Enforcement{Mode: ModeMonitor},
			AllowedSchemes:  []string{"https"},
			Allowlist:       []string{},
			FollowRedirects: true,
			MaxRedirects:    3,
			PinDNS:          false,
			TimeoutSecs:     30,
		},
	}
}

// Parse decodes raw JSON into a normalized document. Unknown fields are
// dropped by decoding into the closed struct; malformed JSON is an error, a
// merely incomplete document is not.
func Parse(raw []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Document{}, err
	}
	return Normalize(doc), nil
}

// Normalize coerces enums to their closed sets, clamps numerics, and merges
// the document against Default so the result is structurally total. It is
// idempotent: Normalize(Normalize(d)) == Normalize(d).
func Normalize(doc Document) Document {
	def := Default()

	doc.Inbound.Enforcement.Mode = normalizeMode(doc.Inbound.Enforcement.Mode)
	doc.Browser.Enforcement.Mode = normalizeMode(doc.Browser.Enforcement.Mode)
	doc.Outbound.Enforcement.Mode = normalizeMode(doc.Outbound.Enforcement.Mode)

	doc.Inbound.AllowedMethods = normalizeTokens(doc.Inbound.AllowedMethods, knownMethods, strings.ToUpper, def.Inbound.AllowedMethods)
	doc.Inbound.MaxBodyBytes = clampInt64(doc.Inbound.MaxBodyBytes, 4096, 1<<30, def.Inbound.MaxBodyBytes)

	if !knownPresets[strings.ToLower(doc.Browser.HeadersPreset)] {
		doc.Browser.HeadersPreset = def.Browser.HeadersPreset
	} else {
		doc.Browser.HeadersPreset = strings.ToLower(doc.Browser.HeadersPreset)
	}
	doc.Browser.HSTSMaxAge = clampInt(doc.Browser.HSTSMaxAge, 0, 63072000, def.Browser.HSTSMaxAge)
	doc.Browser.CSP = strings.TrimSpace(doc.Browser.CSP)
	if len(doc.Browser.CSP) > maxCSPLength {
		// Trim again after cutting: a truncation ending on whitespace must not
		// leave a value a second pass would change.
		doc.Browser.CSP = strings.TrimSpace(doc.Browser.CSP[:maxCSPLength])
	}

	doc.Outbound.AllowedSchemes = normalizeTokens(doc.Outbound.AllowedSchemes, knownSchemes, strings.ToLower, def.Outbound.AllowedSchemes)
	doc.Outbound.Allowlist = normalizeHostList(doc.Outbound.Allowlist)
	doc.Outbound.MaxRedirects = clampInt(doc.Outbound.MaxRedirects, 0, 10, def.Outbound.MaxRedirects)
	doc.Outbound.TimeoutSecs = clampInt(doc.Outbound.TimeoutSecs, 1, 300, def.Outbound.TimeoutSecs)

	return doc
}

// Encode renders a normalized document as deterministic JSON.
func Encode(doc Document) ([]byte, error) {
	return json.Marshal(Normalize(doc))
}

func normalizeMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case ModeOff:
		return ModeOff
	case ModeEnforce:
		return ModeEnforce
	default:
		return ModeMonitor
	}
}

// normalizeTokens filters a list against a closed set, dedupes and sorts it,
// and falls back to the default list when nothing valid remains.
func normalizeTokens(in []string, known map[string]bool, canon func(string) string, def []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, tok := range in {
		tok = canon(strings.TrimSpace(tok))
		if tok == "" || !known[tok] || seen[tok] {
			continue
		}
		seen[tok] = true
		out = append(out, tok)
	}
	if len(out) == 0 {
		out = append(out, def...)
	}
	sort.Strings(out)
	return out
}

func normalizeHostList(in []string) []string {
	seen := make(map[string]bool)
	out := []string{}
	for _, host := range in {
		host = strings.ToLower(strings.TrimSpace(host))
		if host == "" || seen[host] {
			continue
		}
		seen[host] = true
		out = append(out, host)
	}
	sort.Strings(out)
	return out
}

func clampInt(v, min, max, fallback int) int {
	if v == 0 {
		return fallback
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func clampInt64(v, min, max, fallback int64) int64 {
	if v == 0 {
		return fallback
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
