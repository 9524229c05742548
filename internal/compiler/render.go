package compiler

import (
	"fmt"
	"net"
	"sort"

	"github.com/aegisgate/aegis/internal/models"
	"github.com/aegisgate/aegis/internal/policy"
)

// Compile renders the full artifact set from settings, effective rules and
// resolved policies. It is a pure function: identical inputs yield
// byte-identical artifacts regardless of rule insertion order.
func Compile(in Inputs) (*Artifacts, error) {
	allowIP, denyIP := membership(in.Rules, models.RuleKindIP)
	denyIP = pruneCoveredIPs(denyIP, allowIP)
	allowCountry, denyCountry := membership(in.Rules, models.RuleKindCountry)

	artifacts := &Artifacts{}
	artifacts.Files = append(artifacts.Files,
		File{Name: FileIPRules, Body: renderIPRules(allowIP, denyIP)},
		File{Name: FileGeoRules, Body: renderGeoRules(allowCountry, denyCountry, in.GeoSource)},
		File{Name: FileRateLimit, Body: renderRateLimit(in)},
		File{Name: FileFeatures, Body: renderFeatures(in)},
		File{Name: FileScoring, Body: renderScoring(in)},
	)

	policies := append([]ScopedPolicy(nil), in.Policies...)
	sort.Slice(policies, func(i, j int) bool {
		return policyFileName(policies[i]) < policyFileName(policies[j])
	})
	for _, p := range policies {
		artifacts.Files = append(artifacts.Files, File{
			Name: policyFileName(p),
			Body: renderPolicy(p),
		})
	}

	sort.Slice(artifacts.Files, func(i, j int) bool {
		return artifacts.Files[i].Name < artifacts.Files[j].Name
	})
	return artifacts, nil
}

// pruneCoveredIPs removes single-address deny entries that an allow entry
// already covers, by equality or CIDR containment. Deny CIDRs are only
// removed on exact subject match, which membership already handled.
func pruneCoveredIPs(deny, allow []string) []string {
	out := deny[:0]
	for _, subject := range deny {
		ip := net.ParseIP(subject)
		covered := false
		if ip != nil {
			for _, a := range allow {
				if subjectContains(a, ip) {
					covered = true
					break
				}
			}
		}
		if !covered {
			out = append(out, subject)
		}
	}
	return out
}

func subjectContains(subject string, ip net.IP) bool {
	if single := net.ParseIP(subject); single != nil {
		return ip.Equal(single)
	}
	_, ipNet, err := net.ParseCIDR(subject)
	if err != nil {
		return false
	}
	return ipNet.Contains(ip)
}

func renderIPRules(allow, deny []string) string {
	allowSec := section{name: "map allow_ip"}
	for _, subject := range allow {
		allowSec.add("entry", subject)
	}
	denySec := section{name: "map deny_ip"}
	for _, subject := range deny {
		denySec.add("entry", subject)
	}
	return render([]section{allowSec, denySec})
}

func renderGeoRules(allow, deny []string, geoSource string) string {
	meta := section{name: "geo"}
	if geoSource != "" {
		meta.add("database", geoSource)
	}
	allowSec := section{name: "map allow_country"}
	for _, code := range allow {
		allowSec.add("entry", code)
	}
	denySec := section{name: "map deny_country"}
	for _, code := range deny {
		denySec.add("entry", code)
	}
	return render([]section{meta, allowSec, denySec})
}

func renderRateLimit(in Inputs) string {
	s := in.Settings
	zone := section{name: "ratelimit zone per_ip"}
	zone.add("rate_per_minute", fmt.Sprintf("%d", s.RateLimitPerMin))
	zone.add("burst", fmt.Sprintf("%d", s.RateLimitBurst))
	zone.add("max_conns", fmt.Sprintf("%d", s.MaxConnsPerIP))
	return render([]section{zone})
}

// renderFeatures emits one section per shield. A disabled shield still gets
// an explicit placeholder so per-application includes never reference an
// undefined symbol.
func renderFeatures(in Inputs) string {
	s := in.Settings

	bot := section{name: "feature bot_defense"}
	if s.BotDefenseEnabled {
		bot.add("enabled", "on")
		for _, token := range tokenList(s.BotSignatures) {
			bot.add("signature", token)
		}
	} else {
		bot.add("enabled", "off")
	}

	ddos := section{name: "feature ddos_shield"}
	if s.DDoSShieldEnabled {
		ddos.add("enabled", "on")
		ddos.add("threshold", fmt.Sprintf("%d", s.BanThreshold))
		ddos.add("window_secs", fmt.Sprintf("%d", s.BanWindowSecs))
	} else {
		ddos.add("enabled", "off")
	}

	sqli := section{name: "feature sqli_shield"}
	if s.SQLiShieldEnabled {
		sqli.add("enabled", "on")
	} else {
		sqli.add("enabled", "off")
	}

	return render([]section{bot, ddos, sqli})
}

// renderScoring emits the parameter declarations consumed by the gateway's
// embedded scripting hook. The scoring itself runs in the gateway, not here.
func renderScoring(in Inputs) string {
	s := in.Settings
	scoring := section{name: "scoring"}
	scoring.add("threshold", fmt.Sprintf("%d", s.ScoreThreshold))
	scoring.add("window_secs", fmt.Sprintf("%d", s.BanWindowSecs))
	return render([]section{scoring})
}

func renderPolicy(p ScopedPolicy) string {
	doc := policy.Normalize(p.Doc)

	inbound := section{name: "policy inbound"}
	inbound.add("mode", doc.Inbound.Enforcement.Mode)
	inbound.add("methods", doc.Inbound.AllowedMethods...)
	inbound.add("normalize_path", onOff(doc.Inbound.NormalizePath))
	inbound.add("max_body_bytes", fmt.Sprintf("%d", doc.Inbound.MaxBodyBytes))
	inbound.add("trust_forwarded", onOff(doc.Inbound.TrustForwarded))

	browser := section{name: "policy browser"}
	browser.add("mode", doc.Browser.Enforcement.Mode)
	browser.add("headers_preset", doc.Browser.HeadersPreset)
	browser.add("hsts", onOff(doc.Browser.HSTS))
	browser.add("hsts_max_age", fmt.Sprintf("%d", doc.Browser.HSTSMaxAge))
	if doc.Browser.CSP != "" {
		browser.add("csp", fmt.Sprintf("%q", doc.Browser.CSP))
	}
	browser.add("secure_cookies", onOff(doc.Browser.SecureCookies))

	outbound := section{name: "policy outbound"}
	outbound.add("mode", doc.Outbound.Enforcement.Mode)
	outbound.add("schemes", doc.Outbound.AllowedSchemes...)
	for _, host := range doc.Outbound.Allowlist {
		outbound.add("allow", host)
	}
	outbound.add("follow_redirects", onOff(doc.Outbound.FollowRedirects))
	outbound.add("max_redirects", fmt.Sprintf("%d", doc.Outbound.MaxRedirects))
	outbound.add("pin_dns", onOff(doc.Outbound.PinDNS))
	outbound.add("timeout_secs", fmt.Sprintf("%d", doc.Outbound.TimeoutSecs))

	return render([]section{inbound, browser, outbound})
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}
