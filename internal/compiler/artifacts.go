package compiler

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/aegisgate/aegis/internal/models"
	"github.com/aegisgate/aegis/internal/policy"
	"github.com/aegisgate/aegis/internal/services"
)

// Artifact names. The set is fixed so per-application includes never
// reference an undefined fragment.
const (
	FileIPRules   = "ip_rules.conf"
	FileGeoRules  = "geo_rules.conf"
	FileRateLimit = "ratelimit.conf"
	FileFeatures  = "features.conf"
	FileScoring   = "scoring.conf"
)

// File is one rendered gateway configuration fragment.
type File struct {
	Name string
	Body string
}

// Artifacts is the full rendered configuration set, sorted by file name.
// Bodies carry no timestamps so identical inputs produce identical bytes.
type Artifacts struct {
	Files []File
}

// Get returns the named file, or nil.
func (a *Artifacts) Get(name string) *File {
	for i := range a.Files {
		if a.Files[i].Name == name {
			return &a.Files[i]
		}
	}
	return nil
}

// ScopedPolicy pairs a resolved policy document with its scope.
type ScopedPolicy struct {
	Scope string // models.PolicyScopeGlobal or models.PolicyScopeApp
	AppID *uint
	Doc   policy.Document
}

// Inputs is everything Compile depends on. Compile is a pure function of it.
type Inputs struct {
	Settings services.GlobalSettings
	Rules    []models.Rule
	Policies []ScopedPolicy

	// GeoSource annotates the country maps with the geolocation database in
	// use. The reduced-capability fallback render drops it.
	GeoSource string
}

// Limits applied to free-text token lists before they are embedded into
// generated pattern text.
const (
	maxTokenCount  = 100
	maxTokenLength = 128
)

// section is the intermediate representation node: a named block of ordered
// key/value directives. Keeping rendering behind one serializer is what
// enforces the determinism and escaping rules in a single place.
type section struct {
	name       string
	directives []directive
}

type directive struct {
	key    string
	values []string
}

func (s *section) add(key string, values ...string) {
	s.directives = append(s.directives, directive{key: key, values: values})
}

// render serializes sections into the gateway's fragment syntax.
func render(sections []section) string {
	var b strings.Builder
	for i, sec := range sections {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(sec.name)
		b.WriteString(" {\n")
		for _, d := range sec.directives {
			b.WriteString("    ")
			b.WriteString(d.key)
			for _, v := range d.values {
				b.WriteByte(' ')
				b.WriteString(v)
			}
			b.WriteByte('\n')
		}
		b.WriteString("}\n")
	}
	return b.String()
}

// membership builds the effective allow and deny sets for one rule kind.
// Deny membership is the union of effective deny subjects minus any subject
// also covered by an effective allow at the same granularity. IP and country
// maps stay independent: the gateway evaluates them as separate gates.
func membership(rules []models.Rule, kind string) (allow, deny []string) {
	allowSet := make(map[string]bool)
	denySet := make(map[string]bool)
	for _, r := range rules {
		if r.Kind != kind {
			continue
		}
		switch r.Action {
		case models.RuleActionAllow:
			allowSet[r.Subject] = true
		case models.RuleActionDeny:
			denySet[r.Subject] = true
		}
	}
	for subject := range denySet {
		if allowSet[subject] {
			delete(denySet, subject)
		}
	}
	return sortedKeys(allowSet), sortedKeys(denySet)
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// tokenList splits a free-text token list on newlines, trims, dedupes, caps
// count and length, and escapes each token for literal matching.
func tokenList(raw string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, line := range strings.Split(raw, "\n") {
		tok := strings.TrimSpace(line)
		if tok == "" {
			continue
		}
		// Truncate before the dedup check so tokens sharing a long prefix
		// collapse into one entry.
		if len(tok) > maxTokenLength {
			tok = tok[:maxTokenLength]
		}
		if seen[tok] {
			continue
		}
		seen[tok] = true
		out = append(out, regexp.QuoteMeta(tok))
		if len(out) >= maxTokenCount {
			break
		}
	}
	return out
}

func policyFileName(p ScopedPolicy) string {
	if p.Scope == models.PolicyScopeApp && p.AppID != nil {
		return fmt.Sprintf("policy_app_%d.conf", *p.AppID)
	}
	return "policy_global.conf"
}
