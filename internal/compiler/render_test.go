package compiler

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisgate/aegis/internal/models"
	"github.com/aegisgate/aegis/internal/policy"
	"github.com/aegisgate/aegis/internal/services"
)

func baseSettings() services.GlobalSettings {
	return services.GlobalSettings{
		BotDefenseEnabled: true,
		DDoSShieldEnabled: true,
		SQLiShieldEnabled: true,
		RateLimitPerMin:   300,
		RateLimitBurst:    50,
		MaxConnsPerIP:     100,
		ScoreThreshold:    8,
		BanThreshold:      120,
		BanWindowSecs:     60,
	}
}

func denyRule(subject string) models.Rule {
	return models.Rule{Enabled: true, Action: models.RuleActionDeny, Kind: models.RuleKindIP, Subject: subject}
}

func allowRule(subject string) models.Rule {
	return models.Rule{Enabled: true, Action: models.RuleActionAllow, Kind: models.RuleKindIP, Subject: subject}
}

func TestCompile_DeterministicAcrossRuleOrder(t *testing.T) {
	rules := []models.Rule{
		denyRule("203.0.113.9"),
		allowRule("10.0.0.0/8"),
		denyRule("198.51.100.4"),
		{Enabled: true, Action: models.RuleActionDeny, Kind: models.RuleKindCountry, Subject: "RU"},
		{Enabled: true, Action: models.RuleActionAllow, Kind: models.RuleKindCountry, Subject: "DE"},
	}
	reversed := make([]models.Rule, len(rules))
	for i, r := range rules {
		reversed[len(rules)-1-i] = r
	}

	in := Inputs{Settings: baseSettings(), Rules: rules, GeoSource: "/data/geo.mmdb"}
	a, err := Compile(in)
	require.NoError(t, err)

	in.Rules = reversed
	b, err := Compile(in)
	require.NoError(t, err)

	require.Equal(t, len(a.Files), len(b.Files))
	for i := range a.Files {
		assert.Equal(t, a.Files[i].Name, b.Files[i].Name)
		assert.Equal(t, a.Files[i].Body, b.Files[i].Body)
	}

	// And compiling twice from the same slice is byte-identical too.
	c, err := Compile(in)
	require.NoError(t, err)
	assert.Equal(t, b, c)
}

func TestCompile_FixedArtifactSetSorted(t *testing.T) {
	appID := uint(7)
	in := Inputs{
		Settings: baseSettings(),
		Policies: []ScopedPolicy{
			{Scope: models.PolicyScopeApp, AppID: &appID, Doc: policy.Default()},
			{Scope: models.PolicyScopeGlobal, Doc: policy.Default()},
		},
	}

	artifacts, err := Compile(in)
	require.NoError(t, err)

	var names []string
	for _, f := range artifacts.Files {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{
		FileFeatures,
		FileGeoRules,
		FileIPRules,
		"policy_app_7.conf",
		"policy_global.conf",
		FileRateLimit,
		FileScoring,
	}, names)
}

func TestCompile_AllowWinsOverDeny(t *testing.T) {
	in := Inputs{
		Settings: baseSettings(),
		Rules: []models.Rule{
			// Exact-subject collision: allow wins.
			allowRule("203.0.113.7"),
			denyRule("203.0.113.7"),
			// Containment: single-address deny under an allow CIDR is pruned.
			allowRule("10.0.0.0/8"),
			denyRule("10.1.2.3"),
			// Unrelated deny survives.
			denyRule("198.51.100.4"),
			// A deny CIDR is only removed on exact match, not containment.
			denyRule("10.2.0.0/16"),
		},
	}

	artifacts, err := Compile(in)
	require.NoError(t, err)
	body := artifacts.Get(FileIPRules).Body

	assert.Contains(t, body, "map allow_ip {\n    entry 10.0.0.0/8\n    entry 203.0.113.7\n}")
	assert.Contains(t, body, "entry 198.51.100.4")
	assert.Contains(t, body, "entry 10.2.0.0/16")
	assert.NotContains(t, body, "entry 10.1.2.3")

	// The deny map must not list the allowed address.
	assert.NotContains(t, body[strings.Index(body, "map deny_ip"):], "203.0.113.7")
}

func TestCompile_GeoSectionAndFallback(t *testing.T) {
	in := Inputs{Settings: baseSettings(), GeoSource: "/data/geo.mmdb"}

	artifacts, err := Compile(in)
	require.NoError(t, err)
	assert.Contains(t, artifacts.Get(FileGeoRules).Body, "database /data/geo.mmdb")

	// The reduced render drops the database line but keeps the maps.
	in.GeoSource = ""
	artifacts, err = Compile(in)
	require.NoError(t, err)
	body := artifacts.Get(FileGeoRules).Body
	assert.NotContains(t, body, "database")
	assert.Contains(t, body, "map allow_country")
	assert.Contains(t, body, "map deny_country")
}

func TestCompile_DisabledFeaturesEmitPlaceholders(t *testing.T) {
	s := baseSettings()
	s.BotDefenseEnabled = false
	s.DDoSShieldEnabled = false
	s.BotSignatures = "sqlmap"

	artifacts, err := Compile(Inputs{Settings: s})
	require.NoError(t, err)
	body := artifacts.Get(FileFeatures).Body

	assert.Contains(t, body, "feature bot_defense {\n    enabled off\n}")
	assert.Contains(t, body, "feature ddos_shield {\n    enabled off\n}")
	assert.Contains(t, body, "feature sqli_shield {\n    enabled on\n}")
	assert.NotContains(t, body, "signature")
}

func TestCompile_BotSignatureEscapingAndCaps(t *testing.T) {
	s := baseSettings()
	s.BotSignatures = "bad.bot*\ncurl/7\n\n  curl/7  \n"

	artifacts, err := Compile(Inputs{Settings: s})
	require.NoError(t, err)
	body := artifacts.Get(FileFeatures).Body

	// Regex metacharacters are escaped for literal matching.
	assert.Contains(t, body, `signature bad\.bot\*`)
	// Duplicates collapse to one entry.
	assert.Equal(t, 1, strings.Count(body, "signature curl/7"))
}

func TestTokenList_SharedLongPrefixCollapses(t *testing.T) {
	// Two signatures identical through the length cap differ only past it;
	// after truncation they are the same token and must emit once.
	prefix := strings.Repeat("x", maxTokenLength)
	tokens := tokenList(prefix + "-alpha\n" + prefix + "-beta\n")

	require.Len(t, tokens, 1)
	assert.LessOrEqual(t, len(tokens[0]), maxTokenLength)
}

func TestTokenList_Limits(t *testing.T) {
	long := make([]byte, 300)
	for i := range long {
		long[i] = 'a'
	}

	var raw string
	for i := 0; i < 150; i++ {
		raw += string(rune('a'+i%26)) + string(rune('0'+i%10)) + "\n"
	}
	tokens := tokenList(raw)
	assert.LessOrEqual(t, len(tokens), maxTokenCount)

	tokens = tokenList(string(long))
	require.Len(t, tokens, 1)
	assert.LessOrEqual(t, len(tokens[0]), maxTokenLength)
}

func TestRenderPolicy_NormalizesBeforeRendering(t *testing.T) {
	p := ScopedPolicy{
		Scope: models.PolicyScopeGlobal,
		Doc: policy.Document{
			Inbound: policy.Inbound{Enforcement: policy.Enforcement{Mode: "bogus"}},
		},
	}

	body := renderPolicy(p)
	assert.Contains(t, body, "policy inbound {\n    mode monitor")
	assert.Contains(t, body, "policy browser")
	assert.Contains(t, body, "policy outbound")
	assert.Contains(t, body, "schemes https")
}

func TestCompile_ExpiredRulesExcludedUpstream(t *testing.T) {
	// Compile trusts its input slice; expiry filtering happens in the rule
	// service. This documents that a rule handed in is rendered as-is.
	past := time.Now().Add(-time.Hour)
	r := denyRule("203.0.113.9")
	r.ExpiresAt = &past

	artifacts, err := Compile(Inputs{Settings: baseSettings(), Rules: []models.Rule{r}})
	require.NoError(t, err)
	assert.Contains(t, artifacts.Get(FileIPRules).Body, "entry 203.0.113.9")
}
