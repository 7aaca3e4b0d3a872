package confgen

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dosgo/xkernel/param"
)

func rules(t *testing.T, d Document, section string) []map[string]any {
	t.Helper()
	parent, err := object(d, section)
	require.NoError(t, err)
	list, err := array(parent, "rules")
	require.NoError(t, err)
	return list
}

func ruleSetTagsOf(t *testing.T, d Document) []string {
	t.Helper()
	route, err := object(d, "route")
	require.NoError(t, err)
	sets, err := array(route, "rule_set")
	require.NoError(t, err)
	var tags []string
	for _, rs := range sets {
		tags = append(tags, rs["tag"].(string))
	}
	return tags
}

func countRules(list []map[string]any, match func(map[string]any) bool) int {
	n := 0
	for _, r := range list {
		if match(r) {
			n++
		}
	}
	return n
}

func TestApplySettingsIdempotent(t *testing.T) {
	variants := map[string]func(*param.RuntimeConfig){
		"defaults": func(*param.RuntimeConfig) {},
		"tun": func(s *param.RuntimeConfig) {
			s.Mode = param.ModeTun
		},
		"everything-off": func(s *param.RuntimeConfig) {
			s.Features = param.Features{}
		},
		"groups": func(s *param.RuntimeConfig) {
			s.Features.Groups = []string{param.GroupYouTube, param.GroupTelegram}
			s.Features.RuleSetViaProxy = true
			s.PreferIPv6 = true
		},
	}
	for name, mutate := range variants {
		t.Run(name, func(t *testing.T) {
			base := param.DefaultRuntimeConfig()
			doc, err := GenerateConfig(base, []Node{trojanNode("n", "n.example.com")})
			require.NoError(t, err)

			s := param.DefaultRuntimeConfig()
			mutate(&s)
			once, err := ApplySettings(doc, s)
			require.NoError(t, err)
			twice, err := ApplySettings(once, s)
			require.NoError(t, err)
			if diff := cmp.Diff(once, twice); diff != "" {
				t.Fatalf("second apply changed the document (-once +twice):\n%s", diff)
			}
			a, _ := once.Marshal()
			b, _ := twice.Marshal()
			assert.Equal(t, string(a), string(b))
		})
	}
}

func TestApplySettingsMatchesFreshBase(t *testing.T) {
	s := param.DefaultRuntimeConfig()
	doc, err := GenerateBaseConfig(s)
	require.NoError(t, err)
	patched, err := ApplySettings(doc, s)
	require.NoError(t, err)
	if diff := cmp.Diff(doc, patched); diff != "" {
		t.Fatalf("applying the generating settings changed the document:\n%s", diff)
	}
}

func TestApplySettingsAdBlockToggle(t *testing.T) {
	s := param.DefaultRuntimeConfig()
	doc, err := GenerateBaseConfig(s)
	require.NoError(t, err)
	require.Equal(t, 1, countRules(rules(t, doc, "dns"), isAdRule))
	require.Equal(t, 1, countRules(rules(t, doc, "route"), isAdRule))
	require.Contains(t, ruleSetTagsOf(t, doc), RuleSetAds)

	s.Features.AdBlock = false
	off, err := ApplySettings(doc, s)
	require.NoError(t, err)
	assert.Zero(t, countRules(rules(t, off, "dns"), isAdRule))
	assert.Zero(t, countRules(rules(t, off, "route"), isAdRule))
	assert.NotContains(t, ruleSetTagsOf(t, off), RuleSetAds)

	s.Features.AdBlock = true
	on, err := ApplySettings(off, s)
	require.NoError(t, err)
	if diff := cmp.Diff(rules(t, doc, "route"), rules(t, on, "route")); diff != "" {
		t.Fatalf("re-enabled ad-block rule landed elsewhere:\n%s", diff)
	}
	if diff := cmp.Diff(rules(t, doc, "dns"), rules(t, on, "dns")); diff != "" {
		t.Fatalf("re-enabled dns ad-block rule landed elsewhere:\n%s", diff)
	}
}

func TestApplySettingsHijackToggle(t *testing.T) {
	s := param.DefaultRuntimeConfig()
	s.Features.DNSHijack = false
	doc, err := GenerateBaseConfig(s)
	require.NoError(t, err)
	require.Zero(t, countRules(rules(t, doc, "route"), isHijackRule))

	s.Features.DNSHijack = true
	on, err := ApplySettings(doc, s)
	require.NoError(t, err)
	route := rules(t, on, "route")
	require.Equal(t, 1, countRules(route, isHijackRule))
	assert.Equal(t, "sniff", route[0]["action"])
	assert.Equal(t, "hijack-dns", route[1]["action"])
}

func TestApplySettingsInboundsAndAPI(t *testing.T) {
	s := param.DefaultRuntimeConfig()
	doc, err := GenerateBaseConfig(s)
	require.NoError(t, err)

	s.ProxyPort = 1080
	s.APIPort = 19090
	s.AllowLAN = true
	s.Secret = "hunter2"
	s.Mode = param.ModeTun
	s.ProbeURL = "https://cp.cloudflare.com"
	s.DNS.Proxy = "tls://8.8.8.8"
	patched, err := ApplySettings(doc, s)
	require.NoError(t, err)

	inbounds, err := array(patched, "inbounds")
	require.NoError(t, err)
	mixed, _ := findTag(inbounds, TagMixedIn)
	require.NotNil(t, mixed)
	assert.Equal(t, "0.0.0.0", mixed["listen"])
	assert.Equal(t, float64(1080), mixed["listen_port"])
	tun, _ := findTag(inbounds, TagTunIn)
	require.NotNil(t, tun)
	assert.Equal(t, float64(s.Tun.MTU), tun["mtu"])

	api := patched["experimental"].(map[string]any)["clash_api"].(map[string]any)
	assert.Equal(t, "127.0.0.1:19090", api["external_controller"])
	assert.Equal(t, "hunter2", api["secret"])
	assert.Equal(t, "https://cp.cloudflare.com", outbound(t, patched, TagAuto)["url"])

	servers, err := array(patched["dns"].(map[string]any), "servers")
	require.NoError(t, err)
	proxy, _ := findTag(servers, DNSProxy)
	assert.Equal(t, "tls://8.8.8.8", proxy["address"])
	assert.Equal(t, TagManual, proxy["detour"])

	s.Mode = param.ModeSystem
	back, err := ApplySettings(patched, s)
	require.NoError(t, err)
	inbounds, _ = array(back, "inbounds")
	_, at := findTag(inbounds, TagTunIn)
	assert.Equal(t, -1, at)
}

func TestApplySettingsBusinessGroups(t *testing.T) {
	s := param.DefaultRuntimeConfig()
	doc, err := GenerateConfig(s, []Node{trojanNode("n1", "a.example.com"), trojanNode("n2", "b.example.com")})
	require.NoError(t, err)

	s.Features.Groups = []string{param.GroupOpenAI}
	with, err := ApplySettings(doc, s)
	require.NoError(t, err)
	assert.Equal(t, []string{TagManual, TagDirect, "n1", "n2"}, with.GroupMembers("OpenAI"))
	assert.Equal(t, 1, countRules(rules(t, with, "route"), isBusinessRule))
	assert.Contains(t, ruleSetTagsOf(t, with), "geosite-openai")
	tags, _ := with.Tags()
	assert.Equal(t, TagDirect, tags[len(tags)-2])

	s.Features.Groups = nil
	without, err := ApplySettings(with, s)
	require.NoError(t, err)
	tags, _ = without.Tags()
	assert.NotContains(t, tags, "OpenAI")
	assert.Zero(t, countRules(rules(t, without, "route"), isBusinessRule))
	assert.NotContains(t, ruleSetTagsOf(t, without), "geosite-openai")
	if diff := cmp.Diff(doc, without); diff != "" {
		t.Fatalf("round trip through a business group left residue:\n%s", diff)
	}
}

func TestApplySettingsRuleSetDetour(t *testing.T) {
	s := param.DefaultRuntimeConfig()
	doc, err := GenerateBaseConfig(s)
	require.NoError(t, err)
	s.Features.RuleSetViaProxy = true
	patched, err := ApplySettings(doc, s)
	require.NoError(t, err)
	route := patched["route"].(map[string]any)
	sets, err := array(route, "rule_set")
	require.NoError(t, err)
	require.NotEmpty(t, sets)
	for _, rs := range sets {
		assert.Equal(t, TagManual, rs["download_detour"], rs["tag"])
	}
}

func TestApplySettingsRejectsBadRoot(t *testing.T) {
	_, err := ApplySettings(nil, param.DefaultRuntimeConfig())
	assert.ErrorIs(t, err, ErrNotObject)

	_, err = ApplySettings(Document{"outbounds": "nope"}, param.DefaultRuntimeConfig())
	assert.Error(t, err)
}
