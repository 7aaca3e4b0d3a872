package confgen

import (
	"github.com/dosgo/xkernel/param"
)

// ApplySettings re-applies s onto an existing document. Every managed
// element is located by tag or by rule predicate, so applying the same
// settings twice yields the same document. doc is never modified.
func ApplySettings(doc Document, s param.RuntimeConfig) (Document, error) {
	if doc == nil {
		return nil, ErrNotObject
	}
	out, err := doc.Clone()
	if err != nil {
		return nil, err
	}
	steps := []func(Document, param.RuntimeConfig) error{
		patchLog,
		patchClashAPI,
		patchInbounds,
		patchOutbounds,
		patchDNS,
		patchRoute,
	}
	for _, step := range steps {
		if err := step(out, s); err != nil {
			return nil, err
		}
	}
	return out.Clone()
}

func patchLog(d Document, s param.RuntimeConfig) error {
	l, err := object(d, "log")
	if err != nil {
		return err
	}
	l["level"] = logLevel(s)
	return nil
}

func patchClashAPI(d Document, s param.RuntimeConfig) error {
	exp, err := object(d, "experimental")
	if err != nil {
		return err
	}
	api, err := object(exp, "clash_api")
	if err != nil {
		return err
	}
	api["external_controller"] = controller(s)
	if s.Secret != "" {
		api["secret"] = s.Secret
	} else {
		delete(api, "secret")
	}
	if _, ok := api["default_mode"]; !ok {
		api["default_mode"] = "rule"
	}
	return nil
}

func patchInbounds(d Document, s param.RuntimeConfig) error {
	inbounds, err := array(d, "inbounds")
	if err != nil {
		return err
	}
	if mixed, _ := findTag(inbounds, TagMixedIn); mixed != nil {
		mixed["listen"] = s.ListenAddr()
		mixed["listen_port"] = s.ProxyPort
	} else {
		inbounds = append([]map[string]any{generic(mixedInbound(s))}, inbounds...)
	}
	_, at := findTag(inbounds, TagTunIn)
	switch {
	case s.TunEnabled() && at >= 0:
		inbounds[at] = generic(tunInbound(s))
	case s.TunEnabled():
		inbounds = append(inbounds, generic(tunInbound(s)))
	case at >= 0:
		inbounds = append(inbounds[:at], inbounds[at+1:]...)
	}
	setArray(d, "inbounds", inbounds)
	return nil
}

func patchOutbounds(d Document, s param.RuntimeConfig) error {
	outbounds, err := array(d, "outbounds")
	if err != nil {
		return err
	}
	if auto, _ := findTag(outbounds, TagAuto); auto != nil {
		auto["url"] = s.ProbeURL
		auto["interval"] = s.ProbeInterval
	}
	var nodes []string
	if manual, _ := findTag(outbounds, TagManual); manual != nil {
		for _, tag := range stringList(manual["outbounds"]) {
			if tag != TagAuto {
				nodes = append(nodes, tag)
			}
		}
	}
	for _, g := range businessGroups {
		_, at := findTag(outbounds, g.Tag)
		enabled := s.Features.HasGroup(g.Name)
		switch {
		case enabled && at < 0:
			ob := generic(businessOutbound(g))
			ob["outbounds"] = anyList(appendUnique([]string{TagManual, TagDirect}, nodes...))
			i := sinkIndex(outbounds)
			outbounds = append(outbounds[:i], append([]map[string]any{ob}, outbounds[i:]...)...)
		case !enabled && at >= 0:
			outbounds = append(outbounds[:at], outbounds[at+1:]...)
			removeMember(outbounds, g.Tag)
		}
	}
	setArray(d, "outbounds", outbounds)
	return nil
}

func removeMember(outbounds []map[string]any, tag string) {
	for _, o := range outbounds {
		members, ok := o["outbounds"]
		if !ok {
			continue
		}
		list := stringList(members)
		kept := list[:0]
		for _, m := range list {
			if m != tag {
				kept = append(kept, m)
			}
		}
		o["outbounds"] = anyList(kept)
	}
}

func patchDNS(d Document, s param.RuntimeConfig) error {
	dns, err := object(d, "dns")
	if err != nil {
		return err
	}
	servers, err := array(dns, "servers")
	if err != nil {
		return err
	}
	for _, want := range dnsServers(s) {
		if srv, _ := findTag(servers, want.Tag); srv != nil {
			srv["address"] = want.Address
			if want.Detour != "" {
				srv["detour"] = want.Detour
			} else {
				delete(srv, "detour")
			}
			continue
		}
		servers = append(servers, generic(want))
	}
	setArray(dns, "servers", servers)
	dns["strategy"] = dnsStrategy(s)

	rules, err := array(dns, "rules")
	if err != nil {
		return err
	}
	rules = removeRules(rules, isAdRule)
	if s.Features.AdBlock {
		rules = insertRule(rules, generic(dnsAdRule()), dnsRank)
	}
	setArray(dns, "rules", rules)
	return nil
}

func patchRoute(d Document, s param.RuntimeConfig) error {
	route, err := object(d, "route")
	if err != nil {
		return err
	}
	rules, err := array(route, "rules")
	if err != nil {
		return err
	}
	rules = removeRules(rules, isHijackRule)
	if s.Features.DNSHijack {
		rules = insertRule(rules, generic(hijackRule()), routeRank)
	}
	rules = removeRules(rules, isAdRule)
	if s.Features.AdBlock {
		rules = insertRule(rules, generic(routeAdRule()), routeRank)
	}
	rules = removeRules(rules, isBusinessRule)
	for _, g := range enabledGroups(s) {
		rules = insertRule(rules, generic(businessRule(g)), routeRank)
	}
	setArray(route, "rules", rules)

	sets, err := array(route, "rule_set")
	if err != nil {
		return err
	}
	setArray(route, "rule_set", patchRuleSets(sets, s))
	return nil
}

// patchRuleSets drops managed rule-sets the settings no longer need, adds
// missing ones and rewrites every remote download detour.
func patchRuleSets(sets []map[string]any, s param.RuntimeConfig) []map[string]any {
	want := ruleSetTags(s)
	managed := []string{RuleSetAds}
	for _, g := range businessGroups {
		managed = append(managed, g.RuleSets...)
	}
	out := sets[:0]
	have := map[string]bool{}
	for _, rs := range sets {
		tag, _ := rs["tag"].(string)
		if containsString(managed, tag) && !containsString(want, tag) {
			continue
		}
		have[tag] = true
		out = append(out, rs)
	}
	detour := ruleSetDetour(s)
	for _, tag := range want {
		if !have[tag] {
			out = append(out, generic(RuleSet{Type: "remote", Tag: tag, Format: "binary", URL: ruleSetURL(tag)}))
		}
	}
	for _, rs := range out {
		if t, _ := rs["type"].(string); t == "remote" {
			rs["download_detour"] = detour
		}
	}
	return out
}

func isAdRule(r map[string]any) bool {
	return containsString(stringList(r["rule_set"]), RuleSetAds)
}

func isHijackRule(r map[string]any) bool {
	action, _ := r["action"].(string)
	return action == "hijack-dns"
}

func isBusinessRule(r map[string]any) bool {
	tag, _ := r["outbound"].(string)
	return isBusinessTag(tag)
}

// routeRank orders route rules: sniff, hijack, mode overrides, ad-block,
// business groups, private/domestic, everything else.
func routeRank(r map[string]any) int {
	action, _ := r["action"].(string)
	sets := stringList(r["rule_set"])
	switch {
	case action == "sniff":
		return 0
	case isHijackRule(r):
		return 1
	case r["clash_mode"] != nil:
		return 2
	case isAdRule(r):
		return 3
	case isBusinessRule(r):
		return 4
	case r["ip_is_private"] == true, containsString(sets, RuleSetSiteCN), containsString(sets, RuleSetIPCN):
		return 5
	}
	return 6
}

// dnsRank orders dns rules: outbound "any", ad-block, mode overrides,
// domestic, everything else.
func dnsRank(r map[string]any) int {
	switch {
	case containsString(stringList(r["outbound"]), "any"):
		return 0
	case isAdRule(r):
		return 1
	case r["clash_mode"] != nil:
		return 2
	case containsString(stringList(r["rule_set"]), RuleSetSiteCN):
		return 3
	}
	return 4
}

func removeRules(rules []map[string]any, match func(map[string]any) bool) []map[string]any {
	out := rules[:0]
	for _, r := range rules {
		if !match(r) {
			out = append(out, r)
		}
	}
	return out
}

// insertRule places r before the first rule of a higher rank.
func insertRule(rules []map[string]any, r map[string]any, rank func(map[string]any) int) []map[string]any {
	want := rank(r)
	at := len(rules)
	for i, existing := range rules {
		if rank(existing) > want {
			at = i
			break
		}
	}
	rules = append(rules, nil)
	copy(rules[at+1:], rules[at:])
	rules[at] = r
	return rules
}
