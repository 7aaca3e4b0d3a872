package confgen

// Typed skeleton of the kernel document. Only the parts the synthesizer
// builds from scratch are modelled; nodes and later patches operate on the
// generic Document tree.

type Options struct {
	Log          *LogOptions          `json:"log,omitempty"`
	Experimental *ExperimentalOptions `json:"experimental,omitempty"`
	DNS          *DNSOptions          `json:"dns,omitempty"`
	Inbounds     []Inbound            `json:"inbounds"`
	Outbounds    []Outbound           `json:"outbounds"`
	Route        *RouteOptions        `json:"route,omitempty"`
}

type LogOptions struct {
	Disabled  bool   `json:"disabled,omitempty"`
	Level     string `json:"level,omitempty"`
	Timestamp bool   `json:"timestamp,omitempty"`
}

type ExperimentalOptions struct {
	ClashAPI  *ClashAPIOptions  `json:"clash_api,omitempty"`
	CacheFile *CacheFileOptions `json:"cache_file,omitempty"`
}

type ClashAPIOptions struct {
	ExternalController       string `json:"external_controller"`
	ExternalUI               string `json:"external_ui,omitempty"`
	ExternalUIDownloadURL    string `json:"external_ui_download_url,omitempty"`
	ExternalUIDownloadDetour string `json:"external_ui_download_detour,omitempty"`
	Secret                   string `json:"secret,omitempty"`
	DefaultMode              string `json:"default_mode,omitempty"`
}

type CacheFileOptions struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type DNSOptions struct {
	Servers          []DNSServer `json:"servers"`
	Rules            []DNSRule   `json:"rules"`
	Final            string      `json:"final,omitempty"`
	Strategy         string      `json:"strategy,omitempty"`
	IndependentCache bool        `json:"independent_cache"`
}

type DNSServer struct {
	Tag             string `json:"tag"`
	Address         string `json:"address"`
	AddressResolver string `json:"address_resolver,omitempty"`
	Strategy        string `json:"strategy,omitempty"`
	Detour          string `json:"detour,omitempty"`
}

type DNSRule struct {
	Outbound  []string `json:"outbound,omitempty"`
	RuleSet   []string `json:"rule_set,omitempty"`
	ClashMode string   `json:"clash_mode,omitempty"`
	Server    string   `json:"server,omitempty"`
	Action    string   `json:"action,omitempty"`
}

type Inbound struct {
	Type          string   `json:"type"`
	Tag           string   `json:"tag"`
	Listen        string   `json:"listen,omitempty"`
	ListenPort    int      `json:"listen_port,omitempty"`
	InterfaceName string   `json:"interface_name,omitempty"`
	Address       []string `json:"address,omitempty"`
	MTU           int      `json:"mtu,omitempty"`
	AutoRoute     bool     `json:"auto_route,omitempty"`
	StrictRoute   bool     `json:"strict_route,omitempty"`
	Stack         string   `json:"stack,omitempty"`
}

// Outbound covers the groups and sinks of the skeleton.
type Outbound struct {
	Type                      string   `json:"type"`
	Tag                       string   `json:"tag"`
	Outbounds                 []string `json:"outbounds,omitempty"`
	Default                   string   `json:"default,omitempty"`
	URL                       string   `json:"url,omitempty"`
	Interval                  string   `json:"interval,omitempty"`
	Tolerance                 int      `json:"tolerance,omitempty"`
	InterruptExistConnections bool     `json:"interrupt_exist_connections,omitempty"`
}

type RouteOptions struct {
	RuleSet               []RuleSet   `json:"rule_set,omitempty"`
	Rules                 []RouteRule `json:"rules"`
	Final                 string      `json:"final,omitempty"`
	AutoDetectInterface   bool        `json:"auto_detect_interface"`
	DefaultDomainResolver string      `json:"default_domain_resolver,omitempty"`
}

type RuleSet struct {
	Type           string `json:"type"`
	Tag            string `json:"tag"`
	Format         string `json:"format"`
	URL            string `json:"url"`
	DownloadDetour string `json:"download_detour,omitempty"`
}

type RouteRule struct {
	Action      string   `json:"action,omitempty"`
	Inbound     []string `json:"inbound,omitempty"`
	Protocol    string   `json:"protocol,omitempty"`
	ClashMode   string   `json:"clash_mode,omitempty"`
	RuleSet     []string `json:"rule_set,omitempty"`
	IPIsPrivate bool     `json:"ip_is_private,omitempty"`
	Outbound    string   `json:"outbound,omitempty"`
}
