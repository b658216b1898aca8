package firewall

// Templates are shell-like command lines with placeholders:
//
//	{id}        identifier being enforced
//	{family}    ipv4 or ipv6
//	{iptables}  iptables or ip6tables
//	{threshold} rate limiting threshold
//
// Check, when set, is run before Block and Unblock: exit status zero means
// the rule is present. RateLimit and DDoS entries that append an iptables
// rule are checked with the matching -C form and skipped when present.
type Templates struct {
	Check     string   `mapstructure:"check"`
	Block     string   `mapstructure:"block"`
	Unblock   string   `mapstructure:"unblock"`
	RateLimit []string `mapstructure:"rate_limit"`
	DDoS      []string `mapstructure:"ddos"`
}

func (t Templates) merge(o Templates) Templates {
	if o.Check != "" {
		t.Check = o.Check
	}
	if o.Block != "" {
		t.Block = o.Block
	}
	if o.Unblock != "" {
		t.Unblock = o.Unblock
	}
	if len(o.RateLimit) > 0 {
		t.RateLimit = o.RateLimit
	}
	if len(o.DDoS) > 0 {
		t.DDoS = o.DDoS
	}
	return t
}

var builtinTemplates = map[string]Templates{
	KindIptables: {
		Check:   "{iptables} -C INPUT -s {id} -j DROP",
		Block:   "{iptables} -I INPUT -s {id} -j DROP",
		Unblock: "{iptables} -D INPUT -s {id} -j DROP",
		RateLimit: []string{
			"iptables -A INPUT -p tcp --dport 80 -m state --state NEW -m recent --set",
			"iptables -A INPUT -p tcp --dport 80 -m state --state NEW -m recent --update --seconds 60 --hitcount {threshold} -j DROP",
		},
		DDoS: []string{
			"iptables -A INPUT -p tcp --syn -m limit --limit 1/s --limit-burst 3 -j ACCEPT",
			"iptables -A INPUT -p tcp --syn -m connlimit --connlimit-above 50 -j DROP",
		},
	},
	KindFirewalld: {
		Check:   `firewall-cmd --query-rich-rule='rule family="{family}" source address="{id}" reject'`,
		Block:   `firewall-cmd --add-rich-rule='rule family="{family}" source address="{id}" reject'`,
		Unblock: `firewall-cmd --remove-rich-rule='rule family="{family}" source address="{id}" reject'`,
		RateLimit: []string{
			`firewall-cmd --add-rich-rule='rule service name="http" accept limit value="{threshold}/m"'`,
		},
		DDoS: []string{
			"firewall-cmd --set-log-denied=all",
		},
	},
	KindUFW: {
		Block:   "ufw insert 1 deny from {id}",
		Unblock: "ufw delete deny from {id}",
		RateLimit: []string{
			"ufw limit 80/tcp",
			"ufw limit 443/tcp",
		},
		DDoS: []string{
			"ufw logging medium",
		},
	},
	KindHostFW: {
		Check:   "netsh advfirewall firewall show rule name=mamoru-block-{id}",
		Block:   "netsh advfirewall firewall add rule name=mamoru-block-{id} dir=in action=block remoteip={id}",
		Unblock: "netsh advfirewall firewall delete rule name=mamoru-block-{id}",
		DDoS: []string{
			"netsh int tcp set global synattackprotect=1",
		},
	},
}
