package risk

import (
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// SplitURL 拆出主机与路径，解析失败时返回空值
func SplitURL(raw string) (host, path string) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", ""
	}
	host = strings.ToLower(u.Hostname())
	path = u.EscapedPath()
	if path == "" {
		path = "/"
	}
	return host, path
}

// BaseDomain 返回可注册域名（eTLD+1），IP 与无法识别的主机原样返回
func BaseDomain(host string) string {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if host == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if net.ParseIP(strings.Trim(host, "[]")) != nil {
		return host
	}
	d, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		parts := strings.Split(host, ".")
		if len(parts) >= 2 {
			return strings.Join(parts[len(parts)-2:], ".")
		}
		return host
	}
	return d
}

// IsThirdParty 请求主机与页面主机的可注册域名不同即为第三方
func IsThirdParty(requestHost, pageHost string) bool {
	if requestHost == "" || pageHost == "" {
		return false
	}
	return BaseDomain(requestHost) != BaseDomain(pageHost)
}
