package proxy

import (
	"golang.org/x/sys/windows/registry"
)

// platformProxyValues reads the per-user Internet Settings proxy
// configuration from the registry. It returns ok only when a proxy is both
// configured and enabled.
func platformProxyValues() (string, bool) {
	key, err := registry.OpenKey(registry.CURRENT_USER,
		`Software\Microsoft\Windows\CurrentVersion\Internet Settings`, registry.QUERY_VALUE)
	if err != nil {
		return "", false
	}
	defer key.Close()

	enabled, _, err := key.GetIntegerValue("ProxyEnable")
	if err != nil || enabled != 1 {
		return "", false
	}
	server, _, err := key.GetStringValue("ProxyServer")
	if err != nil || server == "" {
		return "", false
	}
	return server, true
}
