//go:build !windows

package proxy

// platformProxyValues reports no platform proxy store on this OS;
// environment variables are the only source.
func platformProxyValues() (string, bool) {
	return "", false
}
