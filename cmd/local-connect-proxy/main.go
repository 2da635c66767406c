// Package main implements a local HTTP CONNECT proxy that forwards through
// an upstream proxy.
//
// This command starts a local HTTP proxy server that accepts CONNECT requests
// and establishes the outbound leg with the httpdial connector: upstream
// selection (flag or environment), NO_PROXY exclusions, CONNECT tunneling and
// SOCKS5 all apply. Any tool that supports HTTP CONNECT proxies (curl,
// browsers, SSH via nc) can tunnel through it.
//
// Example:
//
//	local-connect-proxy -proxy https://proxy.example.com:443 -listen localhost:8080
//
//	# Then use with any tool:
//	curl -x http://localhost:8080 https://example.com
//	ssh -o ProxyCommand='nc -X connect -x localhost:8080 %h %p' user@server
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"lds.li/oauth2ext/clitoken"
	"lds.li/oauth2ext/provider"
	"lds.li/oauth2ext/tokencache"

	"lds.li/httpdial/connect"
	"lds.li/httpdial/proxy"
)

var (
	listen    = flag.String("listen", "localhost:8080", "Local proxy listen address")
	proxyURL  = flag.String("proxy", "", "Upstream proxy URL (default: HTTP_PROXY/HTTPS_PROXY/ALL_PROXY from the environment)")
	proxyAuth = flag.String("auth", "", "Upstream Proxy-Authorization header value (e.g., 'Bearer token')")
	noProxy   = flag.String("no-proxy", "", "Hosts to connect directly to, curl NO_PROXY syntax (default: NO_PROXY from the environment)")
	insecure  = flag.Bool("insecure", false, "Skip TLS verification toward an https upstream")
	verbose   = flag.Bool("verbose", false, "Enable verbose logging, including escaped stream traffic")

	// OIDC authentication flags
	oidcIssuer       = flag.String("oidc-issuer", "", "OIDC issuer URL for automatic token acquisition")
	oidcClientID     = flag.String("oidc-client-id", "", "OIDC client ID (required if -oidc-issuer is set)")
	oidcClientSecret = flag.String("oidc-client-secret", "", "OIDC client secret")
	oidcScopes       = flag.String("oidc-scopes", "openid", "OIDC scopes (comma-separated, default: openid)")
)

// proxyHandler implements http.Handler for the local CONNECT proxy. Each
// request builds a fresh connector so upstream credentials stay current; the
// token source behind it caches, so this is cheap.
type proxyHandler struct {
	tokenSource oauth2.TokenSource
	logger      *zap.Logger
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Start a local HTTP CONNECT proxy that forwards through an upstream proxy.\n\n")
		fmt.Fprintf(os.Stderr, "Examples:\n")
		fmt.Fprintf(os.Stderr, "  # Start local proxy\n")
		fmt.Fprintf(os.Stderr, "  %s -proxy https://proxy.example.com:443\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  # Use with curl\n")
		fmt.Fprintf(os.Stderr, "  curl -x http://localhost:8080 https://example.com\n\n")
		fmt.Fprintf(os.Stderr, "  # Use with SSH\n")
		fmt.Fprintf(os.Stderr, "  ssh -o ProxyCommand='nc -X connect -x localhost:8080 %%h %%p' user@server\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	if *oidcIssuer != "" && *oidcClientID == "" {
		fmt.Fprintf(os.Stderr, "Error: -oidc-client-id is required when -oidc-issuer is set\n\n")
		flag.Usage()
		os.Exit(1)
	}

	if *proxyAuth != "" && *oidcIssuer != "" {
		fmt.Fprintf(os.Stderr, "Error: cannot use both -auth and -oidc-issuer (choose one)\n\n")
		flag.Usage()
		os.Exit(1)
	}

	var logger *zap.Logger
	if *verbose {
		l, err := zap.NewDevelopment()
		if err != nil {
			log.Fatalf("Failed to create logger: %v", err)
		}
		logger = l
		defer logger.Sync()
	} else {
		logger = zap.NewNop()
	}

	var tokenSource oauth2.TokenSource
	if *oidcIssuer != "" {
		ts, err := createTokenSource(context.Background())
		if err != nil {
			log.Fatalf("Failed to create token source: %v", err)
		}
		if *verbose {
			log.Println("✓ OIDC token source created")
		}
		tokenSource = ts
	}

	handler := &proxyHandler{
		tokenSource: tokenSource,
		logger:      logger,
	}

	// Make sure the upstream configuration parses before accepting traffic.
	if _, err := handler.newConnector(); err != nil {
		log.Fatalf("Bad upstream configuration: %v", err)
	}

	server := &http.Server{
		Addr:    *listen,
		Handler: handler,
		// Disable HTTP/2 for the local server (we only handle CONNECT)
		TLSNextProto: make(map[string]func(*http.Server, *tls.Conn, http.Handler)),
	}

	log.Printf("✓ Local proxy listening on %s", *listen)
	if *proxyURL != "" {
		log.Printf("✓ Forwarding via %s", *proxyURL)
	} else {
		log.Printf("✓ Forwarding per proxy environment variables")
	}
	if tokenSource != nil {
		log.Printf("✓ OIDC authentication enabled")
	}

	go handleShutdown(server)

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}
}

// ServeHTTP implements http.Handler for the CONNECT proxy.
func (h *proxyHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodConnect {
		http.Error(w, "Method not allowed. This proxy only supports CONNECT.", http.StatusMethodNotAllowed)
		h.logger.Debug("rejected request",
			zap.String("method", req.Method),
			zap.Stringer("url", req.URL),
		)
		return
	}
	h.handleConnect(w, req)
}

// handleConnect handles a CONNECT request by establishing the outbound leg
// with the connector and splicing the two streams.
func (h *proxyHandler) handleConnect(w http.ResponseWriter, req *http.Request) {
	target := req.Host
	if target == "" {
		http.Error(w, "Bad Request: no target specified", http.StatusBadRequest)
		return
	}
	if _, _, err := net.SplitHostPort(target); err != nil {
		target = net.JoinHostPort(target, "443")
	}

	h.logger.Debug("CONNECT request",
		zap.String("target", target),
		zap.String("remote", req.RemoteAddr),
	)

	connector, err := h.newConnector()
	if err != nil {
		log.Printf("Upstream configuration error: %v", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithTimeout(req.Context(), 30*time.Second)
	defer cancel()

	upstream, err := connector.Dial(ctx, "tcp", target)
	if err != nil {
		log.Printf("Failed to dial %s: %v", target, err)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}
	defer upstream.Close()

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "Internal Server Error: hijacking not supported", http.StatusInternalServerError)
		return
	}

	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		log.Printf("Hijack failed: %v", err)
		return
	}
	defer clientConn.Close()

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		log.Printf("Failed to send response: %v", err)
		return
	}

	copyBidirectional(clientConn, upstream)

	h.logger.Debug("connection closed", zap.String("target", target))
}

// copyBidirectional copies data bidirectionally between two connections.
func copyBidirectional(client, server net.Conn) {
	done := make(chan struct{}, 2)

	go func() {
		io.Copy(server, client)
		done <- struct{}{}
	}()

	go func() {
		io.Copy(client, server)
		done <- struct{}{}
	}()

	// Wait for first direction to finish
	<-done
}

// newConnector builds a connector for the current flag and credential state.
func (h *proxyHandler) newConnector() (*connect.Connector, error) {
	var (
		rule *proxy.Proxy
		err  error
	)
	if *proxyURL != "" {
		rule, err = proxy.All(*proxyURL)
		if err != nil {
			return nil, fmt.Errorf("bad -proxy value: %w", err)
		}
	} else {
		rule = proxy.FromEnvironment()
	}

	if *noProxy != "" {
		rule = rule.NoProxy(proxy.NoProxyFromString(*noProxy))
	} else {
		rule = rule.NoProxyFromEnv()
	}

	auth, err := h.authHeader()
	if err != nil {
		return nil, err
	}
	if auth != "" {
		rule = rule.CustomAuthHeader(auth)
	}

	var tlsConfig *tls.Config
	if *insecure {
		log.Println("Warning: TLS verification disabled")
		tlsConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return connect.New(&connect.Config{
		Registry: proxy.NewRegistry(rule),
		ProxyTLS: connect.NewProxyTLSHandshaker(tlsConfig),
		Verbose:  *verbose,
		Logger:   h.logger,
	}), nil
}

// authHeader resolves the Proxy-Authorization value to present upstream.
func (h *proxyHandler) authHeader() (string, error) {
	if h.tokenSource != nil {
		token, err := h.tokenSource.Token()
		if err != nil {
			return "", fmt.Errorf("failed to get token: %w", err)
		}
		idToken, ok := token.Extra("id_token").(string)
		if !ok {
			return "", fmt.Errorf("no id_token in response")
		}
		return "Bearer " + idToken, nil
	}
	return *proxyAuth, nil
}

// createTokenSource creates an OAuth2 token source for OIDC authentication.
func createTokenSource(ctx context.Context) (oauth2.TokenSource, error) {
	p, err := provider.DiscoverOIDCProvider(ctx, *oidcIssuer)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC provider: %w", err)
	}

	scopes := strings.Split(*oidcScopes, ",")
	for i := range scopes {
		scopes[i] = strings.TrimSpace(scopes[i])
	}

	oauth2Config := oauth2.Config{
		ClientID:     *oidcClientID,
		ClientSecret: *oidcClientSecret,
		Endpoint:     p.Endpoint(),
		Scopes:       scopes,
	}

	cliConfig := &clitoken.Config{
		OAuth2Config: oauth2Config,
	}

	clitsrc, err := cliConfig.TokenSource(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create token source: %w", err)
	}

	ccfg := tokencache.Config{
		Issuer: *oidcIssuer,
		CacheKey: tokencache.IDTokenCacheKey{
			ClientID: *oidcClientID,
			Scopes:   scopes,
		}.Key(),
		WrappedSource: clitsrc,
		OAuth2Config:  &oauth2Config,
		Cache:         clitoken.BestCredentialCache(),
	}

	return ccfg.TokenSource(ctx)
}

// handleShutdown handles graceful shutdown on SIGINT/SIGTERM.
func handleShutdown(server *http.Server) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("\nShutting down gracefully...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	log.Println("Server stopped")
}
