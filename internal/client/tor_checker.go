package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/proxy"
)

// DialContextFunc opens the connection used for a reachability check
type DialContextFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// TorChecker checks bridge targets over HTTPS through the Tor SOCKS proxy
type TorChecker struct {
	httpClient *http.Client
}

// NewTorChecker creates a checker that dials through the SOCKS5 proxy at
// socksAddr
func NewTorChecker(socksAddr string, timeout time.Duration) (*TorChecker, error) {
	dialer, err := proxy.SOCKS5("tcp", socksAddr, nil, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("socks5 dialer %s: %w", socksAddr, err)
	}
	cd, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return nil, errors.New("socks5 dialer does not support contexts")
	}
	return NewTorCheckerWithDialer(cd.DialContext, timeout), nil
}

// NewTorCheckerWithDialer creates a checker on top of an arbitrary dialer
func NewTorCheckerWithDialer(dial DialContextFunc, timeout time.Duration) *TorChecker {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	transport := &http.Transport{
		DialContext: dial,
		// onion services rarely carry certificates a public CA signed
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: true},
		TLSHandshakeTimeout: timeout,
		DisableKeepAlives:   true,
	}
	return &TorChecker{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// CheckHTTPS succeeds when target answers an HTTPS request with any status
func (c *TorChecker) CheckHTTPS(ctx context.Context, target string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://"+target+"/", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("https check of %s: %w", target, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return nil
}
