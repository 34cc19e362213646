package fetch

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/proxy"
)

// EgressDialer opens outbound connections either directly or through an
// upstream HTTP CONNECT or SOCKS5 proxy.
type EgressDialer struct {
	proxyType string
	dialer    proxy.ContextDialer
}

func NewEgressDialer(proxyType, proxyURL string, connectTimeout time.Duration) (*EgressDialer, error) {
	direct := &net.Dialer{
		Timeout:   connectTimeout,
		KeepAlive: 30 * time.Second,
	}

	if proxyType == "" || proxyURL == "" {
		return &EgressDialer{dialer: direct}, nil
	}

	parsedURL, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("invalid %s proxy URL: %w", proxyType, err)
	}

	var dialer proxy.ContextDialer
	switch proxyType {
	case "socks5":
		var auth *proxy.Auth
		if parsedURL.User != nil {
			password, _ := parsedURL.User.Password()
			auth = &proxy.Auth{
				User:     parsedURL.User.Username(),
				Password: password,
			}
		}

		d, err := proxy.SOCKS5("tcp", parsedURL.Host, auth, direct)
		if err != nil {
			return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
		}
		cd, ok := d.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("SOCKS5 dialer does not support contexts")
		}
		dialer = cd

	case "http":
		dialer = &httpProxyDialer{proxyURL: parsedURL, direct: direct}

	default:
		return nil, fmt.Errorf("unsupported proxy type: %s", proxyType)
	}

	return &EgressDialer{proxyType: proxyType, dialer: dialer}, nil
}

func (e *EgressDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return e.dialer.DialContext(ctx, network, addr)
}

// Transport returns an http.Transport dialing through e. Downloads are
// long-lived single streams, so the pool is kept small.
func (e *EgressDialer) Transport(responseHeaderTimeout time.Duration) *http.Transport {
	return &http.Transport{
		DialContext:           e.DialContext,
		MaxIdleConns:          16,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: responseHeaderTimeout,
		// Media is already compressed; a transparent gzip layer would hide
		// the declared length.
		DisableCompression: true,
	}
}

type httpProxyDialer struct {
	proxyURL *url.URL
	direct   *net.Dialer
}

func (h *httpProxyDialer) Dial(network, addr string) (net.Conn, error) {
	return h.DialContext(context.Background(), network, addr)
}

func (h *httpProxyDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	conn, err := h.direct.DialContext(ctx, "tcp", h.proxyURL.Host)
	if err != nil {
		return nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Host: addr},
		Host:   addr,
		Header: make(http.Header),
	}

	if h.proxyURL.User != nil {
		username := h.proxyURL.User.Username()
		password, _ := h.proxyURL.User.Password()
		req.SetBasicAuth(username, password)
	}

	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to write CONNECT request: %w", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read CONNECT response: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("CONNECT failed with status %d: %s", resp.StatusCode, resp.Status)
	}

	return conn, nil
}
