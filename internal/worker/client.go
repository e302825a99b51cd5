package worker

import (
	"net"
	"net/http"
	"time"
)

// NewHTTPClient builds a client for long-running downloads. It bounds dialing,
// TLS and header waits but leaves body reads to the transfer's stall watchdog,
// so large files are not cut off by an overall deadline.
func NewHTTPClient(connectTimeout time.Duration) *http.Client {
	dialer := &net.Dialer{
		Timeout:   connectTimeout,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   connectTimeout,
		ResponseHeaderTimeout: 2 * connectTimeout,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConnsPerHost:   8,
		DisableCompression:    true, // byte offsets must match the raw body for range resume
	}
	return &http.Client{Transport: transport}
}
