package gateway

import "net/http"

// Transport is an http.RoundTripper applying the gateway's credential and
// retry behaviour on top of Base.
type Transport struct {
	Gateway *Gateway
	Base    http.RoundTripper
}

// Transport returns a RoundTripper over the configured client's transport.
func (g *Gateway) Transport() *Transport {
	base := g.http.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{Gateway: g, Base: base}
}

// Client returns an *http.Client whose requests go through the gateway.
func (g *Gateway) Client() *http.Client {
	return &http.Client{
		Transport:     g.Transport(),
		Jar:           g.http.Jar,
		Timeout:       g.http.Timeout,
		CheckRedirect: g.http.CheckRedirect,
	}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	return t.Gateway.do(req, base.RoundTrip)
}
