package broker

import "net/http"

type authTransport struct {
	apiKey      string
	accessToken string
	base        http.RoundTripper
}

func (t authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "token "+t.apiKey+":"+t.accessToken)
	req.Header.Set("X-Client-Version", "3")
	return t.base.RoundTrip(req)
}
