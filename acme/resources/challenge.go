package resources

// Challenge represents an action the client must perform to demonstrate
// control over an identifier (RFC 8555 §7.1.5, §8). Type is expected to be
// one of "http-01", "dns-01", or "tls-alpn-01", though this package places no
// restriction on the value so newly specified challenge types keep working.
type Challenge struct {
	Type      string   `json:"type"`
	URL       string   `json:"url"`
	Token     string   `json:"token"`
	Status    string   `json:"status"`
	Validated string   `json:"validated,omitempty"`
	Error     *Problem `json:"error,omitempty"`
}

// String returns the Challenge's URL.
func (c Challenge) String() string {
	return c.URL
}

// IsDone reports whether the challenge has reached a terminal status.
func (c Challenge) IsDone() bool {
	return c.Status == "valid" || c.Status == "invalid"
}
