// Package connstr parses the broker connection string format
// (semicolon-separated Key=Value pairs, e.g.
// "Endpoint=sb://ns.servicebus.windows.net/;SharedAccessKeyName=...;
// SharedAccessKey=...;EntityPath=...") into structured Properties.
package connstr

import (
	"fmt"
	"net/url"
	"strings"
)

// Properties holds the parsed fields of a connection string.
type Properties struct {
	Endpoint            string
	SharedAccessKeyName string
	SharedAccessKey     string
	SharedAccessSignature string
	EntityPath          string
}

// HostName returns the connection's host, derived from Endpoint, with
// any "sb://" scheme and trailing slash stripped.
func (p Properties) HostName() (string, error) {
	u, err := url.Parse(p.Endpoint)
	if err != nil {
		return "", fmt.Errorf("connstr: invalid Endpoint %q: %w", p.Endpoint, err)
	}
	return u.Host, nil
}

// Parse splits s on ";" into Key=Value pairs and populates Properties.
// Unknown keys are ignored, mirroring the broker's own lenient parser.
// Parse requires Endpoint and either a SharedAccessKeyName/Key pair or a
// SharedAccessSignature.
func Parse(s string) (Properties, error) {
	var p Properties
	for _, term := range strings.Split(s, ";") {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		kv := strings.SplitN(term, "=", 2)
		if len(kv) != 2 {
			return Properties{}, fmt.Errorf("connstr: malformed segment %q", term)
		}
		key, value := strings.TrimSpace(kv[0]), strings.TrimSpace(kv[1])
		switch strings.ToLower(key) {
		case "endpoint":
			p.Endpoint = value
		case "sharedaccesskeyname":
			p.SharedAccessKeyName = value
		case "sharedaccesskey":
			p.SharedAccessKey = value
		case "sharedaccesssignature":
			p.SharedAccessSignature = value
		case "entitypath":
			p.EntityPath = value
		}
	}

	if p.Endpoint == "" {
		return Properties{}, fmt.Errorf("connstr: missing Endpoint")
	}
	hasKeyPair := p.SharedAccessKeyName != "" && p.SharedAccessKey != ""
	if !hasKeyPair && p.SharedAccessSignature == "" {
		return Properties{}, fmt.Errorf("connstr: missing SharedAccessKeyName/SharedAccessKey or SharedAccessSignature")
	}
	return p, nil
}
