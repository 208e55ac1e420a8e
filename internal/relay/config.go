package relay

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/drksbr/relaytun/internal/config"
	"github.com/drksbr/relaytun/internal/protocol"
)

type credentialEntry struct {
	Name  string   `yaml:"name"`
	Token string   `yaml:"token"`
	Hosts []string `yaml:"hosts"`
}

// credential is a bearer token and the hosts it may act for. A "*" entry in
// hosts grants every host.
type credential struct {
	Name    string
	Token   string
	Hosts   map[string]struct{}
	AnyHost bool
}

func (c *credential) allows(hostID string) bool {
	if c == nil {
		return false
	}
	if c.AnyHost {
		return true
	}
	_, ok := c.Hosts[hostID]
	return ok
}

func loadCredentials(path string) ([]*credential, error) {
	var wrapper struct {
		Tokens []credentialEntry `yaml:"tokens"`
	}
	if err := config.LoadYAML(path, &wrapper); err != nil {
		return nil, err
	}
	if len(wrapper.Tokens) == 0 {
		return nil, fmt.Errorf("credentials %q must define at least one token", path)
	}
	return buildCredentials(wrapper.Tokens)
}

func buildCredentials(entries []credentialEntry) ([]*credential, error) {
	result := make([]*credential, 0, len(entries))
	seen := make(map[string]struct{}, len(entries))
	for idx, entry := range entries {
		name := strings.TrimSpace(entry.Name)
		if name == "" {
			return nil, fmt.Errorf("token entry %d missing name", idx+1)
		}
		if entry.Token == "" {
			return nil, fmt.Errorf("token %q missing secret", name)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("duplicate token name %q", name)
		}
		seen[name] = struct{}{}

		cred := &credential{Name: name, Token: entry.Token, Hosts: make(map[string]struct{}, len(entry.Hosts))}
		for _, host := range entry.Hosts {
			host = strings.ToLower(strings.TrimSpace(host))
			switch {
			case host == "*":
				cred.AnyHost = true
			case protocol.ValidHostID(host):
				cred.Hosts[host] = struct{}{}
			default:
				return nil, fmt.Errorf("token %q: invalid host id %q", name, host)
			}
		}
		if !cred.AnyHost && len(cred.Hosts) == 0 {
			return nil, fmt.Errorf("token %q grants no hosts", name)
		}
		result = append(result, cred)
	}
	return result, nil
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}

// authenticate resolves the request's bearer token. Every credential is
// compared so timing does not reveal which one matched.
func (s *relayServer) authenticate(r *http.Request) (*credential, bool) {
	token, ok := bearerToken(r)
	if !ok {
		return nil, false
	}
	var match *credential
	for _, cred := range s.credentials {
		if subtle.ConstantTimeCompare([]byte(cred.Token), []byte(token)) == 1 {
			match = cred
		}
	}
	return match, match != nil
}

func (s *relayServer) credentialByName(name string) *credential {
	for _, cred := range s.credentials {
		if cred.Name == name {
			return cred
		}
	}
	return nil
}
