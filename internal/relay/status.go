package relay

import (
	"sort"
	"time"
)

type statusPayload struct {
	GeneratedAt time.Time        `json:"generatedAt"`
	StartedAt   time.Time        `json:"startedAt"`
	ListenAddr  string           `json:"listenAddr"`
	SecureAddr  string           `json:"secureAddr,omitempty"`
	BaseDomain  string           `json:"baseDomain,omitempty"`
	Hosts       []statusHost     `json:"hosts"`
	Metrics     statusMetrics    `json:"metrics"`
	Resources   resourceSnapshot `json:"resources"`
}

type statusMetrics struct {
	HostsConnected  int `json:"hostsConnected"`
	ActiveStreams   int `json:"activeStreams"`
	RelaySessions   int `json:"relaySessions"`
	BrowserGrants   int `json:"browserGrants"`
	PendingCodes    int `json:"pendingCodes"`
	SigningSessions int `json:"signingSessions"`
}

type statusHost struct {
	HostID      string    `json:"hostId"`
	Remote      string    `json:"remote,omitempty"`
	Credential  string    `json:"credential,omitempty"`
	ConnectedAt time.Time `json:"connectedAt"`
	Streams     int       `json:"streams"`
	StreamLimit int       `json:"streamLimit,omitempty"`
	RelayURL    string    `json:"relayUrl,omitempty"`
	// Closed marks a control channel that is gone but not yet unregistered.
	Closed      bool      `json:"closed,omitempty"`
}

func (s *relayServer) collectStatus() statusPayload {
	hosts := make([]statusHost, 0, s.hosts.Len())
	totalStreams, live := 0, 0
	s.hosts.Range(func(hostID string, cs *controlSession) bool {
		host := statusHost{
			HostID:      hostID,
			Remote:      cs.remote,
			Credential:  cs.credential,
			ConnectedAt: cs.connectedAt,
			Streams:     cs.mux.NumStreams(),
			StreamLimit: cs.streams.Capacity(),
			Closed:      cs.mux.IsClosed(),
		}
		if s.opts.baseDomain != "" {
			host.RelayURL = s.relayURL(hostID)
		}
		if !host.Closed {
			live++
			totalStreams += host.Streams
		}
		hosts = append(hosts, host)
		return true
	})
	sort.Slice(hosts, func(i, j int) bool {
		return hosts[i].HostID < hosts[j].HostID
	})

	sessions, grants := s.sessions.counts()
	return statusPayload{
		GeneratedAt: time.Now(),
		StartedAt:   s.startedAt,
		ListenAddr:  s.opts.listen,
		SecureAddr:  s.opts.secureListen,
		BaseDomain:  s.opts.baseDomain,
		Hosts:       hosts,
		Metrics: statusMetrics{
			HostsConnected:  live,
			ActiveStreams:   totalStreams,
			RelaySessions:   sessions,
			BrowserGrants:   grants,
			PendingCodes:    s.hosts.PendingCodes(),
			SigningSessions: s.signing.Len(),
		},
		Resources: s.resources.snapshot(),
	}
}
