package signal

import (
	"net"
	"net/url"
	"strings"
)

const (
	signalingPath = "/ws"
	backendPort   = "8080"
)

// devServerPorts are the ports a local frontend dev server is served from.
// Pages on them talk to the backend on backendPort instead.
var devServerPorts = map[string]bool{
	"5173": true,
	"4173": true,
}

// ResolveURL produces the signaling endpoint for (room, peer). A non-empty
// override wins; otherwise the endpoint is derived from the origin the
// client was served from.
func ResolveURL(override string, origin *url.URL, room, peer string) string {
	query := "room=" + url.QueryEscape(room) + "&peer=" + url.QueryEscape(peer)

	if base := strings.TrimSpace(override); base != "" {
		separator := "?"
		if strings.Contains(base, "?") {
			separator = "&"
		}

		return base + separator + query
	}

	scheme := "ws"
	host := "localhost"
	port := ""

	if origin != nil {
		if origin.Scheme == "https" || origin.Scheme == "wss" {
			scheme = "wss"
		}

		if h := origin.Hostname(); h != "" {
			host = h
		}

		port = origin.Port()
	}

	if devServerPorts[port] {
		port = backendPort
	}

	if port != "" {
		host = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}

	return scheme + "://" + host + signalingPath + "?" + query
}
