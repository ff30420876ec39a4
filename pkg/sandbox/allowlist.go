package sandbox

import (
	"fmt"
	"strings"
)

// allowlistScript builds the iptables script applied inside the container at
// startup. Hostnames are resolved in the container, not on the host, so the
// allowlist survives DNS changes across container restarts.
//
// Order matters: established traffic and loopback first, then DNS so the
// host resolutions below can work, then the proxy and configured hosts, and
// a final DROP.
func allowlistScript(proxyHost string, allowedHosts []string) string {
	var b strings.Builder

	b.WriteString(`#!/bin/sh
set -e

iptables -F OUTPUT
iptables -A OUTPUT -m state --state ESTABLISHED,RELATED -j ACCEPT
iptables -A OUTPUT -o lo -j ACCEPT
iptables -A OUTPUT -p udp --dport 53 -j ACCEPT
iptables -A OUTPUT -p tcp --dport 53 -j ACCEPT

allow_host() {
  for ip in $(getent ahostsv4 "$1" | awk '{print $1}' | sort -u); do
    iptables -A OUTPUT -d "$ip" -j ACCEPT
  done
}
`)

	fmt.Fprintf(&b, "\nallow_host %q\n", proxyHost)
	for _, host := range allowedHosts {
		fmt.Fprintf(&b, "allow_host %q\n", host)
	}

	b.WriteString("\niptables -A OUTPUT -j DROP\n")
	return b.String()
}
