package sandbox

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAllowlistScript(t *testing.T) {
	script := allowlistScript("host.docker.internal", []string{"github.com", "proxy.golang.org"})

	// Flush first, drop last.
	assert.True(t, strings.Contains(script, "iptables -F OUTPUT"))
	assert.True(t, strings.HasSuffix(strings.TrimSpace(script), "iptables -A OUTPUT -j DROP"))

	// Baseline rules before any host-specific ones.
	for _, rule := range []string{
		"--state ESTABLISHED,RELATED -j ACCEPT",
		"-o lo -j ACCEPT",
		"-p udp --dport 53 -j ACCEPT",
		"-p tcp --dport 53 -j ACCEPT",
	} {
		assert.Contains(t, script, rule)
	}

	// Hosts are resolved inside the container, not baked in as IPs.
	assert.Contains(t, script, "getent ahostsv4")
	assert.Contains(t, script, `allow_host "host.docker.internal"`)
	assert.Contains(t, script, `allow_host "github.com"`)
	assert.Contains(t, script, `allow_host "proxy.golang.org"`)

	drop := strings.Index(script, "-j DROP")
	for _, host := range []string{"host.docker.internal", "github.com"} {
		assert.Less(t, strings.Index(script, host), drop)
	}
}

func TestAllowlistScriptNoExtraHosts(t *testing.T) {
	script := allowlistScript("172.17.0.1", nil)
	assert.Contains(t, script, `allow_host "172.17.0.1"`)
	assert.Equal(t, 1, strings.Count(script, "\nallow_host \""))
}
