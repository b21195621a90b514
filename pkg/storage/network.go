package storage

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"os/exec"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
)

const ipv6ProbeHost = "google.com"

func isIPv6Available() bool {
	cmd := exec.Command("ping", "-6", "-c", "1", ipv6ProbeHost)
	var out bytes.Buffer
	cmd.Stdout = &out
	err := cmd.Run()
	return err == nil
}

func dialContextIPv6(ctx context.Context, network, address string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp6", address)
}

// newHTTPClient prefers IPv6 when the host can reach the internet over it.
func newHTTPClient() (*http.Client, aws.DualStackEndpointState) {
	httpClient := &http.Client{}
	if !isIPv6Available() {
		return httpClient, aws.DualStackEndpointStateDisabled
	}

	httpClient.Transport = &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialContextIPv6,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	return httpClient, aws.DualStackEndpointStateEnabled
}
