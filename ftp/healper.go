package ftp

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// PublicIpUrl is the url to get the public ip of the server
var PublicIpUrl = "https://api.ipify.org"

// GetServerPublicIP asks ipify for the public IPv4 address of this host, for
// servers behind NAT that must advertise it in PASV replies.
func GetServerPublicIP(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, PublicIpUrl, nil)
	if err != nil {
		return "", fmt.Errorf("error getting public ip: %w", err)
	}
	ipifyRes, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("error getting public ip: %w", err)
	}
	defer ipifyRes.Body.Close()

	if ipifyRes.StatusCode != http.StatusOK {
		return "", fmt.Errorf("error getting public ip: %s", ipifyRes.Status)
	}
	body, err := io.ReadAll(io.LimitReader(ipifyRes.Body, 64))
	if err != nil {
		return "", fmt.Errorf("error reading public ip: %w", err)
	}

	ip := strings.TrimSpace(string(body))
	if net.ParseIP(ip).To4() == nil {
		return "", fmt.Errorf("public ip service returned %q", ip)
	}
	return ip, nil
}
