// Package whatsapp sends kiné notifications through the WhatsApp Cloud API
// and receives its webhook callbacks.
package whatsapp

import (
	"fmt"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/mihaimyh/kinelink/pkg/kinelink"
)

const (
	DefaultBaseURL          = "https://graph.facebook.com"
	DefaultAPIVersion       = "v21.0"
	DefaultLanguage         = "fr"
	DefaultRegion           = "FR"
	DefaultRichTemplate     = "kinelink_notification"
	DefaultFallbackTemplate = "kinelink_generic"
	DefaultMaxBodyBytes     = 1 << 20

	defaultHTTPTimeout      = 10 * time.Second
	defaultFailureThreshold = 5
	defaultResetTimeout     = 30 * time.Second
)

// DefaultAllowedCIDRs are the Meta network ranges webhook deliveries come from
var DefaultAllowedCIDRs = []string{
	"31.13.24.0/21",
	"31.13.64.0/18",
	"66.220.144.0/20",
	"69.63.176.0/20",
	"69.171.224.0/19",
	"157.240.0.0/16",
	"173.252.64.0/18",
	"2a03:2880::/32",
}

// Config configures the Cloud API client and the webhook endpoint
type Config struct {
	// Inbound
	VerifyToken       string
	AllowedCIDRs      []string // defaults to DefaultAllowedCIDRs
	DevMode           bool     // skips the allow-list, logged on every request
	TrustForwardedFor bool

	// Outbound
	AccessToken      string
	PhoneNumberID    string
	APIVersion       string
	BaseURL          string
	RichTemplate     string
	FallbackTemplate string
	Language         string
	DefaultRegion    string
	HTTPClient       *http.Client

	// Circuit breaker around the Graph API
	FailureThreshold int
	ResetTimeout     time.Duration

	Logger  kinelink.Logger
	Metrics kinelink.Metrics
	Now     kinelink.TimeSource
}

// Validate checks the outbound settings
func (c *Config) Validate() error {
	if strings.TrimSpace(c.AccessToken) == "" {
		return fmt.Errorf("%w: access token is required", ErrNotConfigured)
	}
	if strings.TrimSpace(c.PhoneNumberID) == "" {
		return fmt.Errorf("%w: phone number id is required", ErrNotConfigured)
	}
	if c.FailureThreshold < 0 || c.ResetTimeout < 0 {
		return fmt.Errorf("circuit breaker settings must not be negative")
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.APIVersion == "" {
		c.APIVersion = DefaultAPIVersion
	}
	if c.Language == "" {
		c.Language = DefaultLanguage
	}
	if c.DefaultRegion == "" {
		c.DefaultRegion = DefaultRegion
	}
	if c.RichTemplate == "" {
		c.RichTemplate = DefaultRichTemplate
	}
	if c.FallbackTemplate == "" {
		c.FallbackTemplate = DefaultFallbackTemplate
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = defaultFailureThreshold
	}
	if c.ResetTimeout == 0 {
		c.ResetTimeout = defaultResetTimeout
	}
	if len(c.AllowedCIDRs) == 0 {
		c.AllowedCIDRs = DefaultAllowedCIDRs
	}
	if c.Logger == nil {
		c.Logger = &kinelink.NoopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = &kinelink.NoopMetrics{}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// parsePrefixes parses CIDR strings. A bare address is a single-host prefix.
func parsePrefixes(cidrs []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(cidrs))
	for _, raw := range cidrs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			addr, err := netip.ParseAddr(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid allowed address %q: %w", raw, err)
			}
			addr = addr.Unmap()
			prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		prefix, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid allowed CIDR %q: %w", raw, err)
		}
		prefixes = append(prefixes, prefix.Masked())
	}
	return prefixes, nil
}
