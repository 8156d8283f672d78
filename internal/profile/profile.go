// Package profile describes one FortiRDP tunnel target: the firewall to
// authenticate against, the host behind it to forward to, and the
// credentials to use.
package profile

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/google/uuid"
)

// AuthMethod is the SSL-VPN authentication method.
type AuthMethod string

const (
	AuthMethodPassword    AuthMethod = "password"
	AuthMethodOTP         AuthMethod = "otp"
	AuthMethodCertificate AuthMethod = "certificate"
	AuthMethodSAML        AuthMethod = "saml"

	// Maximum lengths for text fields to prevent UI issues.
	maxNameLength        = 100
	maxDescriptionLength = 500
)

// Endpoint is a host/port pair, used for both the firewall and the remote
// host behind it.
type Endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// Profile describes one tunnel target.
type Profile struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`

	// Firewall is the SSL-VPN gateway to log into and carry the PPP link
	// over.
	Firewall Endpoint `json:"firewall"`

	// Remote is the host behind the firewall that the tunnel forwards to.
	Remote Endpoint `json:"remote"`

	// LocalPort is the local TCP port the tunnel listens on; connections
	// accepted there are forwarded to Remote through the tunnel.
	LocalPort int `json:"local_port"`

	AuthMethod AuthMethod `json:"auth_method"`
	Username   string     `json:"username"`
	Realm      string     `json:"realm,omitempty"`

	// Password is the credential used for login; it is never serialized
	// so a saved profile never carries it to disk (the core persists no
	// credentials).
	Password string `json:"-"`

	// TrustedCert, when set, pins the SHA-256 fingerprint of the
	// firewall's leaf certificate instead of verifying it against the
	// system trust store.
	TrustedCert string `json:"trusted_cert,omitempty"`

	ClientCertPath string `json:"client_cert_path,omitempty"`
	ClientKeyPath  string `json:"client_key_path,omitempty"`
}

// New creates a Profile with a generated UUID and the spec's documented
// defaults.
func New(name string) *Profile {
	return &Profile{
		ID:         uuid.New().String(),
		Name:       name,
		Firewall:   Endpoint{Port: 443},
		AuthMethod: AuthMethodPassword,
	}
}

// Validate checks that the profile is well-formed and safe to act on.
func (p *Profile) Validate() error {
	if p.ID == "" {
		return errors.New("profile ID is required")
	}
	if _, err := uuid.Parse(p.ID); err != nil {
		return fmt.Errorf("invalid profile ID format: %w", err)
	}

	if strings.TrimSpace(p.Name) == "" {
		return errors.New("profile name is required")
	}
	if err := validateTextInput(p.Name, "name", maxNameLength); err != nil {
		return err
	}
	if p.Description != "" {
		if err := validateTextInput(p.Description, "description", maxDescriptionLength); err != nil {
			return err
		}
	}

	if err := validateEndpoint(p.Firewall, "firewall"); err != nil {
		return err
	}
	if err := validateEndpoint(p.Remote, "remote"); err != nil {
		return err
	}

	if p.LocalPort < 0 || p.LocalPort > 65535 {
		return fmt.Errorf("local_port must be between 0 and 65535, got %d", p.LocalPort)
	}

	switch p.AuthMethod {
	case AuthMethodPassword, AuthMethodOTP, AuthMethodSAML:
		if p.AuthMethod != AuthMethodSAML && strings.TrimSpace(p.Username) == "" {
			return errors.New("username is required for password/OTP authentication")
		}
	case AuthMethodCertificate:
		if strings.TrimSpace(p.ClientCertPath) == "" {
			return errors.New("client certificate path is required for certificate authentication")
		}
		if strings.TrimSpace(p.ClientKeyPath) == "" {
			return errors.New("client key path is required for certificate authentication")
		}
	default:
		return fmt.Errorf("invalid authentication method: %s", p.AuthMethod)
	}

	return nil
}

// ValidAuthMethods returns all valid authentication methods.
func ValidAuthMethods() []AuthMethod {
	return []AuthMethod{
		AuthMethodPassword,
		AuthMethodOTP,
		AuthMethodCertificate,
		AuthMethodSAML,
	}
}

func validateEndpoint(e Endpoint, field string) error {
	if strings.TrimSpace(e.Host) == "" {
		return fmt.Errorf("%s host is required", field)
	}
	if err := validateHost(e.Host); err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if e.Port < 1 || e.Port > 65535 {
		return fmt.Errorf("%s port must be between 1 and 65535, got %d", field, e.Port)
	}
	return nil
}

// validateHost validates that host is a safe hostname or IP address,
// rejecting control characters and shell metacharacters so a profile
// loaded from disk can never smuggle a command into anything that shells
// out on our behalf.
func validateHost(host string) error {
	if host == "" {
		return errors.New("invalid host: empty")
	}

	for _, r := range host {
		if r < 32 || r == 127 {
			return errors.New("invalid host: contains control characters")
		}
	}

	dangerousChars := []string{";", "|", "&", "$", "`", "(", ")", "{", "}", "[", "]", "<", ">", "\\", "'", "\"", "\n", "\r", "\t", " "}
	for _, char := range dangerousChars {
		if strings.Contains(host, char) {
			return fmt.Errorf("invalid host: contains forbidden character %q", char)
		}
	}

	if net.ParseIP(host) != nil {
		return nil
	}

	if len(host) > 253 {
		return errors.New("invalid host: hostname too long (max 253 characters)")
	}
	if strings.HasPrefix(host, "-") || strings.HasSuffix(host, "-") {
		return errors.New("invalid host: hostname cannot start or end with hyphen")
	}
	if strings.HasPrefix(host, ".") || strings.HasSuffix(host, ".") {
		return errors.New("invalid host: hostname cannot start or end with dot")
	}

	labels := strings.Split(host, ".")
	for _, label := range labels {
		if len(label) == 0 {
			return errors.New("invalid host: empty label in hostname")
		}
		if len(label) > 63 {
			return errors.New("invalid host: label too long (max 63 characters)")
		}
		if strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
			return errors.New("invalid host: label cannot start or end with hyphen")
		}
		for _, r := range label {
			isLower := r >= 'a' && r <= 'z'
			isUpper := r >= 'A' && r <= 'Z'
			isDigit := r >= '0' && r <= '9'
			isHyphen := r == '-'
			if !isLower && !isUpper && !isDigit && !isHyphen {
				return fmt.Errorf("invalid host: invalid character %q in hostname", r)
			}
		}
	}

	return nil
}

// validateTextInput rejects control characters and overlong values in a
// free-text field.
func validateTextInput(value, fieldName string, maxLength int) error {
	if len(value) > maxLength {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, maxLength)
	}
	for i, r := range value {
		if r < 32 || r == 127 {
			return fmt.Errorf("%s contains invalid control character at position %d", fieldName, i)
		}
	}
	return nil
}
