// Package login performs the SSL-VPN portal login against a Fortinet
// firewall and promotes the resulting TLS connection into the carrier a
// PPP link runs over.
//
// The `ret`-code dispatch in Login follows PortalClient::login line for
// line: FortiOS returns a comma-separated key=value body from
// /remote/logincheck whose `ret` field selects the next step (denied,
// granted, email/SMS one-time code, challenge-response). Everything here
// runs on one TLS connection so the cookie jar and the eventual tunnel
// promotion request share the same session the firewall saw during login.
package login

import (
	"bufio"
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jnmeurisse/fortirdp-go/internal/profile"
	"github.com/jnmeurisse/fortirdp-go/internal/tlssocket"
)

// ErrAccessDenied is returned when the firewall rejects the credentials
// (ret=0).
var ErrAccessDenied = errors.New("login: access denied")

// ErrLoginCancelled is returned when the login flow reaches a state it
// cannot continue from without interactive input it was not given (an
// unknown ret code, or a challenge/OTP prompt with no CodeProvider).
var ErrLoginCancelled = errors.New("login: cancelled")

// ErrPasswordExpired is returned when the firewall reports the account's
// password must be renewed (ret=6, pass_renew=1); FortiRDP has no flow
// for setting a new password, so this always terminates the login.
var ErrPasswordExpired = errors.New("login: password expired")

// CodeRequest describes an interactive one-time-code prompt the firewall
// is asking for.
type CodeRequest struct {
	// Info is a human-readable prompt, e.g. "Authentication code for
	// user@example.com" or a server-supplied challenge message.
	Info string
}

// CodeProvider supplies the one-time code for an email/SMS or
// challenge-response prompt. Credential/OTP prompting is a GUI-layer
// concern (spec §1 Non-goals); the core only defines the hook.
type CodeProvider func(ctx context.Context, req CodeRequest) (code string, err error)

type codeProviderKey struct{}

// WithCodeProvider returns a context carrying cp, which Login uses to
// answer any OTP/challenge prompt the firewall raises. Without one,
// Login fails such a prompt with ErrLoginCancelled rather than blocking
// forever waiting for input nobody can supply.
func WithCodeProvider(ctx context.Context, cp CodeProvider) context.Context {
	return context.WithValue(ctx, codeProviderKey{}, cp)
}

func codeProviderFrom(ctx context.Context) CodeProvider {
	cp, _ := ctx.Value(codeProviderKey{}).(CodeProvider)
	return cp
}

// Options carries the TLS parameters for the login connection.
type Options struct {
	HandshakeTimeout  time.Duration
	PinnedFingerprint []byte

	// VerifyOverride is forwarded to tlssocket.Config: when the firewall's
	// certificate fails chain verification, it is asked whether to accept
	// the connection anyway, receiving the presented chain and the
	// verification error. Nil makes verification failures fatal.
	VerifyOverride func(chain []*x509.Certificate, verifyErr error) bool
}

// Login authenticates p.Username/p.Password against p.Firewall and, on
// success, sends the tunnel-promotion request and returns the TLS socket
// ready to carry framed PPP traffic. p.Password must already be set by
// the caller (the core never reads or stores it anywhere else).
func Login(ctx context.Context, p *profile.Profile, opts Options) (*tlssocket.Socket, error) {
	socket := tlssocket.New(tlssocket.Config{
		ServerName:        p.Firewall.Host,
		PinnedFingerprint: opts.PinnedFingerprint,
		VerifyOverride:    opts.VerifyOverride,
	})

	dialCtx := ctx
	var cancel context.CancelFunc
	if opts.HandshakeTimeout > 0 {
		dialCtx, cancel = context.WithTimeout(ctx, opts.HandshakeTimeout)
		defer cancel()
	}

	addr := fmt.Sprintf("%s:%d", p.Firewall.Host, p.Firewall.Port)
	if err := socket.Connect(dialCtx, "tcp", addr); err != nil {
		return nil, fmt.Errorf("login: connect to %s: %w", addr, err)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("login: create cookie jar: %w", err)
	}

	sess := &session{socket: socket, host: p.Firewall.Host, jar: jar}

	if err := sess.authenticate(ctx, p); err != nil {
		_ = socket.Close()
		return nil, err
	}

	if err := sess.promoteTunnel(); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("login: tunnel promotion: %w", err)
	}

	return socket, nil
}

// session is one login HTTP conversation over a single TLS connection.
type session struct {
	socket *tlssocket.Socket
	host   string
	jar    http.CookieJar
}

func (s *session) baseURL() *url.URL {
	return &url.URL{Scheme: "https", Host: s.host}
}

// do sends an HTTP request over the session's TLS connection and returns
// the parsed response, reusing the connection the way the original's
// single HttpsClient instance did for its whole lifetime.
func (s *session) do(method, path, body string, headers http.Header) (*http.Response, error) {
	u := s.baseURL()
	u.Path = path
	if i := strings.IndexByte(path, '?'); i >= 0 {
		u.Path = path[:i]
		u.RawQuery = path[i+1:]
	}

	req, err := http.NewRequest(method, u.String(), strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/html")
	req.Header.Set("Accept-Encoding", "identity")
	req.Header.Set("Accept-Language", "en")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64)")
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}
	for _, c := range s.jar.Cookies(req.URL) {
		req.AddCookie(c)
	}

	if err := req.Write(s.socket); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(s.socket), req)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	s.jar.SetCookies(req.URL, resp.Cookies())
	return resp, nil
}

func (s *session) authenticate(ctx context.Context, p *profile.Profile) error {
	resp, err := s.do(http.MethodGet, "/", "", nil)
	if err != nil {
		return fmt.Errorf("login: portal preflight: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("login: portal preflight failed: HTTP %d", resp.StatusCode)
	}

	resp, err = s.do(http.MethodGet, "/remote/login?lang=en", "", nil)
	if err != nil {
		return fmt.Errorf("login: login page: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusFound {
		location := resp.Header.Get("Location")
		resp, err = s.do(http.MethodGet, location, "", nil)
		if err != nil {
			return fmt.Errorf("login: login page redirect: %w", err)
		}
		resp.Body.Close()
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("login: login page failed: HTTP %d", resp.StatusCode)
	}

	params := url.Values{}
	params.Set("ajax", "1")
	params.Set("username", p.Username)
	params.Set("credential", p.Password)

	result, err := s.loginCheck(params)
	if err != nil {
		return err
	}

	ret, hasRet := result.getInt("ret")
	if !hasRet {
		// Pre-FortiOS-4 firewalls answer with a bare SVPNCOOKIE instead of
		// a ret-coded body.
		cookies := s.jar.Cookies(s.baseURL())
		for _, c := range cookies {
			if c.Name == "SVPNCOOKIE" && c.Value != "" {
				return nil
			}
		}
		return fmt.Errorf("%w: no SVPNCOOKIE and no ret code in response", ErrLoginCancelled)
	}

	for {
		switch ret {
		case 0:
			if redir, ok := result.get("redir"); ok {
				if decoded, err := url.QueryUnescape(redir); err == nil {
					if u, err := url.Parse(decoded); err == nil {
						if msg := u.Query().Get("err"); msg != "" {
							return fmt.Errorf("%w: %s", ErrAccessDenied, msg)
						}
					}
				}
			}
			return ErrAccessDenied

		case 1:
			redir, _ := result.get("redir")
			resp, err := s.do(http.MethodGet, redir, "", nil)
			if err != nil {
				return fmt.Errorf("login: redirect after grant: %w", err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("login: redirect after grant failed: HTTP %d", resp.StatusCode)
			}
			return nil

		case 2, 3, 4:
			info := "Authentication code"
			if device, ok := result.get("tokeninfo"); ok {
				if decoded, err := url.QueryUnescape(device); err == nil && decoded != "" {
					info = "Authentication code for " + decoded
				}
			}
			code, err := s.askCode(ctx, info)
			if err != nil {
				return err
			}

			next := url.Values{}
			next.Set("code", code)
			next.Set("code2", "")
			setFromResult(next, result, "realm")
			setFromResult(next, result, "reqid")
			setFromResult(next, result, "polid")
			setFromResult(next, result, "grp")

			result, err = s.loginCheck(next)
			if err != nil {
				return err
			}
			ret, hasRet = result.getInt("ret")
			if !hasRet {
				return fmt.Errorf("%w: no ret code after one-time code", ErrLoginCancelled)
			}

		case 5:
			// Fortitoken drifted: the firewall wants the *next* code,
			// re-posted under code2 with code left empty.
			code, err := s.askCode(ctx, "Wait next code")
			if err != nil {
				return err
			}

			next := url.Values{}
			next.Set("code", "")
			next.Set("code2", code)
			setFromResult(next, result, "realm")
			setFromResult(next, result, "reqid")
			setFromResult(next, result, "polid")
			setFromResult(next, result, "grp")

			result, err = s.loginCheck(next)
			if err != nil {
				return err
			}
			ret, hasRet = result.getInt("ret")
			if !hasRet {
				return fmt.Errorf("%w: no ret code after drifted token code", ErrLoginCancelled)
			}

		case 6:
			if renew, ok := result.getInt("pass_renew"); ok && renew == 1 {
				return ErrPasswordExpired
			}

			info := "enter code"
			if msg, ok := result.get("chal_msg"); ok {
				info = msg
			}
			code, err := s.askCode(ctx, info)
			if err != nil {
				return err
			}

			next := url.Values{}
			setFromResult(next, result, "realm")
			setFromResult(next, result, "magic")
			next.Set("reqid", joinFields(result, "reqid", "polid"))
			next.Set("grpid", joinFields(result, "grpid", "pid", "is_chal_rsp"))
			next.Set("credential2", code)

			result, err = s.loginCheck(next)
			if err != nil {
				return err
			}
			ret, hasRet = result.getInt("ret")
			if !hasRet {
				return fmt.Errorf("%w: no ret code after challenge response", ErrLoginCancelled)
			}

		default:
			return fmt.Errorf("%w: unknown ret code %d during authentication", ErrLoginCancelled, ret)
		}
	}
}

func (s *session) askCode(ctx context.Context, info string) (string, error) {
	cp := codeProviderFrom(ctx)
	if cp == nil {
		return "", fmt.Errorf("%w: firewall requested a one-time code (%s) but no code provider was supplied", ErrLoginCancelled, info)
	}
	return cp(ctx, CodeRequest{Info: info})
}

func (s *session) loginCheck(params url.Values) (kvBody, error) {
	headers := http.Header{
		"Content-Type": {"text/plain;charset=UTF-8"},
		"Pragma":       {"no-cache"},
	}
	resp, err := s.do(http.MethodPost, "/remote/logincheck", params.Encode(), headers)
	if err != nil {
		return nil, fmt.Errorf("login: logincheck: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusUnauthorized && resp.StatusCode != http.StatusForbidden {
		return nil, fmt.Errorf("login: logincheck failed: HTTP %d", resp.StatusCode)
	}

	buf := make([]byte, 8192)
	n, _ := resp.Body.Read(buf)
	return parseKVBody(string(buf[:n])), nil
}

// promoteTunnel sends the GET request that switches the firewall into
// tunnel mode. There is no HTTP response to read afterward: from this
// point on the connection carries fortiframe-framed PPP traffic directly.
func (s *session) promoteTunnel() error {
	u := s.baseURL()
	u.Path = "/remote/sslvpn-tunnel"

	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	req.Host = "sslvpn"
	for _, c := range s.jar.Cookies(u) {
		req.AddCookie(c)
	}

	return req.Write(s.socket)
}

// kvBody is the comma-separated key=value body FortiOS returns from
// /remote/logincheck (tools::StringMap in the original).
type kvBody map[string]string

func parseKVBody(body string) kvBody {
	m := make(kvBody)
	for _, item := range strings.Split(body, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if i := strings.IndexByte(item, '='); i >= 0 {
			m[strings.TrimSpace(item[:i])] = strings.TrimLeft(item[i+1:], " ")
		} else {
			m[item] = ""
		}
	}
	return m
}

func (m kvBody) get(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

func (m kvBody) getInt(key string) (int, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func setFromResult(dst url.Values, src kvBody, key string) {
	v, _ := src.get(key)
	dst.Set(key, v)
}

func joinFields(src kvBody, keys ...string) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		v, _ := src.get(k)
		parts[i] = v
	}
	return strings.Join(parts, ",")
}
