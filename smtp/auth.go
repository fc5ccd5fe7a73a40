package smtp

import (
	"crypto/hmac"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/sendkit/dkimsmtp/mailerr"
)

// AuthMechanism is one SASL step machine. Start returns the mechanism's
// initial response, if it has one (PLAIN and XOAUTH2 do; LOGIN and the
// challenge-response mechanisms do not). Step consumes a base64-decoded
// server challenge (from a 334 reply) and returns the next base64-ready
// response, along with done reporting whether the mechanism expects this to
// be its final response (a multi-round mechanism like DIGEST-MD5 reports
// false until its last round).
type AuthMechanism interface {
	Name() string
	Start() (response []byte, hasInitial bool)
	Step(challenge []byte) (response []byte, done bool, err error)
}

// PlainAuth implements RFC 4616 SASL PLAIN: authzid\0authcid\0passwd sent as
// a single initial response, no further steps.
type PlainAuth struct {
	Username, Password string
}

func (a *PlainAuth) Name() string { return "PLAIN" }
func (a *PlainAuth) Start() ([]byte, bool) {
	return []byte("\x00" + a.Username + "\x00" + a.Password), true
}
func (a *PlainAuth) Step([]byte) ([]byte, bool, error) {
	return nil, true, mailerr.New(mailerr.AuthFailed, "smtp.PlainAuth.Step", "PLAIN has no continuation step")
}

// LoginAuth implements the (non-standardized but widely deployed) AUTH LOGIN
// mechanism: server challenges for "Username:" then "Password:" in turn.
type LoginAuth struct {
	Username, Password string
	step                int
}

func (a *LoginAuth) Name() string          { return "LOGIN" }
func (a *LoginAuth) Start() ([]byte, bool) { return nil, false }
func (a *LoginAuth) Step(challenge []byte) ([]byte, bool, error) {
	a.step++
	switch a.step {
	case 1:
		return []byte(a.Username), false, nil
	case 2:
		return []byte(a.Password), true, nil
	default:
		return nil, true, mailerr.New(mailerr.AuthFailed, "smtp.LoginAuth.Step", "unexpected extra LOGIN challenge")
	}
}

// CRAMMD5Auth implements RFC 2195: the response is "username hex(hmac-md5(
// challenge, password))".
type CRAMMD5Auth struct {
	Username, Password string
}

func (a *CRAMMD5Auth) Name() string          { return "CRAM-MD5" }
func (a *CRAMMD5Auth) Start() ([]byte, bool) { return nil, false }
func (a *CRAMMD5Auth) Step(challenge []byte) ([]byte, bool, error) {
	mac := hmac.New(md5.New, []byte(a.Password))
	mac.Write(challenge)
	digest := hex.EncodeToString(mac.Sum(nil))
	return []byte(a.Username + " " + digest), true, nil
}

// DigestMD5Auth implements a reduced RFC 2831 DIGEST-MD5 client: it parses
// the server's directive list for "realm" and "nonce" and responds with a
// digest-response using a fixed client nonce and qop=auth, which is the
// profile SMTP servers that still offer this mechanism expect.
type DigestMD5Auth struct {
	Username, Password, Host string
	step                     int
}

func (a *DigestMD5Auth) Name() string          { return "DIGEST-MD5" }
func (a *DigestMD5Auth) Start() ([]byte, bool) { return nil, false }
func (a *DigestMD5Auth) Step(challenge []byte) ([]byte, bool, error) {
	a.step++
	if a.step == 2 {
		// Server sends an empty final challenge to acknowledge; reply empty.
		return []byte(""), true, nil
	}
	directives := parseDigestDirectives(string(challenge))
	realm := directives["realm"]
	if realm == "" {
		realm = a.Host
	}
	nonce := directives["nonce"]
	const cnonce = "00000001dkimsmtp"
	const nc = "00000001"
	const qop = "auth"
	digestURI := "smtp/" + a.Host

	ha1 := md5hex(a.Username + ":" + realm + ":" + a.Password)
	ha1 = md5hex(ha1 + ":" + nonce + ":" + cnonce)
	ha2 := md5hex("AUTHENTICATE:" + digestURI)
	response := md5hex(ha1 + ":" + nonce + ":" + nc + ":" + cnonce + ":" + qop + ":" + ha2)

	resp := fmt.Sprintf(`username="%s",realm="%s",nonce="%s",cnonce="%s",nc=%s,qop=%s,digest-uri="%s",response=%s`,
		a.Username, realm, nonce, cnonce, nc, qop, digestURI, response)
	return []byte(resp), false, nil
}

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func parseDigestDirectives(s string) map[string]string {
	out := map[string]string{}
	for _, part := range strings.Split(s, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		out[kv[0]] = strings.Trim(kv[1], `"`)
	}
	return out
}

// XOAuth2Auth implements Google's XOAUTH2 mechanism: a single initial
// response carrying a bearer token, no further steps expected on success. A
// 334 response instead signals failure and carries a JSON error blob.
type XOAuth2Auth struct {
	Username, Token string
}

func (a *XOAuth2Auth) Name() string { return "XOAUTH2" }
func (a *XOAuth2Auth) Start() ([]byte, bool) {
	return []byte("user=" + a.Username + "\x01auth=Bearer " + a.Token + "\x01\x01"), true
}
func (a *XOAuth2Auth) Step(challenge []byte) ([]byte, bool, error) {
	return nil, true, mailerr.New(mailerr.AuthFailed, "smtp.XOAuth2Auth.Step", "XOAUTH2 rejected: "+string(challenge))
}
