package capability

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	s := NewService()
	require.NoError(t, s.InitKey())
	return s
}

func TestInitKey_OnlyOnce(t *testing.T) {
	t.Parallel()

	s := NewService()
	require.NoError(t, s.InitKey())
	assert.Error(t, s.InitKey())
}

func TestGrant_IssuesValidTokens(t *testing.T) {
	t.Parallel()

	s := newTestService(t)
	grant, err := s.Grant("app1", []string{CapUIWindow, CapStorageLocal})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{CapUIWindow, CapStorageLocal}, grant.Capabilities)
	assert.Len(t, grant.Tokens, 2)

	for cap, token := range grant.Tokens {
		v := s.Verify(token)
		require.True(t, v.Valid, "token for %s should verify: %s", cap, v.Error)
		assert.Equal(t, "app1", v.Payload.AppID)
		assert.Equal(t, cap, v.Payload.Cap)
		assert.NotEmpty(t, v.Payload.Nonce)
		assert.Greater(t, v.Payload.Exp, time.Now().Unix())
	}
}

func TestGrant_DropsUnknownCapabilities(t *testing.T) {
	t.Parallel()

	s := newTestService(t)
	grant, err := s.Grant("app1", []string{CapUIWindow, "root:everything", CapUIWindow})
	require.NoError(t, err)

	assert.Equal(t, []string{CapUIWindow}, grant.Capabilities)
}

func TestGrant_RequiresKey(t *testing.T) {
	t.Parallel()

	s := NewService()
	_, err := s.Grant("app1", []string{CapUIWindow})
	assert.Error(t, err)
}

func TestCheck_ReflectsGrants(t *testing.T) {
	t.Parallel()

	s := newTestService(t)
	_, err := s.Grant("app1", []string{CapTimerBasic})
	require.NoError(t, err)

	assert.True(t, s.Check("app1", CapTimerBasic))
	assert.False(t, s.Check("app1", CapNetworkHTTP))
	assert.False(t, s.Check("other", CapTimerBasic))
}

func TestVerify_NoKey(t *testing.T) {
	t.Parallel()

	s := NewService()
	v := s.Verify("a.b.c")
	assert.False(t, v.Valid)
	assert.Equal(t, "no_key", v.Error)
}

func TestVerify_Malformed(t *testing.T) {
	t.Parallel()

	s := newTestService(t)
	v := s.Verify("not-a-token")
	assert.False(t, v.Valid)
	assert.Equal(t, "malformed", v.Error)
}

func TestVerify_ForgedSignature(t *testing.T) {
	t.Parallel()

	s := newTestService(t)
	grant, err := s.Grant("app1", []string{CapUIWindow})
	require.NoError(t, err)

	token := grant.Tokens[CapUIWindow]
	parts := strings.Split(token, ".")
	require.Len(t, parts, 3)

	// Replace the signature with 32 zero bytes.
	forged := parts[0] + "." + parts[1] + "." + base64.RawURLEncoding.EncodeToString(make([]byte, 32))

	v := s.Verify(forged)
	assert.False(t, v.Valid)
	assert.Equal(t, "invalid_signature", v.Error)
}

func TestVerify_TamperedPayload(t *testing.T) {
	t.Parallel()

	s := newTestService(t)
	grant, err := s.Grant("app1", []string{CapUIWindow})
	require.NoError(t, err)

	token := grant.Tokens[CapUIWindow]
	parts := strings.Split(token, ".")
	require.Len(t, parts, 3)

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	require.NoError(t, err)
	tampered := strings.Replace(string(payload), "app1", "app2", 1)
	parts[1] = base64.RawURLEncoding.EncodeToString([]byte(tampered))

	v := s.Verify(strings.Join(parts, "."))
	assert.False(t, v.Valid)
	assert.Equal(t, "invalid_signature", v.Error)
}

func TestRevokeToken(t *testing.T) {
	t.Parallel()

	s := newTestService(t)
	grant, err := s.Grant("app1", []string{CapUIWindow})
	require.NoError(t, err)

	token := grant.Tokens[CapUIWindow]
	require.True(t, s.Verify(token).Valid)

	s.RevokeToken(token)

	v := s.Verify(token)
	assert.False(t, v.Valid)
	assert.Equal(t, "revoked", v.Error)
}

func TestRevokeAll(t *testing.T) {
	t.Parallel()

	s := newTestService(t)
	grant, err := s.Grant("app1", []string{CapUIWindow, CapStorageLocal})
	require.NoError(t, err)

	s.RevokeAll("app1")

	for _, token := range grant.Tokens {
		assert.False(t, s.Verify(token).Valid)
	}
	assert.False(t, s.Check("app1", CapUIWindow), "whitelist must be cleared")
}

func TestTokenHeader_CarriesCustomType(t *testing.T) {
	t.Parallel()

	s := newTestService(t)
	grant, err := s.Grant("app1", []string{CapUIWindow})
	require.NoError(t, err)

	header, err := base64.RawURLEncoding.DecodeString(strings.Split(grant.Tokens[CapUIWindow], ".")[0])
	require.NoError(t, err)
	assert.Contains(t, string(header), `"typ":"LLMOS-CAP"`)
	assert.Contains(t, string(header), `"alg":"HS256"`)
}

func TestPropose_AlwaysIncludesUIWindow(t *testing.T) {
	t.Parallel()

	caps := Propose("just a blank page")
	assert.Contains(t, caps, CapUIWindow)
}

func TestPropose_KeywordMatches(t *testing.T) {
	t.Parallel()

	caps := Propose("a pomodoro timer that saves my session history")
	assert.Contains(t, caps, CapTimerBasic)
	assert.Contains(t, caps, CapStorageLocal)
}

func TestInferAppType(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "process", InferAppType("a web scraper that runs in docker"))
	assert.Equal(t, "iframe", InferAppType("a color picker"))
}
