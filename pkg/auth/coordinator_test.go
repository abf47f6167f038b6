package auth

import (
	"context"
	"net"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

type coordinatorFixture struct {
	managerFixture
	coordinator *Coordinator
	port        int
}

func newCoordinatorFixture(t *testing.T) *coordinatorFixture {
	t.Helper()
	mf := newManagerFixture(t, "")
	mf.exchange.codeGrant = &Grant{
		AccessToken:  "access-code",
		RefreshToken: "refresh-code",
		ExpiresAt:    mf.clock.Now().Add(time.Hour),
		Scopes:       Scopes,
	}
	mf.exchange.profile = &UserInfo{Email: "a@b.com", Name: "A"}

	port := freePort(t)
	oauthCfg := NewOAuthConfig(&Credentials{ClientID: "client-id", ClientSecret: "secret"}, Endpoints{
		AuthURL:  GoogleAuthURL,
		TokenURL: GoogleTokenURL,
	})
	c := NewCoordinator(CoordinatorConfig{
		OAuth:           oauthCfg,
		Exchanger:       mf.exchange,
		Sessions:        mf.manager,
		Ports:           PortRange{First: port, Last: port},
		CallbackTimeout: 5 * time.Second,
	})
	return &coordinatorFixture{managerFixture: *mf, coordinator: c, port: port}
}

func startAndParse(t *testing.T, c *Coordinator) url.Values {
	t.Helper()
	raw, err := c.StartAuthorization(context.Background())
	require.NoError(t, err)
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u.Query()
}

func TestStartAuthorization(t *testing.T) {
	f := newCoordinatorFixture(t)
	raw, err := f.coordinator.StartAuthorization(context.Background())
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "accounts.google.com", u.Host)
	assert.Equal(t, "/o/oauth2/v2/auth", u.Path)

	q := u.Query()
	assert.Equal(t, "client-id", q.Get("client_id"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "http://127.0.0.1:"+strconv.Itoa(f.port), q.Get("redirect_uri"))
	assert.Equal(t, "offline", q.Get("access_type"))
	assert.Equal(t, "consent", q.Get("prompt"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.Len(t, q.Get("code_challenge"), 43)
	assert.NotEmpty(t, q.Get("state"))
	assert.Equal(t, "https://www.googleapis.com/auth/gmail.readonly https://www.googleapis.com/auth/calendar.readonly https://www.googleapis.com/auth/tasks openid email profile", q.Get("scope"))

	f.coordinator.mu.Lock()
	p := *f.coordinator.pending
	f.coordinator.mu.Unlock()
	assert.Equal(t, q.Get("state"), p.csrfToken)
	assert.Equal(t, oauth2.S256ChallengeFromVerifier(p.verifier), q.Get("code_challenge"))
	assert.True(t, f.coordinator.Pending())
}

func TestStartAuthorization_FreshValuesEachTime(t *testing.T) {
	f := newCoordinatorFixture(t)
	first := startAndParse(t, f.coordinator)
	second := startAndParse(t, f.coordinator)

	assert.NotEqual(t, first.Get("state"), second.Get("state"))
	assert.NotEqual(t, first.Get("code_challenge"), second.Get("code_challenge"))
}

func TestStartAuthorization_NoPort(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	port := l.Addr().(*net.TCPAddr).Port

	c := NewCoordinator(CoordinatorConfig{
		OAuth: NewOAuthConfig(&Credentials{ClientID: "id", ClientSecret: "s"}, GoogleEndpoints()),
		Ports: PortRange{First: port, Last: port},
	})
	_, err = c.StartAuthorization(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.False(t, c.Pending())
}

func TestCompleteAuthorization_NoPending(t *testing.T) {
	f := newCoordinatorFixture(t)
	_, err := f.coordinator.CompleteAuthorization(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrState)
}

func TestCompleteAuthorization_Success(t *testing.T) {
	f := newCoordinatorFixture(t)
	q := startAndParse(t, f.coordinator)

	f.coordinator.mu.Lock()
	verifier := f.coordinator.pending.verifier
	f.coordinator.mu.Unlock()

	go sendCallback(t, f.port, "GET /?code=auth-code&state="+url.QueryEscape(q.Get("state"))+" HTTP/1.1\r\n\r\n")

	status, err := f.coordinator.CompleteAuthorization(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Authenticated)
	assert.Equal(t, "a@b.com", status.User.Email)
	assert.False(t, f.coordinator.Pending())

	assert.Equal(t, []string{"auth-code"}, f.exchange.exchangedCodes)
	assert.Equal(t, []string{verifier}, f.exchange.verifiers)

	rt, ok := f.vault.get("a@b.com:refresh_token")
	assert.True(t, ok)
	assert.Equal(t, "refresh-code", rt)

	token, err := f.manager.GetAccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-code", token)

	_, err = f.coordinator.CompleteAuthorization(context.Background())
	assert.ErrorIs(t, err, ErrState, "the pending attempt is consumed")
}

func TestCompleteAuthorization_StateMismatch(t *testing.T) {
	f := newCoordinatorFixture(t)
	startAndParse(t, f.coordinator)

	go sendCallback(t, f.port, "GET /?code=auth-code&state=forged HTTP/1.1\r\n\r\n")

	_, err := f.coordinator.CompleteAuthorization(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSecurity)

	assert.Empty(t, f.exchange.exchangedCodes, "no exchange after a mismatch")
	assert.False(t, f.manager.Status().Authenticated)
	assert.Nil(t, f.meta.current())
	assert.False(t, f.coordinator.Pending())
}

func TestCompleteAuthorization_NoRefreshToken(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.exchange.codeGrant.RefreshToken = ""
	q := startAndParse(t, f.coordinator)

	go sendCallback(t, f.port, "GET /?code=c&state="+url.QueryEscape(q.Get("state"))+" HTTP/1.1\r\n\r\n")

	_, err := f.coordinator.CompleteAuthorization(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocol)
	assert.False(t, f.manager.Status().Authenticated)
}

func TestCompleteAuthorization_ProviderDenied(t *testing.T) {
	f := newCoordinatorFixture(t)
	startAndParse(t, f.coordinator)

	go sendCallback(t, f.port, "GET /?error=access_denied HTTP/1.1\r\n\r\n")

	_, err := f.coordinator.CompleteAuthorization(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocol)
	assert.False(t, f.coordinator.Pending())
}

func TestCompleteAuthorization_Timeout(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.coordinator.callbackTimeout = 50 * time.Millisecond
	startAndParse(t, f.coordinator)

	_, err := f.coordinator.CompleteAuthorization(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNetwork)
	assert.False(t, f.coordinator.Pending())

	l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(f.port)))
	require.NoError(t, err, "listener released")
	l.Close()
}

func TestCompleteAuthorization_ConcurrentSecondCall(t *testing.T) {
	f := newCoordinatorFixture(t)
	q := startAndParse(t, f.coordinator)

	done := make(chan error, 1)
	go func() {
		_, err := f.coordinator.CompleteAuthorization(context.Background())
		done <- err
	}()

	require.Eventually(t, func() bool {
		f.coordinator.mu.Lock()
		defer f.coordinator.mu.Unlock()
		return f.coordinator.pending != nil && f.coordinator.pending.waiting
	}, time.Second, 5*time.Millisecond)

	_, err := f.coordinator.CompleteAuthorization(context.Background())
	assert.ErrorIs(t, err, ErrState)

	sendCallback(t, f.port, "GET /?code=c&state="+url.QueryEscape(q.Get("state"))+" HTTP/1.1\r\n\r\n")
	require.NoError(t, <-done)
}

func TestCompleteAuthorization_Superseded(t *testing.T) {
	f := newCoordinatorFixture(t)
	q := startAndParse(t, f.coordinator)

	done := make(chan error, 1)
	go func() {
		_, err := f.coordinator.CompleteAuthorization(context.Background())
		done <- err
	}()
	require.Eventually(t, func() bool {
		f.coordinator.mu.Lock()
		defer f.coordinator.mu.Unlock()
		return f.coordinator.pending.waiting
	}, time.Second, 5*time.Millisecond)

	// A newer attempt replaces the pending slot while the first one waits.
	f.coordinator.ports = PortRange{First: freePort(t), Last: 65535}
	startAndParse(t, f.coordinator)

	sendCallback(t, f.port, "GET /?code=c&state="+url.QueryEscape(q.Get("state"))+" HTTP/1.1\r\n\r\n")
	err := <-done
	assert.ErrorIs(t, err, ErrState)
	assert.Empty(t, f.exchange.exchangedCodes)
	assert.True(t, f.coordinator.Pending(), "the newer attempt stays pending")
}
