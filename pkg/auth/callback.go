package auth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"rainyday/internal/logger"
)

const (
	// callbackBufferSize bounds how much of the redirect request is read.
	callbackBufferSize = 4096
	// callbackReadTimeout bounds the read of an accepted connection.
	callbackReadTimeout = 10 * time.Second
)

const successPage = `<!DOCTYPE html>
<html>
<head>
    <title>Rainy Day - Signed in</title>
    <style>
        body { font-family: -apple-system, system-ui, sans-serif; display: flex; justify-content: center; align-items: center; min-height: 100vh; margin: 0; background: #020617; color: #f8fafc; }
        .container { text-align: center; padding: 2rem; }
        h1 { color: #3b82f6; margin-bottom: 1rem; }
        p { color: #94a3b8; }
    </style>
</head>
<body>
    <div class="container">
        <h1>Signed in</h1>
        <p>You can close this window and return to Rainy Day.</p>
    </div>
</body>
</html>`

// CallbackResult holds the parameters of the authorization redirect.
type CallbackResult struct {
	Code  string
	State string
}

// CallbackServer is a one-shot loopback listener for the authorization
// redirect. It serves exactly one connection, then tears itself down.
type CallbackServer struct {
	listener    net.Listener
	readTimeout time.Duration
}

// ListenCallback binds 127.0.0.1:port.
func ListenCallback(port int) (*CallbackServer, error) {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, NewError(KindConfiguration, "listen_callback", "failed to start callback server on "+addr, err)
	}
	return &CallbackServer{listener: l, readTimeout: callbackReadTimeout}, nil
}

// Port returns the bound port.
func (s *CallbackServer) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Close releases the listener. It is safe to call more than once.
func (s *CallbackServer) Close() error {
	err := s.listener.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

type acceptResult struct {
	result *CallbackResult
	err    error
}

// Wait blocks until one redirect has been received or ctx is done. The
// listener is closed on every path.
func (s *CallbackServer) Wait(ctx context.Context) (*CallbackResult, error) {
	done := make(chan acceptResult, 1)
	go func() {
		res, err := s.serveOne()
		done <- acceptResult{result: res, err: err}
	}()

	select {
	case r := <-done:
		s.Close()
		return r.result, r.err
	case <-ctx.Done():
		s.Close()
		return nil, NewError(KindNetwork, "wait_callback", "no authorization callback received", ctx.Err())
	}
}

// serveOne answers the first connection that sends a request with the
// success page, whatever the request contained, and parses its request line.
// Connections closed or timed out without sending anything (browser
// preconnects) are dropped and do not use up the one shot; while such a
// connection is open the real redirect waits in the accept backlog for up
// to the read timeout.
func (s *CallbackServer) serveOne() (*CallbackResult, error) {
	const op = "wait_callback"

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return nil, NewError(KindNetwork, op, "failed to accept connection", err)
		}

		request, err := s.readRequest(conn)
		if err != nil {
			conn.Close()
			return nil, NewError(KindNetwork, op, "failed to set deadline", err)
		}
		if request == "" {
			conn.Close()
			logger.Debug("Ignoring callback connection without a request")
			continue
		}

		response := fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Type: text/html; charset=utf-8\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
			len(successPage), successPage)
		if _, err := conn.Write([]byte(response)); err != nil {
			logger.Debug("Failed to write callback response", zap.Error(err))
		}
		conn.Close()

		return ParseCallbackRequest(request)
	}
}

// readRequest reads at most callbackBufferSize bytes within the read
// timeout. An empty string means the peer sent nothing.
func (s *CallbackServer) readRequest(conn net.Conn) (string, error) {
	if err := conn.SetDeadline(time.Now().Add(s.readTimeout)); err != nil {
		return "", err
	}
	buf := make([]byte, callbackBufferSize)
	n, _ := conn.Read(buf)
	return string(buf[:n]), nil
}

// ParseCallbackRequest extracts code and state from a raw redirect request
// such as "GET /?code=ABC&state=XYZ HTTP/1.1".
//
// The query runs from the first '?' to the first " HTTP" (or the end of the
// input). Values are percent-decoded; a value that cannot be decoded counts
// as absent. An error parameter from the provider is reported as such.
func ParseCallbackRequest(request string) (*CallbackResult, error) {
	const op = "parse_callback"

	params := extractParams(request)

	if providerErr, ok := params["error"]; ok {
		msg := "authorization denied by provider: " + providerErr
		if desc := params["error_description"]; desc != "" {
			msg += " (" + desc + ")"
		}
		return nil, protocolError(op, "%s", msg)
	}

	code, ok := params["code"]
	if !ok || code == "" {
		return nil, protocolError(op, "no authorization code in callback")
	}
	state, ok := params["state"]
	if !ok || state == "" {
		return nil, protocolError(op, "no state parameter in callback")
	}

	return &CallbackResult{Code: code, State: state}, nil
}

// extractParams returns the decoded query parameters of the request line.
// The first occurrence of a name wins.
func extractParams(request string) map[string]string {
	params := make(map[string]string)

	if end := strings.IndexAny(request, "\r\n"); end >= 0 {
		request = request[:end]
	}
	_, query, found := strings.Cut(request, "?")
	if !found {
		return params
	}
	if end := strings.Index(query, " HTTP"); end >= 0 {
		query = query[:end]
	}

	for _, pair := range strings.Split(query, "&") {
		name, raw, _ := strings.Cut(pair, "=")
		if name == "" {
			continue
		}
		if _, seen := params[name]; seen {
			continue
		}
		value, err := url.PathUnescape(raw)
		if err != nil {
			continue
		}
		params[name] = value
	}
	return params
}
