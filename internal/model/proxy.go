// Package model defines shared types for the proxy.
package model

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ProxyRequest represents a client request to be dispatched to an upstream.
// Body is nil when the method carries no body or the client sent zero bytes.
type ProxyRequest struct {
	Ctx      context.Context
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
	Body     []byte
}

// ProxyResponse represents the upstream response to be streamed back.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Role names the position of an upstream in a single dispatch.
type Role string

const (
	RolePrimary Role = "primary"
	RoleBackup  Role = "backup"
)

// Attempt records one forward to one upstream. It lives only as long as the
// request and feeds logs, metrics and the combined failure message.
type Attempt struct {
	Role    Role
	Target  string
	Start   time.Time
	Elapsed time.Duration
	Status  int   // 0 when no response was received
	Err     error // nil on an accepted response
}

// Failed reports whether the attempt did not yield a usable response.
func (a Attempt) Failed() bool {
	return a.Err != nil
}

// Describe formats the attempt outcome as "<cause> (<n>ms)".
func (a Attempt) Describe() string {
	cause := "ok"
	if a.Err != nil {
		cause = a.Err.Error()
	}
	return fmt.Sprintf("%s (%dms)", cause, a.Elapsed.Milliseconds())
}
