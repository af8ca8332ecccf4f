package tui

import (
	"fmt"
	"io"

	tea "charm.land/bubbletea/v2"
)

// Displayer abstracts all user-facing output of the CLI. It also receives
// the session gateway's refresh and retry progress.
type Displayer interface {
	Banner(server string)
	SessionRestored(user string)
	SessionAbsent()
	SessionCorrupt()
	LoggingIn(email string)
	LoginOK(user, store string)
	Requesting(method, path string)
	AccessTokenRejected()
	Refreshing()
	RefreshOK()
	RefreshFailed(err error)
	TokenRefreshedRetrying()
	Response(status int, text string)
	LoggedOut()
	RemoteChange(state, user string)
	Done(summary string)
	Fatal(err error)
}

// PlainDisplayer writes plain text output to w.
// Used when stderr is not a TTY (pipes, CI, SSH without pty).
type PlainDisplayer struct {
	w io.Writer
}

// NewPlainDisplayer creates a PlainDisplayer that writes to w.
func NewPlainDisplayer(w io.Writer) *PlainDisplayer {
	return &PlainDisplayer{w: w}
}

func (p *PlainDisplayer) Banner(server string) {
	fmt.Fprintf(p.w, "=== Marketplace CLI (%s) ===\n", server)
	fmt.Fprintln(p.w)
}

func (p *PlainDisplayer) SessionRestored(user string) {
	fmt.Fprintf(p.w, "Signed in as %s\n", user)
}

func (p *PlainDisplayer) SessionAbsent() {
	fmt.Fprintln(p.w, "Not signed in.")
}

func (p *PlainDisplayer) SessionCorrupt() {
	fmt.Fprintln(p.w, "Stored session was incomplete and has been cleared.")
}

func (p *PlainDisplayer) LoggingIn(email string) {
	fmt.Fprintf(p.w, "Signing in as %s...\n", email)
}

func (p *PlainDisplayer) LoginOK(user, store string) {
	fmt.Fprintf(p.w, "Signed in as %s\n", user)
	fmt.Fprintf(p.w, "Session saved to %s\n", store)
}

func (p *PlainDisplayer) Requesting(method, path string) {
	fmt.Fprintf(p.w, "%s %s\n", method, path)
}

func (p *PlainDisplayer) AccessTokenRejected() {
	fmt.Fprintln(p.w, "Access token rejected (401), refreshing...")
}

func (p *PlainDisplayer) Refreshing() {
	fmt.Fprintln(p.w, "Refreshing access token...")
}

func (p *PlainDisplayer) RefreshOK() {
	fmt.Fprintln(p.w, "Token refreshed successfully!")
}

func (p *PlainDisplayer) RefreshFailed(err error) {
	fmt.Fprintf(p.w, "Refresh failed: %v\n", err)
}

func (p *PlainDisplayer) TokenRefreshedRetrying() {
	fmt.Fprintln(p.w, "Token refreshed, retrying request...")
}

func (p *PlainDisplayer) Response(status int, text string) {
	fmt.Fprintf(p.w, "HTTP %d %s\n", status, text)
}

func (p *PlainDisplayer) LoggedOut() {
	fmt.Fprintln(p.w, "Signed out.")
}

func (p *PlainDisplayer) RemoteChange(state, user string) {
	if user != "" {
		fmt.Fprintf(p.w, "Session changed: %s (%s)\n", state, user)
		return
	}
	fmt.Fprintf(p.w, "Session changed: %s\n", state)
}

func (p *PlainDisplayer) Done(summary string) {
	if summary != "" {
		fmt.Fprintln(p.w, summary)
	}
}

func (p *PlainDisplayer) Fatal(err error) {
	fmt.Fprintf(p.w, "Error: %v\n", err)
}

// NoopDisplayer is a no-op implementation used in tests.
type NoopDisplayer struct{}

func (NoopDisplayer) Banner(_ string)          {}
func (NoopDisplayer) SessionRestored(_ string) {}
func (NoopDisplayer) SessionAbsent()           {}
func (NoopDisplayer) SessionCorrupt()          {}
func (NoopDisplayer) LoggingIn(_ string)       {}
func (NoopDisplayer) LoginOK(_, _ string)      {}
func (NoopDisplayer) Requesting(_, _ string)   {}
func (NoopDisplayer) AccessTokenRejected()     {}
func (NoopDisplayer) Refreshing()              {}
func (NoopDisplayer) RefreshOK()               {}
func (NoopDisplayer) RefreshFailed(_ error)    {}
func (NoopDisplayer) TokenRefreshedRetrying()  {}
func (NoopDisplayer) Response(_ int, _ string) {}
func (NoopDisplayer) LoggedOut()               {}
func (NoopDisplayer) RemoteChange(_, _ string) {}
func (NoopDisplayer) Done(_ string)            {}
func (NoopDisplayer) Fatal(_ error)            {}

// ProgramDisplayer sends BubbleTea messages to a running tea.Program.
type ProgramDisplayer struct {
	p *tea.Program
}

// NewProgramDisplayer creates a ProgramDisplayer that sends messages to p.
func NewProgramDisplayer(p *tea.Program) *ProgramDisplayer {
	return &ProgramDisplayer{p: p}
}

func (t *ProgramDisplayer) Banner(server string) {
	t.p.Send(MsgBanner{Server: server})
}

func (t *ProgramDisplayer) SessionRestored(user string) {
	t.p.Send(MsgSessionRestored{User: user})
}

func (t *ProgramDisplayer) SessionAbsent() {
	t.p.Send(MsgSessionAbsent{})
}

func (t *ProgramDisplayer) SessionCorrupt() {
	t.p.Send(MsgSessionCorrupt{})
}

func (t *ProgramDisplayer) LoggingIn(email string) {
	t.p.Send(MsgLoggingIn{Email: email})
}

func (t *ProgramDisplayer) LoginOK(user, store string) {
	t.p.Send(MsgLoginOK{User: user, Store: store})
}

func (t *ProgramDisplayer) Requesting(method, path string) {
	t.p.Send(MsgRequesting{Method: method, Path: path})
}

func (t *ProgramDisplayer) AccessTokenRejected() {
	t.p.Send(MsgAccessTokenRejected{})
}

func (t *ProgramDisplayer) Refreshing() {
	t.p.Send(MsgRefreshing{})
}

func (t *ProgramDisplayer) RefreshOK() {
	t.p.Send(MsgRefreshOK{})
}

func (t *ProgramDisplayer) RefreshFailed(err error) {
	t.p.Send(MsgRefreshFailed{Err: err})
}

func (t *ProgramDisplayer) TokenRefreshedRetrying() {
	t.p.Send(MsgTokenRefreshedRetrying{})
}

func (t *ProgramDisplayer) Response(status int, text string) {
	t.p.Send(MsgResponse{Status: status, Text: text})
}

func (t *ProgramDisplayer) LoggedOut() {
	t.p.Send(MsgLoggedOut{})
}

func (t *ProgramDisplayer) RemoteChange(state, user string) {
	t.p.Send(MsgRemoteChange{State: state, User: user})
}

func (t *ProgramDisplayer) Done(summary string) {
	t.p.Send(MsgDone{Summary: summary})
}

func (t *ProgramDisplayer) Fatal(err error) {
	t.p.Send(MsgFatal{Err: err})
}
