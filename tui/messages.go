package tui

// MsgBanner signals that the banner/title should be displayed.
type MsgBanner struct{ Server string }

// MsgSessionRestored signals that a complete session was found in the store.
type MsgSessionRestored struct{ User string }

// MsgSessionAbsent signals that no session is stored.
type MsgSessionAbsent struct{}

// MsgSessionCorrupt signals that a partial session was found and cleared.
type MsgSessionCorrupt struct{}

// MsgLoggingIn signals that credentials are being exchanged for a session.
type MsgLoggingIn struct{ Email string }

// MsgLoginOK signals that the session was obtained and persisted.
type MsgLoginOK struct {
	User  string
	Store string
}

// MsgRequesting signals that an authorized request is in flight.
type MsgRequesting struct {
	Method string
	Path   string
}

// MsgAccessTokenRejected signals that the access token was rejected (401).
type MsgAccessTokenRejected struct{}

// MsgRefreshing signals that a token refresh is in progress.
type MsgRefreshing struct{}

// MsgRefreshOK signals that the token was refreshed successfully.
type MsgRefreshOK struct{}

// MsgRefreshFailed signals that token refresh failed and the session ended.
type MsgRefreshFailed struct{ Err error }

// MsgTokenRefreshedRetrying signals that the token was refreshed and a retry is starting.
type MsgTokenRefreshedRetrying struct{}

// MsgResponse signals that the request completed with a response.
type MsgResponse struct {
	Status int
	Text   string
}

// MsgLoggedOut signals that the session was cleared.
type MsgLoggedOut struct{}

// MsgRemoteChange signals that another process changed the shared session.
type MsgRemoteChange struct {
	State string
	User  string
}

// MsgDone signals successful completion of the command.
type MsgDone struct{ Summary string }

// MsgFatal signals a fatal error that should terminate the command.
type MsgFatal struct{ Err error }
