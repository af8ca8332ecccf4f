package session

// Events receives progress notifications while a request recovers from an
// expired access token. Methods are called synchronously and must not block.
type Events interface {
	AccessTokenRejected()
	Refreshing()
	RefreshOK()
	RefreshFailed(err error)
	TokenRefreshedRetrying()
}

type noopEvents struct{}

func (noopEvents) AccessTokenRejected()    {}
func (noopEvents) Refreshing()             {}
func (noopEvents) RefreshOK()              {}
func (noopEvents) RefreshFailed(error)     {}
func (noopEvents) TokenRefreshedRetrying() {}
