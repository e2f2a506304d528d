package bot

import (
	"context"
	"errors"
	"net"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// FailureKind is the closed set of ways a chat-server call can fail, abstracted
// away from whatever transport error the underlying SDK happened to return.
// Callers (the scheduler, the redaction queue, permission checks) only ever
// need to distinguish these cases to decide whether to retry.
type FailureKind int

const (
	FailureNone FailureKind = iota
	FailureForbidden
	FailureRateLimited
	FailureNotFound
	FailureTransport
	FailureOther
)

func (k FailureKind) String() string {
	switch k {
	case FailureNone:
		return "none"
	case FailureForbidden:
		return "forbidden"
	case FailureRateLimited:
		return "rate_limited"
	case FailureNotFound:
		return "not_found"
	case FailureTransport:
		return "transport_error"
	default:
		return "other"
	}
}

// CallError wraps an error returned by the chat client with its classified
// FailureKind and, for rate limiting, how long the caller should wait before
// retrying.
type CallError struct {
	Kind       FailureKind
	RetryAfter time.Duration
	Err        error
}

func (e *CallError) Error() string {
	return e.Err.Error()
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// Permanent reports whether retrying this call is pointless. It satisfies the
// informal `Permanent() bool` interface the redaction queue and scheduler
// check for when classifying task outcomes.
func (e *CallError) Permanent() bool {
	return e.Kind == FailureForbidden || e.Kind == FailureNotFound
}

func classifyError(err error) *CallError {
	if err == nil {
		return nil
	}
	var httpErr mautrix.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.RespError != nil {
			switch httpErr.RespError.ErrCode {
			case "M_FORBIDDEN", "M_UNKNOWN_TOKEN", "M_MISSING_TOKEN":
				return &CallError{Kind: FailureForbidden, Err: err}
			case "M_LIMIT_EXCEEDED":
				retryAfter := time.Second
				if ms, ok := httpErr.RespError.ExtraData["retry_after_ms"].(float64); ok && ms > 0 {
					retryAfter = time.Duration(ms) * time.Millisecond
				}
				return &CallError{Kind: FailureRateLimited, RetryAfter: retryAfter, Err: err}
			case "M_NOT_FOUND":
				return &CallError{Kind: FailureNotFound, Err: err}
			}
		}
		if httpErr.Response != nil {
			switch httpErr.Response.StatusCode {
			case 403:
				return &CallError{Kind: FailureForbidden, Err: err}
			case 404:
				return &CallError{Kind: FailureNotFound, Err: err}
			case 429:
				return &CallError{Kind: FailureRateLimited, RetryAfter: time.Second, Err: err}
			}
		}
		return &CallError{Kind: FailureOther, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &CallError{Kind: FailureTransport, Err: err}
	}
	return &CallError{Kind: FailureOther, Err: err}
}

// ChatClient is the narrow surface the moderation core needs from the chat
// server connection: apply and undo membership sanctions, redact content,
// and publish the server ACL and policy state events that back those
// sanctions. Everything it returns on failure is a *CallError, so callers
// never need to know the transport underneath.
type ChatClient interface {
	Ban(ctx context.Context, roomID id.RoomID, userID id.UserID, reason string) error
	Unban(ctx context.Context, roomID id.RoomID, userID id.UserID) error
	Kick(ctx context.Context, roomID id.RoomID, userID id.UserID, reason string) error
	RedactEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID, reason string) error
	SendStateEvent(ctx context.Context, roomID id.RoomID, evtType event.Type, stateKey string, content any) (id.EventID, error)
	IsMember(ctx context.Context, roomID id.RoomID, userID id.UserID, membership event.Membership) bool
}

// liveChatClient is the production ChatClient backed by the appservice bot.
type liveChatClient struct {
	bot *Bot
}

func NewChatClient(bot *Bot) ChatClient {
	return &liveChatClient{bot: bot}
}

func (c *liveChatClient) Ban(ctx context.Context, roomID id.RoomID, userID id.UserID, reason string) error {
	_, err := c.bot.BanUser(ctx, roomID, &mautrix.ReqBanUser{UserID: userID, Reason: reason})
	return classifyError(err)
}

func (c *liveChatClient) Unban(ctx context.Context, roomID id.RoomID, userID id.UserID) error {
	_, err := c.bot.UnbanUser(ctx, roomID, &mautrix.ReqUnbanUser{UserID: userID})
	return classifyError(err)
}

func (c *liveChatClient) Kick(ctx context.Context, roomID id.RoomID, userID id.UserID, reason string) error {
	_, err := c.bot.KickUser(ctx, roomID, &mautrix.ReqKickUser{UserID: userID, Reason: reason})
	return classifyError(err)
}

func (c *liveChatClient) RedactEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID, reason string) error {
	_, err := c.bot.Client.RedactEvent(ctx, roomID, eventID, mautrix.ReqRedact{Reason: reason})
	return classifyError(err)
}

func (c *liveChatClient) SendStateEvent(ctx context.Context, roomID id.RoomID, evtType event.Type, stateKey string, content any) (id.EventID, error) {
	resp, err := c.bot.Client.SendStateEvent(ctx, roomID, evtType, stateKey, content)
	if err != nil {
		return "", classifyError(err)
	}
	return resp.EventID, nil
}

func (c *liveChatClient) IsMember(ctx context.Context, roomID id.RoomID, userID id.UserID, membership event.Membership) bool {
	return c.bot.StateStore.IsMembership(ctx, roomID, userID, membership)
}
