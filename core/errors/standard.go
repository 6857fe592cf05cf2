package errors

// Standard error definitions shared across packages.

// Validation errors: the only ones raised to the caller before dispatch.
var (
	ErrInvalidLocator = New(CodeInvalidLocator, CategoryValidation, "recipient locator is invalid")
	ErrInvalidMessage = New(CodeInvalidMessage, CategoryValidation, "message failed wire-format validation")
)

// Channel errors: recorded as ChannelResult data, never propagated.
var (
	ErrSendFailed       = New(CodeSendFailed, CategoryChannel, "channel send failed")
	ErrChannelUnknown   = New(CodeChannelUnknown, CategoryChannel, "channel is not registered")
	ErrChannelShutdown  = New(CodeChannelShutdown, CategoryChannel, "channel has been shut down")
	ErrAllEndpointsDown = New(CodeAllEndpointsDown, CategoryChannel, "all sub-endpoints are cooling down")
	ErrSubscribeFailed  = New(CodeSubscribeFailed, CategoryChannel, "channel subscribe failed")
)

// Cooldown-triggering errors.
var (
	ErrRateLimited       = New(CodeRateLimited, CategoryRateLimit, "rate limit exceeded")
	ErrConnectionFailure = New(CodeConnectionFailure, CategoryConnection, "connection refused or rejected")
	ErrTimeout           = New(CodeTimeout, CategoryConnection, "send timed out")
	ErrNetworkError      = New(CodeNetworkError, CategoryConnection, "network communication failed")
)

// Persistence errors: logged and swallowed, never block delivery.
var (
	ErrStoreFailure = New(CodeStoreFailure, CategoryPersistence, "tracking store write failed")
)
