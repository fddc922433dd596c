package common

// AuthorizationHeader carries the bearer access token on outbound requests.
const AuthorizationHeader = "Authorization"

// BearerPrefix precedes the access token in AuthorizationHeader.
const BearerPrefix = "Bearer "

// TimeLayout is the fixed-width UTC layout used for every persisted
// timestamp, so lexical order equals chronological order.
const TimeLayout = "2006-01-02T15:04:05.000Z"
