package kinelink

import (
	"strconv"
)

// Header names written by the HTTP middlewares
const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
)

// RateLimitResponse is the JSON body of a 429 answer
type RateLimitResponse struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after"`
}

// Response builds the 429 body for e
func (e *RateLimitExceededError) Response() RateLimitResponse {
	return RateLimitResponse{
		Error:      "rate_limit_exceeded",
		Message:    e.Message(),
		RetryAfter: e.RetryAfterSeconds(),
	}
}

// RateLimitHeaders returns the window headers for info. Reset is a unix timestamp.
// When exceeded is not nil, Retry-After is included.
func RateLimitHeaders(info *RateLimitInfo, exceeded *RateLimitExceededError) map[string]string {
	headers := make(map[string]string, 4)
	if info != nil {
		headers[HeaderLimit] = strconv.Itoa(info.Limit)
		headers[HeaderRemaining] = strconv.Itoa(info.Remaining)
		headers[HeaderReset] = strconv.FormatInt(info.ResetTime.Unix(), 10)
	}
	if exceeded != nil {
		headers[HeaderRetryAfter] = strconv.Itoa(exceeded.RetryAfterSeconds())
	}
	return headers
}
