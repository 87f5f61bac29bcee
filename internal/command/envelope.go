// Package command is the gateway's command surface: the same request/
// response shapes a UI's IPC bridge would marshal over the wire,
// exercised directly here by cmd/gateway and by tests.
package command

// Response is the uniform {success, result, error} envelope every
// command returns.
type Response[T any] struct {
	Success bool    `json:"success"`
	Result  *T      `json:"result,omitempty"`
	Error   *string `json:"error,omitempty"`
}

func Ok[T any](result T) Response[T] {
	return Response[T]{Success: true, Result: &result}
}

func Err[T any](err error) Response[T] {
	msg := err.Error()
	return Response[T]{Success: false, Error: &msg}
}
