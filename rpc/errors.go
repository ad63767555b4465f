package rpc

import "errors"

var (
	errMissingParams = errors.New("rpc: params required but absent")
	errArity         = errors.New("rpc: params do not match declared arity")
)
