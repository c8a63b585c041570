package jwtx

import "errors"

var (
	// ErrNoKey is returned when a kid is not present in the KeySet.
	ErrNoKey = errors.New("jwtx: key not found")

	// ErrIssuer is returned when the iss claim does not match.
	ErrIssuer = errors.New("jwtx: invalid issuer")

	// ErrExpired is returned when the token is past its exp claim.
	ErrExpired = errors.New("jwtx: token expired")

	// ErrNotYetValid is returned when the token is used before nbf.
	ErrNotYetValid = errors.New("jwtx: token not yet valid")
)
