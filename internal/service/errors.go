package service

import "errors"

var (
	// ErrUnauthenticated means the request carried no verified caller identity.
	ErrUnauthenticated = errors.New("authentication required")

	// ErrInvalidSignature means the webhook body failed signature verification,
	// or the signature header / shared secret was missing. Nothing after this
	// check runs, so failed verification never touches the ledger.
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrInvalidArgument covers malformed requests and unknown generation kinds.
	ErrInvalidArgument = errors.New("invalid argument")
)
