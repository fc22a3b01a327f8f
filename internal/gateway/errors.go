package gateway

import "errors"

// ErrValidation reports a malformed or semantically invalid request, such as
// an unknown execution mode or a blank command. Handlers map it to 400.
var ErrValidation = errors.New("validation failed")
