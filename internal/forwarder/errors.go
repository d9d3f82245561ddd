package forwarder

import "errors"

var errUnparseableFrame = errors.New("forwarder: frame is not valid JSON-RPC, forwarding unchanged")
