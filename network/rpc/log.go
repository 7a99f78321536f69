package rpc

import (
	"github.com/overmesh/overmesh/infrastructure/logger"
)

var log = logger.RegisterSubSystem("RPCH")
