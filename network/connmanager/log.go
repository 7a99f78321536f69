package connmanager

import (
	"github.com/overmesh/overmesh/infrastructure/logger"
	"github.com/overmesh/overmesh/util/panics"
)

var log = logger.RegisterSubSystem("CMGR")
var spawn = panics.GoroutineWrapperFunc(log)
