package signal

import (
	"github.com/overmesh/overmesh/infrastructure/logger"
	"github.com/overmesh/overmesh/util/panics"
)

var log = logger.RegisterSubSystem("SIGN")
var spawn = panics.GoroutineWrapperFunc(log)
