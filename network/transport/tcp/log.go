package tcp

import (
	"github.com/overmesh/overmesh/infrastructure/logger"
	"github.com/overmesh/overmesh/util/panics"
)

var log = logger.RegisterSubSystem("TCPT")
var spawn = panics.GoroutineWrapperFunc(log)
