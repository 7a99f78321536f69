package memory

import (
	"github.com/overmesh/overmesh/infrastructure/logger"
	"github.com/overmesh/overmesh/util/panics"
)

var log = logger.RegisterSubSystem("MEMT")
var spawn = panics.GoroutineWrapperFunc(log)
