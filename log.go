package main

import (
	"github.com/overmesh/overmesh/infrastructure/logger"
	"github.com/overmesh/overmesh/util/panics"
)

var log = logger.RegisterSubSystem("OVMD")
var spawn = panics.GoroutineWrapperFunc(log)
