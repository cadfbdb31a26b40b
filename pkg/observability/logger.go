package observability

import (
	"context"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/facebookincubator/go-belt/tool/logger/implementation/logrus"
	"github.com/facebookincubator/go-belt/tool/logger/types"
	upstreamlogrus "github.com/sirupsen/logrus"
)

// NewLogger returns the default Logger for the DSAS family of processes.
func NewLogger(ctx context.Context, opts ...types.Option) logger.Logger {
	l := logrus.DefaultLogrusLogger()
	l.Formatter = &upstreamlogrus.TextFormatter{
		FullTimestamp: true,
	}

	result := logrus.New(l)
	result = result.WithLevel(logger.LevelTrace)
	return result
}
