package rtprx

import (
	"github.com/sirupsen/logrus"
)

// Logger is the package logger. All receivers and streams log through it;
// replace or reconfigure it before starting anything.
var Logger = logrus.StandardLogger()

// SetLogger replaces the package logger.
func SetLogger(logger *logrus.Logger) {
	if logger == nil {
		return
	}

	Logger = logger
}
