package whatsapp

import (
	"fmt"

	waLog "go.mau.fi/whatsmeow/util/log"

	. "github.com/marcelmariani/crm-platform-sub000/internal/logging"
)

// waLogger bridges whatsmeow's waLog.Logger to our L_* functions.
// Library debug output is demoted to trace; it is very chatty.
type waLogger struct {
	module string
}

func newLogger(module string) waLog.Logger {
	return &waLogger{module: module}
}

func (l *waLogger) Debugf(msg string, args ...interface{}) {
	L_trace(fmt.Sprintf("whatsmeow/%s: %s", l.module, fmt.Sprintf(msg, args...)))
}

func (l *waLogger) Infof(msg string, args ...interface{}) {
	L_debug(fmt.Sprintf("whatsmeow/%s: %s", l.module, fmt.Sprintf(msg, args...)))
}

func (l *waLogger) Warnf(msg string, args ...interface{}) {
	L_warn(fmt.Sprintf("whatsmeow/%s: %s", l.module, fmt.Sprintf(msg, args...)))
}

func (l *waLogger) Errorf(msg string, args ...interface{}) {
	L_error(fmt.Sprintf("whatsmeow/%s: %s", l.module, fmt.Sprintf(msg, args...)))
}

func (l *waLogger) Sub(module string) waLog.Logger {
	return &waLogger{module: l.module + "/" + module}
}
