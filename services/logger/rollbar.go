package logsvc

import (
	"log"

	"github.com/rollbar/rollbar-go"
	"github.com/rollbar/rollbar-go/errors"

	"github.com/shulehub/shule/core"
	"github.com/shulehub/shule/core/auth"
)

// RollbarLogger logs everything to std and reports Warn and above to Rollbar.
// The app usually runs on flaky school connections; Debug and Info stay local
// so the async client never queues up chatter it cannot deliver.
type RollbarLogger struct {
	std *log.Logger
}

var _ core.Logger = (*RollbarLogger)(nil)

func NewRollbarLogger(std *log.Logger, conf *core.Config) *RollbarLogger {
	rollbar.SetToken(conf.RollbarToken)
	rollbar.SetEnvironment(conf.Env)
	rollbar.SetCodeVersion(conf.Build)
	rollbar.SetStackTracer(errors.StackTracer)
	return &RollbarLogger{std: std}
}

func (l RollbarLogger) Enable(enabled bool) {
	rollbar.SetEnabled(enabled)
}

// report sends to Rollbar at the given level.
// expected args: error | map[string]interface{} | auth.Session
func (l RollbarLogger) report(level, msg string, args []interface{}) {
	var sessSet bool
	payload := make([]interface{}, 0, len(args)+1)
	payload = append(payload, msg)
	for _, arg := range args {
		// tag the report with the active session's actor
		if sess, ok := arg.(auth.Session); ok {
			if !sessSet { // one actor per report
				rollbar.SetPerson(sess.ActorID, string(sess.Role), "")
				sessSet = true
			}
			continue
		}
		payload = append(payload, arg)
	}
	if !sessSet {
		rollbar.ClearPerson()
	}
	rollbar.Log(level, payload...)
}

func (l RollbarLogger) print(msg string, args []interface{}) {
	l.std.Println(msg)
	for _, arg := range args {
		l.std.Printf("%+v\n", arg)
	}
}

func (l RollbarLogger) Debug(msg string, args ...interface{}) {
	l.print(msg, args)
}

func (l RollbarLogger) Info(msg string, args ...interface{}) {
	l.print(msg, args)
}

func (l RollbarLogger) Warn(msg string, args ...interface{}) {
	l.report(rollbar.WARN, msg, args)
	l.print(msg, args)
}

func (l RollbarLogger) Error(msg string, args ...interface{}) {
	l.report(rollbar.ERR, msg, args)
	l.print(msg, args)
}

func (l RollbarLogger) Fatal(msg string, args ...interface{}) {
	l.report(rollbar.CRIT, msg, args)
	l.print(msg, args)
	rollbar.Wait() // flush before exiting
	l.std.Fatal(msg)
}
