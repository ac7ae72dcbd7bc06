package emailsvc

import (
	"fmt"
	"log"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/shulehub/shule/core"
)

var (
	SentMessages = make([]core.Message, 0)
	mu           sync.Mutex
)

// consoleService writes notifications to stdout; meant for local development.
type consoleService struct {
	defaultFromEmail mail.Address
	subjPrefix       string
	disableOutput    bool
}

var _ core.Dispatcher = (*consoleService)(nil)

func NewConsoleService(conf *core.Config) core.Dispatcher {
	return &consoleService{
		defaultFromEmail: conf.DefaultFromEmail,
		subjPrefix:       "[" + conf.AppName + "] ",
	}
}

func (svc consoleService) Dispatch(messages ...*core.Message) {
	for _, msg := range messages {
		go svc.dispatchMessage(msg)
	}
}

func (svc consoleService) dispatchMessage(msg *core.Message) {
	if !msg.HasRecipient() || !msg.HasContent() {
		return
	}
	svc.send(*msg)
	mu.Lock()
	SentMessages = append(SentMessages, *msg)
	mu.Unlock()
}

func (svc consoleService) send(msg core.Message) {
	body := new(strings.Builder)
	_, _ = fmt.Fprintf(body, "From: %s\r\n", svc.defaultFromEmail.String())
	_, _ = fmt.Fprintf(body, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	_, _ = fmt.Fprintf(body, "Subject: %s\r\n", svc.subjPrefix+msg.Subject)
	if msg.To.Address != "" {
		_, _ = fmt.Fprintf(body, "To: %s\r\n", msg.To.String())
	}
	if msg.Phone != "" {
		_, _ = fmt.Fprintf(body, "Phone: %s\r\n", msg.Phone)
	}
	_, _ = fmt.Fprintf(body, "\r\n%s\r\n", msg.Body)

	if !svc.disableOutput {
		log.Println(body.String())
	}
}

type consoleServiceMock struct {
	consoleService
}

func NewConsoleServiceMock(conf *core.Config) core.Dispatcher {
	return &consoleServiceMock{
		consoleService: consoleService{
			defaultFromEmail: conf.DefaultFromEmail,
			subjPrefix:       "[" + conf.AppName + "] ",
			disableOutput:    true,
		},
	}
}

func (svc *consoleServiceMock) Dispatch(messages ...*core.Message) {
	for _, msg := range messages {
		// run synchronously
		svc.dispatchMessage(msg)
	}
}

// LastMessage returns the most recently captured message, if any.
func LastMessage() (core.Message, bool) {
	mu.Lock()
	defer mu.Unlock()
	if len(SentMessages) == 0 {
		return core.Message{}, false
	}
	return SentMessages[len(SentMessages)-1], true
}

// ResetSentMessages clears the captured messages between tests.
func ResetSentMessages() {
	mu.Lock()
	SentMessages = SentMessages[:0]
	mu.Unlock()
}
