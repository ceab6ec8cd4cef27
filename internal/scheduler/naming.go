// Package scheduler registers messages with the execution engine under
// stable, recoverable names, and runs periodic cron jobs.
package scheduler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/BTreeMap/StudyPush/internal/engine"
)

var ErrInvalidJobName = errors.New("invalid job name")

// NamingStrategy maps a participant and message to engine keys, and recovers
// the message id from either key.
type NamingStrategy interface {
	JobKey(subjectID string, messageID int64) engine.JobKey
	TriggerKey(subjectID string, messageID int64) engine.TriggerKey
	MessageID(name string) (int64, error)
}

const (
	triggerPrefix = "message-trigger"
	jobPrefix     = "message-jobdetail"
)

// MessageNaming names keys "message-trigger-{subjectId}-{messageId}" and
// "message-jobdetail-{subjectId}-{messageId}". The names are stable across
// restarts.
type MessageNaming struct{}

func (MessageNaming) JobKey(subjectID string, messageID int64) engine.JobKey {
	return engine.JobKey(fmt.Sprintf("%s-%s-%d", jobPrefix, subjectID, messageID))
}

func (MessageNaming) TriggerKey(subjectID string, messageID int64) engine.TriggerKey {
	return engine.TriggerKey(fmt.Sprintf("%s-%s-%d", triggerPrefix, subjectID, messageID))
}

// MessageID returns the number after the last '-' of a job or trigger name.
func (MessageNaming) MessageID(name string) (int64, error) {
	i := strings.LastIndexByte(name, '-')
	if i < 0 || i == len(name)-1 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidJobName, name)
	}
	id, err := strconv.ParseInt(name[i+1:], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrInvalidJobName, name, err)
	}
	return id, nil
}
