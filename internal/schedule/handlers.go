package schedule

import (
	"fmt"
	"sort"
	"time"

	"github.com/BTreeMap/StudyPush/internal/models"
	"github.com/BTreeMap/StudyPush/internal/protocol"
)

// DefaultPlanLength bounds repeat expansion when a Participant gives none.
const DefaultPlanLength = 365 * 24 * time.Hour

// Handler is one step of an assessment's chain. It returns the updated
// schedule and must not modify a or p.
type Handler interface {
	Handle(s AssessmentSchedule, a *protocol.Assessment, p *Participant) (AssessmentSchedule, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(s AssessmentSchedule, a *protocol.Assessment, p *Participant) (AssessmentSchedule, error)

// Handle calls f.
func (f HandlerFunc) Handle(s AssessmentSchedule, a *protocol.Assessment, p *Participant) (AssessmentSchedule, error) {
	return f(s, a, p)
}

// Step is a position in the chain.
type Step int

const (
	StepName Step = iota
	StepRepeat
	StepQuestionnaire
	StepNotification
	StepReminder
	StepCompleted
)

// RepeatKind is the shape of an assessment's RepeatProtocol.
type RepeatKind int

const (
	RepeatNone RepeatKind = iota
	RepeatInterval
	RepeatDayOfWeek
)

func repeatKindOf(rp *protocol.RepeatProtocol) RepeatKind {
	switch {
	case rp == nil:
		return RepeatNone
	case rp.DayOfWeek != nil:
		return RepeatDayOfWeek
	default:
		return RepeatInterval
	}
}

// QuestionnaireKind is the shape of a RepeatQuestionnaire.
type QuestionnaireKind int

const (
	QuestionnaireNone QuestionnaireKind = iota
	QuestionnaireOffsets
	QuestionnaireRandomOffsets
	QuestionnaireDayOfWeekMap
)

func questionnaireKindOf(q *protocol.RepeatQuestionnaire) QuestionnaireKind {
	switch {
	case q == nil:
		return QuestionnaireNone
	case q.DayOfWeekMap != nil:
		return QuestionnaireDayOfWeekMap
	case q.RandomUnitsFromZeroBetween != nil:
		return QuestionnaireRandomOffsets
	case q.UnitsFromZero != nil:
		return QuestionnaireOffsets
	}
	return QuestionnaireNone
}

// Expander places sub-occurrences relative to base.
type Expander func(r *Registry, q *protocol.RepeatQuestionnaire, base time.Time, p *Participant) []time.Time

// Registry holds the lookup tables the chain is assembled from. Missing
// entries make the corresponding step a no-op.
type Registry struct {
	Pipelines     map[protocol.AssessmentType][]Step
	Repeat        map[RepeatKind]Handler
	Questionnaire map[QuestionnaireKind]Expander
	Notification  map[protocol.NotificationMode]Handler
	Reminder      Handler
	Completed     Handler
}

var fullPipeline = []Step{StepName, StepRepeat, StepQuestionnaire, StepNotification, StepReminder, StepCompleted}

// NewRegistry returns the default handler tables.
func NewRegistry() *Registry {
	r := &Registry{
		Pipelines: map[protocol.AssessmentType][]Step{
			protocol.AssessmentTypeClinical:  {StepName},
			protocol.AssessmentTypeScheduled: fullPipeline,
			protocol.AssessmentTypeTriggered: fullPipeline,
			protocol.AssessmentTypeAll:       fullPipeline,
		},
		Repeat: map[RepeatKind]Handler{
			RepeatInterval:  HandlerFunc(intervalRepeat),
			RepeatDayOfWeek: HandlerFunc(dayOfWeekRepeat),
		},
		Questionnaire: map[QuestionnaireKind]Expander{
			QuestionnaireOffsets:       expandOffsets,
			QuestionnaireRandomOffsets: expandRandomOffsets,
			QuestionnaireDayOfWeekMap:  expandDayOfWeekMap,
		},
		Notification: map[protocol.NotificationMode]Handler{
			protocol.NotificationModeStandard: HandlerFunc(notifications),
			protocol.NotificationModeCombined: HandlerFunc(notifications),
		},
		Reminder:  HandlerFunc(reminders),
		Completed: HandlerFunc(mergeCompleted),
	}
	return r
}

// Chain returns the handlers for a, in order.
func (r *Registry) Chain(a *protocol.Assessment) []Handler {
	steps, ok := r.Pipelines[a.EffectiveType()]
	if !ok {
		steps = []Step{StepName}
	}
	var chain []Handler
	for _, step := range steps {
		if h := r.handler(step, a); h != nil {
			chain = append(chain, h)
		}
	}
	return chain
}

func (r *Registry) handler(step Step, a *protocol.Assessment) Handler {
	switch step {
	case StepName:
		return HandlerFunc(name)
	case StepRepeat:
		return r.Repeat[repeatKindOf(a.Protocol.RepeatProtocol)]
	case StepQuestionnaire:
		if questionnaireKindOf(a.Protocol.RepeatQuestionnaire) == QuestionnaireNone {
			return nil
		}
		return HandlerFunc(r.questionnaire)
	case StepNotification:
		return r.Notification[a.Protocol.Notification.EffectiveMode()]
	case StepReminder:
		if a.Protocol.Reminders == nil || a.Protocol.Notification.EffectiveMode() == protocol.NotificationModeDisabled {
			return nil
		}
		return r.Reminder
	case StepCompleted:
		return r.Completed
	}
	return nil
}

// expand applies the expander registered for q's shape.
func (r *Registry) expand(q *protocol.RepeatQuestionnaire, base time.Time, p *Participant) []time.Time {
	exp, ok := r.Questionnaire[questionnaireKindOf(q)]
	if !ok {
		return nil
	}
	return exp(r, q, base, p)
}

func name(s AssessmentSchedule, a *protocol.Assessment, _ *Participant) (AssessmentSchedule, error) {
	s.Name = a.Name
	return s, nil
}

func newTask(a *protocol.Assessment, ts time.Time, p *Participant) *models.Task {
	cw := a.Protocol.CompletionWindowOrDefault()
	window := addUnits(ts, cw.Unit, cw.Amount, p.Location).Sub(ts)
	var userID int64
	if p.User != nil {
		userID = p.User.ID
	}
	return &models.Task{
		UserID:                  userID,
		Name:                    a.Name,
		Type:                    string(a.EffectiveType()),
		Timestamp:               ts.UTC(),
		CompletionWindow:        window,
		EstimatedCompletionTime: a.EstimatedCompletionTime,
		Order:                   a.Order,
		NQuestions:              a.NQuestions,
		ShowInCalendar:          a.CalendarVisible(),
		IsDemo:                  a.IsDemo,
		IsClinical:              a.Protocol.ClinicalProtocol != nil,
		Timezone:                p.Location.String(),
	}
}

// expandRepeat walks from start in steps of rp until the plan length or the
// occurrence cap is reached. snap, if set, moves each occurrence forward.
func expandRepeat(rp *protocol.RepeatProtocol, start time.Time, p *Participant, snap func(time.Time) time.Time) []time.Time {
	plan := p.PlanLength
	if plan <= 0 {
		plan = DefaultPlanLength
	}
	end := start.Add(plan)
	t := start
	if snap != nil {
		t = snap(t)
	}
	var out []time.Time
	for t.Before(end) {
		out = append(out, t)
		if p.MaxOccurrences > 0 && len(out) >= p.MaxOccurrences {
			break
		}
		var amount int
		if rp.Amount != nil {
			amount = *rp.Amount
		} else {
			amount = sampleBetween(p, rp.RandomAmountBetween[0], rp.RandomAmountBetween[1])
		}
		next := addUnits(t, rp.Unit, amount, p.Location)
		if snap != nil {
			next = snap(next)
		}
		if !next.After(t) {
			break
		}
		t = next
	}
	return out
}

func repeatTasks(s AssessmentSchedule, a *protocol.Assessment, p *Participant, snap func(time.Time) time.Time) (AssessmentSchedule, error) {
	rp := a.Protocol.RepeatProtocol
	if err := rp.Validate(); err != nil {
		return s, err
	}
	start, err := anchor(a.Protocol.ReferenceTimestamp, p)
	if err != nil {
		return s, err
	}
	times := expandRepeat(rp, start, p, snap)
	tasks := make([]*models.Task, 0, len(times))
	for _, ts := range times {
		tasks = append(tasks, newTask(a, ts, p))
	}
	s.Tasks = tasks
	return s, nil
}

func intervalRepeat(s AssessmentSchedule, a *protocol.Assessment, p *Participant) (AssessmentSchedule, error) {
	return repeatTasks(s, a, p, nil)
}

func dayOfWeekRepeat(s AssessmentSchedule, a *protocol.Assessment, p *Participant) (AssessmentSchedule, error) {
	wd, err := a.Protocol.RepeatProtocol.DayOfWeek.Weekday()
	if err != nil {
		return s, fmt.Errorf("%w: %v", protocol.ErrInvalidRepeatProtocol, err)
	}
	return repeatTasks(s, a, p, func(t time.Time) time.Time {
		return nextWeekday(t, wd, p.Location)
	})
}

// questionnaire replaces each top-level task with its sub-occurrences.
func (r *Registry) questionnaire(s AssessmentSchedule, a *protocol.Assessment, p *Participant) (AssessmentSchedule, error) {
	q := a.Protocol.RepeatQuestionnaire
	if err := q.Validate(); err != nil {
		return s, err
	}
	var tasks []*models.Task
	for _, top := range s.Tasks {
		for _, ts := range r.expand(q, top.Timestamp, p) {
			tasks = append(tasks, newTask(a, ts, p))
		}
	}
	sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].Timestamp.Before(tasks[j].Timestamp) })
	s.Tasks = tasks
	return s, nil
}

func expandOffsets(_ *Registry, q *protocol.RepeatQuestionnaire, base time.Time, p *Participant) []time.Time {
	out := make([]time.Time, 0, len(q.UnitsFromZero))
	for _, off := range q.UnitsFromZero {
		out = append(out, addUnits(base, q.Unit, off, p.Location))
	}
	return out
}

// expandRandomOffsets draws a fresh offset from each range on every run; the
// drawn values are not persisted.
func expandRandomOffsets(_ *Registry, q *protocol.RepeatQuestionnaire, base time.Time, p *Participant) []time.Time {
	out := make([]time.Time, 0, len(q.RandomUnitsFromZeroBetween))
	for _, rg := range q.RandomUnitsFromZeroBetween {
		out = append(out, addUnits(base, q.Unit, sampleBetween(p, rg[0], rg[1]), p.Location))
	}
	return out
}

func expandDayOfWeekMap(r *Registry, q *protocol.RepeatQuestionnaire, base time.Time, p *Participant) []time.Time {
	wd := base.In(p.Location).Weekday()
	for day, nested := range q.DayOfWeekMap {
		if d, err := day.Weekday(); err == nil && d == wd {
			return r.expand(nested, base, p)
		}
	}
	return nil
}

var defaultTitle = protocol.LanguageText{En: "Questionnaire Time"}

func defaultText(minutes int) protocol.LanguageText {
	if minutes <= 0 {
		return protocol.LanguageText{}
	}
	return protocol.LanguageText{En: fmt.Sprintf("Won't usually take longer than %d minutes", minutes)}
}

func newNotification(a *protocol.Assessment, t *models.Task, at time.Time, ttl time.Duration, p *Participant) *models.Message {
	np := &a.Protocol.Notification
	var lang string
	var userID int64
	if p.User != nil {
		lang = p.User.Language
		userID = p.User.ID
	}
	title := np.Title
	if title == nil {
		title = &defaultTitle
	}
	text := np.Text
	if text == nil {
		dt := defaultText(a.EstimatedCompletionTime)
		text = &dt
	}
	m := &models.Message{
		Type:          models.MessageTypeNotification,
		UserID:        userID,
		ScheduledTime: at.UTC(),
		TTLSeconds:    int(ttl / time.Second),
		Priority:      models.PriorityHigh,
		SourceType:    a.Name,
		Title:         title.Get(lang),
		Body:          text.Get(lang),
		Task:          t,
	}
	if np.Email.Enabled {
		m.EmailEnabled = true
		m.EmailTitle = np.Email.Title.Get(lang)
		m.EmailBody = np.Email.Text.Get(lang)
	}
	return m
}

// notifications creates one notification per task whose completion window is
// still open.
func notifications(s AssessmentSchedule, a *protocol.Assessment, p *Participant) (AssessmentSchedule, error) {
	out := make([]*models.Message, 0, len(s.Tasks))
	for _, t := range s.Tasks {
		if t.Expired(p.Now) {
			continue
		}
		out = append(out, newNotification(a, t, t.Timestamp, t.CompletionWindow, p))
	}
	s.Notifications = out
	return s, nil
}

// reminders follows each notification with up to Count reminders inside the
// task's completion window. Reminders already in the past are skipped.
func reminders(s AssessmentSchedule, a *protocol.Assessment, p *Participant) (AssessmentSchedule, error) {
	rp := a.Protocol.Reminders
	if !rp.Unit.Valid() || rp.Amount <= 0 {
		return s, fmt.Errorf("invalid reminders: %d %q", rp.Amount, rp.Unit)
	}
	var out []*models.Message
	for _, n := range s.Notifications {
		t := n.Task
		if t == nil {
			continue
		}
		expiry := t.ExpiresAt()
		for i := 1; i <= rp.Count(); i++ {
			at := addUnits(t.Timestamp, rp.Unit, rp.Amount*i, p.Location)
			if !at.Before(expiry) {
				break
			}
			if !at.After(p.Now) {
				continue
			}
			out = append(out, newNotification(a, t, at, expiry.Sub(at), p))
		}
	}
	s.Reminders = out
	return s, nil
}

// mergeCompleted keeps previously completed tasks in place of newly generated
// tasks at the same occurrence. Occurrences are matched on the wall clock of
// the timezone the previous task was created in; messages of replaced tasks
// are dropped.
func mergeCompleted(s AssessmentSchedule, _ *protocol.Assessment, p *Participant) (AssessmentSchedule, error) {
	done := map[string]map[int64]*models.Task{}
	for _, prev := range p.Previous {
		if !prev.Completed {
			continue
		}
		byTime, ok := done[prev.Timezone]
		if !ok {
			byTime = map[int64]*models.Task{}
			done[prev.Timezone] = byTime
		}
		byTime[prev.Timestamp.UnixNano()] = prev
	}
	if len(done) == 0 {
		return s, nil
	}
	locs := map[string]*time.Location{}
	location := func(tz string) *time.Location {
		loc, ok := locs[tz]
		if !ok {
			loc = models.LoadLocation(tz)
			locs[tz] = loc
		}
		return loc
	}

	replaced := map[*models.Task]bool{}
	tasks := make([]*models.Task, len(s.Tasks))
	for i, t := range s.Tasks {
		tasks[i] = t
		wall := t.Timestamp.In(location(t.Timezone))
		for tz, byTime := range done {
			shifted := time.Date(wall.Year(), wall.Month(), wall.Day(), wall.Hour(), wall.Minute(),
				wall.Second(), wall.Nanosecond(), location(tz))
			if old, ok := byTime[shifted.UnixNano()]; ok && old.Name == t.Name {
				tasks[i] = old
				replaced[t] = true
				break
			}
		}
	}
	s.Tasks = tasks
	if len(replaced) == 0 {
		return s, nil
	}
	keep := func(in []*models.Message) []*models.Message {
		var out []*models.Message
		for _, m := range in {
			if !replaced[m.Task] {
				out = append(out, m)
			}
		}
		return out
	}
	s.Notifications = keep(s.Notifications)
	s.Reminders = keep(s.Reminders)
	return s, nil
}
