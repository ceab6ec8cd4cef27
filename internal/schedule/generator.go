package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/StudyPush/internal/models"
	"github.com/BTreeMap/StudyPush/internal/protocol"
)

// DefaultWorkers bounds concurrent chains when no option is given.
const DefaultWorkers = 8

// Generator builds participant schedules from protocols.
type Generator struct {
	registry       *Registry
	workers        int
	planLength     time.Duration
	maxOccurrences int
	now            func() time.Time
	seed           func() (uint64, uint64)
}

// GeneratorOption configures a Generator.
type GeneratorOption func(*Generator)

// WithRegistry replaces the default handler tables.
func WithRegistry(r *Registry) GeneratorOption {
	return func(g *Generator) {
		g.registry = r
	}
}

// WithWorkers bounds the number of chains run at once.
func WithWorkers(n int) GeneratorOption {
	return func(g *Generator) {
		if n > 0 {
			g.workers = n
		}
	}
}

// WithPlanLength sets how far after its anchor a repeat protocol is expanded.
func WithPlanLength(d time.Duration) GeneratorOption {
	return func(g *Generator) {
		g.planLength = d
	}
}

// WithMaxOccurrences caps the top-level occurrences per assessment.
func WithMaxOccurrences(n int) GeneratorOption {
	return func(g *Generator) {
		g.maxOccurrences = n
	}
}

// WithClock sets the source of "now".
func WithClock(now func() time.Time) GeneratorOption {
	return func(g *Generator) {
		g.now = now
	}
}

// WithSeed makes random sampling reproducible.
func WithSeed(s1, s2 uint64) GeneratorOption {
	return func(g *Generator) {
		g.seed = func() (uint64, uint64) { return s1, s2 }
	}
}

// NewGenerator returns a Generator with the default registry.
func NewGenerator(opts ...GeneratorOption) *Generator {
	g := &Generator{
		registry:   NewRegistry(),
		workers:    DefaultWorkers,
		planLength: DefaultPlanLength,
		now:        time.Now,
		seed:       func() (uint64, uint64) { return rand.Uint64(), rand.Uint64() },
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Workers returns the concurrency bound.
func (g *Generator) Workers() int {
	return g.workers
}

// Generate computes user's schedule for proto. previous, which may be nil,
// supplies the tasks generated before and the fallback timezone. A failing
// assessment yields an empty AssessmentSchedule and is logged; only context
// cancellation fails the whole run.
func (g *Generator) Generate(ctx context.Context, user *models.User, proto *protocol.Protocol, previous *Schedule) (*Schedule, error) {
	if user == nil || proto == nil {
		return nil, fmt.Errorf("generate: user and protocol are required")
	}
	tz := user.Timezone
	if tz == "" && previous != nil {
		tz = previous.Timezone
	}
	loc := models.LoadLocation(tz)
	now := g.now()
	s1, s2 := g.seed()

	out := make([]AssessmentSchedule, len(proto.Assessments))
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(g.workers)
	for i := range proto.Assessments {
		a := &proto.Assessments[i]
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			p := &Participant{
				User:           user,
				Location:       loc,
				Now:            now,
				Rand:           rand.New(rand.NewPCG(s1, s2+uint64(i))),
				PlanLength:     g.planLength,
				MaxOccurrences: g.maxOccurrences,
				Previous:       previous.Previous(a.Name),
			}
			s, err := g.run(a, p)
			if err != nil {
				slog.Warn("Generator.Generate: assessment failed, leaving it empty",
					"project", user.ProjectID, "subject", user.SubjectID, "assessment", a.Name, "error", err)
				s = AssessmentSchedule{Name: a.Name}
			}
			out[i] = s
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	slog.Debug("Generator.Generate: schedule built", "project", user.ProjectID, "subject", user.SubjectID,
		"assessments", len(out), "version", proto.Version)
	return &Schedule{
		Version:             proto.Version,
		Timezone:            loc.String(),
		GeneratedAt:         now,
		AssessmentSchedules: out,
	}, nil
}

func (g *Generator) run(a *protocol.Assessment, p *Participant) (s AssessmentSchedule, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	s = AssessmentSchedule{Name: a.Name}
	for _, h := range g.registry.Chain(a) {
		s, err = h.Handle(s, a, p)
		if err != nil {
			return s, err
		}
	}
	return s, nil
}
