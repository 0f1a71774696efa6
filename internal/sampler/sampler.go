// Package sampler fans a step's prompt out to a pool of non-expert models and
// collects their outputs as candidates.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"forkbench/internal/actions"
	"forkbench/internal/config"
	"forkbench/internal/logging"
	"forkbench/internal/perception"
	"forkbench/internal/types"
)

var tracer = otel.Tracer("forkbench/sampler")

// Member is one pool model and its share under the weighted policy.
type Member struct {
	Model  perception.Model
	Weight float64
}

// Options tunes sampling.
type Options struct {
	K       int
	Policy  string
	Seed    int64
	UseN    bool
	Workers int
	// Timeout bounds each pool call; zero means no per-call bound.
	Timeout time.Duration
	Params  types.SamplingParams
}

// CandidateSampler produces k candidates per step from a pool that never
// contains the expert model. Sample is safe for concurrent use.
type CandidateSampler struct {
	expert    types.ModelIdentity
	pool      []Member
	extractor *actions.Extractor
	opts      Options

	mu     sync.Mutex
	cursor int
	rng    *rand.Rand
	total  float64
}

// New validates the pool against the expert identity and builds a sampler.
// A pool member that resolves to the expert returns a
// *types.ModelPoolViolationError.
func New(expert types.ModelIdentity, pool []Member, extractor *actions.Extractor, opts Options) (*CandidateSampler, error) {
	if len(pool) == 0 {
		return nil, fmt.Errorf("candidate pool is empty")
	}
	if extractor == nil {
		return nil, fmt.Errorf("extractor is required")
	}
	if opts.K < 1 {
		return nil, fmt.Errorf("num_candidates must be >= 1, got %d", opts.K)
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	switch opts.Policy {
	case "":
		opts.Policy = config.PolicyRoundRobin
	case config.PolicyRoundRobin, config.PolicyWeighted, config.PolicyRandom:
	default:
		return nil, fmt.Errorf("unknown pool policy %q", opts.Policy)
	}

	var total float64
	for i, m := range pool {
		if m.Model == nil {
			return nil, fmt.Errorf("pool member %d is nil", i)
		}
		id := m.Model.Identity()
		if expert.Same(id) {
			return nil, &types.ModelPoolViolationError{Expert: expert, Member: id}
		}
		if m.Weight < 0 {
			return nil, fmt.Errorf("pool member %s has negative weight", id.Name)
		}
		total += m.Weight
	}
	if opts.Policy == config.PolicyWeighted && total == 0 {
		return nil, fmt.Errorf("weighted policy requires a positive weight on at least one pool member")
	}

	logging.Sampler("Candidate sampler ready: expert=%s pool=%d k=%d policy=%s use_n=%v",
		expert.Name, len(pool), opts.K, opts.Policy, opts.UseN)

	return &CandidateSampler{
		expert:    expert,
		pool:      append([]Member(nil), pool...),
		extractor: extractor,
		opts:      opts,
		rng:       rand.New(rand.NewSource(opts.Seed)),
		total:     total,
	}, nil
}

// NewFromConfig builds the pool clients named in cfg and wires a sampler.
func NewFromConfig(ctx context.Context, expert types.ModelIdentity, cfg config.CandidateSamplingConfig, timeout time.Duration, extractor *actions.Extractor) (*CandidateSampler, error) {
	pool := make([]Member, 0, len(cfg.Pool))
	for i, mc := range cfg.Pool {
		m, err := perception.NewModel(ctx, mc)
		if err != nil {
			return nil, fmt.Errorf("pool model %d (%s): %w", i, mc.Identity(), err)
		}
		pool = append(pool, Member{Model: m, Weight: mc.Weight})
	}
	return New(expert, pool, extractor, Options{
		K:       cfg.K,
		Policy:  cfg.Policy,
		Seed:    cfg.Seed,
		UseN:    cfg.UseN,
		Workers: cfg.Workers,
		Timeout: timeout,
	})
}

// K returns the configured number of candidates per step.
func (s *CandidateSampler) K() int { return s.opts.K }

// Pool returns the pool identities in configuration order.
func (s *CandidateSampler) Pool() []types.ModelIdentity {
	out := make([]types.ModelIdentity, len(s.pool))
	for i, m := range s.pool {
		out[i] = m.Model.Identity()
	}
	return out
}

// job is one pool call covering one or more slots.
type job struct {
	member int
	slots  []int
}

// Sample queries the pool and returns exactly k candidates in slot order.
// Failed calls become invalid candidates; only cancellation of ctx is
// returned as an error. k <= 0 uses the configured count.
func (s *CandidateSampler) Sample(ctx context.Context, prompt []types.Message, k int) ([]types.Candidate, error) {
	if k <= 0 {
		k = s.opts.K
	}
	ctx, span := tracer.Start(ctx, "sampler.sample")
	defer span.End()
	span.SetAttributes(attribute.Int("sampler.k", k), attribute.String("sampler.policy", s.opts.Policy))

	timer := logging.StartTimer(logging.CategorySampler, "Sample")
	defer timer.Stop()

	assignment := s.assign(k)
	jobs := s.plan(assignment)
	out := make([]types.Candidate, k)

	g := new(errgroup.Group)
	g.SetLimit(s.opts.Workers)
	for _, j := range jobs {
		g.Go(func() error {
			s.run(ctx, j, prompt, out)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	valid := 0
	for _, c := range out {
		if c.Valid {
			valid++
		}
	}
	span.SetAttributes(attribute.Int("sampler.valid", valid))
	logging.SamplerDebug("Sampled %d candidates (%d valid) across %d calls", k, valid, len(jobs))
	return out, nil
}

// assign maps each of the k slots to a pool member.
func (s *CandidateSampler) assign(k int) []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]int, k)
	n := len(s.pool)
	switch s.opts.Policy {
	case config.PolicyRandom:
		for i := range out {
			out[i] = s.rng.Intn(n)
		}
	case config.PolicyWeighted:
		for i := range out {
			out[i] = s.pickWeighted()
		}
	default:
		for i := range out {
			out[i] = (s.cursor + i) % n
		}
		s.cursor = (s.cursor + k) % n
	}
	return out
}

func (s *CandidateSampler) pickWeighted() int {
	r := s.rng.Float64() * s.total
	for i, m := range s.pool {
		if r < m.Weight {
			return i
		}
		r -= m.Weight
	}
	// Float rounding can leave r at the upper edge.
	for i := len(s.pool) - 1; i >= 0; i-- {
		if s.pool[i].Weight > 0 {
			return i
		}
	}
	return 0
}

// plan groups slots into calls. With UseN, slots that share a multi-completion
// member are served by one call.
func (s *CandidateSampler) plan(assignment []int) []job {
	if !s.opts.UseN {
		jobs := make([]job, len(assignment))
		for slot, m := range assignment {
			jobs[slot] = job{member: m, slots: []int{slot}}
		}
		return jobs
	}

	var jobs []job
	grouped := make(map[int]int) // member -> index into jobs
	for slot, m := range assignment {
		if _, multi := s.pool[m].Model.(perception.MultiModel); !multi {
			jobs = append(jobs, job{member: m, slots: []int{slot}})
			continue
		}
		if ji, ok := grouped[m]; ok {
			jobs[ji].slots = append(jobs[ji].slots, slot)
			continue
		}
		grouped[m] = len(jobs)
		jobs = append(jobs, job{member: m, slots: []int{slot}})
	}
	return jobs
}

// run performs one call and writes its candidates into their slots. Slots are
// disjoint across jobs, so out needs no lock.
func (s *CandidateSampler) run(ctx context.Context, j job, prompt []types.Message, out []types.Candidate) {
	model := s.pool[j.member].Model
	id := model.Identity().ID()

	// Queued jobs are dropped once the step is canceled.
	if err := ctx.Err(); err != nil {
		for _, slot := range j.slots {
			out[slot] = types.Candidate{SourceModelID: id, Error: err.Error()}
		}
		return
	}

	callCtx := ctx
	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}

	// Each call gets its own copy so a client cannot disturb the shared prompt.
	msgs := types.CloneMessages(prompt)

	var (
		responses []perception.Response
		err       error
	)
	if mm, ok := model.(perception.MultiModel); ok && len(j.slots) > 1 {
		responses, err = mm.QueryMany(callCtx, msgs, s.opts.Params, len(j.slots))
	} else {
		var r perception.Response
		r, err = model.Query(callCtx, msgs, s.opts.Params)
		responses = []perception.Response{r}
	}

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("candidate call timed out after %v: %w", s.opts.Timeout, err)
		}
		logging.SamplerWarn("Pool model %s failed: %v", id, err)
		for _, slot := range j.slots {
			out[slot] = types.Candidate{SourceModelID: id, Error: err.Error()}
		}
		return
	}

	for i, slot := range j.slots {
		if i >= len(responses) {
			out[slot] = types.Candidate{
				SourceModelID: id,
				Error:         fmt.Sprintf("requested %d completions, got %d", len(j.slots), len(responses)),
			}
			continue
		}
		r := responses[i]
		action, reason := s.extractor.Validate(r.Text)
		out[slot] = types.Candidate{
			SourceModelID: id,
			RawText:       r.Text,
			Action:        action,
			Valid:         action != nil,
			Error:         reason,
			Cost:          r.Cost,
		}
	}
}
