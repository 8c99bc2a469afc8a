// Package taskrequest turns an inbound "create a task" request into a
// persisted Task plus its WorkflowStep graph: it resolves the named task
// template, validates the caller's context against the template's JSON
// schema, computes the identity hash for deduplication (§4.9), and if no
// matching task already exists within the dedup window, instantiates the
// step graph from the template's NamedStep set. Grounded on the teacher's
// workflow-request handling in services/orchestrator/workflow_handler.go,
// generalized from a fixed workflow-kind switch to a template-driven graph
// build.
package taskrequest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"

	"github.com/swarmguard/tasker/pkg/tasker/eventbus"
	"github.com/swarmguard/tasker/pkg/tasker/identity"
	"github.com/swarmguard/tasker/pkg/tasker/model"
	"github.com/swarmguard/tasker/pkg/tasker/statemachine"
	"github.com/swarmguard/tasker/pkg/tasker/store"
	"github.com/swarmguard/tasker/pkg/tasker/templatecache"
)

// DefaultDedupWindow is how far back FindTaskByIdentityHash looks for a
// matching in-flight or recently completed task before deciding this
// request is a duplicate (§4.9).
const DefaultDedupWindow = 24 * time.Hour

// ErrSchemaValidation is returned when the request context fails the named
// task's context_schema.
type ErrSchemaValidation struct {
	Errors []string
}

func (e *ErrSchemaValidation) Error() string {
	return fmt.Sprintf("context failed schema validation: %v", e.Errors)
}

// Request is the inbound task-creation request (§4.9's identity-defining
// fields plus the free-form context payload).
type Request struct {
	NamedTaskID  string
	Context      json.RawMessage
	Initiator    string
	SourceSystem string
	Reason       string
	Tags         []string
}

// Result reports whether the request instantiated a new task or matched an
// existing one within the dedup window.
type Result struct {
	TaskID     string
	Duplicate  bool
	IdentityHash string
}

// Service wires template resolution, schema validation, identity hashing,
// and task/step persistence into a single CreateTask operation.
type Service struct {
	store    *store.Store
	cache    *templatecache.Cache
	bus      *eventbus.Bus
	hasher   identity.Hasher
	dedup    time.Duration
	newID    func() string
}

// Option customizes a Service beyond its required collaborators.
type Option func(*Service)

// WithHasher overrides the default SHA256Hasher (e.g. for deterministic
// test fixtures).
func WithHasher(h identity.Hasher) Option {
	return func(s *Service) { s.hasher = h }
}

// WithDedupWindow overrides DefaultDedupWindow.
func WithDedupWindow(d time.Duration) Option {
	return func(s *Service) { s.dedup = d }
}

// New constructs a Service. cache is consulted first for the named task
// template (falling back to the store on a cache miss per templatecache's
// own contract), so template resolution never bypasses the warm in-memory
// path.
func New(st *store.Store, cache *templatecache.Cache, bus *eventbus.Bus, opts ...Option) *Service {
	s := &Service{
		store:  st,
		cache:  cache,
		bus:    bus,
		hasher: identity.SHA256Hasher{},
		dedup:  DefaultDedupWindow,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateTask validates req against its named task's context schema,
// computes the identity hash, and either returns the matching existing task
// (Duplicate=true) or instantiates a new Task plus its WorkflowStep graph.
func (s *Service) CreateTask(ctx context.Context, req Request) (Result, error) {
	nt, err := s.cache.Get(ctx, req.NamedTaskID)
	if err != nil {
		return Result{}, fmt.Errorf("resolve named task %s: %w", req.NamedTaskID, err)
	}

	if err := validateContext(nt.ContextSchema, req.Context); err != nil {
		return Result{}, err
	}

	hash, err := s.hasher.Hash(nt.NamedTaskID, nt.Namespace, nt.Version, req.Context, req.Initiator, req.SourceSystem)
	if err != nil {
		return Result{}, fmt.Errorf("compute identity hash: %w", err)
	}

	existing, err := s.store.FindTaskByIdentityHash(ctx, hash, s.dedup)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Result{}, fmt.Errorf("check identity hash: %w", err)
	}
	if existing != nil {
		return Result{TaskID: existing.TaskID, Duplicate: true, IdentityHash: hash}, nil
	}

	taskID := s.newID()
	now := time.Now()
	task := model.Task{
		TaskID:       taskID,
		NamedTaskID:  nt.NamedTaskID,
		Context:      req.Context,
		IdentityHash: hash,
		Initiator:    req.Initiator,
		SourceSystem: req.SourceSystem,
		Reason:       req.Reason,
		Tags:         req.Tags,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		return Result{}, fmt.Errorf("create task: %w", err)
	}
	if _, err := s.store.InsertTaskTransition(ctx, taskID, "", model.TaskPending, nil); err != nil {
		return Result{}, fmt.Errorf("record initial task transition: %w", err)
	}

	steps, edges := buildStepGraph(taskID, nt.Steps)
	if err := s.store.CreateSteps(ctx, steps, edges); err != nil {
		return Result{}, fmt.Errorf("create steps: %w", err)
	}

	s.bus.Publish("task.created", eventbus.NewTaskPayload(taskID))
	s.bus.Publish(statemachine.TaskEventName("", model.TaskPending), eventbus.NewTaskPayload(taskID))
	return Result{TaskID: taskID, IdentityHash: hash}, nil
}

// validateContext applies schema (if non-empty) to context via gojsonschema,
// the same library the teacher's config validation layer uses for its own
// structured inputs.
func validateContext(schema, context json.RawMessage) error {
	if len(schema) == 0 {
		return nil
	}
	if len(context) == 0 {
		context = json.RawMessage("{}")
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schema),
		gojsonschema.NewBytesLoader(context),
	)
	if err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}
	if !result.Valid() {
		errs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			errs = append(errs, e.String())
		}
		return &ErrSchemaValidation{Errors: errs}
	}
	return nil
}

// buildStepGraph instantiates one WorkflowStep per NamedStep and one
// WorkflowStepEdge per declared dependency, generating fresh step IDs so a
// template can be instantiated repeatedly without ID collisions.
func buildStepGraph(taskID string, named []model.NamedStep) ([]model.WorkflowStep, []model.WorkflowStepEdge) {
	stepIDByName := make(map[string]string, len(named))
	for _, ns := range named {
		stepIDByName[ns.Name] = uuid.NewString()
	}

	steps := make([]model.WorkflowStep, 0, len(named))
	var edges []model.WorkflowStepEdge
	for _, ns := range named {
		retryLimit := ns.DefaultLimit
		if retryLimit <= 0 {
			retryLimit = model.DefaultRetryLimit
		}
		steps = append(steps, model.WorkflowStep{
			WorkflowStepID: stepIDByName[ns.Name],
			TaskID:         taskID,
			NamedStepID:    ns.NamedStepID,
			Name:           ns.Name,
			Retryable:      ns.DefaultRetry,
			RetryLimit:     retryLimit,
		})
		for _, dep := range ns.DependsOnStep {
			fromID, ok := stepIDByName[dep]
			if !ok {
				continue
			}
			edges = append(edges, model.WorkflowStepEdge{
				FromStepID: fromID,
				ToStepID:   stepIDByName[ns.Name],
				Name:       dep + "->" + ns.Name,
			})
		}
	}
	return steps, edges
}
