// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package store defines the persisted entities and repository interfaces
// shared by every CORE subsystem. The four subsystems own disjoint slices
// of mutable state but read and write through these typed interfaces
// rather than shared memory, per the ownership summary in spec §3.
package store

import "time"

// EventEnvelope is an immutable record of an external or internal event.
type EventEnvelope struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	Source        string         `json:"source"`
	OccurredAt    time.Time      `json:"occurredAt"`
	Payload       map[string]any `json:"payload,omitempty"`
	CorrelationID string         `json:"correlationId,omitempty"`
	IngestedAt    time.Time      `json:"ingestedAt"`
}

// StepType discriminates the three workflow step variants.
type StepType string

const (
	StepTypeJob     StepType = "job"
	StepTypeService StepType = "service"
	StepTypeFanout  StepType = "fanout"
)

// AssetRef names a produced or consumed asset for a step.
type AssetRef struct {
	AssetID string         `json:"assetId"`
	Schema  map[string]any `json:"schema,omitempty"`
}

// PartitioningSpec is a fanout step's partitioning declaration.
type PartitioningSpec struct {
	Type        string   `json:"type"`
	Granularity string   `json:"granularity,omitempty"`
	Lookback    int      `json:"lookback,omitempty"`
	Values      []string `json:"values,omitempty"`
}

// RetryPolicySpec is a step's retry configuration.
type RetryPolicySpec struct {
	MaxAttempts    int     `json:"maxAttempts"`
	Strategy       string  `json:"strategy"`
	InitialDelayMs int64   `json:"initialDelayMs,omitempty"`
	MaxDelayMs     int64   `json:"maxDelayMs,omitempty"`
	JitterRatio    float64 `json:"jitterRatio,omitempty"`
}

// ServiceStepSpec configures a service-type step's HTTP call.
type ServiceStepSpec struct {
	ServiceSlug  string            `json:"serviceSlug"`
	Method       string            `json:"method,omitempty"`
	Path         string            `json:"path"`
	Headers      map[string]string `json:"headers,omitempty"`
	BodyTemplate map[string]any    `json:"bodyTemplate,omitempty"`
	TimeoutMs    int64             `json:"timeoutMs,omitempty"`
}

// JobStepSpec configures a job-type step's dispatch.
type JobStepSpec struct {
	JobSlug string         `json:"jobSlug"`
	Params  map[string]any `json:"params,omitempty"`
}

// FanoutStepSpec configures a fanout-type step's child-run template.
type FanoutStepSpec struct {
	Partitioning PartitioningSpec `json:"partitioning"`
	BodyStepID   string           `json:"bodyStepId,omitempty"`
}

// StepDefinition is one node of a workflow's step DAG.
type StepDefinition struct {
	StepID         string            `json:"id"`
	DisplayName    string            `json:"name,omitempty"`
	Type           StepType          `json:"type"`
	DependsOn      []string          `json:"dependsOn,omitempty"`
	RetryPolicy    *RetryPolicySpec  `json:"retryPolicy,omitempty"`
	Partitioning   *PartitioningSpec `json:"partitioning,omitempty"`
	Produces       []AssetRef        `json:"produces,omitempty"`
	Consumes       []AssetRef        `json:"consumes,omitempty"`
	ContinueOnSkip bool              `json:"continueOnSkip,omitempty"`
	// Condition is an optional boolean expression over the run's
	// parameters and prior step outputs. A step whose condition evaluates
	// false is skipped instead of dispatched.
	Condition string `json:"condition,omitempty"`

	Job     *JobStepSpec     `json:"job,omitempty"`
	Service *ServiceStepSpec `json:"service,omitempty"`
	Fanout  *FanoutStepSpec  `json:"fanout,omitempty"`
}

// WorkflowDefinition is identified by a URL-safe, unique slug.
type WorkflowDefinition struct {
	ID                string           `json:"id"`
	Slug              string           `json:"slug"`
	Version           int              `json:"version"`
	Steps             []StepDefinition `json:"steps"`
	ParametersSchema  map[string]any   `json:"parametersSchema,omitempty"`
	DefaultParameters map[string]any   `json:"defaultParameters,omitempty"`
	OutputSchema      map[string]any   `json:"outputSchema,omitempty"`
	Metadata          map[string]any   `json:"metadata,omitempty"`
	CreatedAt         time.Time        `json:"createdAt"`
	UpdatedAt         time.Time        `json:"updatedAt"`
}

// RunStatus is the lifecycle state of a workflow run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCanceled  RunStatus = "canceled"
	RunExpired   RunStatus = "expired"
)

// TriggeredBy identifies what caused a workflow run to be created.
type TriggeredBy string

const (
	TriggeredByManual       TriggeredBy = "manual"
	TriggeredByEventTrigger TriggeredBy = "event-trigger"
	TriggeredBySchedule     TriggeredBy = "schedule"
	TriggeredByModule       TriggeredBy = "module"
)

// WorkflowRun is one materialized execution of a WorkflowDefinition.
type WorkflowRun struct {
	ID                   string         `json:"id"`
	WorkflowDefinitionID string         `json:"workflowDefinitionId"`
	Status               RunStatus      `json:"status"`
	TriggeredBy          TriggeredBy    `json:"triggeredBy"`
	Parameters           map[string]any `json:"parameters,omitempty"`
	PartitionKey         string         `json:"partitionKey,omitempty"`
	RunKey               string         `json:"runKey,omitempty"`
	RunKeyNormalized     string         `json:"-"`
	ModuleID             string         `json:"moduleId,omitempty"`
	ParentRunID          string         `json:"parentRunId,omitempty"`
	FanoutStepID         string         `json:"fanoutStepId,omitempty"`
	CreatedAt            time.Time      `json:"createdAt"`
	StartedAt            *time.Time     `json:"startedAt,omitempty"`
	CompletedAt          *time.Time     `json:"completedAt,omitempty"`
	ErrorMessage         string         `json:"errorMessage,omitempty"`
	Context              map[string]any `json:"context,omitempty"`
}

func (r *WorkflowRun) IsTerminal() bool {
	switch r.Status {
	case RunSucceeded, RunFailed, RunCanceled, RunExpired:
		return true
	default:
		return false
	}
}

// StepStatus is the lifecycle state of a workflow run step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// RetryState tracks a step's position in its retry policy.
type RetryState string

const (
	RetryIdle      RetryState = "idle"
	RetryScheduled RetryState = "scheduled"
	RetryCompleted RetryState = "completed"
	RetryExhausted RetryState = "exhausted"
)

// WorkflowRunStep is one (runID, stepID) record.
type WorkflowRunStep struct {
	RunID         string         `json:"runId"`
	StepID        string         `json:"stepId"`
	Status        StepStatus     `json:"status"`
	RetryState    RetryState     `json:"retryState"`
	RetryAttempts int            `json:"retryAttempts"`
	NextAttemptAt *time.Time     `json:"nextAttemptAt,omitempty"`
	StartedAt     *time.Time     `json:"startedAt,omitempty"`
	CompletedAt   *time.Time     `json:"completedAt,omitempty"`
	Output        map[string]any `json:"output,omitempty"`
	ErrorMessage  string         `json:"errorMessage,omitempty"`
	Logs          []RunLogEntry  `json:"logs,omitempty"`
}

// RunLogEntry is one structured narrative line for a run step, kept as
// an operator-facing facility (§3 of the supplemented feature set).
type RunLogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// PredicateOperator names one of the trigger predicate comparison modes.
type PredicateOperator string

const (
	OpExists    PredicateOperator = "exists"
	OpEquals    PredicateOperator = "equals"
	OpNotEquals PredicateOperator = "notEquals"
	OpContains  PredicateOperator = "contains"
	OpIn        PredicateOperator = "in"
	OpNotIn     PredicateOperator = "notIn"
	OpGT        PredicateOperator = "gt"
	OpGTE       PredicateOperator = "gte"
	OpLT        PredicateOperator = "lt"
	OpLTE       PredicateOperator = "lte"
	OpRegex     PredicateOperator = "regex"
)

// Predicate is one conjunctive clause of a trigger's match condition.
type Predicate struct {
	Path          string            `json:"path"`
	Operator      PredicateOperator `json:"operator"`
	Value         any               `json:"value,omitempty"`
	Values        []any             `json:"values,omitempty"`
	CaseSensitive bool              `json:"caseSensitive,omitempty"`
	RegexFlags    string            `json:"regexFlags,omitempty"`
}

// TriggerStatus is whether a trigger currently evaluates incoming events.
type TriggerStatus string

const (
	TriggerActive   TriggerStatus = "active"
	TriggerDisabled TriggerStatus = "disabled"
)

// EventTrigger binds an event match condition to a workflow definition.
type EventTrigger struct {
	ID                       string         `json:"id"`
	WorkflowDefinitionID     string         `json:"workflowDefinitionId"`
	Name                     string         `json:"name,omitempty"`
	EventType                string         `json:"eventType"`
	EventSource              string         `json:"eventSource,omitempty"`
	Predicates               []Predicate    `json:"predicates,omitempty"`
	ParameterTemplate        map[string]any `json:"parameterTemplate,omitempty"`
	RunKeyTemplate           string         `json:"runKeyTemplate,omitempty"`
	IdempotencyKeyExpression string         `json:"idempotencyKeyExpression,omitempty"`
	ThrottleWindowMs         int64          `json:"throttleWindowMs,omitempty"`
	ThrottleCount            int            `json:"throttleCount,omitempty"`
	MaxConcurrency           int            `json:"maxConcurrency,omitempty"`
	Metadata                 map[string]any `json:"metadata,omitempty"`
	Status                   TriggerStatus  `json:"status"`
	Version                  int            `json:"version"`
	ModuleID                 string         `json:"moduleId,omitempty"`
	CreatedAt                time.Time      `json:"createdAt"`
	UpdatedAt                time.Time      `json:"updatedAt"`
}

// DeliveryStatus is the lifecycle state of a trigger delivery.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryMatched   DeliveryStatus = "matched"
	DeliveryThrottled DeliveryStatus = "throttled"
	DeliveryLaunched  DeliveryStatus = "launched"
	DeliverySkipped   DeliveryStatus = "skipped"
	DeliveryFailed    DeliveryStatus = "failed"
)

// TriggerDelivery is one (trigger, event) match evaluation outcome.
type TriggerDelivery struct {
	ID                   string         `json:"id"`
	TriggerID            string         `json:"triggerId"`
	WorkflowDefinitionID string         `json:"workflowDefinitionId"`
	EventID              string         `json:"eventId"`
	Status               DeliveryStatus `json:"status"`
	RetryState           RetryState     `json:"retryState"`
	RetryAttempts        int            `json:"retryAttempts"`
	NextAttemptAt        *time.Time     `json:"nextAttemptAt,omitempty"`
	WorkflowRunID        string         `json:"workflowRunId,omitempty"`
	IdempotencyKey       string         `json:"idempotencyKey,omitempty"`
	StatusReason         string         `json:"statusReason,omitempty"`
	CreatedAt            time.Time      `json:"createdAt"`
	UpdatedAt            time.Time      `json:"updatedAt"`
}

// WorkflowSchedule binds a cron expression to a workflow definition.
type WorkflowSchedule struct {
	ID                   string         `json:"id"`
	WorkflowDefinitionID string         `json:"workflowDefinitionId"`
	Name                 string         `json:"name,omitempty"`
	CronExpr             string         `json:"cronExpr"`
	Parameters           map[string]any `json:"parameters,omitempty"`
	Timezone             string         `json:"timezone,omitempty"`
	Enabled              bool           `json:"enabled"`
	LastRun              *time.Time     `json:"lastRun,omitempty"`
	NextRun              *time.Time     `json:"nextRun,omitempty"`
	RunCount             int64          `json:"runCount"`
	ErrorCount           int64          `json:"errorCount"`
	CreatedAt            time.Time      `json:"createdAt"`
	UpdatedAt            time.Time      `json:"updatedAt"`
}

// BaseURLSource identifies which layer of the manifest merge supplied a
// service's effective base URL.
type BaseURLSource string

const (
	BaseURLSourceManifest BaseURLSource = "manifest"
	BaseURLSourceRuntime  BaseURLSource = "runtime"
	BaseURLSourceEnv      BaseURLSource = "env"
	BaseURLSourceConfig   BaseURLSource = "config"
)

// EnvBinding is one environment entry of a service manifest, either a
// literal value or a reference to another service's property.
type EnvBinding struct {
	Key         string          `json:"key"`
	Value       string          `json:"value,omitempty"`
	FromService *EnvFromService `json:"fromService,omitempty"`
}

// EnvFromService resolves an environment value from another service's
// manifest property, with an optional fallback.
type EnvFromService struct {
	Service  string `json:"service"`
	Property string `json:"property"`
	Fallback string `json:"fallback,omitempty"`
}

// ServiceManifestEntry is a declarative service description, merged from
// one or more sources.
type ServiceManifestEntry struct {
	Slug           string        `json:"slug"`
	DisplayName    string        `json:"displayName,omitempty"`
	Kind           string        `json:"kind,omitempty"`
	BaseURL        string        `json:"baseUrl,omitempty"`
	BaseURLSource  BaseURLSource `json:"baseUrlSource,omitempty"`
	HealthEndpoint string        `json:"healthEndpoint,omitempty"`
	OpenAPIPath    string        `json:"openapiPath,omitempty"`
	Env            []EnvBinding  `json:"env,omitempty"`
	Capabilities   []string      `json:"capabilities,omitempty"`
	Tags           []string      `json:"tags,omitempty"`
	ModuleID       string        `json:"moduleId,omitempty"`
	ModuleVersion  string        `json:"moduleVersion,omitempty"`
	Sources        []string      `json:"sources,omitempty"`
}

// ServiceStatus is the observable health state of a registered service.
type ServiceStatus string

const (
	ServiceHealthy     ServiceStatus = "healthy"
	ServiceDegraded    ServiceStatus = "degraded"
	ServiceUnreachable ServiceStatus = "unreachable"
	ServiceUnknown     ServiceStatus = "unknown"
)

// ServiceRuntimeSnapshot is the launched-instance binding for a service.
type ServiceRuntimeSnapshot struct {
	RepositoryID  string    `json:"repositoryId,omitempty"`
	LaunchID      string    `json:"launchId,omitempty"`
	InstanceURL   string    `json:"instanceUrl,omitempty"`
	BaseURL       string    `json:"baseUrl,omitempty"`
	PreviewURL    string    `json:"previewUrl,omitempty"`
	Host          string    `json:"host,omitempty"`
	Port          int       `json:"port,omitempty"`
	ContainerIP   string    `json:"containerIp,omitempty"`
	ContainerPort int       `json:"containerPort,omitempty"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// OpenAPISnapshot records the last successfully fetched OpenAPI document.
type OpenAPISnapshot struct {
	Hash      string    `json:"hash"`
	FetchedAt time.Time `json:"fetchedAt"`
	ProbedURL string    `json:"probedUrl,omitempty"`
}

// HealthSnapshot is one health-poll observation for a service.
type HealthSnapshot struct {
	ID        string        `json:"id"`
	Slug      string        `json:"slug"`
	Status    ServiceStatus `json:"status"`
	Message   string        `json:"message,omitempty"`
	CheckedAt time.Time     `json:"checkedAt"`
}

// ServiceRecord is the persistent, observable state of a service.
type ServiceRecord struct {
	Slug          string                  `json:"slug"`
	Status        ServiceStatus           `json:"status"`
	StatusMessage string                  `json:"statusMessage,omitempty"`
	BaseURL       string                  `json:"baseUrl,omitempty"`
	Manifest      ServiceManifestEntry    `json:"manifest"`
	Runtime       *ServiceRuntimeSnapshot `json:"runtime,omitempty"`
	OpenAPI       *OpenAPISnapshot        `json:"openapi,omitempty"`
	LatestHealth  *HealthSnapshot         `json:"latestHealth,omitempty"`
	LinkedApps    []string                `json:"linkedApps,omitempty"`
	Capabilities  []string                `json:"capabilities,omitempty"`
	CreatedAt     time.Time               `json:"createdAt"`
	UpdatedAt     time.Time               `json:"updatedAt"`
}

// ModuleResourceContext binds a published resource to the module that
// owns it, per §4.G.
type ModuleResourceContext struct {
	ModuleID      string    `json:"moduleId"`
	ModuleVersion string    `json:"moduleVersion,omitempty"`
	ResourceType  string    `json:"resourceType"`
	ResourceID    string    `json:"resourceId"`
	CreatedAt     time.Time `json:"createdAt"`
}

// EventListFilter configures EventStore.ListEvents.
type EventListFilter struct {
	Cursor        string
	Limit         int
	JSONPath      string
	CorrelationID string
	Type          string
	Source        string
	From          *time.Time
	To            *time.Time
}

// RunListFilter configures WorkflowRunStore.ListRuns.
type RunListFilter struct {
	WorkflowDefinitionID string
	ModuleID             string
	Status               RunStatus
	Limit                int
}

// DeliveryListFilter configures TriggerDeliveryStore.ListDeliveries.
type DeliveryListFilter struct {
	TriggerID string
	Status    DeliveryStatus
	Limit     int
}
