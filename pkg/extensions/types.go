// Package extensions defines the extension data model shared by the registry,
// the security pipeline, the lifecycle manager and the dispatcher.
package extensions

import (
	"time"
)

// ExtensionType classifies what an extension contributes
type ExtensionType string

const (
	TypePlugin      ExtensionType = "plugin"
	TypeAdapter     ExtensionType = "adapter"
	TypeConnector   ExtensionType = "connector"
	TypeMiddleware  ExtensionType = "middleware"
	TypeHook        ExtensionType = "hook"
	TypeTransformer ExtensionType = "transformer"
)

// ValidTypes lists every supported extension type
var ValidTypes = []ExtensionType{
	TypePlugin, TypeAdapter, TypeConnector, TypeMiddleware, TypeHook, TypeTransformer,
}

// IsValid reports whether t is a known extension type
func (t ExtensionType) IsValid() bool {
	for _, v := range ValidTypes {
		if v == t {
			return true
		}
	}
	return false
}

// PointType is the kind of an extension point
type PointType string

const (
	PointHook          PointType = "hook"
	PointFilter        PointType = "filter"
	PointAction        PointType = "action"
	PointAPIEndpoint   PointType = "api_endpoint"
	PointEventListener PointType = "event_listener"
)

// SystemModule is the target module that matches every dispatch
const SystemModule = "system"

// Extension is an installable unit. It is owned by the registry; other
// components hold its id and work on copies.
type Extension struct {
	ExtensionID        string              `json:"extension_id"`
	ContextID          string              `json:"context_id"`
	ProtocolVersion    string              `json:"protocol_version"`
	Timestamp          time.Time           `json:"timestamp"`
	Name               string              `json:"name"`
	DisplayName        string              `json:"display_name"`
	Description        string              `json:"description,omitempty"`
	Version            string              `json:"version"`
	Type               ExtensionType       `json:"type"`
	Status             Status              `json:"status"`
	Source             string              `json:"source,omitempty"`
	Compatibility      Compatibility       `json:"compatibility"`
	Configuration      Configuration       `json:"configuration"`
	ExtensionPoints    []ExtensionPoint    `json:"extension_points"`
	APIExtensions      []APIExtension      `json:"api_extensions"`
	EventSubscriptions []EventSubscription `json:"event_subscriptions"`
	Lifecycle          Lifecycle           `json:"lifecycle"`
	Security           Security            `json:"security"`
	Metadata           *Metadata           `json:"metadata,omitempty"`
}

// Compatibility declares what an extension needs from the platform
type Compatibility struct {
	ProtocolVersion string       `json:"protocol_version,omitempty" yaml:"protocol_version,omitempty"`
	RequiredModules []string     `json:"required_modules,omitempty" yaml:"required_modules,omitempty"`
	Dependencies    []Dependency `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Conflicts       []Conflict   `json:"conflicts,omitempty" yaml:"conflicts,omitempty"`
}

// Dependency references another extension by id or name
type Dependency struct {
	ExtensionID  string `json:"extension_id,omitempty" yaml:"extension_id,omitempty"`
	Name         string `json:"name,omitempty" yaml:"name,omitempty"`
	VersionRange string `json:"version_range,omitempty" yaml:"version_range,omitempty"`
	Optional     bool   `json:"optional,omitempty" yaml:"optional,omitempty"`
}

// Conflict names an extension that must not be installed alongside
type Conflict struct {
	Name         string `json:"name" yaml:"name"`
	VersionRange string `json:"version_range,omitempty" yaml:"version_range,omitempty"`
	Reason       string `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// Configuration carries the schema, defaults and current values
type Configuration struct {
	Schema          map[string]interface{} `json:"schema,omitempty" yaml:"schema,omitempty"`
	CurrentConfig   map[string]interface{} `json:"current_config,omitempty" yaml:"current_config,omitempty"`
	DefaultConfig   map[string]interface{} `json:"default_config,omitempty" yaml:"default_config,omitempty"`
	ValidationRules []ValidationRule       `json:"validation_rules,omitempty" yaml:"validation_rules,omitempty"`
}

// ValidationRule is a single field-level configuration rule
type ValidationRule struct {
	Field   string   `json:"field" yaml:"field"`
	Rule    string   `json:"rule" yaml:"rule"` // required, type, pattern, min_length, max_length, minimum, maximum, enum
	Value   string   `json:"value,omitempty" yaml:"value,omitempty"`
	Values  []string `json:"values,omitempty" yaml:"values,omitempty"`
	Message string   `json:"message,omitempty" yaml:"message,omitempty"`
}

// ExtensionPoint is a named hook contributed by an extension
type ExtensionPoint struct {
	PointID        string          `json:"point_id" yaml:"point_id,omitempty"`
	Name           string          `json:"name" yaml:"name"`
	Type           PointType       `json:"type" yaml:"type"`
	TargetModule   string          `json:"target_module" yaml:"target_module"`
	ExecutionOrder int             `json:"execution_order" yaml:"execution_order"`
	Enabled        bool            `json:"enabled" yaml:"enabled"`
	Handler        HandlerSpec     `json:"handler" yaml:"handler"`
	Conditions     *PointCondition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
}

// HandlerSpec names the function bound to an extension point
type HandlerSpec struct {
	FunctionName string                 `json:"function_name" yaml:"function_name"`
	TimeoutMs    int                    `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	RetryPolicy  *RetryPolicy           `json:"retry_policy,omitempty" yaml:"retry_policy,omitempty"`
	Parameters   map[string]interface{} `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// RetryPolicy is declared by manifests and stored, but never enforced.
type RetryPolicy struct {
	MaxAttempts     int      `json:"max_attempts" yaml:"max_attempts"`
	BackoffStrategy string   `json:"backoff_strategy,omitempty" yaml:"backoff_strategy,omitempty"`
	InitialDelayMs  int      `json:"initial_delay_ms,omitempty" yaml:"initial_delay_ms,omitempty"`
	MaxDelayMs      int      `json:"max_delay_ms,omitempty" yaml:"max_delay_ms,omitempty"`
	RetryableErrors []string `json:"retryable_errors,omitempty" yaml:"retryable_errors,omitempty"`
}

// PointCondition is an opaque activation condition carried with a point
type PointCondition struct {
	Expression string                 `json:"expression,omitempty" yaml:"expression,omitempty"`
	Parameters map[string]interface{} `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// APIExtension is an endpoint contributed by an extension
type APIExtension struct {
	Endpoint     string   `json:"endpoint" yaml:"endpoint"`
	Method       string   `json:"method" yaml:"method"`
	Handler      string   `json:"handler" yaml:"handler"`
	Middleware   []string `json:"middleware,omitempty" yaml:"middleware,omitempty"`
	AuthRequired bool     `json:"auth_required" yaml:"auth_required"`
	Permissions  []string `json:"permissions,omitempty" yaml:"permissions,omitempty"`
	RateLimitRPM int      `json:"rate_limit_rpm,omitempty" yaml:"rate_limit_rpm,omitempty"`
}

// EventSubscription binds an event pattern to a handler function
type EventSubscription struct {
	EventPattern      string                 `json:"event_pattern" yaml:"event_pattern"`
	Handler           string                 `json:"handler" yaml:"handler"`
	FilterConditions  map[string]interface{} `json:"filter_conditions,omitempty" yaml:"filter_conditions,omitempty"`
	DeliveryGuarantee string                 `json:"delivery_guarantee,omitempty" yaml:"delivery_guarantee,omitempty"`
}

// Lifecycle tracks install history and runtime counters
type Lifecycle struct {
	InstallDate        time.Time          `json:"install_date"`
	LastUpdate         *time.Time         `json:"last_update,omitempty"`
	ActivationCount    int                `json:"activation_count"`
	ErrorCount         int                `json:"error_count"`
	LastError          *ErrorRecord       `json:"last_error,omitempty"`
	PerformanceMetrics PerformanceMetrics `json:"performance_metrics"`
	HealthCheck        *HealthCheckConfig `json:"health_check,omitempty"`
}

// ErrorRecord is the most recent failure observed for an extension
type ErrorRecord struct {
	Timestamp time.Time `json:"timestamp"`
	ErrorType string    `json:"error_type"`
	Message   string    `json:"message"`
}

// PerformanceMetrics are rolling handler execution statistics
type PerformanceMetrics struct {
	AverageExecutionTimeMs float64 `json:"average_execution_time_ms"`
	TotalExecutions        int64   `json:"total_executions"`
	SuccessRate            float64 `json:"success_rate"`
	MemoryUsageMB          float64 `json:"memory_usage_mb"`
}

// Record folds one execution into the running average and success rate.
func (m *PerformanceMetrics) Record(duration time.Duration, success bool) {
	ms := float64(duration) / float64(time.Millisecond)
	prev := float64(m.TotalExecutions)
	m.TotalExecutions++
	total := float64(m.TotalExecutions)

	m.AverageExecutionTimeMs = (m.AverageExecutionTimeMs*prev + ms) / total

	succeeded := m.SuccessRate * prev
	if success {
		succeeded++
	}
	m.SuccessRate = succeeded / total
}

// HealthCheckConfig configures the optional HTTP liveness probe
type HealthCheckConfig struct {
	Enabled         bool   `json:"enabled" yaml:"enabled"`
	Endpoint        string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	IntervalSeconds int    `json:"interval_seconds,omitempty" yaml:"interval_seconds,omitempty"`
	TimeoutMs       int    `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
}

// FileSystemAccess levels
const (
	FileSystemNone     = "none"
	FileSystemSandbox  = "sandbox"
	FileSystemReadOnly = "read_only"
	FileSystemFull     = "full"
)

// Security holds the sandbox, resource and signing declarations
type Security struct {
	SandboxEnabled bool           `json:"sandbox_enabled" yaml:"sandbox_enabled"`
	ResourceLimits ResourceLimits `json:"resource_limits" yaml:"resource_limits"`
	CodeSigning    *CodeSigning   `json:"code_signing,omitempty" yaml:"code_signing,omitempty"`
	Permissions    []Permission   `json:"permissions,omitempty" yaml:"permissions,omitempty"`
}

// ResourceLimits are the resources an extension requests
type ResourceLimits struct {
	MaxMemoryMB      int    `json:"max_memory_mb" yaml:"max_memory_mb"`
	MaxCPUPercent    int    `json:"max_cpu_percent" yaml:"max_cpu_percent"`
	MaxFileSizeMB    int    `json:"max_file_size_mb" yaml:"max_file_size_mb"`
	NetworkAccess    bool   `json:"network_access" yaml:"network_access"`
	FileSystemAccess string `json:"file_system_access" yaml:"file_system_access"`
}

// CodeSigning is the signature block of an extension package
type CodeSigning struct {
	Signature   string    `json:"signature" yaml:"signature"`
	Certificate string    `json:"certificate" yaml:"certificate"`
	Timestamp   time.Time `json:"timestamp" yaml:"timestamp"`
	Algorithm   string    `json:"algorithm,omitempty" yaml:"algorithm,omitempty"`
}

// Permission is a capability requested by an extension
type Permission struct {
	Permission    string `json:"permission" yaml:"permission"`
	Justification string `json:"justification" yaml:"justification"`
	AutoApproved  bool   `json:"auto_approved" yaml:"auto_approved"`
}

// Metadata is descriptive catalogue information
type Metadata struct {
	Author     string   `json:"author,omitempty" yaml:"author,omitempty"`
	Categories []string `json:"categories,omitempty" yaml:"categories,omitempty"`
	Keywords   []string `json:"keywords,omitempty" yaml:"keywords,omitempty"`
	License    string   `json:"license,omitempty" yaml:"license,omitempty"`
	Homepage   string   `json:"homepage,omitempty" yaml:"homepage,omitempty"`
}

// ExecutionContext is the bookkeeping record of one handler invocation
type ExecutionContext struct {
	ExecutionID string                 `json:"execution_id"`
	ExtensionID string                 `json:"extension_id"`
	PointID     string                 `json:"point_id"`
	StartTime   time.Time              `json:"start_time"`
	TimeoutMs   int                    `json:"timeout_ms"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// ExecutionResult is the outcome of one handler invocation
type ExecutionResult struct {
	ExecutionID     string      `json:"execution_id"`
	ExtensionID     string      `json:"extension_id"`
	PointID         string      `json:"point_id"`
	Success         bool        `json:"success"`
	Result          interface{} `json:"result,omitempty"`
	ErrorCode       string      `json:"error_code,omitempty"`
	ErrorMessage    string      `json:"error_message,omitempty"`
	ExecutionTimeMs float64     `json:"execution_time_ms"`
}

// Dispatch error codes
const (
	CodeHandlerExecutionFailed = "HANDLER_EXECUTION_FAILED"
	CodeHandlerTimeout         = "HANDLER_TIMEOUT"
	CodeDiscoveryFailed        = "DISCOVERY_FAILED"
)

// Clone returns a deep copy so callers never share mutable state with the
// registry.
func (e *Extension) Clone() *Extension {
	if e == nil {
		return nil
	}
	c := *e
	c.Compatibility.RequiredModules = append([]string(nil), e.Compatibility.RequiredModules...)
	c.Compatibility.Dependencies = append([]Dependency(nil), e.Compatibility.Dependencies...)
	c.Compatibility.Conflicts = append([]Conflict(nil), e.Compatibility.Conflicts...)
	c.Configuration.Schema = cloneMap(e.Configuration.Schema)
	c.Configuration.CurrentConfig = cloneMap(e.Configuration.CurrentConfig)
	c.Configuration.DefaultConfig = cloneMap(e.Configuration.DefaultConfig)
	c.Configuration.ValidationRules = append([]ValidationRule(nil), e.Configuration.ValidationRules...)
	c.ExtensionPoints = make([]ExtensionPoint, len(e.ExtensionPoints))
	for i, p := range e.ExtensionPoints {
		p.Handler.Parameters = cloneMap(p.Handler.Parameters)
		if p.Handler.RetryPolicy != nil {
			rp := *p.Handler.RetryPolicy
			p.Handler.RetryPolicy = &rp
		}
		if p.Conditions != nil {
			cond := *p.Conditions
			cond.Parameters = cloneMap(p.Conditions.Parameters)
			p.Conditions = &cond
		}
		c.ExtensionPoints[i] = p
	}
	c.APIExtensions = append([]APIExtension(nil), e.APIExtensions...)
	c.EventSubscriptions = append([]EventSubscription(nil), e.EventSubscriptions...)
	if e.Lifecycle.LastUpdate != nil {
		t := *e.Lifecycle.LastUpdate
		c.Lifecycle.LastUpdate = &t
	}
	if e.Lifecycle.LastError != nil {
		le := *e.Lifecycle.LastError
		c.Lifecycle.LastError = &le
	}
	if e.Lifecycle.HealthCheck != nil {
		hc := *e.Lifecycle.HealthCheck
		c.Lifecycle.HealthCheck = &hc
	}
	if e.Security.CodeSigning != nil {
		cs := *e.Security.CodeSigning
		c.Security.CodeSigning = &cs
	}
	c.Security.Permissions = append([]Permission(nil), e.Security.Permissions...)
	if e.Metadata != nil {
		md := *e.Metadata
		md.Categories = append([]string(nil), e.Metadata.Categories...)
		md.Keywords = append([]string(nil), e.Metadata.Keywords...)
		c.Metadata = &md
	}
	return &c
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]interface{}); ok {
			out[k] = cloneMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}

// DependsOn reports whether e declares a required dependency on the
// extension identified by id or name. Optional dependencies are ignored.
func (e *Extension) DependsOn(id, name string) bool {
	for _, dep := range e.Compatibility.Dependencies {
		if dep.Optional {
			continue
		}
		if dep.ExtensionID != "" && dep.ExtensionID == id {
			return true
		}
		if dep.Name != "" && dep.Name == name {
			return true
		}
	}
	return false
}
