package security

import (
	"time"
)

// Severity of a vulnerability finding
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// RiskLevel of a requested permission
type RiskLevel string

const (
	RiskCritical RiskLevel = "critical"
	RiskHigh     RiskLevel = "high"
	RiskMedium   RiskLevel = "medium"
	RiskLow      RiskLevel = "low"
)

// ValidationResult is the aggregate outcome of the four sub-validators
type ValidationResult struct {
	ExtensionID              string                   `json:"extension_id"`
	Passed                   bool                     `json:"passed"`
	SecurityScore            float64                  `json:"security_score"`
	ResourceLimitsValidation ResourceLimitsValidation `json:"resource_limits_validation"`
	CodeSigningValidation    CodeSigningValidation    `json:"code_signing_validation"`
	PermissionValidation     PermissionValidation     `json:"permission_validation"`
	VulnerabilityScan        VulnerabilityScan        `json:"vulnerability_scan"`
	Vulnerabilities          []Vulnerability          `json:"vulnerabilities"`
	Recommendations          []string                 `json:"recommendations"`
	ValidationTimestamp      time.Time                `json:"validation_timestamp"`
}

// ResourceLimitsValidation checks requested resources against global maxima
type ResourceLimitsValidation struct {
	MemoryCheckPassed   bool     `json:"memory_check_passed"`
	CPUCheckPassed      bool     `json:"cpu_check_passed"`
	FileSizeCheckPassed bool     `json:"file_size_check_passed"`
	AccessCheckPassed   bool     `json:"access_check_passed"`
	Score               float64  `json:"score"`
	Issues              []string `json:"issues,omitempty"`
	Recommendations     []string `json:"recommendations,omitempty"`
}

// Passed reports whether every resource dimension passed
func (r ResourceLimitsValidation) Passed() bool {
	return r.MemoryCheckPassed && r.CPUCheckPassed && r.FileSizeCheckPassed && r.AccessCheckPassed
}

// CodeSigningValidation is the signature and certificate assessment
type CodeSigningValidation struct {
	SignaturePresent     bool     `json:"signature_present"`
	SignatureValid       bool     `json:"signature_valid"`
	CertificateValid     bool     `json:"certificate_valid"`
	TimestampValid       bool     `json:"timestamp_valid"`
	ChainOfTrustVerified bool     `json:"chain_of_trust_verified"`
	TrustedCA            string   `json:"trusted_ca,omitempty"`
	Tampered             bool     `json:"tampered"`
	Score                float64  `json:"score"`
	Issues               []string `json:"issues,omitempty"`
	Recommendations      []string `json:"recommendations,omitempty"`
}

// PermissionAssessment is the verdict for one requested permission
type PermissionAssessment struct {
	Permission string    `json:"permission"`
	RiskLevel  RiskLevel `json:"risk_level"`
	Authorized bool      `json:"authorized"`
	Reason     string    `json:"reason,omitempty"`
}

// PermissionValidation is the assessment of all requested permissions
type PermissionValidation struct {
	Permissions             []PermissionAssessment `json:"permissions"`
	HighRiskPermissions     []string               `json:"high_risk_permissions"`
	UnauthorizedPermissions []string               `json:"unauthorized_permissions"`
	Score                   float64                `json:"score"`
	Recommendations         []string               `json:"recommendations,omitempty"`
}

// HasUnauthorizedHighRisk reports whether a high-risk permission lacks approval
func (p PermissionValidation) HasUnauthorizedHighRisk() bool {
	for _, a := range p.Permissions {
		if !a.Authorized && (a.RiskLevel == RiskCritical || a.RiskLevel == RiskHigh) {
			return true
		}
	}
	return false
}

// Vulnerability is a single finding
type Vulnerability struct {
	ID          string   `json:"id" yaml:"id"`
	Severity    Severity `json:"severity" yaml:"severity"`
	Component   string   `json:"component" yaml:"component"`
	Description string   `json:"description" yaml:"description"`
	Remediation string   `json:"remediation,omitempty" yaml:"remediation,omitempty"`
	Resolved    bool     `json:"resolved" yaml:"-"`
}

// VulnerabilityScan is the outcome of the vulnerability sub-validator
type VulnerabilityScan struct {
	ScannedComponents int             `json:"scanned_components"`
	Findings          []Vulnerability `json:"findings"`
	Score             float64         `json:"score"`
	Recommendations   []string        `json:"recommendations,omitempty"`
}

// CountUnresolved returns the number of unresolved findings of a severity
func (s VulnerabilityScan) CountUnresolved(sev Severity) int {
	n := 0
	for _, v := range s.Findings {
		if !v.Resolved && v.Severity == sev {
			n++
		}
	}
	return n
}

func (r *ValidationResult) clone() *ValidationResult {
	c := *r
	c.ResourceLimitsValidation.Issues = append([]string(nil), r.ResourceLimitsValidation.Issues...)
	c.ResourceLimitsValidation.Recommendations = append([]string(nil), r.ResourceLimitsValidation.Recommendations...)
	c.CodeSigningValidation.Issues = append([]string(nil), r.CodeSigningValidation.Issues...)
	c.CodeSigningValidation.Recommendations = append([]string(nil), r.CodeSigningValidation.Recommendations...)
	c.PermissionValidation.Permissions = append([]PermissionAssessment(nil), r.PermissionValidation.Permissions...)
	c.PermissionValidation.HighRiskPermissions = append([]string(nil), r.PermissionValidation.HighRiskPermissions...)
	c.PermissionValidation.UnauthorizedPermissions = append([]string(nil), r.PermissionValidation.UnauthorizedPermissions...)
	c.PermissionValidation.Recommendations = append([]string(nil), r.PermissionValidation.Recommendations...)
	c.VulnerabilityScan.Findings = append([]Vulnerability(nil), r.VulnerabilityScan.Findings...)
	c.VulnerabilityScan.Recommendations = append([]string(nil), r.VulnerabilityScan.Recommendations...)
	c.Vulnerabilities = append([]Vulnerability(nil), r.Vulnerabilities...)
	c.Recommendations = append([]string(nil), r.Recommendations...)
	return &c
}

// AddRecommendations appends recommendations that are not already present
func (r *ValidationResult) AddRecommendations(recs ...string) {
	r.Recommendations = dedupe(append(r.Recommendations, recs...))
}

func dedupe(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		if item == "" || seen[item] {
			continue
		}
		seen[item] = true
		out = append(out, item)
	}
	return out
}

func clampScore(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
