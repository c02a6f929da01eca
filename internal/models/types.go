package models

// RuleType groups detectors in the pattern catalog
type RuleType string

const (
	RuleTypePII         RuleType = "pii"
	RuleTypeFinancial   RuleType = "financial"
	RuleTypeRateLimit   RuleType = "rate_limit"
	RuleTypeGDPR        RuleType = "gdpr"
	RuleTypeAPISecurity RuleType = "api_security"
	RuleTypeAIUsage     RuleType = "ai_usage"
)

// RuleTypes lists every rule type in evaluation order
var RuleTypes = []RuleType{
	RuleTypePII,
	RuleTypeGDPR,
	RuleTypeFinancial,
	RuleTypeAPISecurity,
	RuleTypeRateLimit,
	RuleTypeAIUsage,
}

// Valid reports whether t is a known rule type
func (t RuleType) Valid() bool {
	for _, rt := range RuleTypes {
		if rt == t {
			return true
		}
	}
	return false
}

// Severity levels shared by detectors, alerts and incidents
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityWarning  Severity = "warning"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityLow, SeverityMedium, SeverityWarning, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Rank orders severities from info (0) to critical (5). Unknown values rank below info.
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 0
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityWarning:
		return 3
	case SeverityHigh:
		return 4
	case SeverityCritical:
		return 5
	}
	return -1
}

// RiskLevel of a classified data finding
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// IsHigh is true for high and critical risk
func (r RiskLevel) IsHigh() bool {
	return r == RiskHigh || r == RiskCritical
}

// Action is the remediation suggested for a violation
type Action string

const (
	ActionAlertAndRedact Action = "alert_and_redact"
	ActionBlock          Action = "block"
	ActionRewrite        Action = "rewrite"
	ActionMonitor        Action = "monitor"
	ActionAllow          Action = "allow"
)

// Violation types produced by the pipeline
const (
	ViolationPII         = "pii_detection"
	ViolationFinancial   = "financial_compliance"
	ViolationAPISecurity = "api_security"
	ViolationRateLimit   = "rate_limit"
	ViolationGDPR        = "gdpr_compliance"
	ViolationAIUsage     = "ai_usage"
	ViolationLLMSafety   = "llm_safety"
	ViolationAnomaly     = "cross_app_anomaly"
)

// ViolationTypeFor maps a rule type to the violation type it raises
func ViolationTypeFor(t RuleType) string {
	switch t {
	case RuleTypePII:
		return ViolationPII
	case RuleTypeFinancial:
		return ViolationFinancial
	case RuleTypeAPISecurity:
		return ViolationAPISecurity
	case RuleTypeRateLimit:
		return ViolationRateLimit
	case RuleTypeGDPR:
		return ViolationGDPR
	case RuleTypeAIUsage:
		return ViolationAIUsage
	}
	return string(t)
}

// RuleTypeFor is the inverse of ViolationTypeFor. The second value is false
// for violation types that no catalog rule produces.
func RuleTypeFor(violationType string) (RuleType, bool) {
	for _, rt := range RuleTypes {
		if ViolationTypeFor(rt) == violationType {
			return rt, true
		}
	}
	return "", false
}

// AlertStatus lifecycle
type AlertStatus string

const (
	AlertStatusActive       AlertStatus = "active"
	AlertStatusAcknowledged AlertStatus = "acknowledged"
	AlertStatusResolved     AlertStatus = "resolved"
)

// IncidentStatus lifecycle
type IncidentStatus string

const (
	IncidentStatusOpen          IncidentStatus = "open"
	IncidentStatusInvestigating IncidentStatus = "investigating"
	IncidentStatusResolved      IncidentStatus = "resolved"
)

// TrackedVia records how an external API call was observed
type TrackedVia string

const (
	TrackedDirect      TrackedVia = "direct"
	TrackedWebhook     TrackedVia = "webhook"
	TrackedCorrelation TrackedVia = "correlation"
	TrackedManual      TrackedVia = "manual"
)

// UnknownApplication is the application source used when none can be derived
const UnknownApplication = "unknown_application"
