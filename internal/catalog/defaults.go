package catalog

import (
	"github.com/aegisshield/guarddog/internal/models"
)

// Built-in PII patterns
const (
	PatternSSN        = `\d{3}-?\d{2}-?\d{4}`
	PatternCreditCard = `\d{4}[\s-]?\d{4}[\s-]?\d{4}[\s-]?\d{4}`
	PatternEmail      = `[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`
	PatternPhone      = `\d{3}[-.]?\d{3}[-.]?\d{4}`
	PatternAddress    = `\d+\s+[A-Za-z0-9\s]+(Street|St|Avenue|Ave|Road|Rd|Boulevard|Blvd|Lane|Ln|Drive|Dr)\b`
	PatternName       = `\b[A-Z][a-z]+\s+[A-Z][a-z]+\b`
	PatternIBAN       = `\b[A-Z]{2}\d{2}[A-Z0-9]{11,30}\b`
	PatternIPv4       = `\b(?:\d{1,3}\.){3}\d{1,3}\b`
)

// Subtypes of the threshold detectors
const (
	SubtypeHighValue        = "high_value_transaction"
	SubtypeRapidTransaction = "rapid_transactions"
	SubtypeAuthFailure      = "auth_failure"
	SubtypeSuspiciousAgent  = "suspicious_user_agent"
	SubtypeOversizedPayload = "oversized_payload"
	SubtypeRateLimit        = "rate_limit_exceeded"
	SubtypeHighTokenUsage   = "high_token_usage"
	SubtypeHighCost         = "high_cost_request"
)

// DefaultThresholds are the out-of-the-box predicate parameters
func DefaultThresholds() Thresholds {
	return Thresholds{
		HighValueThreshold:   10000,
		HighRiskAmount:       15000,
		RapidCount:           10,
		TimeWindow:           "1_hour",
		AuthFailureCodes:     []int{401, 403},
		SuspiciousAgents:     []string{"bot", "crawler", "scanner", "sqlmap", "nmap"},
		MaxPayloadMB:         10,
		MaxRequestsPerMinute: 100,
		TokenThreshold:       10000,
		CostThreshold:        1.00,
	}
}

func piiDetectors() []*Detector {
	return []*Detector{
		{
			ID: "pii.ssn", Subtype: "ssn", Description: "Social Security Number",
			Severity: models.SeverityHigh, RiskLevel: models.RiskHigh,
			Action: models.ActionAlertAndRedact, Mask: MaskSSN, Pattern: PatternSSN,
		},
		{
			ID: "pii.credit_card", Subtype: "credit_card", Description: "Credit card number",
			Severity: models.SeverityHigh, RiskLevel: models.RiskHigh,
			Action: models.ActionAlertAndRedact, Mask: MaskCreditCard, Pattern: PatternCreditCard,
		},
		{
			ID: "pii.email", Subtype: "email", Description: "Email address",
			Severity: models.SeverityMedium, RiskLevel: models.RiskMedium,
			Action: models.ActionAlertAndRedact, Mask: MaskEmail, Pattern: PatternEmail,
		},
		{
			ID: "pii.phone", Subtype: "phone", Description: "Phone number",
			Severity: models.SeverityMedium, RiskLevel: models.RiskMedium,
			Action: models.ActionAlertAndRedact, Mask: MaskPhone, Pattern: PatternPhone,
		},
		{
			ID: "pii.address", Subtype: "address", Description: "Street address",
			Severity: models.SeverityMedium, RiskLevel: models.RiskMedium,
			Action: models.ActionAlertAndRedact, Mask: MaskAddress, Pattern: PatternAddress,
		},
		{
			// Matches any two capitalised words, so it is opt-in.
			ID: "pii.name", Subtype: "name", Description: "Personal name",
			Severity: models.SeverityLow, RiskLevel: models.RiskLow,
			Action: models.ActionAlertAndRedact, Mask: MaskName, Pattern: PatternName,
			Disabled: true,
		},
	}
}

func gdprDetectors() []*Detector {
	return []*Detector{
		{
			ID: "gdpr.iban", Subtype: "iban", Description: "International bank account number",
			Severity: models.SeverityHigh, RiskLevel: models.RiskHigh,
			Action: models.ActionAlertAndRedact, Mask: MaskIBAN, Pattern: PatternIBAN,
		},
		{
			ID: "gdpr.ip_address", Subtype: "ip_address", Description: "IPv4 address of a data subject",
			Severity: models.SeverityLow, RiskLevel: models.RiskLow,
			Action: models.ActionMonitor, Mask: MaskIP, Pattern: PatternIPv4,
		},
	}
}

// Default builds the built-in catalog
func Default() *Catalog {
	th := DefaultThresholds
	groups := map[models.RuleType]*Group{
		models.RuleTypePII: {
			RuleType: models.RuleTypePII, Enabled: true, Thresholds: th(),
			Detectors: piiDetectors(),
		},
		models.RuleTypeGDPR: {
			RuleType: models.RuleTypeGDPR, Enabled: true, Thresholds: th(),
			Detectors: gdprDetectors(),
		},
		models.RuleTypeFinancial: {
			RuleType: models.RuleTypeFinancial, Enabled: true, Thresholds: th(),
			Detectors: []*Detector{
				{
					ID: "financial.high_value", Subtype: SubtypeHighValue,
					Description: "Transaction amount above the reporting threshold",
					Severity:    models.SeverityHigh, RiskLevel: models.RiskMedium,
					Action: models.ActionMonitor, Mask: MaskDefault,
				},
				{
					ID: "financial.rapid", Subtype: SubtypeRapidTransaction,
					Description: "Too many transactions inside the time window",
					Severity:    models.SeverityCritical, RiskLevel: models.RiskHigh,
					Action: models.ActionBlock, Mask: MaskDefault,
				},
			},
		},
		models.RuleTypeAPISecurity: {
			RuleType: models.RuleTypeAPISecurity, Enabled: true, Thresholds: th(),
			Detectors: []*Detector{
				{
					ID: "api.auth_failure", Subtype: SubtypeAuthFailure,
					Description: "Authentication or authorization failure",
					Severity:    models.SeverityMedium, Action: models.ActionMonitor, Mask: MaskDefault,
				},
				{
					ID: "api.suspicious_agent", Subtype: SubtypeSuspiciousAgent,
					Description: "Automated or attack tool user agent",
					Severity:    models.SeverityHigh, Action: models.ActionBlock, Mask: MaskDefault,
				},
				{
					ID: "api.oversized_payload", Subtype: SubtypeOversizedPayload,
					Description: "Request payload above the size limit",
					Severity:    models.SeverityMedium, Action: models.ActionMonitor, Mask: MaskDefault,
				},
			},
		},
		models.RuleTypeRateLimit: {
			RuleType: models.RuleTypeRateLimit, Enabled: true, Thresholds: th(),
			Detectors: []*Detector{
				{
					ID: "rate_limit.requests_per_minute", Subtype: SubtypeRateLimit,
					Description: "Request rate above the per-minute limit",
					Severity:    models.SeverityHigh, Action: models.ActionMonitor, Mask: MaskDefault,
				},
			},
		},
		models.RuleTypeAIUsage: {
			RuleType: models.RuleTypeAIUsage, Enabled: true, Thresholds: th(),
			Detectors: []*Detector{
				{
					ID: "ai.token_count", Subtype: SubtypeHighTokenUsage,
					Description: "Token usage above threshold",
					Severity:    models.SeverityMedium, Action: models.ActionMonitor, Mask: MaskDefault,
				},
				{
					ID: "ai.cost", Subtype: SubtypeHighCost,
					Description: "Per-request cost above threshold",
					Severity:    models.SeverityHigh, Action: models.ActionMonitor, Mask: MaskDefault,
				},
			},
		},
	}
	return newCatalog(groups)
}

// DefaultRules returns one operator rule per group of the built-in catalog
func DefaultRules() []models.Rule {
	names := map[models.RuleType]string{
		models.RuleTypePII:         "PII exposure",
		models.RuleTypeGDPR:        "GDPR personal data",
		models.RuleTypeFinancial:   "Financial transaction monitoring",
		models.RuleTypeAPISecurity: "API security",
		models.RuleTypeRateLimit:   "Rate limiting",
		models.RuleTypeAIUsage:     "AI usage",
	}
	severities := map[models.RuleType]models.Severity{
		models.RuleTypePII:         models.SeverityHigh,
		models.RuleTypeGDPR:        models.SeverityHigh,
		models.RuleTypeFinancial:   models.SeverityHigh,
		models.RuleTypeAPISecurity: models.SeverityMedium,
		models.RuleTypeRateLimit:   models.SeverityHigh,
		models.RuleTypeAIUsage:     models.SeverityMedium,
	}
	rules := make([]models.Rule, 0, len(models.RuleTypes))
	for _, rt := range models.RuleTypes {
		rules = append(rules, models.Rule{
			ID:       "rule_" + string(rt),
			Name:     names[rt],
			RuleType: rt,
			Severity: severities[rt],
			IsActive: true,
		})
	}
	return rules
}
