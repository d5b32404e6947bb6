package spec

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Domain is the business area the generated agent serves.
type Domain string

const (
	DomainAudienceAnalysis   Domain = "audience_analysis"
	DomainCampaignManagement Domain = "campaign_management"
	DomainContentGeneration  Domain = "content_generation"
	DomainLeadScoring        Domain = "lead_scoring"
	DomainMarketResearch     Domain = "market_research"
	DomainCustomerSupport    Domain = "customer_support"
	DomainSalesAutomation    Domain = "sales_automation"
)

// AllDomains returns the accepted agent domains.
func AllDomains() []Domain {
	return []Domain{
		DomainAudienceAnalysis,
		DomainCampaignManagement,
		DomainContentGeneration,
		DomainLeadScoring,
		DomainMarketResearch,
		DomainCustomerSupport,
		DomainSalesAutomation,
	}
}

// Complexity grades how ambitious the requested agent is and feeds
// prompt construction downstream.
type Complexity string

const (
	ComplexityLow        Complexity = "low"
	ComplexityMedium     Complexity = "medium"
	ComplexityHigh       Complexity = "high"
	ComplexityEnterprise Complexity = "enterprise"
)

// ComplianceLevel controls how strictly validation and delivery review
// the generated artifact.
type ComplianceLevel string

const (
	ComplianceNone       ComplianceLevel = "none"
	ComplianceBasic      ComplianceLevel = "basic"
	ComplianceStandard   ComplianceLevel = "standard"
	ComplianceEnterprise ComplianceLevel = "enterprise"
)

// DefaultComplianceLevel is applied when a request leaves the field
// empty.
const DefaultComplianceLevel = ComplianceEnterprise

const (
	minNameLen    = 3
	maxNameLen    = 100
	minPurposeLen = 10
	maxPurposeLen = 500
)

// AgentRequirements is the caller-supplied description of the agent to
// build. It is immutable once a Specification is created.
type AgentRequirements struct {
	Name            string          `json:"name"`
	Purpose         string          `json:"purpose"`
	Domain          Domain          `json:"domain"`
	Complexity      Complexity      `json:"complexity"`
	ComplianceLevel ComplianceLevel `json:"compliance_level"`
}

// Normalize trims whitespace and applies field defaults. It must run
// before Validate.
func (r *AgentRequirements) Normalize() {
	r.Name = strings.TrimSpace(r.Name)
	r.Purpose = strings.TrimSpace(r.Purpose)
	if r.ComplianceLevel == "" {
		r.ComplianceLevel = DefaultComplianceLevel
	}
}

// Validate checks every field against its accepted range. It returns a
// validation_error FactoryError so callers can surface the failure
// without classification.
func (r *AgentRequirements) Validate() error {
	if n := utf8.RuneCountInString(r.Name); n < minNameLen || n > maxNameLen {
		return NewValidationError(fmt.Sprintf("name must be %d-%d characters, got %d", minNameLen, maxNameLen, n))
	}
	if n := utf8.RuneCountInString(r.Purpose); n < minPurposeLen || n > maxPurposeLen {
		return NewValidationError(fmt.Sprintf("purpose must be %d-%d characters, got %d", minPurposeLen, maxPurposeLen, n))
	}
	if !validDomain(r.Domain) {
		return NewValidationError(fmt.Sprintf("unknown domain %q", r.Domain))
	}
	switch r.Complexity {
	case ComplexityLow, ComplexityMedium, ComplexityHigh, ComplexityEnterprise:
	default:
		return NewValidationError(fmt.Sprintf("unknown complexity %q", r.Complexity))
	}
	switch r.ComplianceLevel {
	case ComplianceNone, ComplianceBasic, ComplianceStandard, ComplianceEnterprise:
	default:
		return NewValidationError(fmt.Sprintf("unknown compliance level %q", r.ComplianceLevel))
	}
	return nil
}

func validDomain(d Domain) bool {
	for _, known := range AllDomains() {
		if d == known {
			return true
		}
	}
	return false
}
